package extract_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/engine/enginetest"
	"github.com/JakeFAU/pagefleet/internal/extract"
	hasher "github.com/JakeFAU/pagefleet/internal/hash/sha256"
	"github.com/JakeFAU/pagefleet/internal/proxy"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

type harness struct {
	backend  *enginetest.Backend
	client   *wire.Client
	pipeline *extract.Pipeline
	dirs     extract.Dirs
}

func newHarness(t *testing.T, tags []extract.TagRule) *harness {
	t.Helper()
	root := t.TempDir()
	dirs := extract.Dirs{
		DOM:        filepath.Join(root, "dom"),
		Screenshot: filepath.Join(root, "img"),
		VisitChain: filepath.Join(root, "vc"),
	}
	backend := enginetest.NewBackend()
	srv := enginetest.Serve(t, backend)
	return &harness{
		backend: backend,
		client:  wire.New(enginetest.FastOptions(srv.Port()), nil),
		pipeline: extract.New(extract.Options{
			Dirs:     dirs,
			TmpDir:   t.TempDir(),
			Hostname: "test",
		}, tags, hasher.New(), nil),
		dirs: dirs,
	}
}

func decodeJob(t *testing.T, id, raw string) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	job.ID = id
	return job
}

func TestRunDOMRoundTripReportsExists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.backend.SetPage("https://a.example/", enginetest.Page{HTML: "<html>A</html>"})
	job := decodeJob(t, "j1", `{"url":"https://a.example/","features":{"dom":"a.html","visitchain":""}}`)
	ctx := context.Background()

	batch, err := h.pipeline.Run(ctx, h.client, job, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	primary, ok := batch.Primary()
	require.True(t, ok)
	assert.Equal(t, &crawler.Artifact{File: "a.html"}, primary.DOM)

	data, err := os.ReadFile(filepath.Join(h.dirs.DOM, "a.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>A</html>", string(data))

	batch, err = h.pipeline.Run(ctx, h.client, job, nil)
	require.NoError(t, err)
	primary, _ = batch.Primary()
	assert.Equal(t, &crawler.Artifact{File: "a.html", Exists: true}, primary.DOM)
}

func TestRunHashNamesScreenshot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	backend := enginetest.NewBackend()
	img := []byte("\x89PNG\r\n\x1a\nfake-image")
	backend.SetPage("https://s.example/", enginetest.Page{Screenshot: img})
	srv := enginetest.Serve(t, backend)
	client := wire.New(enginetest.FastOptions(srv.Port()), nil)
	pipeline := extract.New(extract.Options{
		Dirs:       extract.Dirs{Screenshot: root, VisitChain: root},
		TmpDir:     t.TempDir(),
		Compressor: "pagefleet-no-such-compressor",
	}, nil, hasher.New(), nil)

	job := decodeJob(t, "s1", `{"url":"https://s.example/","features":{"screenshot":"","visitchain":""}}`)
	sum := sha256.Sum256(img)
	want := hex.EncodeToString(sum[:])

	batch, err := pipeline.Run(context.Background(), client, job, nil)
	require.NoError(t, err)
	primary, _ := batch.Primary()
	assert.Equal(t, &crawler.Artifact{Hash: want}, primary.Screenshot)
	data, err := os.ReadFile(filepath.Join(root, want+".png"))
	require.NoError(t, err)
	assert.Equal(t, img, data)

	batch, err = pipeline.Run(context.Background(), client, job, nil)
	require.NoError(t, err)
	primary, _ = batch.Primary()
	assert.True(t, primary.Screenshot.Exists)
}

func TestRunTagsKeepNonMatchingEntries(t *testing.T) {
	t.Parallel()

	rules, err := extract.ParseTags([]byte(`{
		"shop": {"threshold": 2, "regexes": ["price: (\\d+)", "cart-(\\w+)", "never-here"]},
		"blog": {"threshold": 1, "regexes": ["absent"]}
	}`))
	require.NoError(t, err)

	h := newHarness(t, rules)
	h.backend.SetPage("https://t.example/", enginetest.Page{HTML: "price: 42 cart-main"})
	job := decodeJob(t, "t1", `{"url":"https://t.example/","features":{"visitchain":""}}`)

	batch, err := h.pipeline.Run(context.Background(), h.client, job, nil)
	require.NoError(t, err)
	primary, _ := batch.Primary()
	require.Contains(t, primary.Tags, "shop")
	assert.NotContains(t, primary.Tags, "blog")
	assert.Equal(t, crawler.TagMatch{{"42"}, {"main"}, nil}, primary.Tags["shop"])
}

func TestRunBuildsVisitChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.backend.SetPage("https://v.example/", enginetest.Page{
		HTML:       "<p>v</p>",
		RedirectTo: []string{"https://v.example/final"},
		Headers:    map[string]string{"Server": "test"},
		Eval:       map[string]any{"document.title": "V"},
	})
	job := decodeJob(t, "v1", `{
		"url": "https://v.example/",
		"setup": {"headers": {"Accept-Language": "fr"}, "ff_prefs": [["a", 1, "int"]]},
		"features": "all",
		"actions": {"eval": ["document.title", "missing()"]}
	}`)

	batch, err := h.pipeline.Run(context.Background(), h.client, job, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "v1", batch.JobID)
	assert.Equal(t, filepath.Join(h.dirs.VisitChain, "v1.json"), batch.Destination)
	require.Len(t, batch.Records, 2)

	first := batch.Records[0]
	assert.Equal(t, "https://v.example/", first.URL)
	assert.Equal(t, crawler.HTTPStatus(302), first.StatusCode)
	assert.Equal(t, "192.0.2.1", first.ServerAddr)
	assert.Nil(t, first.DOM)

	last := batch.Records[1]
	assert.Equal(t, "https://v.example/final", last.URL)
	assert.Equal(t, crawler.HTTPStatus(200), last.StatusCode)
	assert.Equal(t, "test", last.Headers["Server"])
	assert.Equal(t, []any{"V", nil}, last.EvalResults)
	require.NotNil(t, last.DOM)
	assert.NotEmpty(t, last.DOM.Hash)
	require.NotNil(t, last.Screenshot)

	assert.Equal(t, map[string]string{"Accept-Language": "fr"}, h.backend.SentHeaders())
	assert.Len(t, h.backend.Prefs(), 1)
}

func TestRunRecordsTimeoutAndErrorStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.backend.SetPage("https://slow.example/", enginetest.Page{NeverLoads: true, ErrorPage: true})
	job := decodeJob(t, "slow", `{"url":"https://slow.example/","features":{"visitchain":"out.json"}}`)

	batch, err := h.pipeline.Run(context.Background(), h.client, job, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.dirs.VisitChain, "out.json"), batch.Destination)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, crawler.LabelStatus(crawler.StatusTimeout), batch.Records[0].StatusCode)
	assert.Equal(t, crawler.LabelStatus(crawler.StatusError), batch.Records[1].StatusCode)
	assert.Equal(t, crawler.HTTPStatus(200), batch.Records[2].StatusCode)
}

func TestRunWithoutVisitChainProducesNoBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := decodeJob(t, "n1", `{"url":"https://n.example/","features":{"dom":"n.html"}}`)

	batch, err := h.pipeline.Run(context.Background(), h.client, job, nil)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.FileExists(t, filepath.Join(h.dirs.DOM, "n.html"))
}

func TestRunProxySelection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rotator := proxy.NewRotator(proxy.RoundRobin, []crawler.Proxy{
		{Host: "10.0.0.1", Port: "1", Scheme: "http"},
		{Host: "10.0.0.2", Port: "2", Scheme: "http"},
	})
	ctx := context.Background()

	plain := decodeJob(t, "p1", `{"url":"https://p.example/","features":{"visitchain":""}}`)
	pinned := decodeJob(t, "p2", `{"url":"https://p.example/","setup":{"proxy":["10.9.9.9", 8080, "socks"]},"features":{"visitchain":""}}`)

	_, err := h.pipeline.Run(ctx, h.client, plain, rotator)
	require.NoError(t, err)
	_, err = h.pipeline.Run(ctx, h.client, pinned, rotator)
	require.NoError(t, err)
	_, err = h.pipeline.Run(ctx, h.client, plain, rotator)
	require.NoError(t, err)

	assert.Equal(t, []crawler.Proxy{
		{Host: "10.0.0.1", Port: "1", Scheme: "http"},
		{Host: "10.9.9.9", Port: "8080", Scheme: "socks"},
		{Host: "10.0.0.2", Port: "2", Scheme: "http"},
	}, h.backend.Proxies())
}

func TestRunRecordsRejectedProxy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	eng := &rejectingProxy{Client: h.client}
	job := decodeJob(t, "x1", `{"url":"https://x.example/","setup":{"proxy":["h", "1", "http"]},"features":{"visitchain":""}}`)

	batch, err := h.pipeline.Run(context.Background(), eng, job, nil)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, crawler.LabelStatus(crawler.StatusProxyError), batch.Records[0].StatusCode)
	assert.Empty(t, h.backend.Navigations())
}

// --- fakes ---

type rejectingProxy struct {
	*wire.Client
}

func (r *rejectingProxy) SetProxy(context.Context, crawler.Proxy) error {
	return errors.New("proxy refused")
}
