package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/pagefleet/internal/browser"
	"github.com/JakeFAU/pagefleet/internal/config"
	"github.com/JakeFAU/pagefleet/internal/controller"
	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/engine/enginetest"
	"github.com/JakeFAU/pagefleet/internal/wire"
	"github.com/JakeFAU/pagefleet/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeBacklog writes n visit-chain jobs per file into dir and returns the
// job ids in file order.
func writeBacklog(t *testing.T, dir string, files, n int) []string {
	t.Helper()
	var ids []string
	for f := range files {
		entries := make([]string, 0, n)
		for j := range n {
			id := fmt.Sprintf("f%d-j%d", f, j)
			ids = append(ids, id)
			entries = append(entries, fmt.Sprintf(`%q: {"url": "https://%s.example/", "features": {"visitchain": ""}}`, id, id))
		}
		body := "{" + strings.Join(entries, ",") + "}"
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("backlog-%d.json", f)), []byte(body), 0o600))
	}
	return ids
}

func testConfig(t *testing.T, inputs string, workers int) config.Config {
	t.Helper()
	return config.Config{
		Run: config.RunConfig{
			Workers:      workers,
			Inputs:       []string{inputs},
			TmpDir:       t.TempDir(),
			ExtStartPort: 4000,
		},
		Queue:   config.QueueConfig{RequestCapacity: 4, IdleDelay: 10 * time.Millisecond},
		Worker:  config.WorkerConfig{WatchdogTimeout: 5 * time.Second, MaxVisitsPerRestart: 50},
		Browser: config.BrowserConfig{Kind: string(browser.Firefox)},
		Output:  config.OutputConfig{VisitChainDir: filepath.Join(t.TempDir(), "chains")},
		Proxy:   config.ProxyConfig{Scheme: "round-robin"},
	}
}

func TestRunWritesOneFilePerJob(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()

			input := t.TempDir()
			ids := writeBacklog(t, input, 2, 5)
			cfg := testConfig(t, input, workers)
			engines := newEngineFactory(t, nil)

			a, err := New(context.Background(), cfg, nil, WithLauncherFactory(engines.launcher))
			require.NoError(t, err)
			defer func() { require.NoError(t, a.Close()) }()

			require.NoError(t, a.Run(context.Background()))

			for _, id := range ids {
				data, err := os.ReadFile(filepath.Join(cfg.Output.VisitChainDir, id+".json"))
				require.NoError(t, err, id)
				var records []crawler.ArtifactRecord
				require.NoError(t, json.Unmarshal(data, &records))
				require.NotEmpty(t, records)
				last := records[len(records)-1]
				assert.Equal(t, "https://"+id+".example/", last.URL)
				require.NotNil(t, last.StatusCode)
				assert.Equal(t, "200", last.StatusCode.String())
			}
			st := a.Status()
			assert.True(t, st.Done)
			assert.Equal(t, workers, st.StoppedWorkers)
			assert.Zero(t, st.RequestQueue)
			assert.Zero(t, st.ResultQueue)
		})
	}
}

func TestNewFailsOnMalformedBacklog(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 2)
	require.NoError(t, os.WriteFile(filepath.Join(input, "zz-broken.json"), []byte(`{"x": {"features": "all"}}`), 0o600))
	cfg := testConfig(t, input, 1)

	_, err := New(context.Background(), cfg, nil, WithLauncherFactory(newEngineFactory(t, nil).launcher))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open backlog")
	_, statErr := os.Stat(cfg.Output.VisitChainDir)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written before the backlog parses")
}

func TestNewFailsOnBadTagsFile(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 1)
	tags := filepath.Join(t.TempDir(), "tags.json")
	require.NoError(t, os.WriteFile(tags, []byte(`{"price": {"threshold": 1, "regexes": ["("]}}`), 0o600))
	cfg := testConfig(t, input, 1)
	cfg.Tags.File = tags

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load tags")
}

func TestRunSurvivesDeadWorker(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	ids := writeBacklog(t, input, 1, 6)
	cfg := testConfig(t, input, 2)
	engines := newEngineFactory(t, map[int]bool{0: true})

	a, err := New(context.Background(), cfg, nil, WithLauncherFactory(engines.launcher))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	require.NoError(t, a.Run(context.Background()))
	for _, id := range ids {
		assert.FileExists(t, filepath.Join(cfg.Output.VisitChainDir, id+".json"))
	}
}

func TestRunReturnsErrNoWorkersWhenAllDie(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 12)
	cfg := testConfig(t, input, 2)
	cfg.Queue.RequestCapacity = 2
	engines := newEngineFactory(t, map[int]bool{0: true, 1: true})

	a, err := New(context.Background(), cfg, nil, WithLauncherFactory(engines.launcher))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	err = a.Run(context.Background())
	require.ErrorIs(t, err, controller.ErrNoWorkers)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 3)
	cfg := testConfig(t, input, 2)
	cfg.Ops.ListenAddr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, nil, WithLauncherFactory(newEngineFactory(t, nil).launcher))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, a.Status().Done)
}

func TestRunFailsOnBadOpsAddress(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 1)
	cfg := testConfig(t, input, 1)
	cfg.Ops.ListenAddr = "not-an-address"

	a, err := New(context.Background(), cfg, nil, WithLauncherFactory(newEngineFactory(t, nil).launcher))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	require.Error(t, a.Run(context.Background()))
}

func TestRunUsesInjectedIDs(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 1)
	cfg := testConfig(t, input, 1)

	a, err := New(context.Background(), cfg, nil,
		WithLauncherFactory(newEngineFactory(t, nil).launcher),
		WithIDGenerator(fixedID("run-42")),
		WithClock(fixedClock{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.Equal(t, "run-42", a.RunID())
	assert.Equal(t, "run-42", a.Status().RunID)
	require.NoError(t, a.Run(context.Background()))
}

func TestWorkerProxies(t *testing.T) {
	t.Parallel()

	list := []crawler.Proxy{
		{Host: "10.0.0.1", Port: "3128", Scheme: "http"},
		{Host: "10.0.0.2", Port: "3128", Scheme: "http"},
	}

	ff := &App{kind: browser.Firefox, scheme: "round-robin", proxies: list}
	launch, src := ff.workerProxies(1)
	assert.Nil(t, launch)
	first, _ := src.Next()
	second, _ := src.Next()
	assert.Equal(t, list, []crawler.Proxy{first, second})

	chrome := &App{kind: browser.Chrome, scheme: "round-robin", proxies: list}
	for id := range 3 {
		launch, src := chrome.workerProxies(id)
		require.NotNil(t, launch)
		assert.Equal(t, list[id%2], *launch)
		for range 3 {
			p, ok := src.Next()
			require.True(t, ok)
			assert.Equal(t, *launch, p)
		}
	}

	none := &App{kind: browser.Chrome, scheme: "round-robin"}
	launch, src = none.workerProxies(0)
	assert.Nil(t, launch)
	_, ok := src.Next()
	assert.False(t, ok)
}

func TestCloseRemovesOwnedTmpDir(t *testing.T) {
	t.Parallel()

	input := t.TempDir()
	writeBacklog(t, input, 1, 1)
	cfg := testConfig(t, input, 1)
	cfg.Run.TmpDir = ""

	a, err := New(context.Background(), cfg, nil, WithLauncherFactory(newEngineFactory(t, nil).launcher))
	require.NoError(t, err)
	tmp := a.tmpDir
	assert.DirExists(t, filepath.Join(tmp, "profiles"))

	require.NoError(t, a.Close())
	assert.NoDirExists(t, tmp)
}

// --- fakes ---

var errNoBrowser = errors.New("no browser binary")

// engineFactory gives every worker its own in-process engine.
type engineFactory struct {
	t    *testing.T
	fail map[int]bool
}

func newEngineFactory(t *testing.T, fail map[int]bool) *engineFactory {
	return &engineFactory{t: t, fail: fail}
}

func (f *engineFactory) launcher(id, _ int, _ *crawler.Proxy) worker.Launcher {
	if f.fail[id] {
		return &engineLauncher{failStart: true}
	}
	srv := enginetest.Serve(f.t, enginetest.NewBackend())
	return &engineLauncher{port: srv.Port()}
}

type engineLauncher struct {
	port      int
	failStart bool

	mu      sync.Mutex
	running bool
}

func (l *engineLauncher) Start(ctx context.Context) (*wire.Client, error) {
	if l.failStart {
		return nil, errNoBrowser
	}
	client := wire.New(enginetest.FastOptions(l.port), nil)
	if err := client.Reset(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	return client, nil
}

func (l *engineLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *engineLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	return nil
}

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (fixedClock) Since(time.Time) time.Duration { return time.Second }
