// Package extract drives one page visit through a rendering engine and turns
// the captured features into a result batch.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// Engine is the subset of the wire client the pipeline drives.
type Engine interface {
	Port() int
	Reset(ctx context.Context) error
	SetPref(ctx context.Context, pref crawler.Preference) error
	SetHeader(ctx context.Context, name, value string) error
	SetProxy(ctx context.Context, p crawler.Proxy) error
	SetURL(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context) (bool, error)
	PageError(ctx context.Context) (bool, error)
	HTML(ctx context.Context) ([]byte, error)
	Headers(ctx context.Context) (map[string]map[string]string, error)
	Redirects(ctx context.Context) ([]string, error)
	ResponseCodes(ctx context.Context) (map[string]crawler.StatusCode, error)
	EvalJS(ctx context.Context, expr string) (any, error)
	SaveScreenshot(ctx context.Context, path string) error
	SaveHTML(ctx context.Context, path string) error
}

var _ Engine = (*wire.Client)(nil)

// ProxySource yields the proxy for jobs that do not name one.
type ProxySource interface {
	Next() (crawler.Proxy, bool)
}

// Dirs holds the base directory of each feature.
type Dirs struct {
	DOM        string
	Screenshot string
	VisitChain string
}

// Options configures a Pipeline.
type Options struct {
	Dirs Dirs
	// TmpDir receives in-flight captures before they are moved into place.
	TmpDir string
	// Compressor is run on screenshots as `<Compressor> <file.png>`. Empty disables it.
	Compressor       string
	CompressorSuffix string
	// Hostname prefixes temp file names so workers on shared storage do not collide.
	Hostname string
	// FileWait bounds how long a saved artifact may take to appear.
	FileWait time.Duration
}

// Pipeline runs jobs against an engine. It holds no per-job state and may be
// shared by workers.
type Pipeline struct {
	opts   Options
	tags   []TagRule
	hasher crawler.Hasher
	logger *zap.Logger
}

// New returns a pipeline.
func New(opts Options, tags []TagRule, hasher crawler.Hasher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.FileWait <= 0 {
		opts.FileWait = 10 * time.Second
	}
	return &Pipeline{opts: opts, tags: tags, hasher: hasher, logger: logger}
}

// Run visits job.URL and returns the batch to persist. A nil batch with a nil
// error means the job produced nothing to write.
func (p *Pipeline) Run(ctx context.Context, eng Engine, job crawler.Job, proxies ProxySource) (*crawler.ResultBatch, error) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))

	if err := eng.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset engine: %w", err)
	}

	var visit []crawler.ArtifactRecord
	if err := p.setup(ctx, eng, job.Setup, proxies); err != nil {
		if !isProxyErr(err) {
			return nil, err
		}
		logger.Warn("proxy rejected, skipping navigation", zap.Error(err))
		visit = append(visit, crawler.ArtifactRecord{URL: job.URL, StatusCode: crawler.LabelStatus(crawler.StatusProxyError)})
		return p.finish(job, visit, logger), nil
	}

	if err := eng.SetURL(ctx, job.URL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	loaded, err := eng.WaitForLoad(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}
	if !loaded {
		logger.Info("page did not finish loading")
		visit = append(visit, crawler.ArtifactRecord{URL: job.URL, StatusCode: crawler.LabelStatus(crawler.StatusTimeout)})
	}
	pageErr, err := eng.PageError(ctx)
	if err != nil {
		return nil, fmt.Errorf("check page error: %w", err)
	}
	if pageErr {
		visit = append(visit, crawler.ArtifactRecord{URL: job.URL, StatusCode: crawler.LabelStatus(crawler.StatusError)})
	}

	markup, err := eng.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch markup: %w", err)
	}

	features := job.Features
	var (
		dom, screenshot  *crawler.Artifact
		domName, imgName string
	)
	if features.WantsDOM() {
		dir, fname := Destination(p.opts.Dirs.DOM, features.DOM, extHTML)
		domName = fname
		if dom, err = p.capture(ctx, eng, extHTML, dir, fname); err != nil {
			logger.Warn("dom capture failed", zap.Error(err))
		}
	}
	if features.WantsScreenshot() {
		dir, fname := Destination(p.opts.Dirs.Screenshot, features.Screenshot, extPNG)
		imgName = fname
		if screenshot, err = p.capture(ctx, eng, extPNG, dir, fname); err != nil {
			logger.Warn("screenshot capture failed", zap.Error(err))
		}
	}

	var evals []any
	for _, expr := range job.Actions.Eval {
		val, err := eng.EvalJS(ctx, expr)
		if err != nil {
			logger.Debug("eval failed", zap.String("expr", expr), zap.Error(err))
		}
		evals = append(evals, val)
	}

	tags := Apply(p.tags, markup)

	if !features.WantsVisitChain() {
		if (features.Screenshot != nil && imgName == "") || (features.DOM != nil && domName == "") {
			logger.Error("no visit chain requested: hash-named dom/screenshot cannot be mapped back to the job")
		}
		return nil, nil
	}

	hops, err := p.visitChain(ctx, eng, job.URL)
	if err != nil {
		return nil, err
	}
	visit = append(visit, hops...)
	if len(visit) == 0 {
		return nil, nil
	}
	last := &visit[len(visit)-1]
	last.DOM = dom
	last.Screenshot = screenshot
	if len(evals) > 0 {
		last.EvalResults = evals
	}
	if len(tags) > 0 {
		last.Tags = tags
	}
	return p.finish(job, visit, logger), nil
}

type proxyError struct{ err error }

func (e *proxyError) Error() string { return "set proxy: " + e.err.Error() }
func (e *proxyError) Unwrap() error { return e.err }

func isProxyErr(err error) bool {
	var pe *proxyError
	return errors.As(err, &pe)
}

func (p *Pipeline) setup(ctx context.Context, eng Engine, setup *crawler.Setup, proxies ProxySource) error {
	for _, pref := range setup.Prefs() {
		if err := eng.SetPref(ctx, pref); err != nil {
			return fmt.Errorf("set pref %s: %w", pref.Name, err)
		}
	}
	if setup != nil {
		for name, value := range setup.Headers {
			if err := eng.SetHeader(ctx, name, value); err != nil {
				return fmt.Errorf("set header %s: %w", name, err)
			}
		}
	}

	var (
		proxy crawler.Proxy
		ok    bool
	)
	if setup != nil && setup.Proxy != nil {
		proxy, ok = *setup.Proxy, true
	} else if proxies != nil {
		proxy, ok = proxies.Next()
	}
	if !ok {
		return nil
	}
	if err := eng.SetProxy(ctx, proxy); err != nil {
		return &proxyError{err: err}
	}
	return nil
}

// visitChain builds one record per hop the navigation passed through.
func (p *Pipeline) visitChain(ctx context.Context, eng Engine, url string) ([]crawler.ArtifactRecord, error) {
	headers, err := eng.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch headers: %w", err)
	}
	redirects, err := eng.Redirects(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch redirects: %w", err)
	}
	codes, err := eng.ResponseCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch response codes: %w", err)
	}
	if len(codes) == 0 {
		codes = map[string]crawler.StatusCode{url: *crawler.LabelStatus(crawler.StatusUnknown)}
	}

	records := make([]crawler.ArtifactRecord, 0, len(redirects))
	for _, hop := range redirects {
		if hop == "about:blank" {
			continue
		}
		rec := crawler.ArtifactRecord{URL: hop}
		if code, ok := lookup(codes, hop); ok {
			rec.StatusCode = &code
		}
		if h, ok := lookupSlashFirst(headers, hop); ok {
			rec.Headers = h
			rec.ServerAddr = h[wire.HeaderServerAddress]
		}
		records = append(records, rec)
	}
	return records, nil
}

// lookup matches hop exactly or with a trailing slash, the form engines
// report for bare origins.
func lookup[V any](m map[string]V, hop string) (V, bool) {
	if v, ok := m[hop]; ok {
		return v, true
	}
	v, ok := m[hop+"/"]
	return v, ok
}

// lookupSlashFirst is lookup with the trailing-slash entry winning when both
// exist; engines record the final headers under the slash form.
func lookupSlashFirst[V any](m map[string]V, hop string) (V, bool) {
	if v, ok := m[hop+"/"]; ok {
		return v, true
	}
	v, ok := m[hop]
	return v, ok
}

func (p *Pipeline) finish(job crawler.Job, visit []crawler.ArtifactRecord, logger *zap.Logger) *crawler.ResultBatch {
	if !job.Features.WantsVisitChain() {
		return nil
	}
	dir, fname := Destination(p.opts.Dirs.VisitChain, job.Features.VisitChain, extJSON)
	if fname == "" {
		fname = job.ID + "." + extJSON
	}
	dest := filepath.Join(dir, fname)
	logger.Debug("visit recorded", zap.String("destination", dest), zap.Int("records", len(visit)))
	return &crawler.ResultBatch{JobID: job.ID, Destination: dest, Records: visit}
}
