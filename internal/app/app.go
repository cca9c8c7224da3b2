// Package app wires one crawl run: the backlog, both queues, the workers with
// their browsers, the controller and the result sinks. It is the only place
// that knows about every other package.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/pagefleet/internal/api"
	"github.com/JakeFAU/pagefleet/internal/backlog"
	"github.com/JakeFAU/pagefleet/internal/browser"
	"github.com/JakeFAU/pagefleet/internal/clock/system"
	"github.com/JakeFAU/pagefleet/internal/config"
	"github.com/JakeFAU/pagefleet/internal/controller"
	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/extract"
	"github.com/JakeFAU/pagefleet/internal/hash/sha256"
	"github.com/JakeFAU/pagefleet/internal/id/uuid"
	"github.com/JakeFAU/pagefleet/internal/proxy"
	kafkapublisher "github.com/JakeFAU/pagefleet/internal/publisher/kafka"
	pubsubpublisher "github.com/JakeFAU/pagefleet/internal/publisher/pubsub"
	"github.com/JakeFAU/pagefleet/internal/queue/memory"
	"github.com/JakeFAU/pagefleet/internal/storage"
	"github.com/JakeFAU/pagefleet/internal/storage/gcs"
	"github.com/JakeFAU/pagefleet/internal/storage/local"
	"github.com/JakeFAU/pagefleet/internal/storage/postgres"
	"github.com/JakeFAU/pagefleet/internal/worker"
)

// LauncherFactory builds the engine launcher for worker id on port. launchProxy
// is non-nil when the engine must be started behind a fixed proxy.
type LauncherFactory func(id, port int, launchProxy *crawler.Proxy) worker.Launcher

// Option customizes an App.
type Option func(*App)

// WithLauncherFactory replaces the browser launcher, e.g. with an in-process engine.
func WithLauncherFactory(f LauncherFactory) Option {
	return func(a *App) { a.launch = f }
}

// WithClock overrides the clock used for run timing.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithIDGenerator overrides the run id source.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(a *App) { a.ids = g }
}

// App holds everything one crawl run needs. Build it with New, then call Run
// once and Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator
	launch LauncherFactory

	runID    string
	tmpDir   string
	ownsTmp  bool
	backlog  *backlog.Backlog
	proxies  []crawler.Proxy
	scheme   proxy.Scheme
	kind     browser.Kind
	pipeline *extract.Pipeline
	requests *memory.Queue[crawler.Task]
	results  *memory.Queue[crawler.ResultBatch]
	sink     *storage.Chain
	closers  []func() error

	mu   sync.Mutex
	ctrl *controller.Controller
	done bool
}

// New loads every run input and connects the configured sinks. Any malformed
// input fails here, before a single job is queued.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	if a.launch == nil {
		a.launch = a.browserLauncher
	}

	runID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a.runID = runID
	a.logger = logger.With(zap.String("run_id", runID))

	if err := a.loadInputs(); err != nil {
		return nil, err
	}
	if err := a.prepareTmp(); err != nil {
		return nil, err
	}

	tags, err := extract.LoadTags(cfg.Tags.File)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load tags: %w", err)
	}
	a.pipeline = extract.New(extract.Options{
		Dirs: extract.Dirs{
			DOM:        cfg.Output.DOMDir,
			Screenshot: cfg.Output.ScreenshotDir,
			VisitChain: cfg.Output.VisitChainDir,
		},
		TmpDir:           a.tmpDir,
		Compressor:       cfg.Output.Compressor,
		CompressorSuffix: cfg.Output.CompressorSuffix,
	}, tags, sha256.New(), a.logger.Named("extract"))

	a.requests = memory.NewQueue[crawler.Task](cfg.Queue.RequestCapacity)
	a.results = memory.NewQueue[crawler.ResultBatch](cfg.ResultCapacity())

	if err := a.buildSink(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.logger.Info("run prepared",
		zap.Int("workers", cfg.Run.Workers),
		zap.Int("jobs", a.backlog.Remaining()),
		zap.Int("proxies", len(a.proxies)),
		zap.Int("tags", len(tags)),
		zap.String("tmp_dir", a.tmpDir))
	return a, nil
}

// RunID returns the identifier attached to every log line and index row.
func (a *App) RunID() string {
	return a.runID
}

func (a *App) loadInputs() error {
	paths, err := backlog.Expand(a.cfg.Run.Inputs)
	if err != nil {
		return fmt.Errorf("expand inputs: %w", err)
	}
	a.backlog, err = backlog.Open(paths, a.logger.Named("backlog"))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	a.proxies, err = proxy.LoadList(a.cfg.Proxy.File)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	a.scheme, err = proxy.ParseScheme(a.cfg.Proxy.Scheme)
	if err != nil {
		return err
	}
	a.kind, err = browser.ParseKind(a.cfg.Browser.Kind)
	if err != nil {
		return err
	}
	return nil
}

func (a *App) prepareTmp() error {
	if a.cfg.Run.TmpDir == "" {
		dir, err := os.MkdirTemp("", "pagefleet-")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		a.tmpDir, a.ownsTmp = dir, true
	} else {
		if err := os.MkdirAll(a.cfg.Run.TmpDir, 0o750); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		a.tmpDir = a.cfg.Run.TmpDir
	}
	if err := os.MkdirAll(a.profileRoot(), 0o750); err != nil {
		return fmt.Errorf("create profile root: %w", err)
	}
	return nil
}

func (a *App) profileRoot() string {
	return filepath.Join(a.tmpDir, "profiles")
}

// buildSink puts the local writer first, then every configured mirror and
// notifier.
func (a *App) buildSink(ctx context.Context) error {
	chain := storage.NewChain("local", local.New(), a.logger.Named("sink"))

	if bucket := a.cfg.Mirror.GCSBucket; bucket != "" {
		var opts []option.ClientOption
		if endpoint := a.cfg.Mirror.GCSEndpoint; endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
		}
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: bucket}, opts...)
		if err != nil {
			return fmt.Errorf("init gcs mirror: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		mirror, err := gcs.NewMirror(store, a.cfg.Mirror.GCSPrefix)
		if err != nil {
			return fmt.Errorf("init gcs mirror: %w", err)
		}
		chain.AddMirror("gcs", mirror)
	}

	if dsn := a.cfg.Index.PostgresDSN; dsn != "" {
		index, err := postgres.NewIndexStore(ctx, postgres.IndexStoreConfig{
			DSN:             dsn,
			Table:           a.cfg.Index.Table,
			RunID:           a.runID,
			MaxConns:        a.cfg.Index.MaxConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return fmt.Errorf("init postgres index: %w", err)
		}
		a.closers = append(a.closers, func() error { index.Close(); return nil })
		chain.AddMirror("postgres", index)
	}

	if project := a.cfg.Notify.PubSubProject; project != "" {
		client, err := gpubsub.NewClient(ctx, project)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		topic := client.Topic(a.cfg.Notify.PubSubTopic)
		a.closers = append(a.closers, func() error {
			topic.Stop()
			return client.Close()
		})
		chain.AddNotifier("pubsub", pubsubpublisher.New(topic))
	}

	if brokers := a.cfg.Notify.KafkaBrokers; len(brokers) > 0 {
		publisher, err := kafkapublisher.New(kafkapublisher.Config{Brokers: brokers, Topic: a.cfg.Notify.KafkaTopic})
		if err != nil {
			return fmt.Errorf("init kafka publisher: %w", err)
		}
		a.closers = append(a.closers, publisher.Close)
		chain.AddNotifier("kafka", publisher)
	}

	a.sink = chain
	return nil
}

// workerProxies picks the proxy source of worker id. Chrome can only use the
// proxy it was launched with, so each chrome worker is pinned to one entry.
func (a *App) workerProxies(id int) (*crawler.Proxy, extract.ProxySource) {
	if a.kind != browser.Chrome || len(a.proxies) == 0 {
		return nil, proxy.NewRotator(a.scheme, a.proxies)
	}
	pinned := a.proxies[id%len(a.proxies)]
	return &pinned, proxy.NewRotator(a.scheme, []crawler.Proxy{pinned})
}

func (a *App) browserLauncher(_, port int, launchProxy *crawler.Proxy) worker.Launcher {
	return browser.New(browser.Options{
		Kind:            a.kind,
		Binary:          a.cfg.Browser.Binary,
		TemplateDir:     a.cfg.Browser.TemplateDir,
		PortFile:        a.cfg.Browser.PortFile,
		PortPlaceholder: a.cfg.Browser.PortPlaceholder,
		Headless:        a.cfg.Browser.Headless,
		ProfileRoot:     a.profileRoot(),
		LaunchProxy:     launchProxy,
		Wire:            a.cfg.WireOptions(port),
	}, port, a.logger.Named("browser"))
}

// Run starts the workers and the controller and blocks until the backlog is
// processed, every worker died, or ctx ends. A worker that dies does not stop
// its siblings.
func (a *App) Run(ctx context.Context) error {
	start := a.clock.Now()
	ctrl := controller.New(controller.Config{
		IdleDelay: a.cfg.Queue.IdleDelay,
		Workers:   a.cfg.Run.Workers,
	}, a.backlog, a.requests, a.results, a.sink, a.logger.Named("controller"))
	a.mu.Lock()
	a.ctrl = ctrl
	a.mu.Unlock()

	ops, err := a.startOps()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for id := range a.cfg.Run.Workers {
		port := a.cfg.Run.ExtStartPort + id
		launchProxy, proxies := a.workerProxies(id)
		w := worker.New(worker.Config{
			ID:                id,
			WatchdogTimeout:   a.cfg.Worker.WatchdogTimeout,
			MaxVisits:         a.cfg.Worker.MaxVisitsPerRestart,
			RestartEveryVisit: a.cfg.Run.RestartBrowser,
			Handback:          ctrl.Handback,
			Clock:             a.clock,
		}, a.requests, a.results, a.launch(id, port, launchProxy), a.pipeline, proxies, a.logger.Named("worker"))
		g.Go(func() error {
			defer ctrl.WorkerStopped()
			if err := w.Run(gctx); err != nil {
				a.logger.Error("worker stopped early", zap.Int("worker", id), zap.Int("port", port), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	err = g.Wait()
	a.mu.Lock()
	a.done = true
	a.mu.Unlock()
	ops.stop(a.logger)

	if err != nil {
		a.logger.Error("run ended with error", zap.Duration("elapsed", a.clock.Since(start)), zap.Error(err))
		return fmt.Errorf("run %s: %w", a.runID, err)
	}
	a.logger.Info("run finished", zap.Duration("elapsed", a.clock.Since(start)))
	return nil
}

// Status implements api.StatusProvider.
func (a *App) Status() api.Status {
	a.mu.Lock()
	ctrl, done := a.ctrl, a.done
	a.mu.Unlock()
	st := api.Status{
		RunID:        a.runID,
		Workers:      a.cfg.Run.Workers,
		RequestQueue: a.requests.Len(),
		ResultQueue:  a.results.Len(),
		Done:         done,
	}
	if ctrl != nil {
		st.StoppedWorkers = ctrl.Stopped()
	}
	return st
}

type opsServer struct {
	srv  *http.Server
	done chan struct{}
}

// startOps listens before any worker starts so a bad address fails the run.
func (a *App) startOps() (*opsServer, error) {
	addr := a.cfg.Ops.ListenAddr
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ops %s: %w", addr, err)
	}
	ops := &opsServer{
		srv: &http.Server{
			Handler:           api.NewServer(a, a.logger.Named("api")).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(ops.done)
		if err := ops.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
		}
	}()
	a.logger.Info("ops server started", zap.String("addr", ln.Addr().String()))
	return ops, nil
}

func (o *opsServer) stop(logger *zap.Logger) {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.srv.Shutdown(ctx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	<-o.done
}

// Close releases sinks and queues and removes the run's temporary files. It
// is safe to call after a failed New.
func (a *App) Close() error {
	var errs []error
	if a.requests != nil {
		a.requests.Close()
	}
	if a.results != nil {
		a.results.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.tmpDir != "" {
		target := a.profileRoot()
		if a.ownsTmp {
			target = a.tmpDir
		}
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}
