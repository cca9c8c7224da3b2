// Package worker runs the per-browser visit loop: it owns one rendering engine
// session, takes tasks off the request queue and pushes result batches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/clock/system"
	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/extract"
	"github.com/JakeFAU/pagefleet/internal/metrics"
	"github.com/JakeFAU/pagefleet/internal/queue/memory"
	"github.com/JakeFAU/pagefleet/internal/telemetry"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// ErrWatchdog is returned when a single job outlived the watchdog timeout.
var ErrWatchdog = errors.New("watchdog fired")

// State is the lifecycle position of a worker.
type State int

// Worker states.
const (
	Idle State = iota
	BrowserStarting
	Ready
	Busy
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BrowserStarting:
		return "browser_starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskQueue is the request queue as seen by a worker.
type TaskQueue interface {
	Dequeue(ctx context.Context) (crawler.Task, error)
	TryEnqueue(task crawler.Task) error
	TaskDone() error
}

// ResultQueue receives completed batches.
type ResultQueue interface {
	Enqueue(ctx context.Context, batch crawler.ResultBatch) error
}

// Launcher starts and stops the worker's engine.
type Launcher interface {
	Start(ctx context.Context) (*wire.Client, error)
	Running() bool
	Stop() error
}

// Processor turns a job into a result batch using a running engine.
type Processor interface {
	Run(ctx context.Context, eng extract.Engine, job crawler.Job, proxies extract.ProxySource) (*crawler.ResultBatch, error)
}

// Config controls Worker behavior.
type Config struct {
	ID              int
	WatchdogTimeout time.Duration
	// MaxVisits restarts the engine once it has served more than this many jobs.
	MaxVisits int
	// RestartEveryVisit starts a fresh engine for every job.
	RestartEveryVisit bool
	// WatchdogGrace bounds how long a fired watchdog waits for the job to
	// unwind before the worker stops anyway.
	WatchdogGrace time.Duration
	// Handback receives a task that could not be put back because the request
	// queue was full. Without it such a task is logged as lost.
	Handback func(task crawler.Task)
	// Clock times jobs. Defaults to the wall clock.
	Clock crawler.Clock
}

// Worker consumes tasks with one engine session at a time.
type Worker struct {
	cfg      Config
	tasks    TaskQueue
	results  ResultQueue
	launcher Launcher
	pipeline Processor
	proxies  extract.ProxySource
	logger   *zap.Logger

	mu     sync.Mutex
	state  State
	client *wire.Client
	visits int
}

// New constructs a Worker.
func New(
	cfg Config,
	tasks TaskQueue,
	results ResultQueue,
	launcher Launcher,
	pipeline Processor,
	proxies extract.ProxySource,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 15 * time.Minute
	}
	if cfg.MaxVisits <= 0 {
		cfg.MaxVisits = 50
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Worker{
		cfg:      cfg,
		tasks:    tasks,
		results:  results,
		launcher: launcher,
		pipeline: pipeline,
		proxies:  proxies,
		logger:   logger.With(zap.Int("worker", cfg.ID)),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Run blocks until the sentinel is seen, the queue closes or ctx ends. A
// non-nil error means this worker died (engine start failure or watchdog);
// other workers are unaffected.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.setState(Stopped)
	defer w.closeSession()

	for {
		task, err := w.tasks.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				w.logger.Debug("request queue finished", zap.Error(err))
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		if task.IsSentinel() {
			w.logger.Info("found sentinel, exiting")
			w.requeue(task)
			w.ack()
			return nil
		}
		job, _ := task.Job()

		if err := w.ensureSession(ctx); err != nil {
			w.logger.Error("browser start failed, requeueing job", zap.String("job_id", job.ID), zap.Error(err))
			w.ack()
			w.requeue(task)
			metrics.ObserveJob(metrics.OutcomeRequeued, 0)
			return err
		}

		if err := w.process(ctx, job); err != nil {
			return err
		}
	}
}

// requeue puts a task back without blocking: the worker is about to stop and
// may be the only consumer left, so waiting for room could never end.
func (w *Worker) requeue(task crawler.Task) {
	name := "sentinel"
	if job, ok := task.Job(); ok {
		name = job.ID
	}
	err := w.tasks.TryEnqueue(task)
	switch {
	case err == nil:
	case errors.Is(err, memory.ErrFull) && w.cfg.Handback != nil:
		w.logger.Warn("request queue full, handing task back", zap.String("task", name))
		w.cfg.Handback(task)
	default:
		w.logger.Error("requeue failed, task lost", zap.String("task", name), zap.Error(err))
	}
}

// ensureSession (re)starts the engine when there is none, it died, or the
// restart policy asks for a fresh one.
func (w *Worker) ensureSession(ctx context.Context) error {
	var reason string
	switch {
	case w.client == nil:
		reason = "initial"
	case !w.launcher.Running():
		reason = "exited"
	case w.cfg.RestartEveryVisit:
		reason = "restart_policy"
	case w.visits > w.cfg.MaxVisits:
		reason = "max_visits"
	default:
		return nil
	}
	if w.client != nil {
		w.logger.Info("restarting browser", zap.String("reason", reason), zap.Int("visits", w.visits))
		w.closeSession()
	}

	w.setState(BrowserStarting)
	metrics.ObserveBrowserStart(reason)
	client, err := w.launcher.Start(ctx)
	if err != nil {
		w.setState(Idle)
		return fmt.Errorf("start browser: %w", err)
	}
	w.client = client
	w.visits = 0
	w.setState(Ready)
	return nil
}

type outcome struct {
	batch *crawler.ResultBatch
	err   error
}

// process runs one job under the watchdog.
func (w *Worker) process(ctx context.Context, job crawler.Job) error {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	logger.Info("visiting")
	w.setState(Busy)
	start := w.cfg.Clock.Now()

	spanCtx, span := telemetry.Tracer().Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("url", job.URL),
		attribute.Int("worker", w.cfg.ID),
	))
	defer span.End()

	jobCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	done := make(chan outcome, 1)
	client := w.client
	go func() {
		batch, err := w.pipeline.Run(jobCtx, client, job, w.proxies)
		done <- outcome{batch: batch, err: err}
	}()

	watchdog := time.NewTimer(w.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	select {
	case out := <-done:
		watchdog.Stop()
		w.visits++
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "extraction failed")
		}
		w.finish(ctx, logger, job, out, w.cfg.Clock.Since(start))
		w.setState(Ready)
		return nil
	case <-watchdog.C:
		logger.Error("job exceeded watchdog timeout, stopping worker",
			zap.Bool("watchdog", true),
			zap.Duration("timeout", w.cfg.WatchdogTimeout))
		span.SetStatus(codes.Error, "watchdog fired")
		w.ack()
		cancel()
		w.closeSession()
		grace := time.NewTimer(w.cfg.WatchdogGrace)
		select {
		case <-done:
		case <-grace.C:
			logger.Warn("job did not unwind after watchdog, abandoning it", zap.Duration("grace", w.cfg.WatchdogGrace))
		}
		grace.Stop()
		metrics.ObserveJob(metrics.OutcomeWatchdog, w.cfg.Clock.Since(start))
		return fmt.Errorf("job %s: %w", job.ID, ErrWatchdog)
	}
}

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, job crawler.Job, out outcome, took time.Duration) {
	defer w.ack()
	site := metrics.SanitizeSite(job.URL)
	if out.err != nil {
		logger.Error("error grabbing url", zap.Error(out.err))
		metrics.ObservePage(site, crawler.StatusError)
		metrics.ObserveJob(metrics.OutcomeFailed, took)
		return
	}
	metrics.ObserveJob(metrics.OutcomeOK, took)
	if out.batch == nil || out.batch.Empty() {
		logger.Debug("job produced no batch")
		return
	}
	if primary, ok := out.batch.Primary(); ok && primary.StatusCode != nil {
		metrics.ObservePage(site, primary.StatusCode.String())
	}
	if err := w.results.Enqueue(ctx, *out.batch); err != nil {
		logger.Error("push result failed", zap.Error(err))
		return
	}
	logger.Debug("result queued", zap.String("destination", out.batch.Destination), zap.Int("records", len(out.batch.Records)))
}

func (w *Worker) ack() {
	if err := w.tasks.TaskDone(); err != nil {
		w.logger.Warn("acknowledge task failed", zap.Error(err))
	}
}

func (w *Worker) closeSession() {
	if w.client == nil {
		return
	}
	if err := w.launcher.Stop(); err != nil {
		w.logger.Warn("stop browser failed", zap.Error(err))
	}
	w.client = nil
	w.setState(Idle)
}
