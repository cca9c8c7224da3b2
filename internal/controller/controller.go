// Package controller keeps the request queue fed from the backlog, drains
// finished batches to the result sink, and ends the run once every worker has
// seen the sentinel.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/metrics"
	"github.com/JakeFAU/pagefleet/internal/queue/memory"
)

// ErrNoWorkers is returned when every worker stopped before the backlog was
// dispatched, leaving nobody to process the remaining jobs.
var ErrNoWorkers = errors.New("all workers stopped before the backlog was exhausted")

// Source is the backlog as seen by the controller.
type Source interface {
	Next() (crawler.Job, bool)
	Hold(job crawler.Job)
	Exhausted() bool
}

// RequestQueue is the controller's view of the task queue.
type RequestQueue interface {
	TryEnqueue(task crawler.Task) error
	TryDequeue() (crawler.Task, error)
	TaskDone() error
	Join(ctx context.Context) error
	Len() int
	Cap() int
}

// ResultQueue is the controller's view of the result queue.
type ResultQueue interface {
	TryDequeue() (crawler.ResultBatch, error)
	TaskDone() error
	Join(ctx context.Context) error
	Len() int
	Cap() int
}

// Config controls the controller loop.
type Config struct {
	// IdleDelay is the pause between iterations.
	IdleDelay time.Duration
	// Workers is how many workers consume the request queue.
	Workers int
}

// Controller is the producer/consumer counterpart of the workers.
type Controller struct {
	cfg     Config
	backlog Source
	req     RequestQueue
	res     ResultQueue
	sink    crawler.ResultSink
	logger  *zap.Logger

	cleanupPosted   bool
	sentinelPending bool

	mu       sync.Mutex
	stopped  int
	returned []crawler.Task
	wake     chan struct{}
}

// New creates a Controller.
func New(cfg Config, backlog Source, req RequestQueue, res ResultQueue, sink crawler.ResultSink, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 10 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		backlog: backlog,
		req:     req,
		res:     res,
		sink:    sink,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// WorkerStopped records that one worker's loop has returned.
func (c *Controller) WorkerStopped() {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
	c.notify()
}

// Handback takes a task a worker could not put back on a full request queue.
// Jobs are dispatched again ahead of the rest of the backlog; the sentinel is
// re-posted as soon as there is room. Safe for concurrent use and never blocks.
func (c *Controller) Handback(task crawler.Task) {
	c.mu.Lock()
	c.returned = append(c.returned, task)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stopped returns how many workers have stopped so far.
func (c *Controller) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) allStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped >= c.cfg.Workers
}

// Run loops until the backlog is fully processed, every worker stopped, or
// ctx ends. Batches still queued on cancellation are written before returning.
func (c *Controller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.drain(context.WithoutCancel(ctx))
			return fmt.Errorf("controller canceled: %w", ctx.Err())
		case <-c.wake:
		case <-timer.C:
		}

		done, err := c.step(ctx)
		if done || err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.IdleDelay)
	}
}

// step runs one iteration and reports whether the run is over.
func (c *Controller) step(ctx context.Context) (bool, error) {
	metrics.SetQueueDepth("request", c.req.Len())
	metrics.SetQueueDepth("result", c.res.Len())

	c.absorbReturned()
	if c.res.Len() > c.res.Cap()/2 {
		c.logger.Info("emptying result queue", zap.Int("depth", c.res.Len()))
		c.drain(ctx)
	}
	if !c.cleanupPosted && c.req.Len() < max(1, c.req.Cap()/2) {
		c.refill()
	}

	if !c.allStopped() {
		return false, nil
	}
	if !c.cleanupPosted {
		c.drain(ctx)
		return true, ErrNoWorkers
	}

	c.clearRequests()
	if c.req.Len() != 0 || c.res.Len() != 0 {
		c.drain(ctx)
		return false, nil
	}
	c.drain(ctx)
	if err := c.req.Join(ctx); err != nil {
		return true, fmt.Errorf("join request queue: %w", err)
	}
	if err := c.res.Join(ctx); err != nil {
		return true, fmt.Errorf("join result queue: %w", err)
	}
	c.logger.Info("request and result queues joined, controller exiting")
	return true, nil
}

// absorbReturned puts handed-back jobs in front of the backlog. Once the
// sentinel is out the backlog is no longer read, so they go straight to the
// request queue ahead of the re-posted sentinel and are lost if it is full.
func (c *Controller) absorbReturned() {
	c.mu.Lock()
	tasks := c.returned
	c.returned = nil
	c.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		job, ok := tasks[i].Job()
		switch {
		case !ok:
			c.sentinelPending = true
		case !c.cleanupPosted:
			c.backlog.Hold(job)
		default:
			if err := c.req.TryEnqueue(tasks[i]); err != nil {
				c.logger.Error("job lost: handed back after the sentinel", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
	if len(tasks) > 0 {
		c.logger.Info("tasks handed back by workers", zap.Int("count", len(tasks)))
	}
	if !c.sentinelPending {
		return
	}
	if err := c.req.TryEnqueue(crawler.SentinelTask()); err != nil {
		c.logger.Debug("sentinel re-post deferred", zap.Error(err))
		return
	}
	c.sentinelPending = false
}

// refill moves backlog jobs into the request queue until it is full, then
// posts the sentinel once the backlog is gone.
func (c *Controller) refill() {
	added := 0
	for {
		job, ok := c.backlog.Next()
		if !ok {
			break
		}
		if err := c.req.TryEnqueue(crawler.JobTask(job)); err != nil {
			c.backlog.Hold(job)
			if !errors.Is(err, memory.ErrFull) {
				c.logger.Error("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			break
		}
		added++
	}
	if added > 0 {
		c.logger.Debug("filled request queue", zap.Int("added", added), zap.Int("depth", c.req.Len()))
	}
	if !c.backlog.Exhausted() {
		return
	}
	if err := c.req.TryEnqueue(crawler.SentinelTask()); err != nil {
		c.logger.Debug("sentinel deferred", zap.Error(err))
		return
	}
	c.logger.Info("backlog exhausted, sentinel posted")
	c.cleanupPosted = true
}

// clearRequests acknowledges what is left in the request queue once nobody
// will consume it: the sentinel, and any job a dying worker handed back.
func (c *Controller) clearRequests() {
	for {
		task, err := c.req.TryDequeue()
		if err != nil {
			return
		}
		if job, ok := task.Job(); ok {
			c.logger.Error("job lost: no worker left to run it", zap.String("job_id", job.ID), zap.String("url", job.URL))
		}
		if err := c.req.TaskDone(); err != nil {
			c.logger.Warn("acknowledge request failed", zap.Error(err))
		}
	}
}

// drain writes every queued batch to the sink. A write failure is logged and
// the batch is still acknowledged.
func (c *Controller) drain(ctx context.Context) {
	for {
		batch, err := c.res.TryDequeue()
		if err != nil {
			return
		}
		if err := c.sink.WriteBatch(ctx, batch); err != nil {
			c.logger.Error("write batch failed",
				zap.String("job_id", batch.JobID),
				zap.String("destination", batch.Destination),
				zap.Error(err))
		}
		if err := c.res.TaskDone(); err != nil {
			c.logger.Warn("acknowledge result failed", zap.Error(err))
		}
	}
}
