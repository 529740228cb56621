package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/preprocess-pipeline/internal/model"
	"github.com/aliskhannn/preprocess-pipeline/internal/transform"
)

// ErrQueueFull is returned by Submit when the admission queue is at capacity.
var ErrQueueFull = errors.New("worker queue is full")

// results is the slice of the result store the pool writes to.
type results interface {
	GetJob(id uuid.UUID) (model.Job, error)
	MarkRunning(id uuid.UUID) (model.Job, bool)
	MarkSucceeded(id uuid.UUID, outputRef string) (model.Job, bool)
	MarkFailed(id uuid.UUID, info model.ErrorInfo) (model.Job, bool)
	MarkCancelled(id uuid.UUID) (model.Job, bool)
}

// artifacts is the byte storage the pool reads inputs from and writes outputs to.
type artifacts interface {
	Save(ctx context.Context, ref string, src io.Reader) (string, error)
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
}

// registry resolves operation ids to transform specs.
type registry interface {
	Lookup(operation string) (transform.Spec, error)
}

// EventSink receives terminal job events. Optional: a nil sink disables publishing.
type EventSink interface {
	Produce(ctx context.Context, ev model.JobEvent) error
}

// Pool executes jobs with bounded concurrency. Jobs are admitted FIFO through
// a buffered channel and picked up by maxConcurrency worker goroutines. Each
// job runs its transform exactly once under a per-job deadline; a job that
// outlives the deadline is marked failed and abandoned without blocking the slot.
type Pool struct {
	queue     chan uuid.UUID
	results   results
	artifacts artifacts
	registry  registry
	events    EventSink

	maxConcurrency int
	perJobTimeout  time.Duration

	wg sync.WaitGroup
}

// Config holds pool settings. MaxConcurrency and PerJobTimeout are required;
// QueueCapacity bounds the number of jobs waiting for a slot.
type Config struct {
	MaxConcurrency int
	PerJobTimeout  time.Duration
	QueueCapacity  int
}

// New creates a pool. The event sink may be nil.
func New(cfg Config, res results, store artifacts, reg registry, events EventSink) *Pool {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}

	return &Pool{
		queue:          make(chan uuid.UUID, capacity),
		results:        res,
		artifacts:      store,
		registry:       reg,
		events:         events,
		maxConcurrency: cfg.MaxConcurrency,
		perJobTimeout:  cfg.PerJobTimeout,
	}
}

// Start launches the worker goroutines. They exit when ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.maxConcurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until all workers have exited after Start's context is canceled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit admits a queued job. It never blocks: when the queue is at capacity
// it returns ErrQueueFull and the caller decides the job's fate.
func (p *Pool) Submit(id uuid.UUID) error {
	select {
	case p.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.run(ctx, id)
		}
	}
}

type outcome struct {
	out []byte
	err error
}

// run executes a single job. Transform faults, timeouts, and storage failures
// are contained here; nothing escapes to sibling jobs or the pool itself.
func (p *Pool) run(ctx context.Context, id uuid.UUID) {
	j, ok := p.results.MarkRunning(id)
	if !ok {
		// Cancelled (or otherwise already settled) while waiting for a slot;
		// the transform must not run at all.
		return
	}

	zlog.Logger.Debug().
		Str("job_id", j.ID.String()).
		Str("operation", j.Operation).
		Msg("job started")

	spec, err := p.registry.Lookup(j.Operation)
	if err != nil {
		p.fail(ctx, id, model.ErrorInfo{Kind: model.KindUnknownOperation, Message: err.Error()})
		return
	}

	src, err := p.loadInput(ctx, j.InputRef)
	if err != nil {
		p.fail(ctx, id, model.ErrorInfo{Kind: model.KindStorageError, Message: err.Error()})
		return
	}

	// The transform runs in its own goroutine so a hung computation can be
	// abandoned: the buffered channel lets the late result be dropped.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transform panic: %v", r)}
			}
		}()

		out, runErr := spec.Run(src, j.Params)
		done <- outcome{out: out, err: runErr}
	}()

	timer := time.NewTimer(p.perJobTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			p.fail(ctx, id, model.ErrorInfo{Kind: model.KindTransformError, Message: res.err.Error()})
			return
		}
		p.succeed(ctx, id, res.out)
	case <-timer.C:
		p.fail(ctx, id, model.ErrorInfo{
			Kind:    model.KindTimeout,
			Message: fmt.Sprintf("transform exceeded %s", p.perJobTimeout),
		})
	case <-ctx.Done():
		// Shutdown: the in-flight job is abandoned like a cancellation.
		p.results.MarkCancelled(id)
	}
}

func (p *Pool) loadInput(ctx context.Context, ref string) ([]byte, error) {
	rc, err := p.artifacts.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load input %s: %w", ref, err)
	}
	defer rc.Close()

	src, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", ref, err)
	}

	return src, nil
}

func (p *Pool) succeed(ctx context.Context, id uuid.UUID, out []byte) {
	ref := fmt.Sprintf("outputs/%s.png", id)

	if _, err := p.artifacts.Save(ctx, ref, bytes.NewReader(out)); err != nil {
		p.fail(ctx, id, model.ErrorInfo{
			Kind:    model.KindStorageError,
			Message: fmt.Sprintf("failed to store output: %v", err),
		})
		return
	}

	j, ok := p.results.MarkSucceeded(id, ref)
	if !ok {
		// Cancelled while running; the result is discarded.
		return
	}

	zlog.Logger.Info().
		Str("job_id", id.String()).
		Str("operation", j.Operation).
		Str("output_ref", ref).
		Msg("job succeeded")

	p.publish(ctx, j)
}

func (p *Pool) fail(ctx context.Context, id uuid.UUID, info model.ErrorInfo) {
	j, ok := p.results.MarkFailed(id, info)
	if !ok {
		return
	}

	zlog.Logger.Warn().
		Str("job_id", id.String()).
		Str("operation", j.Operation).
		Str("kind", string(info.Kind)).
		Str("reason", info.Message).
		Msg("job failed")

	p.publish(ctx, j)
}

func (p *Pool) publish(ctx context.Context, j model.Job) {
	if p.events == nil {
		return
	}

	ev := model.JobEvent{
		JobID:      j.ID,
		BatchID:    j.BatchID,
		Operation:  j.Operation,
		State:      j.State,
		OutputRef:  j.OutputRef,
		Error:      j.Error,
		FinishedAt: j.FinishedAt,
	}

	if err := p.events.Produce(ctx, ev); err != nil {
		zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("failed to publish job event")
	}
}
