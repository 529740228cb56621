package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/preprocess-pipeline/internal/model"
	"github.com/aliskhannn/preprocess-pipeline/internal/transform"
)

var (
	ErrNoOperations    = errors.New("at least one operation is required")
	ErrUnreadableImage = errors.New("unreadable image bytes")
	ErrJobNotTerminal  = errors.New("job has not finished yet")
	ErrJobNotSucceeded = errors.New("job did not succeed")
)

// artifacts is the byte storage for uploads and retention cleanup.
type artifacts interface {
	Save(ctx context.Context, ref string, src io.Reader) (string, error)
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// registry validates and describes operations.
type registry interface {
	Lookup(operation string) (transform.Spec, error)
	Validate(operation string, params map[string]string) error
	Describe() []transform.Description
}

// pool admits queued jobs for execution.
type pool interface {
	Submit(id uuid.UUID) error
}

// results is the job state store.
type results interface {
	SaveJob(j model.Job)
	SaveBatch(b model.Batch)
	GetJob(id uuid.UUID) (model.Job, error)
	GetBatch(id uuid.UUID) (model.Batch, []model.Job, error)
	MarkFailed(id uuid.UUID, info model.ErrorInfo) (model.Job, bool)
	MarkCancelled(id uuid.UUID) (model.Job, bool)
	WaitUntilTerminal(ctx context.Context, ids []uuid.UUID, timeout time.Duration) []model.Job
	Sweep(cutoff time.Time) []model.Job
}

// OperationRequest is one requested operation with its parameters.
type OperationRequest struct {
	Operation string            `json:"operation"`
	Params    map[string]string `json:"params"`
}

// Service is the dispatcher: it turns one upload into a batch of independent
// jobs, enqueues the valid ones, and answers all read-side queries.
type Service struct {
	artifacts artifacts
	registry  registry
	pool      pool
	results   results
	retention time.Duration
}

// NewService creates a new Service.
func NewService(store artifacts, reg registry, p pool, res results, retention time.Duration) *Service {
	return &Service{
		artifacts: store,
		registry:  reg,
		pool:      p,
		results:   res,
		retention: retention,
	}
}

// SubmitBatch stores the upload once, creates one job per requested operation,
// and enqueues every valid job. It returns as soon as the jobs are recorded;
// it never waits for execution. An invalid operation fails only its own job.
func (s *Service) SubmitBatch(ctx context.Context, img io.Reader, ops []OperationRequest) (model.Batch, []model.Job, error) {
	if len(ops) == 0 {
		return model.Batch{}, nil, ErrNoOperations
	}

	data, err := io.ReadAll(img)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("submit: failed to read image: %w", err)
	}

	// Only structurally invalid uploads fail the whole submission.
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return model.Batch{}, nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}

	batchID := uuid.New()
	inputRef := fmt.Sprintf("inputs/%s", batchID)

	// One artifact write for the whole batch; every job shares the ref.
	if _, err := s.artifacts.Save(ctx, inputRef, bytes.NewReader(data)); err != nil {
		return model.Batch{}, nil, fmt.Errorf("submit: failed to store input: %w", err)
	}

	now := time.Now()
	batch := model.Batch{ID: batchID, CreatedAt: now}
	jobs := make([]model.Job, 0, len(ops))

	for _, op := range ops {
		j := model.Job{
			ID:        uuid.New(),
			BatchID:   batchID,
			Operation: op.Operation,
			InputRef:  inputRef,
			Params:    op.Params,
			State:     model.StateQueued,
			CreatedAt: now,
		}

		if info := s.validate(op); info != nil {
			j.State = model.StateFailed
			j.Error = info
			j.FinishedAt = now
		}

		s.results.SaveJob(j)
		batch.JobIDs = append(batch.JobIDs, j.ID)

		if j.State == model.StateQueued {
			if err := s.pool.Submit(j.ID); err != nil {
				j, _ = s.results.MarkFailed(j.ID, model.ErrorInfo{
					Kind:    model.KindResourceExhausted,
					Message: err.Error(),
				})
			}
		}

		jobs = append(jobs, j)
	}

	s.results.SaveBatch(batch)

	zlog.Logger.Info().
		Str("batch_id", batchID.String()).
		Int("jobs", len(jobs)).
		Msg("batch submitted")

	return batch, jobs, nil
}

// validate maps registry failures onto the job error taxonomy.
func (s *Service) validate(op OperationRequest) *model.ErrorInfo {
	if _, err := s.registry.Lookup(op.Operation); err != nil {
		return &model.ErrorInfo{Kind: model.KindUnknownOperation, Message: err.Error()}
	}

	if err := s.registry.Validate(op.Operation, op.Params); err != nil {
		info := &model.ErrorInfo{Kind: model.KindInvalidParameters, Message: err.Error()}

		var verr *transform.ValidationError
		if errors.As(err, &verr) {
			info.Fields = verr.Fields
		}

		return info
	}

	return nil
}

// GetJob returns a snapshot of one job.
func (s *Service) GetJob(id uuid.UUID) (model.Job, error) {
	return s.results.GetJob(id)
}

// GetBatch returns the batch with current snapshots of all its jobs.
func (s *Service) GetBatch(id uuid.UUID) (model.Batch, []model.Job, error) {
	return s.results.GetBatch(id)
}

// WaitBatch blocks the caller (never the pool) until every job in the batch
// is terminal or the timeout elapses, returning whatever snapshots exist.
func (s *Service) WaitBatch(ctx context.Context, id uuid.UUID, timeout time.Duration) (model.Batch, []model.Job, error) {
	b, _, err := s.results.GetBatch(id)
	if err != nil {
		return model.Batch{}, nil, err
	}

	return b, s.results.WaitUntilTerminal(ctx, b.JobIDs, timeout), nil
}

// CancelJob cancels one job. Best-effort and idempotent: a queued job will
// never run, a running job keeps its slot but the eventual result is
// discarded, and a terminal or unknown job is left untouched.
func (s *Service) CancelJob(id uuid.UUID) error {
	if _, ok := s.results.MarkCancelled(id); ok {
		zlog.Logger.Info().Str("job_id", id.String()).Msg("job cancelled")
	}

	return nil
}

// CancelBatch cancels every non-terminal job in the batch.
func (s *Service) CancelBatch(id uuid.UUID) error {
	b, _, err := s.results.GetBatch(id)
	if err != nil {
		return err
	}

	for _, jobID := range b.JobIDs {
		s.results.MarkCancelled(jobID)
	}

	zlog.Logger.Info().Str("batch_id", id.String()).Msg("batch cancelled")

	return nil
}

// OpenOutput streams the stored output bytes of a succeeded job.
func (s *Service) OpenOutput(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	j, err := s.results.GetJob(id)
	if err != nil {
		return nil, err
	}

	if !j.State.Terminal() {
		return nil, ErrJobNotTerminal
	}
	if j.State != model.StateSucceeded {
		return nil, ErrJobNotSucceeded
	}

	return s.artifacts.Load(ctx, j.OutputRef)
}

// Operations lists the registered transform catalog.
func (s *Service) Operations() []transform.Description {
	return s.registry.Describe()
}

// RunJanitor periodically drops batches past the retention deadline and
// deletes their artifacts. It blocks until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	removed := s.results.Sweep(time.Now().Add(-s.retention))
	if len(removed) == 0 {
		return
	}

	// The input ref is shared within a batch; delete it once.
	inputs := make(map[string]struct{})
	for _, j := range removed {
		inputs[j.InputRef] = struct{}{}

		if j.OutputRef != "" {
			if err := s.artifacts.Delete(ctx, j.OutputRef); err != nil {
				zlog.Logger.Err(err).Str("ref", j.OutputRef).Msg("failed to delete output artifact")
			}
		}
	}

	for ref := range inputs {
		if err := s.artifacts.Delete(ctx, ref); err != nil {
			zlog.Logger.Err(err).Str("ref", ref).Msg("failed to delete input artifact")
		}
	}

	zlog.Logger.Info().Int("jobs", len(removed)).Msg("expired jobs swept")
}
