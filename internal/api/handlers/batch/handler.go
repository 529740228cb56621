package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/preprocess-pipeline/internal/api/respond"
	"github.com/aliskhannn/preprocess-pipeline/internal/model"
	"github.com/aliskhannn/preprocess-pipeline/internal/repository/job"
	batchsvc "github.com/aliskhannn/preprocess-pipeline/internal/service/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/transform"
)

// service defines the interface for batch and job operations.
type service interface {
	SubmitBatch(ctx context.Context, img io.Reader, ops []batchsvc.OperationRequest) (model.Batch, []model.Job, error)
	GetJob(id uuid.UUID) (model.Job, error)
	GetBatch(id uuid.UUID) (model.Batch, []model.Job, error)
	WaitBatch(ctx context.Context, id uuid.UUID, timeout time.Duration) (model.Batch, []model.Job, error)
	CancelJob(id uuid.UUID) error
	CancelBatch(id uuid.UUID) error
	OpenOutput(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
	Operations() []transform.Description
}

// Handler provides HTTP handlers for the preprocessing pipeline.
// It depends on a service interface to perform the business logic.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// jobSummary is the per-job view returned by batch endpoints.
type jobSummary struct {
	JobID     uuid.UUID        `json:"job_id"`
	Operation string           `json:"operation"`
	State     model.State      `json:"state"`
	OutputRef string           `json:"output_ref,omitempty"`
	Error     *model.ErrorInfo `json:"error,omitempty"`
}

// batchResponse is the batch view returned by batch endpoints.
type batchResponse struct {
	BatchID uuid.UUID    `json:"batch_id"`
	Done    bool         `json:"done"`
	Jobs    []jobSummary `json:"jobs"`
}

func toBatchResponse(b model.Batch, jobs []model.Job) batchResponse {
	resp := batchResponse{BatchID: b.ID, Done: true, Jobs: make([]jobSummary, 0, len(jobs))}

	for _, j := range jobs {
		if !j.State.Terminal() {
			resp.Done = false
		}
		resp.Jobs = append(resp.Jobs, jobSummary{
			JobID:     j.ID,
			Operation: j.Operation,
			State:     j.State,
			OutputRef: j.OutputRef,
			Error:     j.Error,
		})
	}

	return resp
}

// CreateBatch handles the upload request. It reads the multipart form, hands
// the image and the requested operations to the dispatcher, and responds with
// the created jobs without waiting for any of them to run.
func (h *Handler) CreateBatch(c *ginext.Context) {
	// Parse the multipart form with a 10MB max memory limit.
	if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to retrieve uploaded file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	zlog.Logger.Printf("uploaded file: %v (%v bytes)", header.Filename, header.Size)

	operationsJSON := c.PostForm("operations")
	if operationsJSON == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("operations field is required"))
		return
	}

	var ops []batchsvc.OperationRequest
	if err := json.Unmarshal([]byte(operationsJSON), &ops); err != nil {
		zlog.Logger.Err(err).Msg("failed to unmarshal the operations")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to unmarshal the operations"))
		return
	}

	b, jobs, err := h.service.SubmitBatch(c.Request.Context(), file, ops)
	if err != nil {
		if errors.Is(err, batchsvc.ErrNoOperations) || errors.Is(err, batchsvc.ErrUnreadableImage) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to submit batch")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to submit batch: %v", err))
		return
	}

	// Partial invalidity pre-fails individual jobs; only a fully invalid
	// request is rejected outright.
	if allRejected(jobs) {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("no valid operations: %s", rejectionReasons(jobs)))
		return
	}

	respond.Created(c, toBatchResponse(b, jobs))
}

// allRejected reports whether every job failed validation at submission.
func allRejected(jobs []model.Job) bool {
	for _, j := range jobs {
		if j.Error == nil {
			return false
		}
		if j.Error.Kind != model.KindInvalidParameters && j.Error.Kind != model.KindUnknownOperation {
			return false
		}
	}

	return len(jobs) > 0
}

func rejectionReasons(jobs []model.Job) string {
	reasons := make([]string, 0, len(jobs))
	for _, j := range jobs {
		reasons = append(reasons, j.Error.Message)
	}

	return strings.Join(reasons, "; ")
}

// GetBatch returns the current batch snapshot. With ?wait=<duration> it blocks
// until every job is terminal or the wait elapses, whichever comes first.
func (h *Handler) GetBatch(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	var (
		b    model.Batch
		jobs []model.Job
	)

	if rawWait := c.Query("wait"); rawWait != "" {
		wait, perr := time.ParseDuration(rawWait)
		if perr != nil || wait <= 0 {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid wait duration"))
			return
		}

		b, jobs, err = h.service.WaitBatch(c.Request.Context(), id, wait)
	} else {
		b, jobs, err = h.service.GetBatch(id)
	}

	if err != nil {
		if errors.Is(err, job.ErrBatchNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("batch not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get batch")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get batch: %v", err))
		return
	}

	respond.OK(c, toBatchResponse(b, jobs))
}

// CancelBatch requests best-effort cancellation of every job in the batch.
func (h *Handler) CancelBatch(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	if err := h.service.CancelBatch(id); err != nil {
		if errors.Is(err, job.ErrBatchNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("batch not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to cancel batch")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to cancel batch: %v", err))
		return
	}

	respond.Accepted(c, map[string]interface{}{"batch_id": id})
}

// GetJob returns the current snapshot of one job.
func (h *Handler) GetJob(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	j, err := h.service.GetJob(id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get job: %v", err))
		return
	}

	respond.OK(c, j)
}

// GetOutput streams the output bytes of a succeeded job exactly as the
// transform produced them.
func (h *Handler) GetOutput(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	reader, err := h.service.OpenOutput(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
		case errors.Is(err, batchsvc.ErrJobNotTerminal):
			respond.Fail(c, http.StatusConflict, fmt.Errorf("job has not finished yet"))
		case errors.Is(err, batchsvc.ErrJobNotSucceeded):
			respond.Fail(c, http.StatusUnprocessableEntity, fmt.Errorf("job did not succeed"))
		default:
			zlog.Logger.Err(err).Msg("failed to open job output")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to open job output: %v", err))
		}
		return
	}
	defer reader.Close()

	respond.PNG(c, http.StatusOK, reader)
}

// CancelJob requests best-effort cancellation of one job. It always answers
// 202: cancelling a terminal or unknown job is a no-op.
func (h *Handler) CancelJob(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	if err := h.service.CancelJob(id); err != nil {
		zlog.Logger.Err(err).Msg("failed to cancel job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to cancel job: %v", err))
		return
	}

	respond.Accepted(c, map[string]interface{}{"job_id": id})
}

// ListOperations returns the transform catalog with parameter schemas.
func (h *Handler) ListOperations(c *ginext.Context) {
	respond.OK(c, h.service.Operations())
}
