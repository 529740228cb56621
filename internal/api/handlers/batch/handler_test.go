package batch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/preprocess-pipeline/internal/api/handlers/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/api/router"
	"github.com/aliskhannn/preprocess-pipeline/internal/model"
	jobrepo "github.com/aliskhannn/preprocess-pipeline/internal/repository/job"
	batchsvc "github.com/aliskhannn/preprocess-pipeline/internal/service/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/transform"
)

// fakeService is a canned-response stand-in for the dispatcher.
type fakeService struct {
	batch     model.Batch
	jobs      map[uuid.UUID]model.Job
	batchJobs []model.Job
	submitErr error

	output    []byte
	outputErr error

	descs []transform.Description

	cancelledJobs    []uuid.UUID
	cancelledBatches []uuid.UUID
	waited           time.Duration
}

func (f *fakeService) SubmitBatch(_ context.Context, img io.Reader, _ []batchsvc.OperationRequest) (model.Batch, []model.Job, error) {
	if _, err := io.ReadAll(img); err != nil {
		return model.Batch{}, nil, err
	}
	if f.submitErr != nil {
		return model.Batch{}, nil, f.submitErr
	}

	return f.batch, f.batchJobs, nil
}

func (f *fakeService) GetJob(id uuid.UUID) (model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, jobrepo.ErrJobNotFound
	}

	return j, nil
}

func (f *fakeService) GetBatch(id uuid.UUID) (model.Batch, []model.Job, error) {
	if id != f.batch.ID {
		return model.Batch{}, nil, jobrepo.ErrBatchNotFound
	}

	return f.batch, f.batchJobs, nil
}

func (f *fakeService) WaitBatch(_ context.Context, id uuid.UUID, timeout time.Duration) (model.Batch, []model.Job, error) {
	f.waited = timeout

	return f.GetBatch(id)
}

func (f *fakeService) CancelJob(id uuid.UUID) error {
	f.cancelledJobs = append(f.cancelledJobs, id)

	return nil
}

func (f *fakeService) CancelBatch(id uuid.UUID) error {
	if id != f.batch.ID {
		return jobrepo.ErrBatchNotFound
	}
	f.cancelledBatches = append(f.cancelledBatches, id)

	return nil
}

func (f *fakeService) OpenOutput(_ context.Context, _ uuid.UUID) (io.ReadCloser, error) {
	if f.outputErr != nil {
		return nil, f.outputErr
	}

	return io.NopCloser(bytes.NewReader(f.output)), nil
}

func (f *fakeService) Operations() []transform.Description {
	return f.descs
}

func serve(f *fakeService, req *http.Request) *httptest.ResponseRecorder {
	r := router.Setup(batch.NewHandler(f))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

// multipartUpload builds a form with an image part and an operations field.
func multipartUpload(t *testing.T, operations string) (*bytes.Buffer, string) {
	t.Helper()

	body := bytes.NewBuffer(nil)
	mw := multipart.NewWriter(body)

	fw, err := mw.CreateFormFile("image", "input.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("image-bytes")); err != nil {
		t.Fatal(err)
	}

	if operations != "" {
		if err := mw.WriteField("operations", operations); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	return body, mw.FormDataContentType()
}

func queuedJobs(batchID uuid.UUID, ops ...string) []model.Job {
	jobs := make([]model.Job, 0, len(ops))
	for _, op := range ops {
		jobs = append(jobs, model.Job{
			ID:        uuid.New(),
			BatchID:   batchID,
			Operation: op,
			State:     model.StateQueued,
			CreatedAt: time.Now(),
		})
	}

	return jobs
}

type batchEnvelope struct {
	Result struct {
		BatchID uuid.UUID `json:"batch_id"`
		Done    bool      `json:"done"`
		Jobs    []struct {
			JobID     uuid.UUID        `json:"job_id"`
			Operation string           `json:"operation"`
			State     model.State      `json:"state"`
			Error     *model.ErrorInfo `json:"error"`
		} `json:"jobs"`
	} `json:"result"`
}

func TestCreateBatch(t *testing.T) {
	batchID := uuid.New()
	f := &fakeService{
		batch:     model.Batch{ID: batchID, CreatedAt: time.Now()},
		batchJobs: queuedJobs(batchID, "grayscale", "resize"),
	}

	body, contentType := multipartUpload(t, `[{"operation":"grayscale"},{"operation":"resize","params":{"width":"10","height":"10"}}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", body)
	req.Header.Set("Content-Type", contentType)

	w := serve(f, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}

	var resp batchEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.BatchID != batchID {
		t.Fatalf("wrong batch id: %s", resp.Result.BatchID)
	}
	if len(resp.Result.Jobs) != 2 || resp.Result.Done {
		t.Fatalf("unexpected batch view: %+v", resp.Result)
	}
}

func TestCreateBatch_MissingOperations(t *testing.T) {
	body, contentType := multipartUpload(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", body)
	req.Header.Set("Content-Type", contentType)

	w := serve(&fakeService{}, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateBatch_UnreadableImage(t *testing.T) {
	f := &fakeService{submitErr: batchsvc.ErrUnreadableImage}

	body, contentType := multipartUpload(t, `[{"operation":"grayscale"}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", body)
	req.Header.Set("Content-Type", contentType)

	w := serve(f, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateBatch_AllOperationsRejected(t *testing.T) {
	batchID := uuid.New()
	f := &fakeService{
		batch: model.Batch{ID: batchID},
		batchJobs: []model.Job{
			{
				ID: uuid.New(), BatchID: batchID, Operation: "sharpen",
				State: model.StateFailed,
				Error: &model.ErrorInfo{Kind: model.KindUnknownOperation, Message: "unknown operation"},
			},
			{
				ID: uuid.New(), BatchID: batchID, Operation: "resize",
				State: model.StateFailed,
				Error: &model.ErrorInfo{Kind: model.KindInvalidParameters, Message: "width is required", Fields: []string{"width"}},
			},
		},
	}

	body, contentType := multipartUpload(t, `[{"operation":"sharpen"},{"operation":"resize"}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", body)
	req.Header.Set("Content-Type", contentType)

	w := serve(f, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when every operation is rejected, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	j := model.Job{
		ID:        uuid.New(),
		BatchID:   uuid.New(),
		Operation: "grayscale",
		State:     model.StateSucceeded,
		OutputRef: "outputs/" + uuid.NewString() + ".png",
		CreatedAt: time.Now(),
	}
	f := &fakeService{jobs: map[uuid.UUID]model.Job{j.ID: j}}

	get := func() *httptest.ResponseRecorder {
		return serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+j.ID.String(), nil))
	}

	first := get()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	// Reading a result is idempotent: identical bytes on repeat.
	second := get()
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("repeated reads returned different bodies")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	w := serve(&fakeService{}, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	w := serve(&fakeService{}, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetBatch_WaitParam(t *testing.T) {
	batchID := uuid.New()
	f := &fakeService{batch: model.Batch{ID: batchID}, batchJobs: queuedJobs(batchID, "crop")}

	w := serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+batchID.String()+"?wait=2s", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.waited != 2*time.Second {
		t.Fatalf("wait duration not forwarded: %s", f.waited)
	}

	w = serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+batchID.String()+"?wait=soon", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed wait, got %d", w.Code)
	}
}

func TestGetOutput(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}
	f := &fakeService{output: payload}

	w := serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/output", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatal("output bytes altered in transit")
	}
}

func TestGetOutput_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown job", jobrepo.ErrJobNotFound, http.StatusNotFound},
		{"still running", batchsvc.ErrJobNotTerminal, http.StatusConflict},
		{"failed job", batchsvc.ErrJobNotSucceeded, http.StatusUnprocessableEntity},
		{"storage fault", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeService{outputErr: tt.err}

			w := serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/output", nil))
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	j := model.Job{ID: uuid.New(), State: model.StateQueued}
	f := &fakeService{jobs: map[uuid.UUID]model.Job{j.ID: j}}

	w := serve(f, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+j.ID.String()+"/cancel", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(f.cancelledJobs) != 1 || f.cancelledJobs[0] != j.ID {
		t.Fatalf("cancel not forwarded: %v", f.cancelledJobs)
	}

	// Cancel is idempotent and never 404s: unknown ids get 202 too.
	w = serve(f, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for an unknown job, got %d", w.Code)
	}

	w = serve(f, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/not-a-uuid/cancel", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", w.Code)
	}
}

func TestCancelBatch(t *testing.T) {
	batchID := uuid.New()
	f := &fakeService{batch: model.Batch{ID: batchID}}

	w := serve(f, httptest.NewRequest(http.MethodPost, "/api/v1/batches/"+batchID.String()+"/cancel", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	w = serve(f, httptest.NewRequest(http.MethodPost, "/api/v1/batches/"+uuid.NewString()+"/cancel", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown batch, got %d", w.Code)
	}
}

func TestListOperations(t *testing.T) {
	f := &fakeService{descs: []transform.Description{
		{ID: "grayscale"},
		{ID: "resize", Params: transform.Schema{{Name: "width", Kind: transform.ParamInt, Required: true}}},
	}}

	w := serve(f, httptest.NewRequest(http.MethodGet, "/api/v1/operations", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Result []struct {
			ID string `json:"operation"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result) != 2 || resp.Result[0].ID != "grayscale" {
		t.Fatalf("unexpected catalog: %+v", resp.Result)
	}
}
