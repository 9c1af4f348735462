package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Dalcio/pixelforge/models"
	"github.com/Dalcio/pixelforge/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobService struct {
	create func(ctx context.Context, req services.CreateJobRequest) (*models.Job, error)
	get    func(ctx context.Context, id string) (*models.Job, error)
	list   func(ctx context.Context, limit int) ([]models.Job, error)
	retry  func(ctx context.Context, id string) (*models.Job, error)
	delete func(ctx context.Context, id string) error
}

func (f *fakeJobService) Create(ctx context.Context, req services.CreateJobRequest) (*models.Job, error) {
	return f.create(ctx, req)
}

func (f *fakeJobService) Get(ctx context.Context, id string) (*models.Job, error) {
	return f.get(ctx, id)
}

func (f *fakeJobService) List(ctx context.Context, limit int) ([]models.Job, error) {
	return f.list(ctx, limit)
}

func (f *fakeJobService) Retry(ctx context.Context, id string) (*models.Job, error) {
	return f.retry(ctx, id)
}

func (f *fakeJobService) Delete(ctx context.Context, id string) error {
	return f.delete(ctx, id)
}

func serve(t *testing.T, svc JobService, method, path string, body io.Reader) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	router := NewRouter(NewHandler(svc, logger), logger)

	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func sampleJob(status models.JobStatus) *models.Job {
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	return &models.Job{
		ID:        "0196a1b2-0000-7000-8000-000000000001",
		InputURL:  "https://example.com/cat.jpg",
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateJob(t *testing.T) {
	var got services.CreateJobRequest
	svc := &fakeJobService{create: func(_ context.Context, req services.CreateJobRequest) (*models.Job, error) {
		got = req
		return sampleJob(models.StatusPending), nil
	}}

	w, body := serve(t, svc, http.MethodPost, "/api/jobs",
		strings.NewReader(`{"inputUrl":"https://example.com/cat.jpg","transformations":{"width":500,"grayscale":true}}`))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "0196a1b2-0000-7000-8000-000000000001", body["id"])
	assert.Equal(t, "2025-05-01T09:30:00Z", body["createdAt"])
	assert.Equal(t, float64(0), body["progress"])

	assert.Equal(t, "https://example.com/cat.jpg", got.InputURL)
	require.NotNil(t, got.Transformations)
	assert.Equal(t, 500, *got.Transformations.Width)
	assert.True(t, got.Transformations.WantsGrayscale())
}

func TestCreateJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "malformed json",
			body:   `{"inputUrl":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "fractional width",
			body:   `{"inputUrl":"https://example.com/a.jpg","transformations":{"width":4.5}}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "validation",
			body:   `{"inputUrl":"https://example.com/a.jpg","transformations":{"width":50000}}`,
			err:    &models.ValidationError{Field: "transformations.width", Message: "must be between 1 and 4000"},
			status: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "transformations.width", body["field"])
				assert.Contains(t, body["error"], "must be between 1 and 4000")
			},
		},
		{
			name: "unreachable",
			body: `{"inputUrl":"https://example.com/missing.jpg"}`,
			err: &services.UnreachableError{
				URL:    "https://example.com/missing.jpg",
				Result: services.ReachabilityResult{Code: services.ReachNotFound, Reason: "Resource not found (HTTP 404)"},
			},
			status: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "URL is not reachable", body["error"])
				assert.Equal(t, "Resource not found (HTTP 404)", body["reason"])
			},
		},
		{
			name:   "internal",
			body:   `{"inputUrl":"https://example.com/a.jpg"}`,
			err:    errors.New("pq: connection reset"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "internal error", body["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeJobService{create: func(context.Context, services.CreateJobRequest) (*models.Job, error) {
				if tt.err == nil {
					t.Fatal("service must not be called")
				}
				return nil, tt.err
			}}

			w, body := serve(t, svc, http.MethodPost, "/api/jobs", strings.NewReader(tt.body))
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, body["error"])
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestCreateJob_BodyTooLarge(t *testing.T) {
	svc := &fakeJobService{create: func(context.Context, services.CreateJobRequest) (*models.Job, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}

	payload := `{"inputUrl":"https://example.com/a.jpg","padding":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	w, body := serve(t, svc, http.MethodPost, "/api/jobs", strings.NewReader(payload))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "Request body too large", body["error"])
}

func TestCreateJob_StreamedBodyTooLarge(t *testing.T) {
	svc := &fakeJobService{create: func(context.Context, services.CreateJobRequest) (*models.Job, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	logger := zaptest.NewLogger(t)
	router := NewRouter(NewHandler(svc, logger), logger)

	payload := `{"inputUrl":"https://example.com/a.jpg","padding":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", io.NopCloser(strings.NewReader(payload)))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetJob(t *testing.T) {
	svc := &fakeJobService{get: func(_ context.Context, id string) (*models.Job, error) {
		if id == "missing" {
			return nil, services.ErrJobNotFound
		}
		job := sampleJob(models.StatusCompleted)
		job.Progress = 100
		job.OutputURL = "https://cdn.example.com/processed/x.jpg"
		return job, nil
	}}

	w, body := serve(t, svc, http.MethodGet, "/api/jobs/abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "https://cdn.example.com/processed/x.jpg", body["outputUrl"])
	assert.NotContains(t, body, "error")

	w, body = serve(t, svc, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", body["error"])
}

func TestListJobs(t *testing.T) {
	var gotLimit int
	svc := &fakeJobService{list: func(_ context.Context, limit int) ([]models.Job, error) {
		gotLimit = limit
		return []models.Job{*sampleJob(models.StatusPending), *sampleJob(models.StatusFailed)}, nil
	}}

	w, body := serve(t, svc, http.MethodGet, "/api/jobs?limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, gotLimit)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["jobs"], 2)

	_, _ = serve(t, svc, http.MethodGet, "/api/jobs?limit=abc", nil)
	assert.Equal(t, 0, gotLimit)
}

func TestListJobs_Empty(t *testing.T) {
	svc := &fakeJobService{list: func(context.Context, int) ([]models.Job, error) {
		return []models.Job{}, nil
	}}

	w, body := serve(t, svc, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, body["jobs"])
	assert.Equal(t, float64(0), body["total"])
}

func TestRetryJob(t *testing.T) {
	svc := &fakeJobService{retry: func(_ context.Context, id string) (*models.Job, error) {
		switch id {
		case "missing":
			return nil, services.ErrJobNotFound
		case "done":
			return nil, &services.NotRetryableError{Status: "completed"}
		case "busy":
			return nil, services.ErrRetryInFlight
		}
		return sampleJob(models.StatusPending), nil
	}}

	w, body := serve(t, svc, http.MethodPut, "/api/jobs/failed/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(0), body["progress"])

	w, body = serve(t, svc, http.MethodPut, "/api/jobs/done/retry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Only failed jobs can be retried", body["error"])
	assert.Equal(t, "completed", body["currentStatus"])

	w, _ = serve(t, svc, http.MethodPut, "/api/jobs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = serve(t, svc, http.MethodPut, "/api/jobs/busy/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "still being processed")
}

func TestDeleteJob(t *testing.T) {
	svc := &fakeJobService{delete: func(_ context.Context, id string) error {
		if id == "missing" {
			return services.ErrJobNotFound
		}
		return nil
	}}

	w, body := serve(t, svc, http.MethodDelete, "/api/jobs/abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "abc", body["id"])

	w, _ = serve(t, svc, http.MethodDelete, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	w, body := serve(t, &fakeJobService{}, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRecovery(t *testing.T) {
	svc := &fakeJobService{get: func(context.Context, string) (*models.Job, error) {
		panic("boom")
	}}

	w, body := serve(t, svc, http.MethodGet, "/api/jobs/abc", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["error"])
}
