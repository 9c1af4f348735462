package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dalcio/pixelforge/models"
	"github.com/Dalcio/pixelforge/queue"
)

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ResetForRetry(ctx context.Context, id string) error
	RestoreFailed(ctx context.Context, id string, message string) error
}

type URLChecker interface {
	Check(ctx context.Context, url string) ReachabilityResult
}

type JobQueue interface {
	Enqueue(ctx context.Context, msg models.QueueMessage, opts queue.EnqueueOptions) (bool, error)
	Delivery(ctx context.Context, jobID string) (queue.Delivery, error)
}

type ObjectDeleter interface {
	Delete(ctx context.Context, jobID string) error
}

type CreateJobRequest struct {
	InputURL        string                  `json:"inputUrl"`
	Transformations *models.Transformations `json:"transformations,omitempty"`
}

type JobServiceOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	ListLimit   int
}

// JobService is the entry point for submitting and managing jobs.
type JobService struct {
	store   JobStore
	checker URLChecker
	queue   JobQueue
	objects ObjectDeleter
	opts    JobServiceOptions
	logger  *zap.Logger
	newID   func() (string, error)
}

func NewJobService(store JobStore, checker URLChecker, q JobQueue, objects ObjectDeleter, opts JobServiceOptions, logger *zap.Logger) *JobService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.ListLimit < 1 {
		opts.ListLimit = 100
	}
	return &JobService{
		store:   store,
		checker: checker,
		queue:   q,
		objects: objects,
		opts:    opts,
		logger:  logger,
		newID:   newJobID,
	}
}

// Create validates the request, probes the input URL and persists a pending
// job before handing it to the queue. A job that could not be enqueued is
// removed again.
func (s *JobService) Create(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if err := validateInputURL(req.InputURL); err != nil {
		return nil, err
	}
	if err := req.Transformations.Validate(); err != nil {
		return nil, err
	}

	if result := s.checker.Check(ctx, req.InputURL); !result.Reachable {
		s.logger.Info("Rejected unreachable input",
			zap.String("input_url", req.InputURL),
			zap.String("reason", result.Reason))
		return nil, &UnreachableError{URL: req.InputURL, Result: result}
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := &models.Job{
		ID:              id,
		InputURL:        req.InputURL,
		Status:          models.StatusPending,
		Transformations: req.Transformations,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	_, err = s.queue.Enqueue(ctx, job.Message(), queue.EnqueueOptions{
		MaxAttempts: s.opts.MaxAttempts,
		Backoff:     s.opts.Backoff,
	})
	if err != nil {
		if derr := s.store.DeleteJob(context.WithoutCancel(ctx), id); derr != nil {
			s.logger.Error("Failed to remove unqueued job", zap.String("job_id", id), zap.Error(derr))
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("Job created", zap.String("job_id", id), zap.String("input_url", req.InputURL))
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns the newest jobs, at most the configured limit.
func (s *JobService) List(ctx context.Context, limit int) ([]models.Job, error) {
	if limit < 1 || limit > s.opts.ListLimit {
		limit = s.opts.ListLimit
	}
	return s.store.ListJobs(ctx, limit)
}

// Retry resets a failed job to pending and enqueues a single new attempt.
func (s *JobService) Retry(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFailed {
		return nil, &NotRetryableError{Status: string(job.Status)}
	}

	if err := s.store.ResetForRetry(ctx, id); err != nil {
		if errors.Is(err, ErrJobNotRetryable) {
			// Lost a race with another retry.
			return nil, s.notRetryable(ctx, id)
		}
		return nil, err
	}

	queued, err := s.queue.Enqueue(ctx, job.Message(), queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		err = fmt.Errorf("enqueue retry: %w", err)
	} else if !queued {
		err = s.checkPendingDelivery(ctx, id)
	}
	if err != nil {
		s.restoreFailed(ctx, job)
		return nil, err
	}

	s.logger.Info("Job retried", zap.String("job_id", id))
	return s.store.GetJob(ctx, id)
}

// Delete removes the job record. Removing the stored output is best effort.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if job.OutputURL != "" && s.objects != nil {
		if err := s.objects.Delete(ctx, id); err != nil {
			s.logger.Warn("Failed to delete processed image",
				zap.String("job_id", id), zap.Error(err))
		}
	}

	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Job deleted", zap.String("job_id", id))
	return nil
}

// checkPendingDelivery accepts a skipped enqueue only when the existing
// delivery has yet to run. An active one belongs to the attempt that just
// failed and will not pick up the reset.
func (s *JobService) checkPendingDelivery(ctx context.Context, id string) error {
	d, err := s.queue.Delivery(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect delivery: %w", err)
	}
	switch d.State {
	case queue.StateWaiting, queue.StateDelayed:
		return nil
	default:
		return ErrRetryInFlight
	}
}

func (s *JobService) restoreFailed(ctx context.Context, job *models.Job) {
	if err := s.store.RestoreFailed(context.WithoutCancel(ctx), job.ID, job.Error); err != nil {
		s.logger.Error("Failed to restore job after unqueued retry",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *JobService) notRetryable(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &NotRetryableError{Status: string(job.Status)}
}

func validateInputURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &models.ValidationError{Field: "inputUrl", Message: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &models.ValidationError{Field: "inputUrl", Message: "must be a valid uri"}
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	default:
		return &models.ValidationError{Field: "inputUrl", Message: "must use http or https"}
	}
}

// Version 7 ids sort by creation time.
func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
