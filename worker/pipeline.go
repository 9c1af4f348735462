package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Dalcio/pixelforge/models"
	"github.com/Dalcio/pixelforge/services"
)

// Progress checkpoints persisted while a job runs.
const (
	ProgressStarted     = 0
	ProgressDownloading = 20
	ProgressValidating  = 40
	ProgressProcessing  = 60
	ProgressUploading   = 80
)

type JobStore interface {
	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string, outputURL string) error
	MarkFailed(ctx context.Context, id string, message string) error
}

type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

type Transformer interface {
	Transform(ctx context.Context, data []byte, t *models.Transformations) ([]byte, error)
}

type Uploader interface {
	Upload(ctx context.Context, jobID string, data []byte) (string, error)
	Delete(ctx context.Context, jobID string) error
}

type Pipeline struct {
	store         JobStore
	downloader    Downloader
	validate      func([]byte) (services.ImageInfo, bool)
	transformer   Transformer
	uploader      Uploader
	uploadTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewPipeline(store JobStore, downloader Downloader, transformer Transformer, uploader Uploader, uploadTimeout time.Duration, logger *zap.Logger) *Pipeline {
	if uploadTimeout <= 0 {
		uploadTimeout = 60 * time.Second
	}
	return &Pipeline{
		store:         store,
		downloader:    downloader,
		validate:      services.ValidateImage,
		transformer:   transformer,
		uploader:      uploader,
		uploadTimeout: uploadTimeout,
		logger:        logger,
		now:           time.Now,
	}
}

// Process runs one attempt of a job. A failed attempt is persisted on the job
// before its *services.JobError is returned. services.ErrJobNotFound means
// the job was deleted and the message should be dropped.
func (p *Pipeline) Process(ctx context.Context, msg models.QueueMessage) (err error) {
	log := p.logger.With(zap.String("job_id", msg.JobID))
	start := p.now()

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, msg, services.StepUnknown, fmt.Sprintf("Unexpected error: %v", r), fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.store.MarkProcessing(ctx, msg.JobID); err != nil {
		return p.storeFailure(ctx, msg, err)
	}

	if err := p.store.UpdateProgress(ctx, msg.JobID, ProgressDownloading); err != nil {
		return p.storeFailure(ctx, msg, err)
	}
	data, err := p.downloader.Download(ctx, msg.InputURL)
	if err != nil {
		return p.fail(ctx, msg, services.StepDownload, "Download failed: "+err.Error(), err)
	}
	log.Debug("Downloaded input", zap.Int("bytes", len(data)))

	if err := p.store.UpdateProgress(ctx, msg.JobID, ProgressValidating); err != nil {
		return p.storeFailure(ctx, msg, err)
	}
	info, ok := p.validate(data)
	if !ok {
		return p.fail(ctx, msg, services.StepValidate, services.InvalidImageMessage, nil)
	}
	log.Debug("Validated input", zap.String("format", info.Format), zap.Int("width", info.Width), zap.Int("height", info.Height))

	if err := p.store.UpdateProgress(ctx, msg.JobID, ProgressProcessing); err != nil {
		return p.storeFailure(ctx, msg, err)
	}
	out, err := p.transformer.Transform(ctx, data, msg.Transformations)
	if err != nil {
		step := services.ProcessingStep(services.StepTransformUnknown)
		var perr *services.ProcessingError
		if errors.As(err, &perr) {
			step = services.ProcessingStep(perr.Step)
		}
		return p.fail(ctx, msg, step, "Processing failed: "+err.Error(), err)
	}

	if err := p.store.UpdateProgress(ctx, msg.JobID, ProgressUploading); err != nil {
		return p.storeFailure(ctx, msg, err)
	}
	uploadCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	outputURL, err := p.uploader.Upload(uploadCtx, msg.JobID, out)
	cancel()
	if err != nil {
		return p.fail(ctx, msg, services.StepUpload, "Upload failed: "+err.Error(), err)
	}

	if err := p.store.MarkCompleted(ctx, msg.JobID, outputURL); err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			p.removeOrphan(ctx, msg.JobID)
		}
		return p.storeFailure(ctx, msg, err)
	}

	log.Info("Job completed",
		zap.String("output_url", outputURL),
		zap.Duration("duration", p.now().Sub(start)))
	return nil
}

// removeOrphan deletes the output of a job that was deleted while it was
// being uploaded.
func (p *Pipeline) removeOrphan(ctx context.Context, jobID string) {
	if err := p.uploader.Delete(context.WithoutCancel(ctx), jobID); err != nil {
		p.logger.Warn("Failed to delete output of deleted job",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	p.logger.Info("Deleted output of deleted job", zap.String("job_id", jobID))
}

// storeFailure handles an error from a bookkeeping write.
func (p *Pipeline) storeFailure(ctx context.Context, msg models.QueueMessage, err error) error {
	if errors.Is(err, services.ErrJobNotFound) {
		return services.ErrJobNotFound
	}
	return p.fail(ctx, msg, services.StepUnknown, "Unexpected error: "+err.Error(), err)
}

func (p *Pipeline) fail(ctx context.Context, msg models.QueueMessage, step services.Step, message string, cause error) error {
	jobErr := &services.JobError{
		Step:      step,
		Message:   message,
		URL:       msg.InputURL,
		JobID:     msg.JobID,
		Timestamp: p.now().UTC(),
		Cause:     cause,
	}

	p.logger.Warn("Job failed",
		zap.String("job_id", msg.JobID),
		zap.String("step", string(step)),
		zap.String("error", message))

	if err := p.store.MarkFailed(context.WithoutCancel(ctx), msg.JobID, message); err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return services.ErrJobNotFound
		}
		p.logger.Error("Failed to persist job failure",
			zap.String("job_id", msg.JobID), zap.Error(err))
	}
	return jobErr
}
