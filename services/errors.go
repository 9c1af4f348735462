package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRetryable = errors.New("only failed jobs can be retried")
	ErrRetryInFlight   = errors.New("job is still being processed")
)

// InvalidImageMessage is stored on jobs whose bytes fail structural validation.
const InvalidImageMessage = "Invalid image format or corrupted image data."

// Step identifies the pipeline stage that produced a failure.
type Step string

const (
	StepDownload Step = "download"
	StepValidate Step = "validate"
	StepUpload   Step = "upload"
	StepUnknown  Step = "unknown"
)

func ProcessingStep(sub string) Step {
	return Step("processing:" + sub)
}

// IsProcessing reports whether the step came from the transform engine.
func (s Step) IsProcessing() bool {
	return strings.HasPrefix(string(s), "processing:")
}

// JobError is the structured failure record of one pipeline attempt.
type JobError struct {
	Step      Step
	Message   string
	URL       string
	JobID     string
	Timestamp time.Time
	Cause     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed at %s: %s", e.JobID, e.Step, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// UnreachableError rejects a submission whose input URL failed the probe.
type UnreachableError struct {
	URL    string
	Result ReachabilityResult
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("URL is not reachable: %s", e.Result.Reason)
}

// NotRetryableError carries the status that blocked a retry.
type NotRetryableError struct {
	Status string
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("%s (current status: %s)", ErrJobNotRetryable, e.Status)
}

func (e *NotRetryableError) Unwrap() error {
	return ErrJobNotRetryable
}
