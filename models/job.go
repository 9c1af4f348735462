package models

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is the persisted record of one image transformation request.
type Job struct {
	ID              string           `json:"id"`
	InputURL        string           `json:"inputUrl"`
	Status          JobStatus        `json:"status"`
	Progress        int              `json:"progress"`
	Transformations *Transformations `json:"transformations,omitempty"`
	OutputURL       string           `json:"outputUrl,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	ProcessedAt     *time.Time       `json:"processedAt,omitempty"`
}

// QueueMessage is the unit of work handed to a worker.
type QueueMessage struct {
	JobID           string           `json:"jobId"`
	InputURL        string           `json:"inputUrl"`
	Transformations *Transformations `json:"transformations,omitempty"`
}

// Message builds the queue message for the job's current parameters.
func (j *Job) Message() QueueMessage {
	return QueueMessage{
		JobID:           j.ID,
		InputURL:        j.InputURL,
		Transformations: j.Transformations,
	}
}
