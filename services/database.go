package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Dalcio/pixelforge/models"
)

// Placeholders are numbered in order of appearance in every statement:
// SQLite binds $N parameters by first occurrence, not by number.

const jobColumns = `id, input_url, status, progress, transformations, output_url, error_message, created_at, updated_at, processed_at`

type DatabaseService struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewDatabaseService(driver, databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == "sqlite3" {
		// One writer at a time avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}

	return &DatabaseService{db: db, driver: driver, now: time.Now}, nil
}

func (d *DatabaseService) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if d.driver == "sqlite3" {
		ts = "TIMESTAMP"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS image_jobs (
			id TEXT PRIMARY KEY,
			input_url TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			transformations TEXT,
			output_url TEXT,
			error_message TEXT,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL,
			processed_at %[1]s
		);
		CREATE INDEX IF NOT EXISTS idx_image_jobs_created_at ON image_jobs (created_at);
		CREATE INDEX IF NOT EXISTS idx_image_jobs_status ON image_jobs (status);
	`, ts)
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (d *DatabaseService) CreateJob(ctx context.Context, job *models.Job) error {
	transformations, err := encodeTransformations(job.Transformations)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO image_jobs (id, input_url, status, progress, transformations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.InputURL, string(job.Status), job.Progress, transformations, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, newest first.
func (d *DatabaseService) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM image_jobs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (d *DatabaseService) DeleteJob(ctx context.Context, id string) error {
	return d.exec(ctx, `DELETE FROM image_jobs WHERE id = $1`, id)
}

// MarkProcessing starts a new attempt: it overwrites whatever a previous
// attempt left behind.
func (d *DatabaseService) MarkProcessing(ctx context.Context, id string) error {
	return d.exec(ctx, `
		UPDATE image_jobs
		SET status = $1, progress = 0, error_message = NULL, output_url = NULL, processed_at = NULL, updated_at = $2
		WHERE id = $3`,
		string(models.StatusProcessing), d.now().UTC(), id,
	)
}

func (d *DatabaseService) UpdateProgress(ctx context.Context, id string, progress int) error {
	return d.exec(ctx, `UPDATE image_jobs SET progress = $1, updated_at = $2 WHERE id = $3`,
		progress, d.now().UTC(), id,
	)
}

func (d *DatabaseService) MarkCompleted(ctx context.Context, id string, outputURL string) error {
	now := d.now().UTC()
	return d.exec(ctx, `
		UPDATE image_jobs
		SET status = $1, progress = 100, output_url = $2, error_message = NULL, processed_at = $3, updated_at = $4
		WHERE id = $5`,
		string(models.StatusCompleted), outputURL, now, now, id,
	)
}

func (d *DatabaseService) MarkFailed(ctx context.Context, id string, message string) error {
	return d.exec(ctx, `
		UPDATE image_jobs
		SET status = $1, progress = 100, error_message = $2, updated_at = $3
		WHERE id = $4`,
		string(models.StatusFailed), message, d.now().UTC(), id,
	)
}

// ResetForRetry moves a failed job back to pending. The status guard makes
// concurrent retries reset the job at most once.
func (d *DatabaseService) ResetForRetry(ctx context.Context, id string) error {
	err := d.exec(ctx, `
		UPDATE image_jobs
		SET status = $1, progress = 0, error_message = NULL, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(models.StatusPending), d.now().UTC(), id, string(models.StatusFailed),
	)
	if errors.Is(err, ErrJobNotFound) {
		return ErrJobNotRetryable
	}
	return err
}

// RestoreFailed puts a job reset by ResetForRetry back to failed when its
// retry could not be queued. Jobs that already left pending are untouched.
func (d *DatabaseService) RestoreFailed(ctx context.Context, id string, message string) error {
	return d.exec(ctx, `
		UPDATE image_jobs
		SET status = $1, progress = 100, error_message = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(models.StatusFailed), message, d.now().UTC(), id, string(models.StatusPending),
	)
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func (d *DatabaseService) exec(ctx context.Context, query string, args ...any) error {
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job             models.Job
		status          string
		transformations sql.NullString
		outputURL       sql.NullString
		errorMessage    sql.NullString
		processedAt     sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.InputURL,
		&status,
		&job.Progress,
		&transformations,
		&outputURL,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.OutputURL = outputURL.String
	job.Error = errorMessage.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		job.ProcessedAt = &t
	}
	if transformations.Valid && transformations.String != "" {
		var t models.Transformations
		if err := json.Unmarshal([]byte(transformations.String), &t); err != nil {
			return nil, fmt.Errorf("decode transformations: %w", err)
		}
		job.Transformations = &t
	}
	return &job, nil
}

func encodeTransformations(t *models.Transformations) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode transformations: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
