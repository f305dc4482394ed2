package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"masterplan-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update would move a job
	// out of a terminal state or skip the queued -> running step.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store owns all writes to the jobs table. Workers and the API go through it
// instead of touching rows directly, which keeps the status state machine and
// the append-only log in one place.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func (s *Store) Create(ctx context.Context, jobType string, projectId uuid.UUID, draftId uuid.NullUUID) (database.Job, error) {
	job := database.Job{
		Id:        uuid.New(),
		JobType:   jobType,
		Status:    database.JobQueued,
		Progress:  0,
		Logs:      datatypes.JSON("[]"),
		ProjectId: projectId,
		DraftId:   draftId,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return database.Job{}, fmt.Errorf("error creating %s job: %w", jobType, err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, jobId uuid.UUID) (database.Job, error) {
	var job database.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return database.Job{}, ErrJobNotFound
	}
	if err != nil {
		return database.Job{}, fmt.Errorf("error getting job %v: %w", jobId, err)
	}
	return job, nil
}

type ListFilter struct {
	ProjectId uuid.NullUUID
	Status    string
	JobType   string
	Limit     int
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]database.Job, error) {
	query := s.db.WithContext(ctx).Model(&database.Job{})
	if filter.ProjectId.Valid {
		query = query.Where("project_id = ?", filter.ProjectId.UUID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.JobType != "" {
		query = query.Where("job_type = ?", filter.JobType)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var results []database.Job
	if err := query.Order("created_at DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, fmt.Errorf("error listing jobs: %w", err)
	}
	return results, nil
}

// HasActivePublish reports whether a queued or running publish job already
// exists for the draft. Used to reject a second concurrent publish upfront.
func (s *Store) HasActivePublish(ctx context.Context, draftId uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&database.Job{}).
		Where("draft_id = ? AND job_type = ? AND status IN ?",
			draftId, database.JobTypePublish, []string{database.JobQueued, database.JobRunning}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking active publish jobs: %w", err)
	}
	return count > 0, nil
}

// Start moves a queued job to running and stamps started_at.
func (s *Store) Start(ctx context.Context, jobId uuid.UUID) error {
	return s.transition(ctx, jobId, func(job *database.Job) error {
		if job.Status != database.JobQueued {
			return fmt.Errorf("%w: cannot start job in status %q", ErrInvalidTransition, job.Status)
		}
		job.Status = database.JobRunning
		job.StartedAt = nullTimeNow()
		return nil
	})
}

// UpdateProgress records progress (clamped to 0-100) and an optional stage
// message. Progress on a terminal job is ignored rather than rejected, since
// late worker callbacks can race the final status write.
func (s *Store) UpdateProgress(ctx context.Context, jobId uuid.UUID, progress int, message string) error {
	return s.transition(ctx, jobId, func(job *database.Job) error {
		if isTerminal(job.Status) {
			return nil
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if progress > job.Progress {
			job.Progress = progress
		}
		if message != "" {
			job.Message = message
		}
		return nil
	})
}

func (s *Store) AppendLog(ctx context.Context, jobId uuid.UUID, level, message string) error {
	return s.transition(ctx, jobId, func(job *database.Job) error {
		entries, err := decodeLogs(job.Logs)
		if err != nil {
			return err
		}
		entries = append(entries, LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   message,
		})
		encoded, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("error encoding job logs: %w", err)
		}
		job.Logs = datatypes.JSON(encoded)
		return nil
	})
}

// Complete marks a running job completed with progress 100 and the given
// result document.
func (s *Store) Complete(ctx context.Context, jobId uuid.UUID, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error encoding job result: %w", err)
	}
	return s.transition(ctx, jobId, func(job *database.Job) error {
		if job.Status != database.JobRunning {
			return fmt.Errorf("%w: cannot complete job in status %q", ErrInvalidTransition, job.Status)
		}
		job.Status = database.JobCompleted
		job.Progress = 100
		job.Message = "completed"
		job.Result = datatypes.JSON(encoded)
		job.CompletedAt = nullTimeNow()
		return nil
	})
}

// Fail marks a queued or running job failed, preserving the progress value it
// reached.
func (s *Store) Fail(ctx context.Context, jobId uuid.UUID, jobErr error) error {
	return s.transition(ctx, jobId, func(job *database.Job) error {
		if isTerminal(job.Status) {
			return fmt.Errorf("%w: cannot fail job in status %q", ErrInvalidTransition, job.Status)
		}
		job.Status = database.JobFailed
		job.Error = nullString(jobErr.Error())
		job.CompletedAt = nullTimeNow()
		return nil
	})
}

// transition applies fn to the job row inside a transaction so that
// concurrent writers cannot interleave read-modify-write cycles.
func (s *Store) transition(ctx context.Context, jobId uuid.UUID, fn func(*database.Job) error) error {
	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var job database.Job
		if err := txn.First(&job, "id = ?", jobId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("error getting job %v: %w", jobId, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		return txn.Save(&job).Error
	})
	if err != nil && !errors.Is(err, ErrJobNotFound) && !errors.Is(err, ErrInvalidTransition) {
		slog.Error("job store update failed", "job_id", jobId, "error", err)
	}
	return err
}

func isTerminal(status string) bool {
	return status == database.JobCompleted || status == database.JobFailed
}

func decodeLogs(raw datatypes.JSON) ([]LogEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("error decoding job logs: %w", err)
	}
	return entries, nil
}

// DecodeLogs exposes the stored log array for API responses.
func DecodeLogs(raw datatypes.JSON) ([]LogEntry, error) {
	return decodeLogs(raw)
}

func nullTimeNow() sql.NullTime {
	return sql.NullTime{Time: time.Now().UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
