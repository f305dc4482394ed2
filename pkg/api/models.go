package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the job record as exposed to UI/CLI callers. The same shape is
// returned for single reads and for each update on the streaming endpoint.
type JobState struct {
	Id        uuid.UUID       `json:"id"`
	JobType   string          `json:"job_type"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Logs      []JobLogEntry   `json:"logs,omitempty"`
	ProjectId uuid.UUID       `json:"project_id"`
	DraftId   *uuid.UUID      `json:"draft_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListJobsRequest struct {
	Project string `schema:"project"`
	Status  string `schema:"status"`
	JobType string `schema:"job_type"`
	Limit   int    `schema:"limit"`
}

type StartJobResponse struct {
	JobId   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

type ValidatePublishResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type ImportOverlaysRequest struct {
	// Optional regex applied to element ids; elements that do not match are
	// skipped.
	IdPattern string `json:"id_pattern,omitempty"`

	OverlayType string `json:"overlay_type,omitempty"`
}

type CreateProjectRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type CreateProjectResponse struct {
	Id   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
}

type CreateDraftRequest struct {
	BaseMapKey       string `json:"base_map_key"`
	OverlaySourceKey string `json:"overlay_source_key,omitempty"`
}

type CreateDraftResponse struct {
	Id            uuid.UUID `json:"id"`
	VersionNumber int       `json:"version_number"`
}

type ReleaseInfo struct {
	ReleaseId    string    `json:"release_id"`
	ManifestKey  string    `json:"manifest_key"`
	Checksum     string    `json:"checksum"`
	OverlayCount int       `json:"overlay_count"`
	TileCount    int       `json:"tile_count"`
	PublishedAt  time.Time `json:"published_at"`
	IsCurrent    bool      `json:"is_current"`
}

type ReleaseHistoryResponse struct {
	ProjectSlug      string        `json:"project_slug"`
	CurrentReleaseId string        `json:"current_release_id,omitempty"`
	Releases         []ReleaseInfo `json:"releases"`
	Total            int           `json:"total"`
}
