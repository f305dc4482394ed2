package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "queued"
	JobRunning   string = "running"
	JobCompleted string = "completed"
	JobFailed    string = "failed"
)

const (
	JobTypePublish        string = "publish"
	JobTypeTileGeneration string = "tile_generation"
	JobTypeOverlayImport  string = "overlay_import"
)

const (
	DraftStatusDraft     string = "draft"
	DraftStatusPublished string = "published"
)

type Project struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Slug string    `gorm:"uniqueIndex;not null"`
	Name string

	// Pointer flipped by the publish step; the only mutable reference to a
	// release. Everything under the release path itself is immutable.
	CurrentReleaseId sql.NullString

	CreatedAt time.Time

	Config *ProjectConfig `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
	Drafts []Draft        `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
}

type ProjectConfig struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`

	ViewBox     string  `gorm:"default:'0 0 4096 4096'"`
	ZoomMin     float64 `gorm:"default:0.5"`
	ZoomMax     float64 `gorm:"default:4.0"`
	ZoomDefault float64 `gorm:"default:1.0"`

	DefaultLocale string         `gorm:"size:10;default:'en'"`
	Locales       datatypes.JSON // ["en", ...]
	StatusStyles  datatypes.JSON
}

type Draft struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_draft_version"`
	Project   *Project  `gorm:"foreignKey:ProjectId"`

	VersionNumber int    `gorm:"uniqueIndex:idx_draft_version"`
	Status        string `gorm:"size:20;not null;default:'draft'"`

	// Staging keys under {project}/uploads/... that the pipeline reads from.
	BaseMapKey       string
	OverlaySourceKey sql.NullString

	ReleaseId   sql.NullString
	PublishedAt sql.NullTime
	CreatedAt   time.Time

	Overlays []Overlay `gorm:"foreignKey:DraftId;constraint:OnDelete:CASCADE"`
}

type Overlay struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DraftId     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_overlay_ref"`
	OverlayType string    `gorm:"size:20;uniqueIndex:idx_overlay_ref"`
	Ref         string    `gorm:"uniqueIndex:idx_overlay_ref"`

	Geometry      datatypes.JSON `gorm:"not null"`
	Label         datatypes.JSON // {"en": "..."}
	LabelPosition datatypes.JSON // [x, y]
	Props         datatypes.JSON

	Layer     sql.NullString
	SortOrder int `gorm:"default:0"`
	ViewBox   sql.NullString
}

type Job struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobType string    `gorm:"size:50;not null;index"`

	Status   string `gorm:"size:20;not null;index"`
	Progress int    `gorm:"default:0"`
	Message  string

	Result datatypes.JSON
	Error  sql.NullString
	Logs   datatypes.JSON

	ProjectId uuid.UUID     `gorm:"type:uuid;index"`
	DraftId   uuid.NullUUID `gorm:"type:uuid;index"`

	CreatedAt   time.Time
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

type Release struct {
	Id string `gorm:"primaryKey"` // rel_{timestamp}_{hex}

	ProjectId uuid.UUID `gorm:"type:uuid;index"`
	DraftId   uuid.UUID `gorm:"type:uuid"`

	ManifestKey  string
	Checksum     string
	OverlayCount int
	TileCount    int

	PublishedAt time.Time
}
