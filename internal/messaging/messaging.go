package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	PublishQueue       = "publish_queue"
	TileQueue          = "tile_queue"
	OverlayImportQueue = "overlay_import_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// PublishTaskPayload kicks off a full draft publish.
type PublishTaskPayload struct {
	JobId     uuid.UUID
	ProjectId uuid.UUID
	DraftId   uuid.UUID
}

// TileTaskPayload generates a preview pyramid from a staged base map without
// publishing anything.
type TileTaskPayload struct {
	JobId     uuid.UUID
	ProjectId uuid.UUID
	DraftId   uuid.UUID
}

// OverlayImportTaskPayload imports SVG geometry into a draft's overlay set.
type OverlayImportTaskPayload struct {
	JobId       uuid.UUID
	ProjectId   uuid.UUID
	DraftId     uuid.UUID
	IdPattern   string
	OverlayType string
}

type Publisher interface {
	PublishPublishTask(ctx context.Context, payload PublishTaskPayload) error

	PublishTileTask(ctx context.Context, payload TileTaskPayload) error

	PublishOverlayImportTask(ctx context.Context, payload OverlayImportTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
