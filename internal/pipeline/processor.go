// Package pipeline runs the worker side of the publish system: it consumes
// queued tasks and drives drafts through validation, tile generation, overlay
// import, release assembly and the final pointer flip.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"masterplan-backend/internal/assets"
	"masterplan-backend/internal/jobs"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/release"
	"masterplan-backend/internal/storage"
	"masterplan-backend/internal/tiles"
	"masterplan-backend/internal/utils"

	"gorm.io/gorm"
)

type TaskProcessor struct {
	db        *gorm.DB
	store     storage.ObjectStore
	fetcher   *assets.Fetcher
	jobs      *jobs.Store
	assembler *release.Assembler
	receiver  messaging.Receiver

	// Serializes publish runs per draft. The submit-time database check
	// rejects most duplicates; this guards against two workers racing on
	// tasks that were already queued.
	draftLocks utils.KeyedMutex

	workDir     string
	tileOptions tiles.Options
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, receiver messaging.Receiver, workDir string, tileOptions tiles.Options) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		store:       store,
		fetcher:     assets.NewFetcher(store),
		jobs:        jobs.NewStore(db),
		assembler:   release.NewAssembler(db, store),
		receiver:    receiver,
		draftLocks:  utils.NewKeyedMutex(1024),
		workDir:     workDir,
		tileOptions: tileOptions,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.PublishQueue:
		var payload messaging.PublishTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling publish task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPublishTask(ctx, payload)

	case messaging.TileQueue:
		var payload messaging.TileTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling tile task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTileTask(ctx, payload)

	case messaging.OverlayImportQueue:
		var payload messaging.OverlayImportTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling overlay import task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processOverlayImportTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}
