package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/release"
	"masterplan-backend/internal/tiles"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Stage boundaries, in percent. Progress within a stage is rescaled into its
// slice so the overall number only ever moves forward.
const (
	stageValidateEnd = 10
	stageBuildEnd    = 70
	stageAssembleEnd = 80
	stageUploadEnd   = 95
)

// PublishResult is stored as the job result document on success.
type PublishResult struct {
	ReleaseId    string `json:"release_id"`
	ManifestKey  string `json:"manifest_key"`
	Checksum     string `json:"checksum"`
	OverlayCount int    `json:"overlay_count"`
	TileCount    int    `json:"tile_count"`
	PublishedAt  string `json:"published_at"`
}

func (proc *TaskProcessor) processPublishTask(ctx context.Context, payload messaging.PublishTaskPayload) error {
	lockKey := payload.DraftId.String()
	if err := proc.draftLocks.Lock(lockKey); err != nil {
		return fmt.Errorf("failed to acquire draft lock: %w", err)
	}
	defer func() {
		if err := proc.draftLocks.Unlock(lockKey); err != nil {
			slog.Error("error releasing draft lock", "draft_id", lockKey, "error", err)
		}
	}()

	if err := proc.jobs.Start(ctx, payload.JobId); err != nil {
		return err
	}

	result, err := proc.runPublish(ctx, payload)
	if err != nil {
		_ = proc.jobs.AppendLog(ctx, payload.JobId, "error", err.Error())
		if failErr := proc.jobs.Fail(ctx, payload.JobId, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}

	return proc.jobs.Complete(ctx, payload.JobId, result)
}

func (proc *TaskProcessor) runPublish(ctx context.Context, payload messaging.PublishTaskPayload) (*PublishResult, error) {
	jobId := payload.JobId

	project, draft, err := proc.loadProjectAndDraft(ctx, payload.ProjectId, payload.DraftId)
	if err != nil {
		return nil, err
	}

	// Stage 1: validation. Nothing has been written yet, so a failure here
	// leaves the system exactly as it was.
	proc.log(ctx, jobId, "validating draft version %d of %s", draft.VersionNumber, project.Slug)
	problems, err := proc.assembler.Validate(ctx, project, draft)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("draft is not publishable: %s", strings.Join(problems, "; "))
	}
	proc.progress(ctx, jobId, stageValidateEnd, "validated")

	// Stage 2: tile generation and overlay import run concurrently. They
	// touch disjoint state (a scratch directory vs the overlays table).
	tilesDir, err := os.MkdirTemp(proc.workDir, "tiles-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(tilesDir)

	var pyramid *tiles.Pyramid

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		p, err := proc.generatePyramid(groupCtx, draft, tilesDir, func(percent int) {
			scaled := stageValidateEnd + percent*(stageBuildEnd-stageValidateEnd)/100
			proc.progress(groupCtx, jobId, scaled, "generating tiles")
		})
		if err != nil {
			return err
		}
		pyramid = p
		return nil
	})
	group.Go(func() error {
		if !draft.OverlaySourceKey.Valid {
			return nil
		}
		imported, elementErrors, err := proc.importOverlays(groupCtx, draft, draft.OverlaySourceKey.String, "", "unit")
		if err != nil {
			return err
		}
		proc.log(groupCtx, jobId, "imported %d overlays from %s", imported, draft.OverlaySourceKey.String)
		for _, elemErr := range elementErrors {
			_ = proc.jobs.AppendLog(groupCtx, jobId, "warn", elemErr.Error())
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	proc.progress(ctx, jobId, stageBuildEnd, "tiles and overlays ready")

	// Stage 3: assemble the sealed manifest under a fresh release id.
	now := time.Now().UTC()
	releaseId := release.NewId(now)
	proc.log(ctx, jobId, "assembling release %s", releaseId)

	manifest, err := proc.assembler.BuildManifest(ctx, project, draft, pyramid, releaseId, now)
	if err != nil {
		return nil, err
	}
	proc.progress(ctx, jobId, stageAssembleEnd, "release assembled")

	// Stage 4: upload tiles and manifest under the immutable release prefix.
	manifestKey, err := proc.assembler.Upload(ctx, manifest, tilesDir)
	if err != nil {
		return nil, err
	}
	proc.progress(ctx, jobId, stageUploadEnd, "release uploaded")

	// Stage 5: flip the current-release pointer. This is the only step that
	// changes what viewers see; everything before it is invisible to them.
	if err := proc.assembler.Finalize(ctx, project, draft, manifest, manifestKey, now); err != nil {
		return nil, err
	}
	proc.log(ctx, jobId, "release %s is now current for %s", releaseId, project.Slug)

	return &PublishResult{
		ReleaseId:    releaseId,
		ManifestKey:  manifestKey,
		Checksum:     manifest.Checksum,
		OverlayCount: len(manifest.Overlays),
		TileCount:    manifest.Tiles.TileCount,
		PublishedAt:  now.Format(time.RFC3339),
	}, nil
}

func (proc *TaskProcessor) loadProjectAndDraft(ctx context.Context, projectId, draftId uuid.UUID) (database.Project, database.Draft, error) {
	var project database.Project
	if err := proc.db.WithContext(ctx).First(&project, "id = ?", projectId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Project{}, database.Draft{}, fmt.Errorf("project %v not found", projectId)
		}
		return database.Project{}, database.Draft{}, fmt.Errorf("failed to load project: %w", err)
	}

	var draft database.Draft
	if err := proc.db.WithContext(ctx).First(&draft, "id = ?", draftId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Project{}, database.Draft{}, fmt.Errorf("draft %v not found", draftId)
		}
		return database.Project{}, database.Draft{}, fmt.Errorf("failed to load draft: %w", err)
	}

	return project, draft, nil
}

func (proc *TaskProcessor) progress(ctx context.Context, jobId uuid.UUID, percent int, message string) {
	if err := proc.jobs.UpdateProgress(ctx, jobId, percent, message); err != nil {
		slog.Warn("error updating job progress", "job_id", jobId, "error", err)
	}
}

func (proc *TaskProcessor) log(ctx context.Context, jobId uuid.UUID, format string, args ...any) {
	_ = proc.jobs.AppendLog(ctx, jobId, "info", fmt.Sprintf(format, args...))
}
