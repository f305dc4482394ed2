package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/release"
	"masterplan-backend/internal/tiles"

	"github.com/disintegration/imaging"
)

// generatePyramid fetches the draft's base map and cuts the full tile
// pyramid into outputDir.
func (proc *TaskProcessor) generatePyramid(ctx context.Context, draft database.Draft, outputDir string, progress func(int)) (*tiles.Pyramid, error) {
	data, err := proc.fetcher.Fetch(ctx, draft.BaseMapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch base map %s: %w", draft.BaseMapKey, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base map %s: %w", draft.BaseMapKey, err)
	}

	return tiles.Generate(ctx, img, outputDir, proc.tileOptions, progress)
}

// TileResult is stored as the result of a standalone tile generation job.
type TileResult struct {
	StagingPrefix string        `json:"staging_prefix"`
	Pyramid       tiles.Pyramid `json:"pyramid"`
}

// processTileTask regenerates a draft's tile pyramid into the project's
// staging area so it can be previewed before publishing. Published releases
// are not affected.
func (proc *TaskProcessor) processTileTask(ctx context.Context, payload messaging.TileTaskPayload) error {
	if err := proc.jobs.Start(ctx, payload.JobId); err != nil {
		return err
	}

	result, err := proc.runTileGeneration(ctx, payload)
	if err != nil {
		_ = proc.jobs.AppendLog(ctx, payload.JobId, "error", err.Error())
		if failErr := proc.jobs.Fail(ctx, payload.JobId, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}

	return proc.jobs.Complete(ctx, payload.JobId, result)
}

func (proc *TaskProcessor) runTileGeneration(ctx context.Context, payload messaging.TileTaskPayload) (*TileResult, error) {
	project, draft, err := proc.loadProjectAndDraft(ctx, payload.ProjectId, payload.DraftId)
	if err != nil {
		return nil, err
	}

	tilesDir, err := os.MkdirTemp(proc.workDir, "tiles-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(tilesDir)

	proc.log(ctx, payload.JobId, "generating preview tiles for draft version %d of %s", draft.VersionNumber, project.Slug)

	// The upload accounts for the tail of the progress range.
	pyramid, err := proc.generatePyramid(ctx, draft, tilesDir, func(percent int) {
		proc.progress(ctx, payload.JobId, percent*90/100, "generating tiles")
	})
	if err != nil {
		return nil, err
	}

	stagingPrefix := path.Join(release.UploadsPrefix(project.Slug), "tile_preview", draft.Id.String())
	if err := proc.store.DeleteObjects(ctx, stagingPrefix); err != nil {
		return nil, err
	}
	if err := proc.store.UploadDir(ctx, tilesDir, stagingPrefix); err != nil {
		return nil, fmt.Errorf("failed to upload preview tiles: %w", err)
	}
	proc.progress(ctx, payload.JobId, 100, "preview tiles uploaded")

	return &TileResult{StagingPrefix: stagingPrefix, Pyramid: *pyramid}, nil
}
