package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/geometry"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/svgimport"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// ImportResult is stored as the result of an overlay import job.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func (proc *TaskProcessor) processOverlayImportTask(ctx context.Context, payload messaging.OverlayImportTaskPayload) error {
	if err := proc.jobs.Start(ctx, payload.JobId); err != nil {
		return err
	}

	result, err := proc.runOverlayImport(ctx, payload)
	if err != nil {
		_ = proc.jobs.AppendLog(ctx, payload.JobId, "error", err.Error())
		if failErr := proc.jobs.Fail(ctx, payload.JobId, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}

	return proc.jobs.Complete(ctx, payload.JobId, result)
}

func (proc *TaskProcessor) runOverlayImport(ctx context.Context, payload messaging.OverlayImportTaskPayload) (*ImportResult, error) {
	project, draft, err := proc.loadProjectAndDraft(ctx, payload.ProjectId, payload.DraftId)
	if err != nil {
		return nil, err
	}
	if !draft.OverlaySourceKey.Valid {
		return nil, fmt.Errorf("draft version %d of %s has no overlay source document", draft.VersionNumber, project.Slug)
	}

	proc.progress(ctx, payload.JobId, 10, "fetching overlay source")

	imported, elementErrors, err := proc.importOverlays(ctx, draft, draft.OverlaySourceKey.String, payload.IdPattern, payload.OverlayType)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Imported: imported, Skipped: len(elementErrors)}
	for _, elemErr := range elementErrors {
		result.Errors = append(result.Errors, elemErr.Error())
		_ = proc.jobs.AppendLog(ctx, payload.JobId, "warn", elemErr.Error())
	}
	proc.log(ctx, payload.JobId, "imported %d overlays into draft version %d of %s", imported, draft.VersionNumber, project.Slug)

	return result, nil
}

// importOverlays parses the SVG behind sourceKey and upserts one overlay row
// per imported element, keyed by (draft, type, ref). Re-importing the same
// document is idempotent.
func (proc *TaskProcessor) importOverlays(ctx context.Context, draft database.Draft, sourceKey, idPattern, overlayType string) (int, []svgimport.ElementError, error) {
	if overlayType == "" {
		overlayType = "unit"
	}

	data, err := proc.fetcher.Fetch(ctx, sourceKey)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch overlay source %s: %w", sourceKey, err)
	}

	parsed, err := svgimport.Parse(bytes.NewReader(data), svgimport.Options{
		IdPattern:   idPattern,
		OverlayType: overlayType,
		Precision:   geometry.DefaultLabelPrecision,
	})
	if err != nil {
		return 0, nil, err
	}

	rows := make([]database.Overlay, 0, len(parsed.Elements))
	for i, elem := range parsed.Elements {
		row, err := overlayRow(draft.Id, elem, i, parsed.ViewBox)
		if err != nil {
			return 0, nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		err = proc.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "draft_id"}, {Name: "overlay_type"}, {Name: "ref"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"geometry", "label", "label_position", "layer", "sort_order", "view_box",
			}),
		}).Create(&rows).Error
		if err != nil {
			return 0, nil, fmt.Errorf("failed to store overlays: %w", err)
		}
	}

	return len(rows), parsed.Errors, nil
}

func overlayRow(draftId uuid.UUID, elem svgimport.Element, sortOrder int, viewBox string) (database.Overlay, error) {
	geom, err := json.Marshal(elem.Geometry)
	if err != nil {
		return database.Overlay{}, fmt.Errorf("failed to encode geometry for %s: %w", elem.Ref, err)
	}
	label, err := json.Marshal(map[string]string{"en": elem.Label})
	if err != nil {
		return database.Overlay{}, fmt.Errorf("failed to encode label for %s: %w", elem.Ref, err)
	}
	position, err := json.Marshal([]float64{elem.Anchor.X, elem.Anchor.Y})
	if err != nil {
		return database.Overlay{}, fmt.Errorf("failed to encode label position for %s: %w", elem.Ref, err)
	}

	row := database.Overlay{
		Id:            uuid.New(),
		DraftId:       draftId,
		OverlayType:   elem.OverlayType,
		Ref:           elem.Ref,
		Geometry:      datatypes.JSON(geom),
		Label:         datatypes.JSON(label),
		LabelPosition: datatypes.JSON(position),
		SortOrder:     sortOrder,
	}
	if elem.Layer != "" {
		row.Layer = sql.NullString{String: elem.Layer, Valid: true}
	}
	if viewBox != "" {
		row.ViewBox = sql.NullString{String: viewBox, Valid: true}
	}
	return row, nil
}
