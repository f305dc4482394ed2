package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/geometry"
	"masterplan-backend/internal/storage"
	"masterplan-backend/internal/tiles"

	"gorm.io/gorm"
)

// Assembler turns a validated draft into an immutable release: a sealed
// manifest plus the tile tree, written under a fresh release prefix that is
// never touched again after publish.
type Assembler struct {
	db    *gorm.DB
	store storage.ObjectStore
}

func NewAssembler(db *gorm.DB, store storage.ObjectStore) *Assembler {
	return &Assembler{db: db, store: store}
}

// Validate reports everything preventing the draft from publishing. It never
// mutates any state, so it can be called repeatedly and from the dry-run
// endpoint. An empty slice means the draft is publishable.
func (a *Assembler) Validate(ctx context.Context, project database.Project, draft database.Draft) ([]string, error) {
	var problems []string

	if draft.ProjectId != project.Id {
		problems = append(problems, "draft does not belong to project")
		return problems, nil
	}
	if draft.Status == database.DraftStatusPublished {
		problems = append(problems, fmt.Sprintf("draft version %d is already published", draft.VersionNumber))
	}

	if draft.BaseMapKey == "" {
		problems = append(problems, "draft has no base map")
	} else if !strings.HasPrefix(draft.BaseMapKey, "http://") && !strings.HasPrefix(draft.BaseMapKey, "https://") {
		exists, err := a.store.Exists(ctx, draft.BaseMapKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check base map object: %w", err)
		}
		if !exists {
			problems = append(problems, fmt.Sprintf("base map object %s does not exist", draft.BaseMapKey))
		}
	}

	config, err := a.loadConfig(ctx, project.Id)
	if err != nil {
		return nil, err
	}
	if config == nil {
		problems = append(problems, "project has no configuration")
	} else if _, err := parseViewBox(config.ViewBox); err != nil {
		problems = append(problems, err.Error())
	}

	overlays, err := a.loadOverlays(ctx, draft.Id)
	if err != nil {
		return nil, err
	}
	for _, overlay := range overlays {
		if _, err := geometry.Decode(overlay.Geometry); err != nil {
			problems = append(problems, fmt.Sprintf("overlay %s: %v", overlay.Ref, err))
		}
	}

	// A release with an empty overlays list renders as a bare image; the
	// draft must carry overlay rows already, or a source the publish run can
	// import them from.
	if len(overlays) == 0 {
		if !draft.OverlaySourceKey.Valid || draft.OverlaySourceKey.String == "" {
			problems = append(problems, "draft has no overlays and no overlay source")
		} else if key := draft.OverlaySourceKey.String; !strings.HasPrefix(key, "http://") && !strings.HasPrefix(key, "https://") {
			exists, err := a.store.Exists(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to check overlay source object: %w", err)
			}
			if !exists {
				problems = append(problems, fmt.Sprintf("overlay source object %s does not exist", key))
			}
		}
	}

	return problems, nil
}

// BuildManifest assembles the complete manifest for a draft and seals its
// checksum. Overlays serialize in a deterministic order so the same draft
// content always hashes identically.
func (a *Assembler) BuildManifest(ctx context.Context, project database.Project, draft database.Draft, pyramid *tiles.Pyramid, releaseId string, now time.Time) (*Manifest, error) {
	config, err := a.loadConfig(ctx, project.Id)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, fmt.Errorf("project %s has no configuration", project.Slug)
	}

	overlays, err := a.loadOverlays(ctx, draft.Id)
	if err != nil {
		return nil, err
	}

	manifestOverlays := make([]Overlay, 0, len(overlays))
	for _, row := range overlays {
		entry, err := convertOverlay(row)
		if err != nil {
			return nil, err
		}
		manifestOverlays = append(manifestOverlays, entry)
	}
	sort.Slice(manifestOverlays, func(i, j int) bool {
		if manifestOverlays[i].SortOrder != manifestOverlays[j].SortOrder {
			return manifestOverlays[i].SortOrder < manifestOverlays[j].SortOrder
		}
		return manifestOverlays[i].Ref < manifestOverlays[j].Ref
	})

	levels := make([]TileLevel, len(pyramid.Levels))
	for i, l := range pyramid.Levels {
		levels[i] = TileLevel{Level: l.Level, Width: l.Width, Height: l.Height, Cols: l.Cols, Rows: l.Rows}
	}

	locales, err := decodeLocales(config)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		SchemaVersion: SchemaVersion,
		ReleaseId:     releaseId,
		Project:       project.Slug,
		VersionNumber: draft.VersionNumber,
		GeneratedAt:   formatTimestamp(now),
		ViewBox:       config.ViewBox,
		Tiles: TileConfig{
			TileSize:     pyramid.TileSize,
			Overlap:      pyramid.Overlap,
			Format:       pyramid.Format,
			Levels:       levels,
			TileCount:    pyramid.TileCount,
			PathTemplate: "tiles/{level}/{col}_{row}." + pyramid.Format,
		},
		Zoom: ZoomConfig{
			Min:     config.ZoomMin,
			Max:     config.ZoomMax,
			Default: config.ZoomDefault,
		},
		DefaultLocale: config.DefaultLocale,
		Locales:       locales,
		StatusStyles:  json.RawMessage(config.StatusStyles),
		Overlays:      manifestOverlays,
	}

	if err := manifest.Seal(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Upload writes the tile tree and the sealed manifest under the release
// prefix. Nothing under this prefix is ever rewritten afterwards.
func (a *Assembler) Upload(ctx context.Context, manifest *Manifest, tilesDir string) (string, error) {
	if manifest.Checksum == "" {
		return "", fmt.Errorf("manifest is not sealed")
	}

	if err := a.store.UploadDir(ctx, tilesDir, TilesPrefix(manifest.Project, manifest.ReleaseId)); err != nil {
		return "", fmt.Errorf("failed to upload tiles: %w", err)
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	key := ManifestKey(manifest.Project, manifest.ReleaseId)
	if err := a.store.PutObject(ctx, key, bytes.NewReader(encoded)); err != nil {
		return "", fmt.Errorf("failed to upload manifest: %w", err)
	}
	return key, nil
}

// Finalize records the release and flips the project's current-release
// pointer in one transaction. The pointer update is the single step that
// makes the release live; until it commits, viewers keep resolving the
// previous release.
func (a *Assembler) Finalize(ctx context.Context, project database.Project, draft database.Draft, manifest *Manifest, manifestKey string, now time.Time) error {
	return a.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		record := database.Release{
			Id:           manifest.ReleaseId,
			ProjectId:    project.Id,
			DraftId:      draft.Id,
			ManifestKey:  manifestKey,
			Checksum:     manifest.Checksum,
			OverlayCount: len(manifest.Overlays),
			TileCount:    manifest.Tiles.TileCount,
			PublishedAt:  now.UTC(),
		}
		if err := txn.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record release: %w", err)
		}

		updates := map[string]any{
			"status":       database.DraftStatusPublished,
			"release_id":   manifest.ReleaseId,
			"published_at": now.UTC(),
		}
		if err := txn.Model(&database.Draft{}).Where("id = ?", draft.Id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark draft published: %w", err)
		}

		if err := txn.Model(&database.Project{}).Where("id = ?", project.Id).
			Update("current_release_id", manifest.ReleaseId).Error; err != nil {
			return fmt.Errorf("failed to update current release pointer: %w", err)
		}
		return nil
	})
}

func (a *Assembler) loadConfig(ctx context.Context, projectId any) (*database.ProjectConfig, error) {
	var config database.ProjectConfig
	err := a.db.WithContext(ctx).First(&config, "project_id = ?", projectId).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}
	return &config, nil
}

func (a *Assembler) loadOverlays(ctx context.Context, draftId any) ([]database.Overlay, error) {
	var overlays []database.Overlay
	if err := a.db.WithContext(ctx).Where("draft_id = ?", draftId).Find(&overlays).Error; err != nil {
		return nil, fmt.Errorf("failed to load overlays: %w", err)
	}
	return overlays, nil
}

func convertOverlay(row database.Overlay) (Overlay, error) {
	entry := Overlay{
		Ref:       row.Ref,
		Type:      row.OverlayType,
		Geometry:  json.RawMessage(row.Geometry),
		SortOrder: row.SortOrder,
	}
	if row.Layer.Valid {
		entry.Layer = row.Layer.String
	}
	if len(row.Label) > 0 {
		if err := json.Unmarshal(row.Label, &entry.Label); err != nil {
			return Overlay{}, fmt.Errorf("overlay %s has invalid label document: %w", row.Ref, err)
		}
	}
	if len(row.LabelPosition) > 0 {
		if err := json.Unmarshal(row.LabelPosition, &entry.LabelPosition); err != nil {
			return Overlay{}, fmt.Errorf("overlay %s has invalid label position: %w", row.Ref, err)
		}
	}
	if len(row.Props) > 0 {
		entry.Props = json.RawMessage(row.Props)
	}
	return entry, nil
}

func decodeLocales(config *database.ProjectConfig) ([]string, error) {
	locales := []string{config.DefaultLocale}
	if len(config.Locales) > 0 {
		if err := json.Unmarshal(config.Locales, &locales); err != nil {
			return nil, fmt.Errorf("project has invalid locales document: %w", err)
		}
	}
	return locales, nil
}

// parseViewBox validates the "minX minY width height" form used by project
// configs and SVG documents.
func parseViewBox(raw string) ([4]float64, error) {
	fields := strings.Fields(raw)
	if len(fields) != 4 {
		return [4]float64{}, fmt.Errorf("view box %q must have 4 numbers", raw)
	}
	var vb [4]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return [4]float64{}, fmt.Errorf("view box %q has invalid number %q", raw, f)
		}
		vb[i] = v
	}
	if vb[2] <= 0 || vb[3] <= 0 {
		return [4]float64{}, fmt.Errorf("view box %q must have positive size", raw)
	}
	return vb, nil
}
