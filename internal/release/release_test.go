package release

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/storage"
	"masterplan-backend/internal/tiles"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func TestNewId(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	id := NewId(now)
	assert.True(t, ValidId(id), "id %q", id)
	assert.Contains(t, id, "rel_20260314092653_")

	// The random suffix separates publishes within the same second.
	assert.NotEqual(t, id, NewId(now))

	assert.False(t, ValidId("rel_20260314092653_xyz"))
	assert.False(t, ValidId("20260314092653_abcd1234"))
}

func sampleManifest() *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		ReleaseId:     "rel_20260314092653_0a1b2c3d",
		Project:       "riverside",
		VersionNumber: 3,
		GeneratedAt:   "2026-03-14T09:26:53Z",
		ViewBox:       "0 0 4096 4096",
		Tiles: TileConfig{
			TileSize:     256,
			Format:       "png",
			Levels:       []TileLevel{{Level: 0, Width: 256, Height: 256, Cols: 1, Rows: 1}},
			TileCount:    1,
			PathTemplate: "tiles/{level}/{col}_{row}.png",
		},
		Zoom:          ZoomConfig{Min: 0.5, Max: 4, Default: 1},
		DefaultLocale: "en",
		Locales:       []string{"en"},
		Overlays: []Overlay{
			{Ref: "unit_a_101", Type: "unit", Geometry: json.RawMessage(`{"type":"point","x":1,"y":2}`)},
		},
	}
}

func TestChecksumSealAndVerify(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Seal())
	assert.Contains(t, m.Checksum, "sha256:")
	require.NoError(t, VerifyChecksum(m))

	// Sealing is deterministic.
	second := sampleManifest()
	require.NoError(t, second.Seal())
	assert.Equal(t, m.Checksum, second.Checksum)

	// Any content change invalidates the stored checksum.
	m.Overlays[0].Ref = "unit_a_102"
	assert.ErrorContains(t, VerifyChecksum(m), "checksum mismatch")

	unsealed := sampleManifest()
	assert.ErrorContains(t, VerifyChecksum(unsealed), "no sha256 checksum")
}

func TestChecksumSurvivesJSONRoundTrip(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Seal())

	encoded, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Manifest
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NoError(t, VerifyChecksum(&decoded))
}

func TestStorageKeys(t *testing.T) {
	assert.Equal(t, "riverside/releases/rel_x/release.json", ManifestKey("riverside", "rel_x"))
	assert.Equal(t, "riverside/releases/rel_x/tiles", TilesPrefix("riverside", "rel_x"))
	assert.Equal(t, "riverside/uploads", UploadsPrefix("riverside"))
}

func seedProject(t *testing.T, db *gorm.DB) (database.Project, database.Draft) {
	project := database.Project{
		Id:        uuid.New(),
		Slug:      "riverside",
		Name:      "Riverside Commons",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&project).Error)
	require.NoError(t, db.Create(&database.ProjectConfig{
		ProjectId:     project.Id,
		ViewBox:       "0 0 4096 4096",
		ZoomMin:       0.5,
		ZoomMax:       4,
		ZoomDefault:   1,
		DefaultLocale: "en",
		Locales:       datatypes.JSON(`["en", "ar"]`),
		StatusStyles:  datatypes.JSON(`{"available": {"fill": "#2e7d32"}}`),
	}).Error)

	draft := database.Draft{
		Id:            uuid.New(),
		ProjectId:     project.Id,
		VersionNumber: 1,
		Status:        database.DraftStatusDraft,
		BaseMapKey:    "riverside/uploads/base.png",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&draft).Error)
	return project, draft
}

func seedOverlay(t *testing.T, db *gorm.DB, draftId uuid.UUID, ref string, sortOrder int) {
	require.NoError(t, db.Create(&database.Overlay{
		Id:            uuid.New(),
		DraftId:       draftId,
		OverlayType:   "unit",
		Ref:           ref,
		Geometry:      datatypes.JSON(`{"type":"polygon","points":[[0,0],[10,0],[10,10],[0,10]]}`),
		Label:         datatypes.JSON(`{"en": "` + ref + `"}`),
		LabelPosition: datatypes.JSON(`[5, 5]`),
		SortOrder:     sortOrder,
	}).Error)
}

func TestValidate(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	assembler := NewAssembler(db, store)
	ctx := context.Background()

	project, draft := seedProject(t, db)

	// Base map object missing from the store, and nothing to build
	// overlays from.
	problems, err := assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "does not exist")
	assert.Contains(t, problems[1], "no overlays")

	require.NoError(t, store.PutObject(ctx, draft.BaseMapKey, bytes.NewReader([]byte("png"))))

	// An overlay source key satisfies the overlay requirement, but only if
	// the object is actually staged.
	draft.OverlaySourceKey = sql.NullString{String: "riverside/uploads/plan.svg", Valid: true}
	problems, err = assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "overlay source object")

	require.NoError(t, store.PutObject(ctx, draft.OverlaySourceKey.String, bytes.NewReader([]byte("<svg/>"))))

	problems, err = assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	assert.Empty(t, problems)

	// Validation is read-only: repeating it yields the same answer.
	problems, err = assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestValidateAcceptsExistingOverlayRows(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	assembler := NewAssembler(db, store)
	ctx := context.Background()

	project, draft := seedProject(t, db)
	require.NoError(t, store.PutObject(ctx, draft.BaseMapKey, bytes.NewReader([]byte("png"))))
	seedOverlay(t, db, draft.Id, "unit_a", 0)

	// Overlay rows alone are enough; no source document is required.
	problems, err := assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestValidateProblems(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	assembler := NewAssembler(db, store)
	ctx := context.Background()

	project, draft := seedProject(t, db)
	require.NoError(t, store.PutObject(ctx, draft.BaseMapKey, bytes.NewReader([]byte("png"))))

	// A published draft cannot be republished.
	require.NoError(t, db.Model(&database.Draft{}).Where("id = ?", draft.Id).
		Update("status", database.DraftStatusPublished).Error)
	draft.Status = database.DraftStatusPublished

	// Broken overlay geometry is reported per overlay.
	require.NoError(t, db.Create(&database.Overlay{
		Id:          uuid.New(),
		DraftId:     draft.Id,
		OverlayType: "unit",
		Ref:         "unit_broken",
		Geometry:    datatypes.JSON(`{"type": "hexagon"}`),
	}).Error)

	problems, err := assembler.Validate(ctx, project, draft)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "already published")
	assert.Contains(t, problems[1], "unit_broken")

	// Draft from another project.
	other := database.Draft{Id: uuid.New(), ProjectId: uuid.New(), VersionNumber: 1, BaseMapKey: "x"}
	problems, err = assembler.Validate(ctx, project, other)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "does not belong")
}

func TestBuildManifestAndFinalize(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	assembler := NewAssembler(db, store)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	project, draft := seedProject(t, db)
	seedOverlay(t, db, draft.Id, "unit_b", 1)
	seedOverlay(t, db, draft.Id, "unit_a", 1)
	seedOverlay(t, db, draft.Id, "unit_c", 0)

	pyramid := &tiles.Pyramid{
		TileSize: 256,
		Format:   "png",
		Levels: []tiles.Level{
			{Level: 0, Width: 256, Height: 256, Cols: 1, Rows: 1},
			{Level: 1, Width: 512, Height: 512, Cols: 2, Rows: 2},
		},
		TileCount: 5,
	}

	releaseId := NewId(now)
	manifest, err := assembler.BuildManifest(ctx, project, draft, pyramid, releaseId, now)
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, manifest.SchemaVersion)
	assert.Equal(t, "riverside", manifest.Project)
	assert.Equal(t, "2026-03-14T09:26:53Z", manifest.GeneratedAt)
	assert.Equal(t, []string{"en", "ar"}, manifest.Locales)
	assert.Equal(t, 5, manifest.Tiles.TileCount)
	require.NoError(t, VerifyChecksum(manifest))

	// Overlays order by sort order then ref.
	refs := []string{manifest.Overlays[0].Ref, manifest.Overlays[1].Ref, manifest.Overlays[2].Ref}
	assert.Equal(t, []string{"unit_c", "unit_a", "unit_b"}, refs)
	assert.Equal(t, map[string]string{"en": "unit_a"}, manifest.Overlays[1].Label)
	assert.Equal(t, []float64{5, 5}, manifest.Overlays[1].LabelPosition)

	// Upload the tile tree and manifest.
	tilesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tilesDir, "0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tilesDir, "0", "0_0.png"), []byte("tile"), 0644))

	manifestKey, err := assembler.Upload(ctx, manifest, tilesDir)
	require.NoError(t, err)
	assert.Equal(t, ManifestKey("riverside", releaseId), manifestKey)

	stored, err := store.GetObject(ctx, manifestKey)
	require.NoError(t, err)
	var decoded Manifest
	require.NoError(t, json.Unmarshal(stored, &decoded))
	require.NoError(t, VerifyChecksum(&decoded))

	// Finalize flips the pointer and records everything atomically.
	require.NoError(t, assembler.Finalize(ctx, project, draft, manifest, manifestKey, now))

	var updatedProject database.Project
	require.NoError(t, db.First(&updatedProject, "id = ?", project.Id).Error)
	assert.Equal(t, releaseId, updatedProject.CurrentReleaseId.String)

	var updatedDraft database.Draft
	require.NoError(t, db.First(&updatedDraft, "id = ?", draft.Id).Error)
	assert.Equal(t, database.DraftStatusPublished, updatedDraft.Status)
	assert.Equal(t, releaseId, updatedDraft.ReleaseId.String)
	assert.True(t, updatedDraft.PublishedAt.Valid)

	var record database.Release
	require.NoError(t, db.First(&record, "id = ?", releaseId).Error)
	assert.Equal(t, 3, record.OverlayCount)
	assert.Equal(t, 5, record.TileCount)
	assert.Equal(t, manifest.Checksum, record.Checksum)
}

func TestUploadRequiresSealedManifest(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	assembler := NewAssembler(createDB(t), store)

	_, err = assembler.Upload(context.Background(), sampleManifest(), t.TempDir())
	assert.ErrorContains(t, err, "not sealed")
}
