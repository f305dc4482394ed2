package jobs

import (
	"context"
	"testing"

	"masterplan-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func TestJobLifecycle(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()
	projectId := uuid.New()
	draftId := uuid.NullUUID{UUID: uuid.New(), Valid: true}

	job, err := store.Create(ctx, database.JobTypePublish, projectId, draftId)
	require.NoError(t, err)
	assert.Equal(t, database.JobQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.True(t, job.CreatedAt.Unix() > 0)

	require.NoError(t, store.Start(ctx, job.Id))

	got, err := store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobRunning, got.Status)
	assert.True(t, got.StartedAt.Valid)

	require.NoError(t, store.UpdateProgress(ctx, job.Id, 40, "generating tiles"))
	require.NoError(t, store.AppendLog(ctx, job.Id, "info", "level 4 complete"))

	got, err = store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "generating tiles", got.Message)

	logs, err := DecodeLogs(got.Logs)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "level 4 complete", logs[0].Message)
	assert.False(t, logs[0].Timestamp.IsZero())

	require.NoError(t, store.Complete(ctx, job.Id, map[string]string{"release_id": "rel_x"}))

	got, err = store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.True(t, got.CompletedAt.Valid)
	assert.JSONEq(t, `{"release_id": "rel_x"}`, string(got.Result))
}

func TestJobTerminalStateProtection(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()

	job, err := store.Create(ctx, database.JobTypePublish, uuid.New(), uuid.NullUUID{})
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx, job.Id))
	require.NoError(t, store.Fail(ctx, job.Id, assert.AnError))

	// Terminal jobs reject further transitions.
	assert.ErrorIs(t, store.Start(ctx, job.Id), ErrInvalidTransition)
	assert.ErrorIs(t, store.Complete(ctx, job.Id, nil), ErrInvalidTransition)
	assert.ErrorIs(t, store.Fail(ctx, job.Id, assert.AnError), ErrInvalidTransition)

	// Late progress callbacks are silently dropped.
	require.NoError(t, store.UpdateProgress(ctx, job.Id, 99, "late"))
	got, err := store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, got.Status)
	assert.NotEqual(t, 99, got.Progress)
	assert.True(t, got.Error.Valid)
}

func TestJobProgressClampedAndMonotonic(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()

	job, err := store.Create(ctx, database.JobTypeTileGeneration, uuid.New(), uuid.NullUUID{})
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx, job.Id))

	require.NoError(t, store.UpdateProgress(ctx, job.Id, 150, ""))
	got, err := store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	// Progress never moves backwards.
	require.NoError(t, store.UpdateProgress(ctx, job.Id, 10, ""))
	got, err = store.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestJobCannotCompleteFromQueued(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()

	job, err := store.Create(ctx, database.JobTypePublish, uuid.New(), uuid.NullUUID{})
	require.NoError(t, err)
	assert.ErrorIs(t, store.Complete(ctx, job.Id, nil), ErrInvalidTransition)
}

func TestHasActivePublish(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()
	draftId := uuid.New()

	active, err := store.HasActivePublish(ctx, draftId)
	require.NoError(t, err)
	assert.False(t, active)

	job, err := store.Create(ctx, database.JobTypePublish, uuid.New(), uuid.NullUUID{UUID: draftId, Valid: true})
	require.NoError(t, err)

	active, err = store.HasActivePublish(ctx, draftId)
	require.NoError(t, err)
	assert.True(t, active)

	// Still active while running.
	require.NoError(t, store.Start(ctx, job.Id))
	active, err = store.HasActivePublish(ctx, draftId)
	require.NoError(t, err)
	assert.True(t, active)

	// Terminal jobs no longer block a new publish.
	require.NoError(t, store.Complete(ctx, job.Id, nil))
	active, err = store.HasActivePublish(ctx, draftId)
	require.NoError(t, err)
	assert.False(t, active)

	// Other drafts are unaffected.
	active, err = store.HasActivePublish(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestListJobs(t *testing.T) {
	store := NewStore(createDB(t))
	ctx := context.Background()
	projectA := uuid.New()
	projectB := uuid.New()

	_, err := store.Create(ctx, database.JobTypePublish, projectA, uuid.NullUUID{})
	require.NoError(t, err)
	_, err = store.Create(ctx, database.JobTypeOverlayImport, projectA, uuid.NullUUID{})
	require.NoError(t, err)
	_, err = store.Create(ctx, database.JobTypePublish, projectB, uuid.NullUUID{})
	require.NoError(t, err)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byProject, err := store.List(ctx, ListFilter{ProjectId: uuid.NullUUID{UUID: projectA, Valid: true}})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byType, err := store.List(ctx, ListFilter{JobType: database.JobTypePublish})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
