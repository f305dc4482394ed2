package integrationtests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"masterplan-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

const (
	bucketName    = "test-bucket"
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	testcontainers.CleanupContainer(t, minioContainer)

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupTestObjectStore(t *testing.T, ctx context.Context) *storage.S3ObjectStore {
	t.Helper()

	endpoint := setupMinioContainer(t, ctx)

	objectStore, err := storage.NewS3ObjectStore(ctx, storage.S3Config{
		EndpointURL:     endpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Region:          "us-east-1",
		Bucket:          bucketName,
	})
	require.NoError(t, err)
	require.NoError(t, objectStore.EnsureBucket(ctx))

	return objectStore
}

func TestS3ObjectStorePutGet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	key := "riverside/uploads/base.png"
	content := []byte("test content")

	require.NoError(t, objectStore.PutObject(ctx, key, bytes.NewReader(content)))

	data, err := objectStore.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = objectStore.GetObject(ctx, "riverside/uploads/missing.png")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	exists, err := objectStore.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = objectStore.Exists(ctx, "no/such/key")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3ObjectStoreCopyIsIndependent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	require.NoError(t, objectStore.PutObject(ctx, "staging/base.png", bytes.NewReader([]byte("v1"))))
	require.NoError(t, objectStore.CopyObject(ctx, "staging/base.png", "releases/rel_1/base.png"))

	// Overwriting the staging object must not change the release copy.
	require.NoError(t, objectStore.PutObject(ctx, "staging/base.png", bytes.NewReader([]byte("v2"))))

	data, err := objectStore.GetObject(ctx, "releases/rel_1/base.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestS3ObjectStoreListAndDelete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	require.NoError(t, objectStore.PutObject(ctx, "p/releases/rel_1/tiles/0/0_0.png", bytes.NewReader([]byte("a"))))
	require.NoError(t, objectStore.PutObject(ctx, "p/releases/rel_1/tiles/1/0_0.png", bytes.NewReader([]byte("b"))))
	require.NoError(t, objectStore.PutObject(ctx, "p/releases/rel_1/release.json", bytes.NewReader([]byte("{}"))))

	objects, err := objectStore.ListObjects(ctx, "p/releases/rel_1/tiles")
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	require.NoError(t, objectStore.DeleteObjects(ctx, "p/releases/rel_1/tiles"))

	objects, err = objectStore.ListObjects(ctx, "p/releases/rel_1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "p/releases/rel_1/release.json", objects[0].Key)
}

func TestS3ObjectStoreUploadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "0", "0_0.png"), []byte("tile"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "1", "0_1.png"), []byte("tile"), 0644))

	require.NoError(t, objectStore.UploadDir(ctx, src, "p/releases/rel_1/tiles"))

	objects, err := objectStore.ListObjects(ctx, "p/releases/rel_1/tiles")
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	data, err := objectStore.GetObject(ctx, "p/releases/rel_1/tiles/0/0_0.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), data)
}
