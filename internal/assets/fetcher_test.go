package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"masterplan-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFromStore(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), "proj/uploads/base.png", strings.NewReader("png-bytes")))

	fetcher := NewFetcher(store)

	data, err := fetcher.Fetch(context.Background(), "proj/uploads/base.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = fetcher.Fetch(context.Background(), "proj/uploads/missing")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestFetchFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plan.svg" {
			_, _ = w.Write([]byte("<svg/>"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	fetcher := NewFetcher(store)

	data, err := fetcher.Fetch(context.Background(), server.URL+"/plan.svg")
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))

	_, err = fetcher.Fetch(context.Background(), server.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")
}
