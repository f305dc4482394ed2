// Package assets resolves draft input references. A reference is either an
// object store key ("proj/uploads/base.png") or an http(s) URL, typically a
// presigned download link handed over by an external uploader.
package assets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"masterplan-backend/internal/storage"

	"github.com/go-resty/resty/v2"
)

type Fetcher struct {
	store  storage.ObjectStore
	client *resty.Client
}

func NewFetcher(store storage.ObjectStore) *Fetcher {
	client := resty.New().
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetTimeout(2 * time.Minute)

	return &Fetcher{store: store, client: client}
}

// Fetch returns the bytes behind ref.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		resp, err := f.client.R().SetContext(ctx).Get(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("failed to fetch %s: status %d", ref, resp.StatusCode())
		}
		return resp.Body(), nil
	}

	return f.store.GetObject(ctx, ref)
}
