package service

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/absfs/snapfs/snapshot"
)

// Fetcher loads the default snapshot for an init call that brings none.
type Fetcher func(ctx context.Context) ([]byte, error)

// HTTPFetcher downloads the snapshot at url. A nil client uses
// http.DefaultClient.
func HTTPFetcher(client *http.Client, url string) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch snapshot: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch snapshot: %s: %s", url, resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(snapshot.DefaultCapacity)+1))
		if err != nil {
			return nil, fmt.Errorf("fetch snapshot: %w", err)
		}
		if len(data) > int(snapshot.DefaultCapacity) {
			return nil, fmt.Errorf("fetch snapshot: %w", snapshot.ErrSnapshotOverflow)
		}
		return data, nil
	}
}
