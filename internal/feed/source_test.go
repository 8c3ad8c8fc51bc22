package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/fetch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSource_Pages(t *testing.T) {
	src := NewStaticSource(testItems(5), 2)
	ctx := context.Background()

	page, err := src.FetchMore(ctx, -1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, domain.ItemID("item-0"), page[0].ID)

	page, err = src.FetchMore(ctx, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.ItemID("item-4"), page[0].ID)

	page, err = src.FetchMore(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, page)

	src.Append(domain.VideoItem{ID: "late", ManifestURL: "http://x/late.m3u8"})
	page, err = src.FetchMore(ctx, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.ItemID("late"), page[0].ID)
}

func TestLoadStaticSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.json")
	doc := `{"items":[{"id":"a","manifest_url":"http://cdn/a.m3u8","duration_ms":15000},{"id":"b","manifest_url":"http://cdn/b.m3u8"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	src, err := LoadStaticSource(path, 0)
	require.NoError(t, err)
	items, err := src.FetchMore(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 15*time.Second, items[0].Duration)
	assert.Zero(t, items[1].Duration)

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`[{"id":"c","manifest_url":"http://cdn/c.m3u8"}]`), 0o644))
	src, err = LoadStaticSource(bare, 0)
	require.NoError(t, err)
	items, err = src.FetchMore(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id":"c"}]`), 0o644))
	_, err = LoadStaticSource(bad, 0)
	assert.ErrorIs(t, err, ErrBadFeed)

	_, err = LoadStaticSource(filepath.Join(dir, "missing.json"), 0)
	assert.Error(t, err)
}

func TestHTTPSource_FetchMore(t *testing.T) {
	var (
		mu       sync.Mutex
		gotAfter []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after, err := strconv.Atoi(r.URL.Query().Get("after"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		gotAfter = append(gotAfter, after)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if after >= 1 {
			_, _ = w.Write([]byte(`{"items":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"a","manifest_url":"http://cdn/a.m3u8"},{"id":"b","manifest_url":"http://cdn/b.m3u8"}]}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(fetch.NewHTTPFetcher(), srv.URL+"/feed?region=eu")
	require.NoError(t, err)

	items, err := src.FetchMore(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "http://cdn/b.m3u8", items[1].ManifestURL)

	items, err = src.FetchMore(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, items)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{-1, 1}, gotAfter)
}

func TestHTTPSource_FetchMore_server_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(fetch.NewHTTPFetcher(), srv.URL)
	require.NoError(t, err)
	_, err = src.FetchMore(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}
