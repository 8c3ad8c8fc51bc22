package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/fetch"
)

// DefaultPageSize is how many items a source returns per FetchMore.
const DefaultPageSize = 10

// ErrBadFeed is returned when a feed document cannot be decoded.
var ErrBadFeed = errors.New("malformed feed document")

// Source supplies feed items in order. FetchMore returns the items after
// position after (-1 for the first page); an empty result means the feed is
// exhausted. Positions in the result are ignored: the controller numbers
// items as it appends them.
type Source interface {
	FetchMore(ctx context.Context, after int) ([]domain.VideoItem, error)
}

// sourceItem is the wire form of a feed entry.
type sourceItem struct {
	ID          string `json:"id"`
	ManifestURL string `json:"manifest_url"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

type sourcePage struct {
	Items []sourceItem `json:"items"`
}

func decodeItems(data []byte) ([]domain.VideoItem, error) {
	var page sourcePage
	if err := json.Unmarshal(data, &page); err != nil {
		// A bare array is accepted too.
		var list []sourceItem
		if err2 := json.Unmarshal(data, &list); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFeed, err)
		}
		page.Items = list
	}
	out := make([]domain.VideoItem, 0, len(page.Items))
	for i, it := range page.Items {
		if it.ID == "" || it.ManifestURL == "" {
			return nil, fmt.Errorf("%w: entry %d needs id and manifest_url", ErrBadFeed, i)
		}
		out = append(out, domain.VideoItem{
			ID:          domain.ItemID(it.ID),
			ManifestURL: it.ManifestURL,
			Duration:    time.Duration(it.DurationMS) * time.Millisecond,
		})
	}
	return out, nil
}

// StaticSource pages through a fixed list.
type StaticSource struct {
	mu       sync.Mutex
	items    []domain.VideoItem
	pageSize int
}

// NewStaticSource returns a source over items. pageSize <= 0 uses
// DefaultPageSize.
func NewStaticSource(items []domain.VideoItem, pageSize int) *StaticSource {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &StaticSource{items: items, pageSize: pageSize}
}

// LoadStaticSource reads a JSON feed document from path.
func LoadStaticSource(path string, pageSize int) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feed file: %w", err)
	}
	items, err := decodeItems(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStaticSource(items, pageSize), nil
}

// Append adds items to the end of the list.
func (s *StaticSource) Append(items ...domain.VideoItem) {
	s.mu.Lock()
	s.items = append(s.items, items...)
	s.mu.Unlock()
}

// FetchMore implements Source.
func (s *StaticSource) FetchMore(ctx context.Context, after int) ([]domain.VideoItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(after+1, 0)
	if start >= len(s.items) {
		return nil, nil
	}
	end := min(start+s.pageSize, len(s.items))
	out := make([]domain.VideoItem, end-start)
	copy(out, s.items[start:end])
	return out, nil
}

// HTTPSource fetches pages of JSON from GET {url}?after=N.
type HTTPSource struct {
	fetcher fetch.Fetcher
	base    *url.URL
}

// NewHTTPSource returns a source reading from rawURL through f.
func NewHTTPSource(f fetch.Fetcher, rawURL string) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	return &HTTPSource{fetcher: f, base: u}, nil
}

// FetchMore implements Source.
func (s *HTTPSource) FetchMore(ctx context.Context, after int) ([]domain.VideoItem, error) {
	u := *s.base
	q := u.Query()
	q.Set("after", strconv.Itoa(after))
	u.RawQuery = q.Encode()

	resp, err := s.fetcher.Fetch(ctx, fetch.Request{URL: u.String(), Compressed: true})
	if err != nil {
		return nil, fmt.Errorf("fetching feed page after %d: %w", after, err)
	}
	return decodeItems(resp.Body)
}
