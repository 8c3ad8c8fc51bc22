package domain

import (
	"fmt"
	"time"
)

// ItemID uniquely identifies a video in the feed.
type ItemID string

// VideoItem is one entry of the feed as supplied by the feed source.
// Items are immutable once created.
type VideoItem struct {
	ID          ItemID        `json:"id"`
	Position    int           `json:"position"`
	ManifestURL string        `json:"manifest_url"`
	Duration    time.Duration `json:"duration,omitempty"` // zero when unknown (live)
}

// ResourceKind distinguishes the two things the engine fetches.
type ResourceKind int

const (
	KindManifest ResourceKind = iota
	KindSegment
)

func (k ResourceKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindSegment:
		return "segment"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ByteRange is an optional sub-range of a segment URI (EXT-X-BYTERANGE).
type ByteRange struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// SegmentRef locates one media segment of a representation.
// Index is stable across live playlist refreshes (media sequence number).
type SegmentRef struct {
	Index     int           `json:"index"`
	URI       string        `json:"uri"`
	Duration  time.Duration `json:"duration"`
	ByteRange *ByteRange    `json:"byte_range,omitempty"`
}

// Representation is one bitrate/resolution tier of a manifest.
type Representation struct {
	ID         string       `json:"id"`
	Bandwidth  int          `json:"bandwidth"` // bits per second, 0 when unknown
	Resolution string       `json:"resolution,omitempty"`
	URI        string       `json:"uri"`
	Segments   []SegmentRef `json:"segments"`
}

// Segment returns the segment with the given index, if present.
func (r Representation) Segment(index int) (SegmentRef, bool) {
	if len(r.Segments) == 0 {
		return SegmentRef{}, false
	}
	// Indices are contiguous from the first segment.
	i := index - r.Segments[0].Index
	if i < 0 || i >= len(r.Segments) {
		return SegmentRef{}, false
	}
	return r.Segments[i], true
}

// FirstIndex returns the index of the first listed segment.
func (r Representation) FirstIndex() int {
	if len(r.Segments) == 0 {
		return 0
	}
	return r.Segments[0].Index
}

// LastIndex returns the index of the last listed segment, or FirstIndex-1 when empty.
func (r Representation) LastIndex() int {
	if len(r.Segments) == 0 {
		return -1
	}
	return r.Segments[len(r.Segments)-1].Index
}

// Manifest is a parsed adaptive-streaming manifest. Representations are
// sorted by ascending bandwidth.
type Manifest struct {
	Item            ItemID           `json:"item"`
	URL             string           `json:"url"`
	Fingerprint     string           `json:"fingerprint"`
	Live            bool             `json:"live"`
	TargetDuration  time.Duration    `json:"target_duration"`
	Representations []Representation `json:"representations"`
	RawSize         int64            `json:"raw_size"` // bytes fetched to build the manifest
}

// Representation returns the representation with the given id.
func (m *Manifest) Representation(id string) (Representation, bool) {
	for _, r := range m.Representations {
		if r.ID == id {
			return r, true
		}
	}
	return Representation{}, false
}

// SelectRepresentation returns the highest representation whose bitrate is at
// most safety*estimate (bits per second), or the lowest one when none qualifies.
// Representations with unknown bandwidth only qualify when they are the only one.
func (m *Manifest) SelectRepresentation(estimate, safety float64) (Representation, bool) {
	if len(m.Representations) == 0 {
		return Representation{}, false
	}
	limit := estimate * safety
	best := -1
	for i, r := range m.Representations {
		if r.Bandwidth > 0 && float64(r.Bandwidth) <= limit {
			best = i
		}
	}
	if best < 0 {
		return m.Representations[0], true
	}
	return m.Representations[best], true
}
