// Package manifest turns HLS playlists into domain.Manifest values.
package manifest

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"feed-engine/internal/domain"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// liveEdgeSegments is how many target durations behind the live edge playback starts.
const liveEdgeSegments = 3

// Variant is a representation announced by a multivariant playlist whose
// media playlist still has to be fetched.
type Variant struct {
	ID         string
	Bandwidth  int
	Resolution string
	URI        string // absolute
}

// Parsed is the result of parsing one playlist document.
type Parsed struct {
	// Variants is set for a multivariant playlist.
	Variants []Variant
	// Media is set for a media playlist.
	Media *MediaPlaylist
}

// MediaPlaylist is the engine's view of an HLS media playlist.
type MediaPlaylist struct {
	TargetDuration time.Duration
	Live           bool
	Segments       []domain.SegmentRef
}

// Parse parses an HLS playlist fetched from baseURL. Errors wrap
// domain.ErrManifestParse.
func Parse(data []byte, baseURL string) (*Parsed, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url %q: %v", domain.ErrManifestParse, baseURL, err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}

	switch pl := pl.(type) {
	case *playlist.Multivariant:
		return parseMultivariant(pl, base)
	case *playlist.Media:
		mp, err := parseMedia(pl, base)
		if err != nil {
			return nil, err
		}
		return &Parsed{Media: mp}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported playlist type %T", domain.ErrManifestParse, pl)
	}
}

func parseMultivariant(mv *playlist.Multivariant, base *url.URL) (*Parsed, error) {
	if len(mv.Variants) == 0 {
		return nil, fmt.Errorf("%w: multivariant playlist without variants", domain.ErrManifestParse)
	}

	out := &Parsed{Variants: make([]Variant, 0, len(mv.Variants))}
	seen := make(map[string]bool, len(mv.Variants))
	for i, v := range mv.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		abs, err := resolve(base, v.URI)
		if err != nil {
			return nil, err
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out.Variants = append(out.Variants, Variant{
			ID:         variantID(v.Resolution, v.Bandwidth, i),
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			URI:        abs,
		})
	}
	if len(out.Variants) == 0 {
		return nil, fmt.Errorf("%w: no usable variants", domain.ErrManifestParse)
	}

	sort.SliceStable(out.Variants, func(i, j int) bool {
		return out.Variants[i].Bandwidth < out.Variants[j].Bandwidth
	})
	return out, nil
}

func parseMedia(m *playlist.Media, base *url.URL) (*MediaPlaylist, error) {
	out := &MediaPlaylist{
		TargetDuration: time.Duration(m.TargetDuration) * time.Second,
		Live:           !m.Endlist,
		Segments:       make([]domain.SegmentRef, 0, len(m.Segments)),
	}
	for i, seg := range m.Segments {
		if seg == nil {
			continue
		}
		abs, err := resolve(base, seg.URI)
		if err != nil {
			return nil, err
		}
		ref := domain.SegmentRef{
			Index:    m.MediaSequence + i,
			URI:      abs,
			Duration: seg.Duration,
		}
		if seg.ByteRangeLength != nil {
			ref.ByteRange = &domain.ByteRange{Length: *seg.ByteRangeLength}
			if seg.ByteRangeStart != nil {
				ref.ByteRange.Start = *seg.ByteRangeStart
			}
		}
		out.Segments = append(out.Segments, ref)
	}
	if len(out.Segments) == 0 && !out.Live {
		return nil, fmt.Errorf("%w: media playlist without segments", domain.ErrManifestParse)
	}
	return out, nil
}

// StartIndex returns the index playback should begin at: the first segment
// for VOD, a few target durations behind the edge for live.
func StartIndex(r domain.Representation, live bool) int {
	if !live || len(r.Segments) <= liveEdgeSegments {
		return r.FirstIndex()
	}
	return r.LastIndex() - liveEdgeSegments + 1
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: uri %q: %v", domain.ErrManifestParse, ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

func variantID(resolution string, bandwidth, i int) string {
	if resolution != "" {
		return resolution + "@" + strconv.Itoa(bandwidth)
	}
	if bandwidth > 0 {
		return strconv.Itoa(bandwidth)
	}
	return "v" + strconv.Itoa(i)
}
