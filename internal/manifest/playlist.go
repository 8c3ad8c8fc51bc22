package manifest

import (
	"fmt"
	"math"
	"strings"

	"feed-engine/internal/domain"
)

// BuildMediaPlaylist renders segments (ordered by index ascending) as an HLS
// media playlist. If ended is true, #EXT-X-ENDLIST is appended. An empty
// segments slice produces a minimal valid playlist with media sequence 0.
func BuildMediaPlaylist(segments []domain.SegmentRef, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDurationFromSegments(segments)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Index))

	for _, seg := range segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration.Seconds()))
		if seg.ByteRange != nil {
			b.WriteString(fmt.Sprintf("#EXT-X-BYTERANGE:%d@%d\n", seg.ByteRange.Length, seg.ByteRange.Start))
		}
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// BuildMultivariantPlaylist renders variants as an HLS multivariant playlist.
func BuildMultivariantPlaylist(variants []Variant) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range variants {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth))
		if v.Resolution != "" {
			b.WriteString(",RESOLUTION=" + v.Resolution)
		}
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}
	return b.String()
}

// targetDurationFromSegments returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDurationFromSegments(segments []domain.SegmentRef) int {
	max := 0.0
	for _, seg := range segments {
		if s := seg.Duration.Seconds(); s > max {
			max = s
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
