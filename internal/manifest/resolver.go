package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"

	"feed-engine/internal/domain"
	"feed-engine/internal/fetch"
)

const singleRepresentationID = "main"

// Resolver fetches a manifest and, for multivariant playlists, every variant
// media playlist, and assembles a domain.Manifest.
type Resolver struct {
	fetcher fetch.Fetcher
	log     *slog.Logger
}

// NewResolver returns a Resolver using f for every document.
func NewResolver(f fetch.Fetcher, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{fetcher: f, log: log.With("component", "manifest")}
}

// Resolve builds the manifest of item. Each document is fetched once; the
// caller owns retries. The fingerprint covers every fetched document so a
// changed variant playlist yields a new fingerprint.
func (r *Resolver) Resolve(ctx context.Context, item domain.VideoItem) (*domain.Manifest, error) {
	h := sha256.New()
	var raw int64

	body, err := r.get(ctx, item.ManifestURL, h)
	if err != nil {
		return nil, err
	}
	raw += int64(len(body))

	parsed, err := Parse(body, item.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}

	m := &domain.Manifest{Item: item.ID, URL: item.ManifestURL}

	if parsed.Media != nil {
		m.Live = parsed.Media.Live
		m.TargetDuration = parsed.Media.TargetDuration
		m.Representations = []domain.Representation{{
			ID:       singleRepresentationID,
			URI:      item.ManifestURL,
			Segments: parsed.Media.Segments,
		}}
	} else {
		for _, v := range parsed.Variants {
			vbody, err := r.get(ctx, v.URI, h)
			if err != nil {
				return nil, err
			}
			raw += int64(len(vbody))

			vp, err := Parse(vbody, v.URI)
			if err != nil {
				return nil, fmt.Errorf("item %s variant %s: %w", item.ID, v.ID, err)
			}
			if vp.Media == nil {
				return nil, fmt.Errorf("%w: item %s variant %s is not a media playlist", domain.ErrManifestParse, item.ID, v.ID)
			}
			if vp.Media.Live {
				m.Live = true
			}
			if vp.Media.TargetDuration > m.TargetDuration {
				m.TargetDuration = vp.Media.TargetDuration
			}
			m.Representations = append(m.Representations, domain.Representation{
				ID:         v.ID,
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				URI:        v.URI,
				Segments:   vp.Media.Segments,
			})
		}
	}

	m.Fingerprint = hex.EncodeToString(h.Sum(nil))[:16]
	m.RawSize = raw
	r.log.Debug("manifest resolved",
		slog.String("item", string(item.ID)),
		slog.String("fingerprint", m.Fingerprint),
		slog.Int("representations", len(m.Representations)),
		slog.Bool("live", m.Live))
	return m, nil
}

// get fetches url and folds its identity (ETag, or the body when there is
// none) into h.
func (r *Resolver) get(ctx context.Context, url string, h hash.Hash) ([]byte, error) {
	resp, err := r.fetcher.Fetch(ctx, fetch.Request{URL: url, Compressed: true})
	if err != nil {
		return nil, err
	}
	h.Write([]byte(url))
	if resp.ETag != "" {
		h.Write([]byte(resp.ETag))
	} else {
		h.Write(resp.Body)
	}
	return resp.Body, nil
}
