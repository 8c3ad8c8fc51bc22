// Package fetch is the network primitive used by the prefetch scheduler:
// range-capable GET requests with transparent decompression and a
// transient/permanent error split.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feed-engine/internal/domain"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "feed-engine/1.0"
	chunkSize        = 32 * 1024

	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	acceptEncodings       = "gzip, br"
)

var (
	// ErrStatus is returned for non-retryable HTTP statuses (404, 403, ...).
	ErrStatus = errors.New("unexpected http status")

	// ErrEncoding is returned when the body cannot be decoded.
	ErrEncoding = errors.New("undecodable response body")
)

// Request describes one GET.
type Request struct {
	URL string

	// Offset resumes a transfer: bytes [Offset, ...) of the resource, or of
	// the byte range when Range is set.
	Offset int64

	// Range restricts the request to a sub-range of the resource.
	Range *domain.ByteRange

	// Compressed asks the server for gzip/brotli encoding. Used for manifests;
	// segments are already compressed media.
	Compressed bool

	// Pace, when set, is called with the size of each body chunk as it
	// arrives. It may block until ctx is done; an error aborts the transfer.
	// The scheduler uses it to throttle prefetch traffic.
	Pace func(ctx context.Context, n int) error
}

// Response holds the body and metadata of a completed (or partial) GET.
type Response struct {
	Body []byte
	ETag string
	// Partial is true when the server answered a ranged request with 206.
	Partial bool
	Elapsed time.Duration
}

// Fetcher is the network primitive.
type Fetcher interface {
	// Fetch performs the request. On a mid-body failure the returned Response
	// holds the bytes received so far and the error wraps domain.ErrNetwork.
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPFetcher implements Fetcher on net/http.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithClient replaces the underlying http.Client.
func WithClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.log = l }
}

// NewHTTPFetcher returns a Fetcher with keep-alive connections and bounded
// handshake/header timeouts. Per-request deadlines come from the caller's ctx.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   8,
				TLSHandshakeTimeout:   defaultTimeout,
				ResponseHeaderTimeout: defaultTimeout,
				// Decoding is done here so Content-Encoding stays visible.
				DisableCompression: true,
			},
		},
		userAgent: defaultUserAgent,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	hreq.Header.Set("User-Agent", f.userAgent)
	if req.Compressed {
		hreq.Header.Set(headerAcceptEncoding, acceptEncodings)
	}
	ranged := false
	if h := rangeHeader(req); h != "" {
		hreq.Header.Set("Range", h)
		ranged = true
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("GET %s: %w", req.URL, err)
	}

	out := &Response{
		ETag:    resp.Header.Get("ETag"),
		Partial: resp.StatusCode == http.StatusPartialContent,
	}
	if ranged && !out.Partial && req.Offset > 0 {
		f.log.Debug("server ignored range, full body returned", slog.String("url", req.URL))
	}

	body, err := decodeBody(resp.Body, resp.Header.Get(headerContentEncoding))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, req.URL, err)
	}
	defer body.Close()

	out.Body, err = readAll(ctx, body, resp.ContentLength, req.Pace)
	out.Elapsed = time.Since(start)
	if err != nil {
		return out, classifyTransportError(ctx, err)
	}
	return out, nil
}

func rangeHeader(req Request) string {
	switch {
	case req.Range != nil:
		start := req.Range.Start + uint64(req.Offset)
		end := req.Range.Start + req.Range.Length - 1
		return "bytes=" + strconv.FormatUint(start, 10) + "-" + strconv.FormatUint(end, 10)
	case req.Offset > 0:
		return "bytes=" + strconv.FormatInt(req.Offset, 10) + "-"
	default:
		return ""
	}
}

// checkStatus maps an HTTP status to nil, a transient error or a permanent one.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrNetwork, code)
	default:
		return fmt.Errorf("%w: %d", ErrStatus, code)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		// Deadline exceeded: a timeout is a network failure.
		return fmt.Errorf("%w: timeout: %v", domain.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// readAll reads r in chunks, calling pace after each one. It returns what
// was read so far together with any error.
func readAll(ctx context.Context, r io.Reader, sizeHint int64, pace func(context.Context, int) error) ([]byte, error) {
	capacity := chunkSize
	if sizeHint > 0 && sizeHint < 64<<20 {
		capacity = int(sizeHint)
	}
	buf := make([]byte, 0, capacity)
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if pace != nil {
				if err := pace(ctx, n); err != nil {
					return buf, err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func normalizeEncoding(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
