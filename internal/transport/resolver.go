// Package transport downloads HLS streams: it follows master manifests,
// fetches segments, decrypts them and writes them out in sequence order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vkaudio/pkg/hls"
)

const (
	// DefaultMaxVariantHops bounds master-to-media manifest redirection.
	DefaultMaxVariantHops = 3

	maxManifestSize = 8 << 20
	maxKeySize      = 1 << 10
)

// ErrFetch wraps non-success HTTP responses.
var ErrFetch = errors.New("fetch failed")

var errBodyTooLarge = errors.New("response body too large")

// Stats summarizes one resolution.
type Stats struct {
	Variant    string
	Hops       int
	Segments   int
	KeyFetches int
	Bytes      int64
}

// Observer receives per-fetch events, typically for metrics.
type Observer interface {
	ObserveSegment(bytes int)
	ObserveKeyFetch()
}

type nopObserver struct{}

func (nopObserver) ObserveSegment(int) {}
func (nopObserver) ObserveKeyFetch()   {}

// Resolver turns a manifest URL into the decrypted transport stream.
type Resolver struct {
	client      *http.Client
	logger      *zap.Logger
	observer    Observer
	concurrency int
	maxHops     int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithConcurrency sets how many segments are fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMaxVariantHops sets the master manifest hop limit.
func WithMaxVariantHops(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// WithObserver registers a fetch observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a Resolver that fetches everything with client.
func New(client *http.Client, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		client:      client,
		logger:      logger,
		observer:    nopObserver{},
		concurrency: 1,
		maxHops:     DefaultMaxVariantHops,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve writes the decrypted segments of the stream at manifestURL to w in
// ascending sequence order.
func (r *Resolver) Resolve(ctx context.Context, manifestURL string, w io.Writer) (Stats, error) {
	var stats Stats

	playlist, err := r.resolvePlaylist(ctx, manifestURL, &stats)
	if err != nil {
		return stats, err
	}

	keys := newKeyCache(r)

	warned := make(map[string]bool)
	for _, segment := range playlist.Segments {
		if method := methodOf(segment.Key); method != "" && method != hls.MethodNone &&
			method != hls.MethodAES128 && !warned[method] {
			warned[method] = true
			r.logger.Warn("Unsupported encryption method, passing segments through",
				zap.String("method", method))
		}
	}

	segments := playlist.Segments
	for start := 0; start < len(segments); start += r.concurrency {
		end := min(start+r.concurrency, len(segments))
		chunk, fetchErr := r.fetchChunk(ctx, segments[start:end], keys)
		if fetchErr != nil {
			stats.KeyFetches = keys.fetches()
			return stats, fetchErr
		}

		for _, data := range chunk {
			n, writeErr := w.Write(data)
			stats.Bytes += int64(n)
			if writeErr != nil {
				stats.KeyFetches = keys.fetches()
				return stats, fmt.Errorf("failed to write segment data: %w", writeErr)
			}
			stats.Segments++
		}
	}

	stats.KeyFetches = keys.fetches()
	r.logger.Debug("Stream resolved",
		zap.String("variant", redact(stats.Variant)),
		zap.Int("segments", stats.Segments),
		zap.Int("key_fetches", stats.KeyFetches),
		zap.Int64("bytes", stats.Bytes))
	return stats, nil
}

// ResolveToFile resolves the stream into a new file at path. The file is
// removed again when resolution fails.
func (r *Resolver) ResolveToFile(ctx context.Context, manifestURL, path string) (Stats, error) {
	file, err := os.Create(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create %s: %w", path, err)
	}

	stats, err := r.Resolve(ctx, manifestURL, file)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	if err != nil {
		_ = os.Remove(path)
		return stats, err
	}
	return stats, nil
}

// resolvePlaylist follows master manifests until a media manifest is found.
func (r *Resolver) resolvePlaylist(ctx context.Context, manifestURL string, stats *Stats) (*hls.Playlist, error) {
	current := manifestURL
	for hop := 0; ; hop++ {
		body, err := r.fetch(ctx, current, maxManifestSize)
		if errors.Is(err, errBodyTooLarge) {
			return nil, fmt.Errorf("%w: %w", hls.ErrManifest, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch manifest: %w", err)
		}

		playlist, err := hls.Parse(string(body), current)
		if err != nil {
			return nil, err
		}
		if !playlist.IsMaster() {
			stats.Variant = current
			stats.Hops = hop
			return playlist, nil
		}

		if hop >= r.maxHops {
			return nil, fmt.Errorf("%w: more than %d variant hops", hls.ErrManifest, r.maxHops)
		}

		variant, _ := playlist.BestVariant()
		r.logger.Debug("Following variant stream",
			zap.String("uri", redact(variant.URI)),
			zap.Int64("bandwidth", variant.Bandwidth),
			zap.Int("hop", hop+1))
		current = variant.URI
	}
}

// fetchChunk fetches and decrypts segments concurrently, keeping their order.
func (r *Resolver) fetchChunk(ctx context.Context, segments []hls.Segment, keys *keyCache) ([][]byte, error) {
	out := make([][]byte, len(segments))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range segments {
		g.Go(func() error {
			data, err := r.segmentBytes(gCtx, segments[i], keys)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) segmentBytes(ctx context.Context, segment hls.Segment, keys *keyCache) ([]byte, error) {
	data, err := r.fetch(ctx, segment.URL, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment %d: %w", segment.Sequence, err)
	}
	r.observer.ObserveSegment(len(data))

	if !segment.Key.Encrypted() {
		return data, nil
	}
	if segment.Key.URI == "" {
		return nil, fmt.Errorf("%w: segment %d is encrypted but has no key uri", hls.ErrManifest, segment.Sequence)
	}

	key, err := keys.get(ctx, segment.Key.URI)
	if err != nil {
		return nil, err
	}

	plain, err := hls.Decrypt(data, key, segment.Key.IV, segment.Sequence)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", segment.Sequence, err)
	}
	return plain, nil
}

// fetch GETs rawURL. A positive limit caps the body size; larger bodies
// fail with errBodyTooLarge.
func (r *Resolver) fetch(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: GET %s returned status %d", ErrFetch, redact(rawURL), resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", redact(rawURL), err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errBodyTooLarge, redact(rawURL), limit)
	}
	return data, nil
}

func methodOf(key *hls.Key) string {
	if key == nil {
		return ""
	}
	return key.Method
}

// redact drops query strings, which carry access tokens on VK CDNs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
