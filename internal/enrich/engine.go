// Package enrich resolves descriptive metadata for downloaded tracks and hands
// it to a tag writer.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vkaudio/internal/core"
	"vkaudio/pkg/catalog"
)

// SourceFilename marks metadata derived from the output path.
const SourceFilename = "filename"

// HealthChecker reports sources the resilience layer has given up on.
type HealthChecker interface {
	Disabled(source string) bool
}

// TagWriter persists metadata into an audio file.
type TagWriter interface {
	WriteTags(path string, md catalog.Metadata) error
}

// Engine queries catalogs in a fixed order and returns the first hit.
type Engine struct {
	matchers []catalog.Matcher
	health   HealthChecker
	tagger   TagWriter
	logger   *zap.Logger
}

// NewEngine creates an engine over matchers in priority order. health and
// tagger may be nil.
func NewEngine(matchers []catalog.Matcher, health HealthChecker, tagger TagWriter, logger *zap.Logger) *Engine {
	return &Engine{
		matchers: matchers,
		health:   health,
		tagger:   tagger,
		logger:   logger,
	}
}

// Sources returns the matcher names in query order.
func (e *Engine) Sources() []string {
	names := make([]string, 0, len(e.matchers))
	for _, m := range e.matchers {
		names = append(names, m.Name())
	}
	return names
}

// Resolve returns the first non-empty metadata any matcher finds for the
// track, together with the matcher's name. Tracks without an artist or title
// are not looked up.
func (e *Engine) Resolve(ctx context.Context, track core.Track) (catalog.Metadata, string) {
	artist := strings.TrimSpace(track.Artist)
	title := strings.TrimSpace(track.Title)
	if artist == "" || title == "" {
		return nil, ""
	}

	for _, m := range e.matchers {
		if ctx.Err() != nil {
			return nil, ""
		}

		name := m.Name()
		if e.health != nil && e.health.Disabled(name) {
			e.logger.Debug("Skipping disabled metadata source", zap.String("source", name))
			continue
		}

		md, err := m.Query(ctx, artist, title)
		if err != nil {
			e.logger.Warn("Metadata lookup failed",
				zap.String("source", name),
				zap.String("artist", artist),
				zap.String("title", title),
				zap.Error(err))
			continue
		}
		if !md.Empty() {
			return md, name
		}
	}

	return nil, ""
}

// Enrich resolves metadata for the file at path, falls back to the file name
// when no catalog knows the track, and writes the result as tags. It returns
// the source the metadata came from.
func (e *Engine) Enrich(ctx context.Context, path string, track core.Track) (string, error) {
	md, source := e.Resolve(ctx, track)
	if md.Empty() {
		md, source = FromFilename(path), SourceFilename
	}
	if md.Empty() {
		return "", nil
	}

	e.logger.Info("Metadata resolved",
		zap.String("path", path),
		zap.String("source", source),
		zap.String("artist", md.Artist()),
		zap.String("title", md.Title()))

	if e.tagger == nil {
		return source, nil
	}
	if err := e.tagger.WriteTags(path, md); err != nil {
		return source, fmt.Errorf("failed to write tags: %w", err)
	}
	return source, nil
}
