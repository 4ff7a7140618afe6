package download

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"vkaudio/internal/core"
)

// Seen remembers output paths already handled in this run.
type Seen interface {
	MarkSeen(key string) bool
	Remove(key string)
}

// Observer receives one event per processed track.
type Observer interface {
	ObserveTrack(status string, elapsed time.Duration)
	ObserveMetadata(source string)
}

type nopObserver struct{}

func (nopObserver) ObserveTrack(string, time.Duration) {}
func (nopObserver) ObserveMetadata(string)             {}

// Summary counts batch outcomes by status.
type Summary struct {
	Downloaded int
	Existing   int
	Duplicates int
	Skipped    int
	Failed     int
}

// Total returns the number of tracks processed.
func (s Summary) Total() int {
	return s.Downloaded + s.Existing + s.Duplicates + s.Skipped + s.Failed
}

// Batch downloads track lists. Tracks that cannot be produced are logged
// and written to the skip log; the batch always continues.
type Batch struct {
	downloader *Downloader
	skipLog    *SkipLog
	seen       Seen
	observer   Observer
	logger     *zap.Logger
}

// NewBatch creates a batch runner. seen and observer may be nil.
func NewBatch(downloader *Downloader, skipLog *SkipLog, seen Seen, observer Observer, logger *zap.Logger) *Batch {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Batch{
		downloader: downloader,
		skipLog:    skipLog,
		seen:       seen,
		observer:   observer,
		logger:     logger,
	}
}

// Run processes tracks in order. It stops early only when ctx is done.
func (b *Batch) Run(ctx context.Context, tracks []core.Track) (Summary, error) {
	var summary Summary

	// In replace mode a repeated output path is downloaded again.
	dedup := b.seen != nil && b.downloader.cfg.IfExists != core.IfExistsReplace

	for i, track := range tracks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		outPath := b.downloader.OutputPath(track)
		logger := b.logger.With(
			zap.Int("position", i+1),
			zap.Int("total", len(tracks)),
			zap.String("file", filepath.Base(outPath)))

		if dedup && b.seen.MarkSeen(outPath) {
			logger.Info("Track appears twice in batch, skipping repeat")
			summary.Duplicates++
			b.observer.ObserveTrack(string(StatusDuplicate), 0)
			continue
		}

		started := time.Now()
		result, err := b.downloader.Download(ctx, track)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			logger.Error("Track failed and will be skipped", zap.Error(err))
			summary.Failed++
			b.appendSkip(outPath, logger)
			if dedup {
				b.seen.Remove(outPath)
			}
		case result.Status == StatusNoURL:
			summary.Skipped++
			b.appendSkip(outPath, logger)
		case result.Status == StatusExisting:
			summary.Existing++
		default:
			summary.Downloaded++
			if result.MetadataSource != "" {
				b.observer.ObserveMetadata(result.MetadataSource)
			}
		}
		b.observer.ObserveTrack(string(statusOf(result, err)), time.Since(started))
	}

	if n := summary.Skipped + summary.Failed; n > 0 {
		b.logger.Warn("Skipped tracks written to skip log",
			zap.String("path", b.skipLog.Path()),
			zap.Int("count", n))
	}

	return summary, nil
}

func (b *Batch) appendSkip(outPath string, logger *zap.Logger) {
	if err := b.skipLog.Append(filepath.Base(outPath)); err != nil {
		logger.Error("Failed to update skip log", zap.Error(err))
	}
}

func statusOf(result Result, err error) Status {
	if err != nil {
		return StatusFailed
	}
	return result.Status
}
