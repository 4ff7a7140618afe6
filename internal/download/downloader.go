// Package download turns VK tracks into tagged MP3 files on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"vkaudio/internal/core"
	"vkaudio/internal/transport"
)

// Status describes what happened to one track.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusExisting   Status = "existing"
	StatusNoURL      Status = "no_url"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

const (
	partSuffix   = ".part"
	streamSuffix = ".ts.tmp"
)

// Result is the outcome of a single track download.
type Result struct {
	Path   string
	Status Status
	// MetadataSource names where tags came from; empty when not tagged.
	MetadataSource string
}

// StreamResolver writes the decrypted transport stream of an HLS manifest to
// a file.
type StreamResolver interface {
	ResolveToFile(ctx context.Context, manifestURL, path string) (transport.Stats, error)
}

// Converter transcodes a transport stream file to MP3.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// Enricher tags a finished MP3 file.
type Enricher interface {
	Enrich(ctx context.Context, path string, track core.Track) (string, error)
}

// Downloader fetches single tracks.
type Downloader struct {
	cfg       core.DownloadConfig
	client    *http.Client
	resolver  StreamResolver
	converter Converter
	enricher  Enricher
	logger    *zap.Logger
}

// NewDownloader creates a Downloader. enricher may be nil to skip tagging.
func NewDownloader(cfg core.DownloadConfig, client *http.Client, resolver StreamResolver,
	converter Converter, enricher Enricher, logger *zap.Logger) *Downloader {
	return &Downloader{
		cfg:       cfg,
		client:    client,
		resolver:  resolver,
		converter: converter,
		enricher:  enricher,
		logger:    logger,
	}
}

// OutputPath returns where track is written.
func (d *Downloader) OutputPath(track core.Track) string {
	return OutputPath(track, d.cfg.Path, d.cfg.Sort)
}

// Download writes track to its output path. Tracks VK lists without a URL
// are reported as StatusNoURL without touching the disk.
func (d *Downloader) Download(ctx context.Context, track core.Track) (Result, error) {
	name := displayName(track)
	outPath := d.OutputPath(track)
	logger := d.logger.With(zap.String("track", name), zap.String("track_id", track.FullID()))

	if !track.Available() {
		logger.Warn("Skipping track without download URL")
		return Result{Path: outPath, Status: StatusNoURL}, nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{Path: outPath, Status: StatusFailed}, fmt.Errorf("failed to create output directory: %w", err)
	}

	if _, err := os.Stat(outPath); err == nil {
		if d.cfg.IfExists == core.IfExistsSkip {
			logger.Info("Track already exists, skipping", zap.String("path", outPath))
			return Result{Path: outPath, Status: StatusExisting}, nil
		}
		logger.Info("Track already exists, replacing", zap.String("path", outPath))
	}

	logger.Info("Track download started")
	var err error
	if track.IsHLS() {
		logger.Info("HLS stream detected")
		err = d.downloadStream(ctx, track.URL, outPath, logger)
	} else {
		err = d.downloadFile(ctx, track.URL, outPath)
	}
	if err != nil {
		return Result{Path: outPath, Status: StatusFailed}, err
	}
	logger.Info("Track file saved", zap.String("path", outPath))

	result := Result{Path: outPath, Status: StatusDownloaded}
	if d.enricher != nil && strings.EqualFold(filepath.Ext(outPath), audioExt) {
		source, enrichErr := d.enricher.Enrich(ctx, outPath, track)
		if enrichErr != nil {
			logger.Warn("Metadata update failed", zap.String("path", outPath), zap.Error(enrichErr))
		}
		result.MetadataSource = source
	}
	return result, nil
}

func (d *Downloader) downloadStream(ctx context.Context, manifestURL, outPath string, logger *zap.Logger) error {
	tmpPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + streamSuffix
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	stats, err := d.resolver.ResolveToFile(ctx, manifestURL, tmpPath)
	if err != nil {
		return fmt.Errorf("failed to download HLS stream: %w", err)
	}
	logger.Debug("HLS stream assembled",
		zap.Int("segments", stats.Segments),
		zap.Int("key_fetches", stats.KeyFetches),
		zap.Int64("bytes", stats.Bytes))

	logger.Info("Converting to mp3")
	if err := d.converter.Convert(ctx, tmpPath, outPath); err != nil {
		return err
	}
	return nil
}

// downloadFile streams rawURL into a sibling .part file and renames it into
// place once complete.
func (d *Downloader) downloadFile(ctx context.Context, rawURL, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: download returned status %d", transport.ErrFetch, resp.StatusCode)
	}

	partPath := outPath + partSuffix
	file, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partPath, err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to write %s: %w", partPath, err)
	}

	if err := os.Rename(partPath, outPath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

func displayName(track core.Track) string {
	return orDefault(track.Artist, unknownArtist) + " - " + orDefault(track.Title, unknownTitle)
}
