package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAPIBase is the VK API endpoint.
	DefaultAPIBase = "https://api.vk.com/method"
	// DefaultAPIVersion is the VK API version sent with every call.
	DefaultAPIVersion = "5.199"
	// DefaultServerPort is the metrics server port when enabled.
	DefaultServerPort = 9095
	// DefaultSegmentConcurrency keeps segment fetches sequential.
	DefaultSegmentConcurrency = 1
	// MaxSegmentConcurrency bounds parallel segment fetches.
	MaxSegmentConcurrency = 16

	// IfExistsSkip leaves an existing output file alone.
	IfExistsSkip = "skip"
	// IfExistsReplace overwrites an existing output file.
	IfExistsReplace = "replace"

	// SortNone writes "Artist - Title.mp3" into the download path.
	SortNone = "none"
	// SortArtistFolder writes "Artist/Title.mp3".
	SortArtistFolder = "artist-folder"
	// SortArtistFolderName writes "Artist/Artist - Title.mp3".
	SortArtistFolderName = "artist-folder-name"

	// MetadataSourceAuto queries every catalog in priority order.
	MetadataSourceAuto = "auto"
	// MetadataSourceNone disables catalog lookups.
	MetadataSourceNone = "none"
)

type Config struct {
	VK         VKConfig
	Download   DownloadConfig
	Metadata   MetadataConfig
	Resilience ResilienceConfig
	Server     ServerConfig
	Log        LogConfig
}

type VKConfig struct {
	Token      string
	APIBase    string
	APIVersion string
	Timeout    time.Duration
}

type DownloadConfig struct {
	Path               string
	IfExists           string
	Sort               string
	FFmpegPath         string
	SegmentConcurrency int
	Timeout            time.Duration
}

type MetadataConfig struct {
	Source              string
	LastFMAPIKey        string
	DiscogsToken        string
	SpotifyClientID     string
	SpotifyClientSecret string
	Timeout             time.Duration
}

type ResilienceConfig struct {
	MinInterval      time.Duration
	MaxAttempts      int
	BackoffUnit      time.Duration
	BackoffCeiling   time.Duration
	FailureThreshold int
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		VK: VKConfig{
			APIBase:    DefaultAPIBase,
			APIVersion: DefaultAPIVersion,
			Timeout:    30 * time.Second,
		},
		Download: DownloadConfig{
			Path:               ".",
			IfExists:           IfExistsSkip,
			Sort:               SortNone,
			FFmpegPath:         "ffmpeg",
			SegmentConcurrency: DefaultSegmentConcurrency,
			Timeout:            60 * time.Second,
		},
		Metadata: MetadataConfig{
			Source:  MetadataSourceNone,
			Timeout: 20 * time.Second,
		},
		Resilience: ResilienceConfig{
			MinInterval:      1100 * time.Millisecond,
			MaxAttempts:      4,
			BackoffUnit:      time.Second,
			BackoffCeiling:   8 * time.Second,
			FailureThreshold: 3,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate checks option values that cannot be fixed up silently.
func (c *Config) Validate() error {
	switch c.Download.IfExists {
	case IfExistsSkip, IfExistsReplace:
	default:
		return fmt.Errorf("%w: if-exists must be %q or %q, got %q",
			ErrValidation, IfExistsSkip, IfExistsReplace, c.Download.IfExists)
	}

	switch c.Download.Sort {
	case SortNone, SortArtistFolder, SortArtistFolderName:
	default:
		return fmt.Errorf("%w: unknown sort mode %q", ErrValidation, c.Download.Sort)
	}

	if strings.TrimSpace(c.Download.Path) == "" {
		return fmt.Errorf("%w: download path is empty", ErrValidation)
	}

	if c.Download.SegmentConcurrency < 1 || c.Download.SegmentConcurrency > MaxSegmentConcurrency {
		return fmt.Errorf("%w: segment concurrency must be between 1 and %d, got %d",
			ErrValidation, MaxSegmentConcurrency, c.Download.SegmentConcurrency)
	}

	if strings.TrimSpace(c.Metadata.Source) == "" {
		return fmt.Errorf("%w: metadata source is empty", ErrValidation)
	}

	if _, err := url.ParseRequestURI(c.VK.APIBase); err != nil {
		return fmt.Errorf("%w: bad vk api base %q", ErrValidation, c.VK.APIBase)
	}

	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be positive", ErrValidation)
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be positive", ErrValidation)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("%w: invalid metrics port %d", ErrValidation, c.Server.Port)
	}

	return nil
}
