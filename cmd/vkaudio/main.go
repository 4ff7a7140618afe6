// Package main provides the vkaudio CLI application entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"vkaudio/internal/core"
	"vkaudio/internal/download"
	"vkaudio/internal/enrich"
	httpserver "vkaudio/internal/http"
	"vkaudio/internal/resilience"
	"vkaudio/internal/store"
	"vkaudio/internal/tagging"
	"vkaudio/internal/transport"
	"vkaudio/internal/vk"
	"vkaudio/pkg/catalog"
)

const (
	envPrefix = "VKAUDIO"

	// Per-run dedup capacity; larger libraries only lose duplicate detection
	// for the oldest entries.
	dedupCapacity      = 50000
	dedupFalsePositive = 0.001
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vkaudio",
	Short: "vkaudio - download music from VK",
	Long: `vkaudio downloads VK tracks, playlists and user libraries as MP3 files.
HLS streams are decrypted and converted with ffmpeg; finished files are tagged
with metadata from public music catalogs.`,
	SilenceUsage: true,
	RunE:         runVKAudio,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	registerFlags(rootCmd.PersistentFlags())

	rootCmd.Flags().String("track", "", "VK track URL, e.g. https://vk.com/audio142774160_456240188_key")
	rootCmd.Flags().String("playlist", "", "VK playlist URL, e.g. https://vk.com/music/playlist/142774160_74879692_key")
	rootCmd.Flags().String("user", "", "VK user audio URL, e.g. https://vk.com/audios142774160")
	rootCmd.Flags().Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")
	rootCmd.MarkFlagsMutuallyExclusive("track", "playlist", "user")

	rootCmd.AddCommand(sourcesCmd)

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
	if err := bindLegacyEnv(viper.GetViper()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind environment: %v\n", err)
		os.Exit(1)
	}
}

// registerFlags declares every configuration flag with its default taken
// from core.DefaultConfig.
func registerFlags(fs *pflag.FlagSet) {
	d := core.DefaultConfig()

	fs.String("path", d.Download.Path, "Directory where audio files will be saved")
	fs.String("token", "", "VK API token (or set VK_TOKEN)")
	fs.String("if-exists", d.Download.IfExists, "Behavior when the target file exists (skip, replace)")
	fs.String("sort", d.Download.Sort, "Output sorting mode (none, artist-folder, artist-folder-name)")
	fs.String("ffmpeg", d.Download.FFmpegPath, "ffmpeg binary used for HLS conversion")
	fs.Int("segment-concurrency", d.Download.SegmentConcurrency, "Parallel HLS segment fetches")
	fs.Duration("download-timeout", d.Download.Timeout, "Response header timeout for stream requests")

	fs.String("vk-api-base", d.VK.APIBase, "VK API endpoint")
	fs.String("vk-api-version", d.VK.APIVersion, "VK API version")
	fs.Duration("vk-timeout", d.VK.Timeout, "VK API request timeout")

	fs.String("metadata-source", d.Metadata.Source,
		fmt.Sprintf("Metadata source (%s, %s, or a catalog name)", catalog.SourceAuto, catalog.SourceNone))
	fs.Duration("metadata-timeout", d.Metadata.Timeout, "Per-request catalog timeout")
	fs.String("lastfm-api-key", "", "Last.fm API key (or set LASTFM_API_KEY)")
	fs.String("discogs-token", "", "Discogs token (or set DISCOGS_TOKEN)")
	fs.String("spotify-client-id", "", "Spotify client ID")
	fs.String("spotify-client-secret", "", "Spotify client secret")

	fs.Duration("metadata-min-interval", d.Resilience.MinInterval, "Minimum spacing between requests to one catalog")
	fs.Int("metadata-max-attempts", d.Resilience.MaxAttempts, "Attempts per catalog request")
	fs.Int("metadata-failure-threshold", d.Resilience.FailureThreshold,
		"Exhausted requests after which a catalog is disabled for the run")

	fs.String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on host:port (disabled when empty)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "log format (auto, json, console)")
}

// bindLegacyEnv keeps the environment names the tool has always accepted.
func bindLegacyEnv(v *viper.Viper) error {
	aliases := map[string]string{
		"token":          "VK_TOKEN",
		"lastfm-api-key": "LASTFM_API_KEY",
		"discogs-token":  "DISCOGS_TOKEN",
	}
	for key, legacy := range aliases {
		if err := v.BindEnv(key, flagToEnvVar(key), legacy); err != nil {
			return err
		}
	}
	return nil
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig(viper.GetViper())
	logger = buildLogger(config.Log.Level, useConsole(config.Log.Format, stderrIsTerminal()))
}

func buildConfig(v *viper.Viper) *core.Config {
	cfg := core.DefaultConfig()

	configureVK(cfg, v)
	configureDownload(cfg, v)
	configureMetadata(cfg, v)
	configureResilience(cfg, v)
	configureServer(cfg, v)
	configureLog(cfg, v)

	return cfg
}

func configureVK(cfg *core.Config, v *viper.Viper) {
	cfg.VK.Token = strings.TrimSpace(v.GetString("token"))
	cfg.VK.APIBase = v.GetString("vk-api-base")
	cfg.VK.APIVersion = v.GetString("vk-api-version")
	cfg.VK.Timeout = v.GetDuration("vk-timeout")
}

func configureDownload(cfg *core.Config, v *viper.Viper) {
	cfg.Download.Path = v.GetString("path")
	cfg.Download.IfExists = strings.ToLower(v.GetString("if-exists"))
	cfg.Download.Sort = strings.ToLower(v.GetString("sort"))
	cfg.Download.FFmpegPath = v.GetString("ffmpeg")
	cfg.Download.SegmentConcurrency = v.GetInt("segment-concurrency")
	cfg.Download.Timeout = v.GetDuration("download-timeout")
}

func configureMetadata(cfg *core.Config, v *viper.Viper) {
	cfg.Metadata.Source = strings.ToLower(strings.TrimSpace(v.GetString("metadata-source")))
	cfg.Metadata.Timeout = v.GetDuration("metadata-timeout")
	cfg.Metadata.LastFMAPIKey = v.GetString("lastfm-api-key")
	cfg.Metadata.DiscogsToken = v.GetString("discogs-token")
	cfg.Metadata.SpotifyClientID = v.GetString("spotify-client-id")
	cfg.Metadata.SpotifyClientSecret = v.GetString("spotify-client-secret")
}

func configureResilience(cfg *core.Config, v *viper.Viper) {
	cfg.Resilience.MinInterval = v.GetDuration("metadata-min-interval")
	cfg.Resilience.MaxAttempts = v.GetInt("metadata-max-attempts")
	cfg.Resilience.FailureThreshold = v.GetInt("metadata-failure-threshold")
}

func configureServer(cfg *core.Config, v *viper.Viper) {
	addr := strings.TrimSpace(v.GetString("metrics-addr"))
	if addr == "" {
		return
	}
	cfg.Server.Enabled = true

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// Left enabled with an invalid port so Validate reports it.
		cfg.Server.Port = -1
		return
	}
	cfg.Server.Host = host
	if p, convErr := strconv.Atoi(port); convErr == nil {
		cfg.Server.Port = p
	} else {
		cfg.Server.Port = -1
	}
}

func configureLog(cfg *core.Config, v *viper.Viper) {
	cfg.Log.Level = v.GetString("log-level")
	cfg.Log.Format = strings.ToLower(v.GetString("log-format"))
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// useConsole picks the human-readable encoder for "console", and for "auto"
// when stderr is a terminal.
func useConsole(format string, terminal bool) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	default:
		return terminal
	}
}

func buildLogger(level string, console bool) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if console {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

const (
	targetTrack    = "track"
	targetPlaylist = "playlist"
	targetUser     = "user"
)

type target struct {
	kind string
	url  string
}

// selectTarget returns the single requested download target.
func selectTarget(track, playlist, user string) (target, error) {
	var targets []target
	for _, t := range []target{
		{kind: targetTrack, url: track},
		{kind: targetPlaylist, url: playlist},
		{kind: targetUser, url: user},
	} {
		if strings.TrimSpace(t.url) != "" {
			t.url = strings.TrimSpace(t.url)
			targets = append(targets, t)
		}
	}
	if len(targets) != 1 {
		return target{}, fmt.Errorf("%w: exactly one of --track, --playlist or --user is required",
			core.ErrValidation)
	}
	return targets[0], nil
}

func runVKAudio(cmd *cobra.Command, _ []string) error {
	if generate, _ := cmd.Flags().GetBool("generate-env-example"); generate {
		return generateEnvExample(cmd)
	}

	trackURL, _ := cmd.Flags().GetString("track")
	playlistURL, _ := cmd.Flags().GetString("playlist")
	userURL, _ := cmd.Flags().GetString("user")
	tgt, err := selectTarget(trackURL, playlistURL, userURL)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runLogger := logger.With(zap.String("run_id", uuid.NewString()))
	defer func() { _ = runLogger.Sync() }()

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	runLogger.Info("Starting vkaudio",
		zap.String("target", tgt.kind),
		zap.String("path", config.Download.Path),
		zap.String("metadata_source", config.Metadata.Source),
		zap.Bool("metrics_enabled", config.Server.Enabled))

	svcs, err := initializeServices(config, runLogger)
	if err != nil {
		return err
	}

	if err := runServices(ctx, svcs, tgt, runLogger); err != nil {
		runLogger.Error("Download failed", zap.Error(err))
		return err
	}
	runLogger.Info("Download completed.")
	return nil
}

func validateConfig(cfg *core.Config) error {
	if cfg.VK.Token == "" {
		return fmt.Errorf("%w: VK token is required, pass --token or set VK_TOKEN", core.ErrValidation)
	}
	return cfg.Validate()
}

type services struct {
	gate       *resilience.Gate
	vk         *vk.Client
	downloader *download.Downloader
	batch      *download.Batch
	httpServer *httpserver.Server
	metricsOn  bool
}

func initializeServices(cfg *core.Config, log *zap.Logger) (*services, error) {
	if err := os.MkdirAll(cfg.Download.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	httpServer := httpserver.NewServer(&cfg.Server, log.Named("http"))

	gate := resilience.New(policyFromConfig(cfg.Resilience), log.Named("resilience"),
		resilience.WithObserver(httpServer))

	enricher, err := createEnricher(cfg, gate, log)
	if err != nil {
		return nil, err
	}

	streamClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Download.Timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   core.MaxSegmentConcurrency,
		},
	}
	resolver := transport.New(streamClient, log.Named("transport"),
		transport.WithConcurrency(cfg.Download.SegmentConcurrency),
		transport.WithObserver(httpServer))

	converter := download.NewFFmpegConverter(cfg.Download.FFmpegPath, log.Named("ffmpeg"))
	if !converter.Available() {
		log.Warn("ffmpeg not found, HLS tracks will fail",
			zap.String("ffmpeg", cfg.Download.FFmpegPath))
	}

	downloader := download.NewDownloader(cfg.Download, streamClient, resolver, converter, enricher,
		log.Named("download"))

	dedup, err := store.NewDedupStore(dedupCapacity, dedupFalsePositive)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup store: %w", err)
	}
	batch := download.NewBatch(downloader, download.NewSkipLog(cfg.Download.Path), dedup, httpServer,
		log.Named("batch"))

	vkClient := vk.NewClient(cfg.VK, &http.Client{Timeout: cfg.VK.Timeout}, log.Named("vk"))

	return &services{
		gate:       gate,
		vk:         vkClient,
		downloader: downloader,
		batch:      batch,
		httpServer: httpServer,
		metricsOn:  cfg.Server.Enabled,
	}, nil
}

func policyFromConfig(rc core.ResilienceConfig) resilience.Policy {
	policy := resilience.DefaultPolicy()
	policy.MinInterval = rc.MinInterval
	policy.MaxAttempts = rc.MaxAttempts
	policy.BackoffUnit = rc.BackoffUnit
	policy.BackoffCeiling = rc.BackoffCeiling
	policy.FailureThreshold = rc.FailureThreshold
	return policy
}

func newRegistry(cfg *core.Config, gate *resilience.Gate) *catalog.Registry {
	return catalog.NewRegistry(
		func(source string) *http.Client { return gate.Client(source, cfg.Metadata.Timeout) },
		catalog.Credentials{
			LastFMAPIKey:        cfg.Metadata.LastFMAPIKey,
			DiscogsToken:        cfg.Metadata.DiscogsToken,
			SpotifyClientID:     cfg.Metadata.SpotifyClientID,
			SpotifyClientSecret: cfg.Metadata.SpotifyClientSecret,
		})
}

// createEnricher returns nil when catalog lookups are turned off, which also
// leaves files untagged.
func createEnricher(cfg *core.Config, gate *resilience.Gate, log *zap.Logger) (download.Enricher, error) {
	matchers, err := newRegistry(cfg, gate).Order(cfg.Metadata.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if len(matchers) == 0 {
		return nil, nil
	}

	engine := enrich.NewEngine(matchers, gate, tagging.NewID3Writer(), log.Named("enrich"))
	log.Info("Metadata lookup enabled", zap.Strings("sources", engine.Sources()))
	return engine, nil
}

func runServices(ctx context.Context, svcs *services, tgt target, log *zap.Logger) error {
	g, gCtx := errgroup.WithContext(ctx)
	jobCtx, stopServer := context.WithCancel(gCtx)
	defer stopServer()

	if svcs.metricsOn {
		g.Go(func() error {
			return svcs.httpServer.Start(jobCtx)
		})
	}

	g.Go(func() error {
		defer stopServer()
		svcs.httpServer.SetReady(true)
		return runJob(jobCtx, svcs, tgt, log)
	})

	err := g.Wait()
	for _, source := range svcs.gate.Sources() {
		if svcs.gate.Disabled(source) {
			log.Warn("Metadata source was disabled during the run", zap.String("source", source))
		}
	}
	return err
}

func runJob(ctx context.Context, svcs *services, tgt target, log *zap.Logger) error {
	switch tgt.kind {
	case targetTrack:
		return downloadSingle(ctx, svcs, tgt.url, log)

	case targetPlaylist:
		ref, err := vk.ParsePlaylistURL(tgt.url)
		if err != nil {
			return err
		}
		if title, _ := svcs.vk.PlaylistTitle(ctx, ref); title != "" {
			log.Info("Playlist title", zap.String("title", title))
		}
		tracks, err := svcs.vk.PlaylistTracks(ctx, ref)
		if err != nil {
			return err
		}
		log.Info("Playlist tracks received", zap.Int("count", len(tracks)))
		return runBatch(ctx, svcs, tracks, log)

	case targetUser:
		ownerID, err := vk.ParseUserURL(tgt.url)
		if err != nil {
			return err
		}
		tracks, err := svcs.vk.UserTracks(ctx, ownerID)
		if err != nil {
			return err
		}
		log.Info("User audio tracks received", zap.Int("count", len(tracks)))
		return runBatch(ctx, svcs, tracks, log)
	}

	return fmt.Errorf("%w: unknown target %q", core.ErrValidation, tgt.kind)
}

func downloadSingle(ctx context.Context, svcs *services, rawURL string, log *zap.Logger) error {
	ref, err := vk.ParseTrackURL(rawURL)
	if err != nil {
		return err
	}
	track, err := svcs.vk.Track(ctx, ref)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := svcs.downloader.Download(ctx, track)
	svcs.httpServer.ObserveTrack(string(result.Status), time.Since(started))
	if result.MetadataSource != "" {
		svcs.httpServer.ObserveMetadata(result.MetadataSource)
	}
	if err != nil {
		return err
	}
	if result.Status == download.StatusNoURL {
		return fmt.Errorf("track %s has no download URL", ref)
	}

	log.Info("Track finished",
		zap.String("path", result.Path),
		zap.String("status", string(result.Status)))
	return nil
}

func runBatch(ctx context.Context, svcs *services, tracks []core.Track, log *zap.Logger) error {
	summary, err := svcs.batch.Run(ctx, tracks)
	log.Info("Batch finished",
		zap.Int("total", summary.Total()),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("existing", summary.Existing),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("download interrupted: %w", err)
	}
	return err
}
