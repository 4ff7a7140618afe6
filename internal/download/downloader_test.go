package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"vkaudio/internal/core"
	"vkaudio/internal/transport"
)

type fakeResolver struct {
	calls []string
	data  string
	err   error
}

func (f *fakeResolver) ResolveToFile(_ context.Context, manifestURL, path string) (transport.Stats, error) {
	f.calls = append(f.calls, manifestURL)
	if f.err != nil {
		return transport.Stats{}, f.err
	}
	if err := os.WriteFile(path, []byte(f.data), 0o644); err != nil {
		return transport.Stats{}, err
	}
	return transport.Stats{Segments: 1, Bytes: int64(len(f.data))}, nil
}

// copyConverter "converts" by copying and records the source path.
type copyConverter struct {
	sources []string
	err     error
}

func (c *copyConverter) Convert(_ context.Context, src, dst string) error {
	c.sources = append(c.sources, src)
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("MP3:"), data...), 0o644)
}

type fakeEnricher struct {
	paths []string
	err   error
}

func (f *fakeEnricher) Enrich(_ context.Context, path string, _ core.Track) (string, error) {
	f.paths = append(f.paths, path)
	return "itunes", f.err
}

type fixture struct {
	dir       string
	server    *httptest.Server
	resolver  *fakeResolver
	converter *copyConverter
	enricher  *fakeEnricher
	hits      atomic.Int32
}

func newFixture(t *testing.T, ifExists string) (*fixture, *Downloader) {
	t.Helper()

	f := &fixture{
		dir:       t.TempDir(),
		resolver:  &fakeResolver{data: "transport-stream"},
		converter: &copyConverter{},
		enricher:  &fakeEnricher{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ID3-audio-bytes"))
	}))
	t.Cleanup(f.server.Close)

	cfg := core.DefaultConfig().Download
	cfg.Path = f.dir
	cfg.IfExists = ifExists
	d := NewDownloader(cfg, f.server.Client(), f.resolver, f.converter, f.enricher, zap.NewNop())
	return f, d
}

func TestDownloader_DirectFile(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)
	track := core.Track{OwnerID: 1, ID: 2, Artist: "Band", Title: "Song", URL: f.server.URL + "/song.mp3?extra=token"}

	result, err := d.Download(context.Background(), track)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	wantPath := filepath.Join(f.dir, "Band - Song.mp3")
	if result.Path != wantPath || result.Status != StatusDownloaded {
		t.Errorf("Download() = %+v, want path %s downloaded", result, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil || string(data) != "ID3-audio-bytes" {
		t.Errorf("file content = %q, err = %v", data, err)
	}
	if _, err := os.Stat(wantPath + partSuffix); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
	if result.MetadataSource != "itunes" || len(f.enricher.paths) != 1 {
		t.Errorf("enricher calls = %v, source = %q", f.enricher.paths, result.MetadataSource)
	}
	if len(f.resolver.calls) != 0 {
		t.Error("direct download must not use the stream resolver")
	}
}

func TestDownloader_HLSStream(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)
	track := core.Track{Artist: "Band", Title: "Live", URL: "https://cs1.vkuseraudio.net/s/v1/ac/index.m3u8?siren=1"}

	result, err := d.Download(context.Background(), track)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	wantPath := filepath.Join(f.dir, "Band - Live.mp3")
	data, err := os.ReadFile(wantPath)
	if err != nil || string(data) != "MP3:transport-stream" {
		t.Errorf("file content = %q, err = %v", data, err)
	}

	tmpPath := filepath.Join(f.dir, "Band - Live.ts.tmp")
	if len(f.converter.sources) != 1 || f.converter.sources[0] != tmpPath {
		t.Errorf("converter sources = %v, want [%s]", f.converter.sources, tmpPath)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Error("temporary stream file left behind")
	}
	if result.Status != StatusDownloaded || f.hits.Load() != 0 {
		t.Errorf("result = %+v, direct hits = %d", result, f.hits.Load())
	}
}

func TestDownloader_HLSFailures(t *testing.T) {
	tests := []struct {
		name         string
		resolveErr   error
		convertErr   error
		wantConverts int
		wantErr      error
	}{
		{name: "Resolve fails", resolveErr: transport.ErrFetch, wantErr: transport.ErrFetch},
		{name: "Convert fails", convertErr: core.ErrMissingCapability, wantConverts: 1, wantErr: core.ErrMissingCapability},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, d := newFixture(t, core.IfExistsSkip)
			f.resolver.err = tt.resolveErr
			f.converter.err = tt.convertErr

			result, err := d.Download(context.Background(), core.Track{Artist: "A", Title: "B", URL: "https://x/y.m3u8"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Download() error = %v, want %v", err, tt.wantErr)
			}
			if result.Status != StatusFailed {
				t.Errorf("Status = %q, want failed", result.Status)
			}
			if len(f.converter.sources) != tt.wantConverts {
				t.Errorf("converts = %d, want %d", len(f.converter.sources), tt.wantConverts)
			}
			if _, err := os.Stat(filepath.Join(f.dir, "A - B.ts.tmp")); !os.IsNotExist(err) {
				t.Error("temporary stream file left behind")
			}
			if len(f.enricher.paths) != 0 {
				t.Error("failed tracks must not be tagged")
			}
		})
	}
}

func TestDownloader_ExistingFile(t *testing.T) {
	tests := []struct {
		name       string
		ifExists   string
		wantStatus Status
		wantData   string
		wantHits   int
	}{
		{name: "Skip", ifExists: core.IfExistsSkip, wantStatus: StatusExisting, wantData: "old", wantHits: 0},
		{name: "Replace", ifExists: core.IfExistsReplace, wantStatus: StatusDownloaded, wantData: "ID3-audio-bytes", wantHits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, d := newFixture(t, tt.ifExists)
			path := filepath.Join(f.dir, "A - B.mp3")
			if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
				t.Fatal(err)
			}

			result, err := d.Download(context.Background(), core.Track{Artist: "A", Title: "B", URL: f.server.URL + "/b.mp3"})
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", result.Status, tt.wantStatus)
			}
			data, _ := os.ReadFile(path)
			if string(data) != tt.wantData {
				t.Errorf("file content = %q, want %q", data, tt.wantData)
			}
			if int(f.hits.Load()) != tt.wantHits {
				t.Errorf("hits = %d, want %d", f.hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestDownloader_NoURL(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)

	result, err := d.Download(context.Background(), core.Track{Artist: "A", Title: "B", URL: "  "})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if result.Status != StatusNoURL {
		t.Errorf("Status = %q, want %q", result.Status, StatusNoURL)
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Errorf("download dir has %d entries, want 0", len(entries))
	}
}

func TestDownloader_HTTPError(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)

	_, err := d.Download(context.Background(), core.Track{Artist: "A", Title: "B", URL: f.server.URL + "/missing.mp3"})
	if !errors.Is(err, transport.ErrFetch) {
		t.Fatalf("Download() error = %v, want ErrFetch", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "A - B.mp3")); !os.IsNotExist(err) {
		t.Error("output file should not exist after failed download")
	}
}

func TestDownloader_EnrichFailureIsNotFatal(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)
	f.enricher.err = errors.New("tag write failed")

	result, err := d.Download(context.Background(), core.Track{Artist: "A", Title: "B", URL: f.server.URL + "/b.mp3"})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if result.Status != StatusDownloaded {
		t.Errorf("Status = %q, want downloaded", result.Status)
	}
}

func TestDownloader_SortModeCreatesFolders(t *testing.T) {
	f, d := newFixture(t, core.IfExistsSkip)
	d.cfg.Sort = core.SortArtistFolder

	result, err := d.Download(context.Background(), core.Track{Artist: "Band", Title: "Song", URL: f.server.URL + "/s.mp3"})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if want := filepath.Join(f.dir, "Band", "Song.mp3"); result.Path != want {
		t.Errorf("Path = %q, want %q", result.Path, want)
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("output missing: %v", err)
	}
}
