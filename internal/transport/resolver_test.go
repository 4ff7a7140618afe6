package transport

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"vkaudio/pkg/hls"
)

// streamServer serves manifests, segments and keys from in-memory maps and
// counts requests per path.
type streamServer struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	counts map[string]int
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()

	s := &streamServer{files: make(map[string][]byte), counts: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.URL.Path]++
		data, ok := s.files[r.URL.Path]
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

func (s *streamServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[path]
}

func (s *streamServer) countPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for path, n := range s.counts {
		if strings.HasPrefix(path, prefix) {
			total += n
		}
	}
	return total
}

func encrypt(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()

	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(n)}, n)...)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher() error = %v", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func newTestResolver(s *streamServer, opts ...Option) *Resolver {
	return New(s.Client(), zap.NewNop(), opts...)
}

func TestResolver_EncryptedStreamFetchesKeyOnce(t *testing.T) {
	s := newStreamServer(t)
	key := []byte("0123456789abcdef")
	seg0 := []byte("first segment payload")
	seg1 := []byte("second segment payload, a bit longer")

	s.put("/audio/playlist.m3u8", []byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key1\"\n"+
		"#EXTINF:10,\nseg0.ts\n#EXTINF:10,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	s.put("/audio/key1", key)
	s.put("/audio/seg0.ts", encrypt(t, seg0, key, hls.SequenceIV(0)))
	s.put("/audio/seg1.ts", encrypt(t, seg1, key, hls.SequenceIV(1)))

	var out bytes.Buffer
	stats, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/audio/playlist.m3u8", &out)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := append(append([]byte(nil), seg0...), seg1...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("output = %q, want %q", out.Bytes(), want)
	}
	if got := s.countPrefix("/audio/seg"); got != 2 {
		t.Errorf("segment fetches = %d, want 2", got)
	}
	if got := s.count("/audio/key1"); got != 1 {
		t.Errorf("key fetches = %d, want 1", got)
	}
	if stats.Segments != 2 || stats.KeyFetches != 1 || stats.Bytes != int64(len(want)) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestResolver_KeyRotationAndExplicitIV(t *testing.T) {
	s := newStreamServer(t)
	keyA := []byte("AAAAAAAAAAAAAAAA")
	keyB := []byte("BBBBBBBBBBBBBBBB")
	iv := []byte{0xf, 0xe, 0xd, 0xc, 0xb, 0xa, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0}

	s.put("/m.m3u8", []byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:40\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/a\"\na.ts\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/b\",IV=0x0f0e0d0c0b0a09080706050403020100\nb.ts\n"+
		"#EXT-X-KEY:METHOD=NONE\nc.ts\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/a\"\nd.ts\n"))
	s.put("/keys/a", keyA)
	s.put("/keys/b", keyB)
	s.put("/a.ts", encrypt(t, []byte("alpha"), keyA, hls.SequenceIV(40)))
	s.put("/b.ts", encrypt(t, []byte("bravo"), keyB, iv))
	s.put("/c.ts", []byte("charlie"))
	s.put("/d.ts", encrypt(t, []byte("delta"), keyA, hls.SequenceIV(43)))

	var out bytes.Buffer
	stats, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/m.m3u8", &out)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if out.String() != "alphabravocharliedelta" {
		t.Errorf("output = %q", out.String())
	}
	if stats.KeyFetches != 2 {
		t.Errorf("KeyFetches = %d, want 2", stats.KeyFetches)
	}
	if s.count("/keys/a") != 1 {
		t.Errorf("key a fetched %d times, want 1", s.count("/keys/a"))
	}
}

func TestResolver_FollowsBestVariant(t *testing.T) {
	s := newStreamServer(t)
	s.put("/master.m3u8", []byte("#EXTM3U\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=64000\nlow/index.m3u8\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=320000\nhigh/index.m3u8\n"))
	s.put("/high/index.m3u8", []byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:5\n0.ts\n1.ts\n"))
	s.put("/high/0.ts", []byte("hi-0|"))
	s.put("/high/1.ts", []byte("hi-1"))

	var out bytes.Buffer
	stats, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/master.m3u8", &out)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if out.String() != "hi-0|hi-1" {
		t.Errorf("output = %q", out.String())
	}
	if stats.Hops != 1 || !strings.HasSuffix(stats.Variant, "/high/index.m3u8") {
		t.Errorf("stats = %+v", stats)
	}
	if s.count("/low/index.m3u8") != 0 {
		t.Error("low bandwidth variant was fetched")
	}
}

func TestResolver_VariantHopLimit(t *testing.T) {
	s := newStreamServer(t)
	s.put("/loop.m3u8", []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nloop.m3u8\n"))

	_, err := newTestResolver(s, WithMaxVariantHops(3)).Resolve(context.Background(), s.URL+"/loop.m3u8", &bytes.Buffer{})
	if !errors.Is(err, hls.ErrManifest) {
		t.Fatalf("Resolve() error = %v, want ErrManifest", err)
	}
	if got := s.count("/loop.m3u8"); got != 4 {
		t.Errorf("manifest fetches = %d, want 4", got)
	}
}

func TestResolver_Errors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr error
	}{
		{
			name:    "Missing key uri",
			files:   map[string]string{"/m.m3u8": "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128\na.ts\n", "/a.ts": strings.Repeat("x", 16)},
			wantErr: hls.ErrManifest,
		},
		{
			name:    "Not a manifest",
			files:   map[string]string{"/m.m3u8": "<html></html>"},
			wantErr: hls.ErrManifest,
		},
		{
			name:    "Manifest not found",
			files:   map[string]string{},
			wantErr: ErrFetch,
		},
		{
			name:    "Segment not found",
			files:   map[string]string{"/m.m3u8": "#EXTM3U\nmissing.ts\n"},
			wantErr: ErrFetch,
		},
		{
			name: "Key not found",
			files: map[string]string{
				"/m.m3u8": "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\"\na.ts\n",
				"/a.ts":   strings.Repeat("x", 16),
			},
			wantErr: ErrFetch,
		},
		{
			name: "Bad key length",
			files: map[string]string{
				"/m.m3u8": "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\"\na.ts\n",
				"/a.ts":   strings.Repeat("x", 16),
				"/k":      "short",
			},
			wantErr: hls.ErrCipher,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStreamServer(t)
			for path, data := range tt.files {
				s.put(path, []byte(data))
			}

			_, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/m.m3u8", &bytes.Buffer{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolver_ConcurrentFetchKeepsOrder(t *testing.T) {
	s := newStreamServer(t)
	key := []byte("0123456789abcdef")

	var manifest strings.Builder
	manifest.WriteString("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key\"\n")
	var want bytes.Buffer
	for i := 0; i < 11; i++ {
		name := fmt.Sprintf("s%02d.ts", i)
		payload := []byte(fmt.Sprintf("<segment %02d>", i))
		manifest.WriteString(name + "\n")
		s.put("/"+name, encrypt(t, payload, key, hls.SequenceIV(uint64(i))))
		want.Write(payload)
	}
	s.put("/m.m3u8", []byte(manifest.String()))
	s.put("/key", key)

	var out bytes.Buffer
	stats, err := newTestResolver(s, WithConcurrency(4)).Resolve(context.Background(), s.URL+"/m.m3u8", &out)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), want.Bytes()) {
		t.Errorf("output = %q, want %q", out.Bytes(), want.Bytes())
	}
	if stats.KeyFetches != 1 || s.count("/key") != 1 {
		t.Errorf("key fetched %d times (stats %d), want 1", s.count("/key"), stats.KeyFetches)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	segments int
	bytes    int
	keys     int
}

func (o *countingObserver) ObserveSegment(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segments++
	o.bytes += n
}

func (o *countingObserver) ObserveKeyFetch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys++
}

func TestResolver_ResolveToFile(t *testing.T) {
	s := newStreamServer(t)
	s.put("/ok.m3u8", []byte("#EXTM3U\na.ts\nb.ts\n"))
	s.put("/a.ts", []byte("AAAA"))
	s.put("/b.ts", []byte("BB"))
	s.put("/broken.m3u8", []byte("#EXTM3U\na.ts\nmissing.ts\n"))

	dir := t.TempDir()
	observer := &countingObserver{}
	resolver := newTestResolver(s, WithObserver(observer))

	okPath := filepath.Join(dir, "ok.ts.tmp")
	if _, err := resolver.ResolveToFile(context.Background(), s.URL+"/ok.m3u8", okPath); err != nil {
		t.Fatalf("ResolveToFile() error = %v", err)
	}
	data, err := os.ReadFile(okPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "AAAABB" {
		t.Errorf("file content = %q", data)
	}
	if observer.segments != 2 || observer.bytes != 6 || observer.keys != 0 {
		t.Errorf("observer = %+v", observer)
	}

	brokenPath := filepath.Join(dir, "broken.ts.tmp")
	if _, err := resolver.ResolveToFile(context.Background(), s.URL+"/broken.m3u8", brokenPath); err == nil {
		t.Fatal("ResolveToFile() expected error")
	}
	if _, err := os.Stat(brokenPath); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
}

func TestRedact(t *testing.T) {
	got := redact("https://user:pw@cs9.vkuseraudio.net/s/v1/ac/index.m3u8?extra=secret#frag")
	if got != "https://cs9.vkuseraudio.net/s/v1/ac/index.m3u8" {
		t.Errorf("redact() = %q", got)
	}
}

func TestResolver_ManyKeysEachFetchedOnce(t *testing.T) {
	const distinct = 70

	s := newStreamServer(t)
	var manifest strings.Builder
	manifest.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")

	var want []byte
	for seq := range 2 * distinct {
		n := seq % distinct
		key := []byte(fmt.Sprintf("key-%012d", n))
		keyPath := fmt.Sprintf("/keys/%d", n)
		segPath := fmt.Sprintf("/seg/%d.ts", seq)
		payload := []byte(fmt.Sprintf("segment %d", seq))

		s.put(keyPath, key)
		s.put(segPath, encrypt(t, payload, key, hls.SequenceIV(uint64(seq))))
		fmt.Fprintf(&manifest, "#EXT-X-KEY:METHOD=AES-128,URI=\"%s\"\n#EXTINF:10,\n%s\n", keyPath, segPath)
		want = append(want, payload...)
	}
	manifest.WriteString("#EXT-X-ENDLIST\n")
	s.put("/many.m3u8", []byte(manifest.String()))

	var out bytes.Buffer
	stats, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/many.m3u8", &out)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Error("decrypted output does not match the segment payloads")
	}
	for n := range distinct {
		if got := s.count(fmt.Sprintf("/keys/%d", n)); got != 1 {
			t.Errorf("key %d fetched %d times, want 1", n, got)
		}
	}
	if stats.KeyFetches != distinct {
		t.Errorf("stats.KeyFetches = %d, want %d", stats.KeyFetches, distinct)
	}
}

func TestResolver_OversizedManifest(t *testing.T) {
	s := newStreamServer(t)
	padding := strings.Repeat("#EXT-X-COMMENT:padding\n", maxManifestSize/23+1)
	s.put("/huge.m3u8", []byte("#EXTM3U\n"+padding+"#EXTINF:10,\nseg.ts\n"))
	s.put("/seg.ts", []byte("payload"))

	var out bytes.Buffer
	_, err := newTestResolver(s).Resolve(context.Background(), s.URL+"/huge.m3u8", &out)
	if !errors.Is(err, hls.ErrManifest) {
		t.Fatalf("Resolve() error = %v, want ErrManifest", err)
	}
	if s.count("/seg.ts") != 0 || out.Len() != 0 {
		t.Error("segments fetched from a truncated manifest")
	}
}
