// Package hls parses HLS manifests and decrypts AES-128 protected segments.
package hls

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// Signature is the mandatory first line of every manifest.
	Signature = "#EXTM3U"
	// MethodAES128 is the only encryption method that is decrypted.
	MethodAES128 = "AES-128"
	// MethodNone marks explicitly unencrypted segments.
	MethodNone = "NONE"

	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
	tagStreamInf     = "#EXT-X-STREAM-INF:"
	tagKey           = "#EXT-X-KEY:"

	utf8BOM = "\ufeff"
)

var (
	// ErrManifest is returned for malformed or empty manifests.
	ErrManifest = errors.New("invalid hls manifest")

	attributeRegex = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]+)`)
)

// Key describes the encryption state applied to a segment.
type Key struct {
	Method string
	URI    string
	IV     string
}

// Encrypted reports whether segments under this key must be decrypted.
func (k *Key) Encrypted() bool {
	return k != nil && k.Method == MethodAES128
}

// Segment is one media chunk of a media manifest.
type Segment struct {
	URL      string
	Sequence uint64
	Key      *Key // nil when no key directive preceded the segment
}

// Variant is an alternative rendition listed in a master manifest.
type Variant struct {
	URI        string
	Bandwidth  int64
	Attributes map[string]string
}

// Playlist is the result of parsing one manifest document.
type Playlist struct {
	BaseURL  string
	Segments []Segment
	Variants []Variant
}

// IsMaster reports whether the manifest lists variants instead of media.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// BestVariant returns the highest-bandwidth variant. Equal bandwidths keep
// their order of appearance.
func (p *Playlist) BestVariant() (Variant, bool) {
	if len(p.Variants) == 0 {
		return Variant{}, false
	}

	sorted := make([]Variant, len(p.Variants))
	copy(sorted, p.Variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth > sorted[j].Bandwidth
	})
	return sorted[0], true
}

// Parse tokenizes a manifest fetched from baseURL.
func Parse(text, baseURL string) (*Playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base url %q: %v", ErrManifest, baseURL, err)
	}

	lines := nonBlankLines(text)
	if len(lines) == 0 || lines[0] != Signature {
		return nil, fmt.Errorf("%w: missing %s signature", ErrManifest, Signature)
	}

	playlist := &Playlist{BaseURL: baseURL}
	var (
		mediaSequence uint64
		currentKey    *Key
		pending       map[string]string
	)

	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, tagMediaSequence):
			value := strings.TrimPrefix(line, tagMediaSequence)
			if n, convErr := strconv.ParseUint(value, 10, 64); convErr == nil {
				mediaSequence = n
			}
		case strings.HasPrefix(line, tagStreamInf):
			pending = ParseAttributes(strings.TrimPrefix(line, tagStreamInf))
		case pending != nil && !strings.HasPrefix(line, "#"):
			uri, resolveErr := resolve(base, line)
			if resolveErr != nil {
				return nil, resolveErr
			}
			playlist.Variants = append(playlist.Variants, newVariant(uri, pending))
			pending = nil
		case strings.HasPrefix(line, tagKey):
			key, keyErr := parseKey(base, strings.TrimPrefix(line, tagKey))
			if keyErr != nil {
				return nil, keyErr
			}
			currentKey = key
		case strings.HasPrefix(line, "#"):
			continue
		default:
			uri, resolveErr := resolve(base, line)
			if resolveErr != nil {
				return nil, resolveErr
			}
			segment := Segment{
				URL:      uri,
				Sequence: mediaSequence + uint64(len(playlist.Segments)),
			}
			if currentKey != nil {
				keyCopy := *currentKey
				segment.Key = &keyCopy
			}
			playlist.Segments = append(playlist.Segments, segment)
		}
	}

	if len(playlist.Segments) == 0 && len(playlist.Variants) == 0 {
		return nil, fmt.Errorf("%w: no media segments found", ErrManifest)
	}

	return playlist, nil
}

// ParseAttributes splits an attribute list into a map, stripping quotes.
func ParseAttributes(list string) map[string]string {
	attributes := make(map[string]string)
	for _, match := range attributeRegex.FindAllStringSubmatch(list, -1) {
		value := strings.TrimSpace(match[2])
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		attributes[match[1]] = value
	}
	return attributes
}

func parseKey(base *url.URL, list string) (*Key, error) {
	attrs := ParseAttributes(list)
	key := &Key{
		Method: attrs["METHOD"],
		IV:     attrs["IV"],
	}
	if raw := attrs["URI"]; raw != "" {
		uri, err := resolve(base, raw)
		if err != nil {
			return nil, err
		}
		key.URI = uri
	}
	return key, nil
}

func newVariant(uri string, attrs map[string]string) Variant {
	bandwidth, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
	if err != nil {
		bandwidth = 0
	}
	return Variant{
		URI:        uri,
		Bandwidth:  bandwidth,
		Attributes: attrs,
	}
}

func resolve(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad uri %q: %v", ErrManifest, ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}

func nonBlankLines(text string) []string {
	text = strings.TrimPrefix(text, utf8BOM)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
