package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Source names, in default priority order.
const (
	SourceITunes      = "itunes"
	SourceDeezer      = "deezer"
	SourceMusicBrainz = "musicbrainz"
	SourceLastFM      = "lastfm"
	SourceDiscogs     = "discogs"
	SourceSpotify     = "spotify"

	// SourceAuto selects every source in priority order.
	SourceAuto = "auto"
	// SourceNone disables catalog lookups.
	SourceNone = "none"
)

const (
	userAgent       = "vkaudio/1.0"
	maxResponseSize = 4 << 20
)

// ErrUnknownSource is returned for a source name that is not registered.
var ErrUnknownSource = errors.New("unknown metadata source")

// Matcher queries one catalog and returns the best candidate's metadata,
// or nil when nothing matched or the matcher is not configured.
type Matcher interface {
	Name() string
	Query(ctx context.Context, artist, title string) (Metadata, error)
}

// Credentialed is implemented by matchers that need a credential to run.
type Credentialed interface {
	Configured() bool
}

// ClientFunc returns the HTTP client a source must use for its requests.
type ClientFunc func(source string) *http.Client

// Credentials carries the optional catalog credentials.
type Credentials struct {
	LastFMAPIKey        string
	DiscogsToken        string
	SpotifyClientID     string
	SpotifyClientSecret string
}

// Registry holds every known matcher keyed by name.
type Registry struct {
	order    []string
	matchers map[string]Matcher
}

// NewRegistry builds all matchers, each with its own client from clientFor.
func NewRegistry(clientFor ClientFunc, creds Credentials) *Registry {
	return newRegistryWith(
		NewITunesMatcher(clientFor(SourceITunes)),
		NewDeezerMatcher(clientFor(SourceDeezer)),
		NewMusicBrainzMatcher(clientFor(SourceMusicBrainz)),
		NewLastFMMatcher(clientFor(SourceLastFM), creds.LastFMAPIKey),
		NewDiscogsMatcher(clientFor(SourceDiscogs), creds.DiscogsToken),
		NewSpotifyMatcher(clientFor(SourceSpotify), creds.SpotifyClientID, creds.SpotifyClientSecret),
	)
}

// newRegistryWith registers matchers in order; a repeated name keeps its
// first position.
func newRegistryWith(matchers ...Matcher) *Registry {
	r := &Registry{matchers: make(map[string]Matcher)}
	for _, m := range matchers {
		r.register(m)
	}
	return r
}

func (r *Registry) register(m Matcher) {
	if _, exists := r.matchers[m.Name()]; !exists {
		r.order = append(r.order, m.Name())
	}
	r.matchers[m.Name()] = m
}

// Names returns the registered source names in priority order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Get returns the matcher registered under name.
func (r *Registry) Get(name string) (Matcher, bool) {
	m, ok := r.matchers[name]
	return m, ok
}

// Order resolves a source selection into the matchers to query.
func (r *Registry) Order(source string) ([]Matcher, error) {
	source = strings.ToLower(strings.TrimSpace(source))

	switch source {
	case SourceNone:
		return nil, nil
	case SourceAuto, "":
		matchers := make([]Matcher, 0, len(r.order))
		for _, name := range r.order {
			matchers = append(matchers, r.matchers[name])
		}
		return matchers, nil
	}

	m, ok := r.matchers[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q (valid: %s, %s, %s)",
			ErrUnknownSource, source, SourceAuto, SourceNone, strings.Join(r.order, ", "))
	}
	return []Matcher{m}, nil
}

// IsConfigured reports whether m has the credentials it needs.
func IsConfigured(m Matcher) bool {
	if c, ok := m.(Credentialed); ok {
		return c.Configured()
	}
	return true
}

// getJSON performs one GET against endpoint and returns the validated body.
func getJSON(ctx context.Context, client *http.Client, source, endpoint string, params url.Values) ([]byte, error) {
	reqURL := endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", source, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s returned invalid JSON", source)
	}
	return body, nil
}

// str returns a scalar JSON value as text; objects, arrays and null read as "".
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number, gjson.True:
		return r.String()
	default:
		return ""
	}
}

// objects returns the object elements of a JSON array, skipping anything else.
func objects(r gjson.Result) []gjson.Result {
	if !r.IsArray() {
		return nil
	}
	var out []gjson.Result
	for _, item := range r.Array() {
		if item.IsObject() {
			out = append(out, item)
		}
	}
	return out
}

// firstElement returns the first element of a JSON array.
func firstElement(r gjson.Result) gjson.Result {
	if !r.IsArray() {
		return gjson.Result{}
	}
	return r.Get("0")
}
