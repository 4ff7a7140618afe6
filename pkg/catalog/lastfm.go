package catalog

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const lastFMAPIURL = "https://ws.audioscrobbler.com/2.0/"

// LastFMMatcher looks a single track up with track.getInfo. It needs an API key.
type LastFMMatcher struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewLastFMMatcher creates a Last.fm matcher. An empty apiKey disables it.
func NewLastFMMatcher(client *http.Client, apiKey string) *LastFMMatcher {
	return &LastFMMatcher{
		client:  client,
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: lastFMAPIURL,
	}
}

// Name returns the source name.
func (m *LastFMMatcher) Name() string { return SourceLastFM }

// Configured reports whether an API key is set.
func (m *LastFMMatcher) Configured() bool { return m.apiKey != "" }

// Query asks Last.fm for the autocorrected track.
func (m *LastFMMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	if !m.Configured() {
		return nil, nil
	}

	params := url.Values{}
	params.Set("method", "track.getInfo")
	params.Set("artist", artist)
	params.Set("track", title)
	params.Set("api_key", m.apiKey)
	params.Set("format", "json")
	params.Set("autocorrect", "1")

	body, err := getJSON(ctx, m.client, m.Name(), m.baseURL, params)
	if err != nil {
		return nil, err
	}

	track := gjson.GetBytes(body, "track")
	if !track.IsObject() {
		return nil, nil
	}

	trackArtist := track.Get("artist")
	if trackArtist.IsObject() {
		trackArtist = trackArtist.Get("name")
	}

	var genre string
	if tag := firstElement(track.Get("toptags.tag")); tag.IsObject() {
		genre = str(tag.Get("name"))
	}

	return NewMetadata(Fields{
		Title:  firstNonBlank(str(track.Get("name")), title),
		Artist: firstNonBlank(str(trackArtist), artist),
		Album:  str(track.Get("album.title")),
		Date:   firstYear(str(track.Get("wiki.published"))),
		Genre:  genre,
	}), nil
}
