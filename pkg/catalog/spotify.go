package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// SpotifyMatcher searches the Spotify track catalog with an app-only
// client-credentials token. It needs a client ID and secret.
type SpotifyMatcher struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokenURL     string
	apiBaseURL   string

	once   sync.Once
	client *spotify.Client
}

// NewSpotifyMatcher creates a Spotify matcher. Missing credentials disable it.
// Token and API requests both go through httpClient.
func NewSpotifyMatcher(httpClient *http.Client, clientID, clientSecret string) *SpotifyMatcher {
	return &SpotifyMatcher{
		httpClient:   httpClient,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		tokenURL:     spotifyauth.TokenURL,
	}
}

// Name returns the source name.
func (m *SpotifyMatcher) Name() string { return SourceSpotify }

// Configured reports whether both credentials are set.
func (m *SpotifyMatcher) Configured() bool {
	return m.clientID != "" && m.clientSecret != ""
}

func (m *SpotifyMatcher) api() *spotify.Client {
	m.once.Do(func() {
		cfg := &clientcredentials.Config{
			ClientID:     m.clientID,
			ClientSecret: m.clientSecret,
			TokenURL:     m.tokenURL,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, m.httpClient)

		var opts []spotify.ClientOption
		if m.apiBaseURL != "" {
			opts = append(opts, spotify.WithBaseURL(m.apiBaseURL))
		}
		m.client = spotify.New(cfg.Client(tokenCtx), opts...)
	})
	return m.client
}

// Query runs a field-filtered track search.
func (m *SpotifyMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	if !m.Configured() {
		return nil, nil
	}

	query := fmt.Sprintf(`track:"%s" artist:"%s"`, title, artist)
	results, err := m.api().Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(10))
	if err != nil {
		return nil, fmt.Errorf("spotify search failed: %w", err)
	}
	if results.Tracks == nil {
		return nil, nil
	}

	tracks := results.Tracks.Tracks
	best := pickBest(len(tracks), func(i int) (Rank, bool) {
		return RankCandidate(artist, title, artistNames(tracks[i].Artists), tracks[i].Name), true
	})
	if best < 0 {
		return nil, nil
	}

	track := tracks[best]
	var primaryArtist string
	if len(track.Artists) > 0 {
		primaryArtist = track.Artists[0].Name
	}

	return NewMetadata(Fields{
		Title:  firstNonBlank(track.Name, title),
		Artist: firstNonBlank(primaryArtist, artist),
		Album:  track.Album.Name,
		Date:   track.Album.ReleaseDate,
	}), nil
}

func artistNames(artists []spotify.SimpleArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, " ")
}
