package catalog

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const discogsSearchURL = "https://api.discogs.com/database/search"

// DiscogsMatcher searches Discogs releases. Release titles are listed as
// "Artist - Title" and are split before ranking. It needs a personal token.
type DiscogsMatcher struct {
	client  *http.Client
	token   string
	baseURL string
}

// NewDiscogsMatcher creates a Discogs matcher. An empty token disables it.
func NewDiscogsMatcher(client *http.Client, token string) *DiscogsMatcher {
	return &DiscogsMatcher{
		client:  client,
		token:   strings.TrimSpace(token),
		baseURL: discogsSearchURL,
	}
}

// Name returns the source name.
func (m *DiscogsMatcher) Name() string { return SourceDiscogs }

// Configured reports whether a token is set.
func (m *DiscogsMatcher) Configured() bool { return m.token != "" }

// Query searches releases containing the track.
func (m *DiscogsMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	if !m.Configured() {
		return nil, nil
	}

	params := url.Values{}
	params.Set("type", "release")
	params.Set("artist", artist)
	params.Set("track", title)
	params.Set("per_page", "10")
	params.Set("token", m.token)

	body, err := getJSON(ctx, m.client, m.Name(), m.baseURL, params)
	if err != nil {
		return nil, err
	}

	items := objects(gjson.GetBytes(body, "results"))
	best := pickBest(len(items), func(i int) (Rank, bool) {
		itemArtist, itemTitle := discogsNames(items[i], artist, title)
		return RankCandidate(artist, title, itemArtist, itemTitle), true
	})
	if best < 0 {
		return nil, nil
	}

	item := items[best]
	resultArtist, resultTitle := discogsNames(item, artist, title)

	var date string
	if year := item.Get("year"); year.Type == gjson.Number && year.Int() > 0 && float64(year.Int()) == year.Num {
		date = strconv.FormatInt(year.Int(), 10)
	}
	var genre string
	if g := firstElement(item.Get("genre")); g.Exists() {
		genre = str(g)
	}

	return NewMetadata(Fields{
		Title:  resultTitle,
		Artist: resultArtist,
		Date:   date,
		Genre:  genre,
	}), nil
}

// discogsNames splits the display title, falling back to the query values.
func discogsNames(item gjson.Result, artist, title string) (string, string) {
	if a, t, ok := splitDisplayTitle(str(item.Get("title"))); ok {
		return a, t
	}
	return artist, title
}
