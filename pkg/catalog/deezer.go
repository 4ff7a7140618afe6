package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

const deezerSearchURL = "https://api.deezer.com/search"

// DeezerMatcher searches the Deezer track catalog.
type DeezerMatcher struct {
	client  *http.Client
	baseURL string
}

// NewDeezerMatcher creates a Deezer matcher using client for requests.
func NewDeezerMatcher(client *http.Client) *DeezerMatcher {
	return &DeezerMatcher{client: client, baseURL: deezerSearchURL}
}

// Name returns the source name.
func (m *DeezerMatcher) Name() string { return SourceDeezer }

// Query runs an advanced artist/track search.
func (m *DeezerMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf(`artist:"%s" track:"%s"`, artist, title))
	params.Set("limit", "10")

	body, err := getJSON(ctx, m.client, m.Name(), m.baseURL, params)
	if err != nil {
		return nil, err
	}

	items := objects(gjson.GetBytes(body, "data"))
	best := pickBest(len(items), func(i int) (Rank, bool) {
		return RankCandidate(artist, title,
			str(items[i].Get("artist.name")),
			str(items[i].Get("title"))), true
	})
	if best < 0 {
		return nil, nil
	}

	item := items[best]
	return NewMetadata(Fields{
		Title:  firstNonBlank(str(item.Get("title")), title),
		Artist: firstNonBlank(str(item.Get("artist.name")), artist),
		Album:  str(item.Get("album.title")),
	}), nil
}
