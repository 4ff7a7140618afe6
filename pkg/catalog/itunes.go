package catalog

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

const iTunesSearchURL = "https://itunes.apple.com/search"

// ITunesMatcher searches the iTunes song catalog.
type ITunesMatcher struct {
	client  *http.Client
	baseURL string
}

// NewITunesMatcher creates an iTunes matcher using client for requests.
func NewITunesMatcher(client *http.Client) *ITunesMatcher {
	return &ITunesMatcher{client: client, baseURL: iTunesSearchURL}
}

// Name returns the source name.
func (m *ITunesMatcher) Name() string { return SourceITunes }

// Query searches for "artist title" and ranks the songs returned.
func (m *ITunesMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	params := url.Values{}
	params.Set("term", artist+" "+title)
	params.Set("entity", "song")
	params.Set("limit", "10")

	body, err := getJSON(ctx, m.client, m.Name(), m.baseURL, params)
	if err != nil {
		return nil, err
	}

	items := objects(gjson.GetBytes(body, "results"))
	best := pickBest(len(items), func(i int) (Rank, bool) {
		return RankCandidate(artist, title,
			str(items[i].Get("artistName")),
			str(items[i].Get("trackName"))), true
	})
	if best < 0 {
		return nil, nil
	}

	item := items[best]
	releaseDate := str(item.Get("releaseDate"))
	if len(releaseDate) > 10 {
		releaseDate = releaseDate[:10]
	}

	return NewMetadata(Fields{
		Title:  firstNonBlank(str(item.Get("trackName")), title),
		Artist: firstNonBlank(str(item.Get("artistName")), artist),
		Album:  str(item.Get("collectionName")),
		Date:   releaseDate,
		Genre:  str(item.Get("primaryGenreName")),
	}), nil
}
