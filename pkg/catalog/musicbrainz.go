package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const musicBrainzRecordingURL = "https://musicbrainz.org/ws/2/recording"

// MusicBrainzMatcher searches MusicBrainz recordings. Its ranking adds the
// search score returned by the service.
type MusicBrainzMatcher struct {
	client  *http.Client
	baseURL string
}

// NewMusicBrainzMatcher creates a MusicBrainz matcher using client for requests.
func NewMusicBrainzMatcher(client *http.Client) *MusicBrainzMatcher {
	return &MusicBrainzMatcher{client: client, baseURL: musicBrainzRecordingURL}
}

// Name returns the source name.
func (m *MusicBrainzMatcher) Name() string { return SourceMusicBrainz }

// Query searches recordings by title and artist credit.
func (m *MusicBrainzMatcher) Query(ctx context.Context, artist, title string) (Metadata, error) {
	params := url.Values{}
	params.Set("fmt", "json")
	params.Set("limit", "5")
	params.Set("query", fmt.Sprintf(`recording:"%s" AND artist:"%s"`, title, artist))

	body, err := getJSON(ctx, m.client, m.Name(), m.baseURL, params)
	if err != nil {
		return nil, err
	}

	recordings := objects(gjson.GetBytes(body, "recordings"))
	best := pickBest(len(recordings), func(i int) (Rank, bool) {
		rec := recordings[i]
		return RankCandidate(artist, title,
			creditNames(rec.Get("artist-credit")),
			str(rec.Get("title")),
			int(rec.Get("score").Int())), true
	})
	if best < 0 {
		return nil, nil
	}

	rec := recordings[best]
	var album, date string
	if release := firstElement(rec.Get("releases")); release.IsObject() {
		album = str(release.Get("title"))
		date = str(release.Get("date"))
	}
	var genre string
	if tag := firstElement(rec.Get("tags")); tag.IsObject() {
		genre = str(tag.Get("name"))
	}

	// Credits are often joined phrases, so the requested artist is kept.
	return NewMetadata(Fields{
		Title:  firstNonBlank(str(rec.Get("title")), title),
		Artist: artist,
		Album:  album,
		Date:   date,
		Genre:  genre,
	}), nil
}

func creditNames(credits gjson.Result) string {
	var names []string
	for _, credit := range objects(credits) {
		names = append(names, str(credit.Get("name")))
	}
	return strings.Join(names, " ")
}
