package download

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"vkaudio/internal/core"
)

const (
	unknownArtist = "Unknown Artist"
	unknownTitle  = "Unknown Title"
	fallbackName  = "track"
	audioExt      = ".mp3"
)

var (
	reservedCharsRegex = regexp.MustCompile(`[\\/:*?"<>|]`)
	whitespaceRegex    = regexp.MustCompile(`\s+`)
)

// SanitizeFilename makes name safe as a single path element on common
// filesystems. Names are NFC-normalized so the same title always maps to the
// same bytes.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = reservedCharsRegex.ReplaceAllString(name, "_")
	name = whitespaceRegex.ReplaceAllString(strings.TrimSpace(name), " ")
	if name == "" {
		return fallbackName
	}
	return name
}

// OutputPath places track under base according to the sort mode.
func OutputPath(track core.Track, base, sortMode string) string {
	artist := orDefault(track.Artist, unknownArtist)
	title := orDefault(track.Title, unknownTitle)
	withArtist := SanitizeFilename(artist + " - " + title + audioExt)

	switch sortMode {
	case core.SortArtistFolder:
		return filepath.Join(base, SanitizeFilename(artist), SanitizeFilename(title+audioExt))
	case core.SortArtistFolderName:
		return filepath.Join(base, SanitizeFilename(artist), withArtist)
	default:
		return filepath.Join(base, withArtist)
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
