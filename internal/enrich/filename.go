package enrich

import (
	"path/filepath"
	"strings"

	"vkaudio/pkg/catalog"
)

const filenameSeparator = " - "

// FromFilename derives metadata from an output path. "Artist - Title" stems
// are split; otherwise the parent directory names the artist when there is
// one.
func FromFilename(path string) catalog.Metadata {
	base := filepath.Base(path)
	stem := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		return nil
	}

	if artist, title, ok := strings.Cut(stem, filenameSeparator); ok {
		artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
		if artist != "" && title != "" {
			return catalog.NewMetadata(catalog.Fields{Artist: artist, Title: title})
		}
	}

	parent := strings.TrimSpace(filepath.Base(filepath.Dir(path)))
	if parent != "" && parent != "." && parent != string(filepath.Separator) {
		return catalog.NewMetadata(catalog.Fields{Artist: parent, Title: stem})
	}

	return catalog.NewMetadata(catalog.Fields{Title: stem})
}
