// Package catalog looks tracks up in public music catalogs and ranks the
// candidates against the requested artist and title.
package catalog

import (
	"regexp"
	"strings"
)

// Metadata keys.
const (
	KeyTitle  = "title"
	KeyArtist = "artist"
	KeyAlbum  = "album"
	KeyDate   = "date"
	KeyGenre  = "genre"
)

var (
	nonAlnumRegex = regexp.MustCompile(`[^a-z0-9]+`)
	yearRegex     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// displaySeparator joins artist and title in combined listing strings.
const displaySeparator = " - "

// Metadata maps tag keys to trimmed, non-empty values. Absent keys are left
// untouched by tag writers.
type Metadata map[string]string

// Fields is the raw input to NewMetadata.
type Fields struct {
	Title  string
	Artist string
	Album  string
	Date   string
	Genre  string
}

// NewMetadata trims every field and drops the empty ones. It returns nil
// when nothing is left.
func NewMetadata(f Fields) Metadata {
	md := make(Metadata, 5)
	md.set(KeyTitle, f.Title)
	md.set(KeyArtist, f.Artist)
	md.set(KeyAlbum, f.Album)
	md.set(KeyDate, f.Date)
	md.set(KeyGenre, f.Genre)
	if len(md) == 0 {
		return nil
	}
	return md
}

func (m Metadata) set(key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

// Empty reports whether the metadata carries no fields.
func (m Metadata) Empty() bool {
	return len(m) == 0
}

// Title returns the title field.
func (m Metadata) Title() string { return m[KeyTitle] }

// Artist returns the artist field.
func (m Metadata) Artist() string { return m[KeyArtist] }

// NormalizeForMatch lowercases value and keeps only ASCII letters and digits.
func NormalizeForMatch(value string) string {
	return nonAlnumRegex.ReplaceAllString(strings.ToLower(value), "")
}

// Rank orders candidates lexicographically; higher is better.
type Rank []int

// Greater reports whether r ranks strictly above other. A nil rank is
// below every other rank.
func (r Rank) Greater(other Rank) bool {
	if other == nil {
		return r != nil
	}
	for i := 0; i < len(r) && i < len(other); i++ {
		if r[i] != other[i] {
			return r[i] > other[i]
		}
	}
	return len(r) > len(other)
}

// RankCandidate scores a candidate against the query: exact normalized title
// first, then artist containment in either direction, then any extra scores.
func RankCandidate(queryArtist, queryTitle, artist, title string, extra ...int) Rank {
	rank := make(Rank, 0, 2+len(extra))
	rank = append(rank, boolScore(NormalizeForMatch(title) == NormalizeForMatch(queryTitle)))
	rank = append(rank, boolScore(artistContained(NormalizeForMatch(queryArtist), NormalizeForMatch(artist))))
	return append(rank, extra...)
}

func artistContained(query, candidate string) bool {
	return strings.Contains(candidate, query) || strings.Contains(query, candidate)
}

func boolScore(b bool) int {
	if b {
		return 1
	}
	return 0
}

// pickBest returns the index of the highest-ranked candidate, keeping the
// first one on ties, or -1 when no candidate was ranked.
func pickBest(n int, rank func(i int) (Rank, bool)) int {
	best := -1
	var bestRank Rank
	for i := 0; i < n; i++ {
		r, ok := rank(i)
		if !ok {
			continue
		}
		if best < 0 || r.Greater(bestRank) {
			best, bestRank = i, r
		}
	}
	return best
}

// firstYear extracts the first 19xx or 20xx year from free text.
func firstYear(value string) string {
	return yearRegex.FindString(value)
}

// splitDisplayTitle splits "Artist - Title" when both halves are non-blank.
func splitDisplayTitle(display string) (artist, title string, ok bool) {
	left, right, found := strings.Cut(display, displaySeparator)
	if !found {
		return "", "", false
	}
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
