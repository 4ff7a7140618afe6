package core

import (
	"fmt"
	"net/url"
	"strings"
)

// Track is one downloadable audio item as listed by VK.
type Track struct {
	OwnerID int64
	ID      int64
	URL     string
	Artist  string
	Title   string
}

// FullID returns the "owner_id" form VK uses to address a track.
func (t Track) FullID() string {
	return fmt.Sprintf("%d_%d", t.OwnerID, t.ID)
}

// IsHLS reports whether the track is delivered as an HLS manifest.
func (t Track) IsHLS() bool {
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(parsed.Path), ".m3u8")
}

// Available reports whether VK returned a playable URL for the track.
func (t Track) Available() bool {
	return strings.TrimSpace(t.URL) != ""
}
