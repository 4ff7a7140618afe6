package vk

import (
	"fmt"
	"regexp"

	"vkaudio/internal/core"
)

var (
	trackURLRegex    = regexp.MustCompile(`vk\.com/audio(-?\d+)_(\d+)(?:_([A-Za-z0-9]+))?`)
	playlistURLRegex = regexp.MustCompile(`vk\.com/music/playlist/(-?\d+)_(\d+)(?:_([A-Za-z0-9]+))?`)
	userURLRegex     = regexp.MustCompile(`vk\.com/audios(-?\d+)`)
)

// TrackRef addresses a single audio record.
type TrackRef struct {
	OwnerID   string
	AudioID   string
	AccessKey string
}

// String returns the "owner_audio[_key]" form audio.getById expects.
func (r TrackRef) String() string {
	if r.AccessKey == "" {
		return r.OwnerID + "_" + r.AudioID
	}
	return r.OwnerID + "_" + r.AudioID + "_" + r.AccessKey
}

// PlaylistRef addresses a playlist (album) of an owner.
type PlaylistRef struct {
	OwnerID    string
	PlaylistID string
	AccessKey  string
}

// ParseTrackURL extracts the track reference from links such as
// https://vk.com/audio142774160_456240188_71b76a487be610b2fb.
func ParseTrackURL(rawURL string) (TrackRef, error) {
	m := trackURLRegex.FindStringSubmatch(rawURL)
	if m == nil {
		return TrackRef{}, fmt.Errorf("%w: track url must look like https://vk.com/audio<owner_id>_<audio_id>_<access_key>",
			core.ErrValidation)
	}
	return TrackRef{OwnerID: m[1], AudioID: m[2], AccessKey: m[3]}, nil
}

// ParsePlaylistURL extracts the playlist reference from links such as
// https://vk.com/music/playlist/142774160_74879692_d64ad4a8663b97a847.
func ParsePlaylistURL(rawURL string) (PlaylistRef, error) {
	m := playlistURLRegex.FindStringSubmatch(rawURL)
	if m == nil {
		return PlaylistRef{}, fmt.Errorf("%w: playlist url must look like https://vk.com/music/playlist/<owner_id>_<playlist_id>_<access_key>",
			core.ErrValidation)
	}
	return PlaylistRef{OwnerID: m[1], PlaylistID: m[2], AccessKey: m[3]}, nil
}

// ParseUserURL extracts the owner id from links such as
// https://vk.com/audios142774160.
func ParseUserURL(rawURL string) (string, error) {
	m := userURLRegex.FindStringSubmatch(rawURL)
	if m == nil {
		return "", fmt.Errorf("%w: user audio url must look like https://vk.com/audios<owner_id>", core.ErrValidation)
	}
	return m[1], nil
}
