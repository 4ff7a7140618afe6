package core

import "testing"

func TestTrack_IsHLS(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{name: "Manifest", url: "https://cs1.vkuseraudio.net/s/v1/ac/abc/index.m3u8?extra=1", expected: true},
		{name: "Uppercase extension", url: "https://cs1.vkuseraudio.net/INDEX.M3U8", expected: true},
		{name: "Direct mp3", url: "https://cs1.vkuseraudio.net/s/v1/a1/abc.mp3?extra=1", expected: false},
		{name: "Manifest name in query only", url: "https://cs1.vkuseraudio.net/a.mp3?next=index.m3u8", expected: false},
		{name: "Empty", url: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := Track{URL: tt.url}
			if got := track.IsHLS(); got != tt.expected {
				t.Errorf("IsHLS() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTrack_FullID(t *testing.T) {
	track := Track{OwnerID: -2001, ID: 456239017}
	if got := track.FullID(); got != "-2001_456239017" {
		t.Errorf("FullID() = %q, want %q", got, "-2001_456239017")
	}
}

func TestTrack_Available(t *testing.T) {
	if (Track{URL: " "}).Available() {
		t.Error("Available() = true for blank URL")
	}
	if !(Track{URL: "https://example.com/a.mp3"}).Available() {
		t.Error("Available() = false for URL")
	}
}
