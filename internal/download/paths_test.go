package download

import (
	"path/filepath"
	"testing"

	"vkaudio/internal/core"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Plain", input: "Artist - Title.mp3", expected: "Artist - Title.mp3"},
		{name: "Reserved characters", input: `AC/DC: Back <in> "Black"?|*\`, expected: "AC_DC_ Back _in_ _Black_____"},
		{name: "Whitespace collapsed", input: "  a \t b\n\nc  ", expected: "a b c"},
		{name: "Empty", input: "   ", expected: "track"},
		{name: "NFC composed", input: "Beyonce\u0301", expected: "Beyonc\u00e9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestOutputPath(t *testing.T) {
	base := filepath.Join("music", "vk")
	track := core.Track{Artist: "AC/DC", Title: "Back in Black"}

	tests := []struct {
		name     string
		track    core.Track
		sort     string
		expected string
	}{
		{
			name:     "Flat",
			track:    track,
			sort:     core.SortNone,
			expected: filepath.Join(base, "AC_DC - Back in Black.mp3"),
		},
		{
			name:     "Artist folder",
			track:    track,
			sort:     core.SortArtistFolder,
			expected: filepath.Join(base, "AC_DC", "Back in Black.mp3"),
		},
		{
			name:     "Artist folder with full name",
			track:    track,
			sort:     core.SortArtistFolderName,
			expected: filepath.Join(base, "AC_DC", "AC_DC - Back in Black.mp3"),
		},
		{
			name:     "Unknown fields",
			track:    core.Track{},
			sort:     core.SortArtistFolderName,
			expected: filepath.Join(base, "Unknown Artist", "Unknown Artist - Unknown Title.mp3"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputPath(tt.track, base, tt.sort); got != tt.expected {
				t.Errorf("OutputPath() = %q, want %q", got, tt.expected)
			}
		})
	}
}
