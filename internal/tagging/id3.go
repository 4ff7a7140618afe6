// Package tagging writes metadata into MP3 files as ID3v2 tags.
package tagging

import (
	"fmt"

	"github.com/bogem/id3v2/v2"

	"vkaudio/pkg/catalog"
)

const albumArtistFrame = "TPE2"

// ID3Writer writes ID3v2.4 tags, creating the tag when the file has none.
type ID3Writer struct{}

// NewID3Writer creates an ID3 tag writer.
func NewID3Writer() *ID3Writer {
	return &ID3Writer{}
}

// WriteTags sets every field present in md. Fields md lacks keep their
// current value. The artist is written as album artist too.
func (w *ID3Writer) WriteTags(path string, md catalog.Metadata) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = tag.Close()
	}()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if v := md[catalog.KeyTitle]; v != "" {
		tag.SetTitle(v)
	}
	if v := md[catalog.KeyArtist]; v != "" {
		tag.SetArtist(v)
		tag.DeleteFrames(albumArtistFrame)
		tag.AddTextFrame(albumArtistFrame, id3v2.EncodingUTF8, v)
	}
	if v := md[catalog.KeyAlbum]; v != "" {
		tag.SetAlbum(v)
	}
	if v := md[catalog.KeyDate]; v != "" {
		tag.SetYear(v)
	}
	if v := md[catalog.KeyGenre]; v != "" {
		tag.SetGenre(v)
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save tags to %s: %w", path, err)
	}
	return nil
}
