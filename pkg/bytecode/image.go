package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ImageMagic identifies an encoded image.
const ImageMagic = "CCIM"

// ImageVersion is the current image format version. Increment when
// making incompatible changes.
const ImageVersion uint16 = 1

// Image is a linkable, runnable program: the instruction words of the
// text segment, the bytes of the data segment, and the entry word index
// (the startup prelude that calls main).
type Image struct {
	Text  []uint32
	Data  []byte
	Entry int
}

// imageWire is the serialized form.
type imageWire struct {
	Magic   string   `cbor:"magic"`
	Version uint16   `cbor:"version"`
	Text    []uint32 `cbor:"text"`
	Data    []byte   `cbor:"data"`
	Entry   int      `cbor:"entry"`
}

var imageEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	imageEncMode = em
}

// MarshalImage encodes an image for storage in the VFS image cache.
func MarshalImage(img *Image) ([]byte, error) {
	return imageEncMode.Marshal(imageWire{
		Magic:   ImageMagic,
		Version: ImageVersion,
		Text:    img.Text,
		Data:    img.Data,
		Entry:   img.Entry,
	})
}

// UnmarshalImage decodes an image, validating magic and version.
func UnmarshalImage(data []byte) (*Image, error) {
	var w imageWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	if w.Magic != ImageMagic {
		return nil, fmt.Errorf("invalid image magic: expected %q, got %q", ImageMagic, w.Magic)
	}
	if w.Version > ImageVersion {
		return nil, fmt.Errorf("image version %d is newer than supported version %d", w.Version, ImageVersion)
	}
	return &Image{Text: w.Text, Data: w.Data, Entry: w.Entry}, nil
}

// TextBytes returns the text segment as little-endian bytes, the form
// the loader copies into frames.
func (img *Image) TextBytes() []byte {
	out := make([]byte, len(img.Text)*4)
	for i, w := range img.Text {
		out[i*4] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}
