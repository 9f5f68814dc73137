package vm

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Image: on-disk form of a set of routines
// ---------------------------------------------------------------------------

// ImageMagic prefixes every encoded image.
var ImageMagic = [4]byte{'E', 'M', 'B', 'I'}

// Image format version
// v1: initial format
const ImageVersion = 1

var (
	ErrBadImage      = errors.New("bad image")
	ErrUnknownNative = errors.New("unknown native function")
)

// Image is a bundle of routines plus the name of the one to start.
type Image struct {
	Version  int       `cbor:"1,keyasint" toml:"version"`
	Entry    string    `cbor:"2,keyasint" toml:"entry"`
	Routines []Routine `cbor:"3,keyasint" toml:"routine"`
}

var imageEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	imageEncMode = em
}

// EncodeImage serializes img as magic followed by canonical CBOR.
func EncodeImage(img *Image) ([]byte, error) {
	body, err := imageEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("vm: encode image: %w", err)
	}
	out := make([]byte, 0, len(ImageMagic)+len(body))
	out = append(out, ImageMagic[:]...)
	return append(out, body...), nil
}

// DecodeImage parses the form produced by EncodeImage.
func DecodeImage(data []byte) (*Image, error) {
	if len(data) < len(ImageMagic) || !bytes.Equal(data[:len(ImageMagic)], ImageMagic[:]) {
		return nil, fmt.Errorf("%w: invalid magic number", ErrBadImage)
	}
	var img Image
	if err := cbor.Unmarshal(data[len(ImageMagic):], &img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return &img, nil
}

// ReadImageFile loads an encoded image from path.
func ReadImageFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// WriteImageFile encodes img to path.
func WriteImageFile(path string, img *Image) error {
	data, err := EncodeImage(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ---------------------------------------------------------------------------
// Assembly: routines written as TOML
// ---------------------------------------------------------------------------

// Assemble parses a TOML routine source:
//
//	entry = "main"
//
//	[[routine]]
//	name = "main"
//	registers = 2
//	code = [
//	  { op = "load_string", dst = 0, str = "hi" },
//	  { op = "call", dst = 1, native = "string_to_upper", args = [0] },
//	]
func Assemble(src []byte) (*Image, error) {
	img := Image{Version: ImageVersion}
	if err := toml.Unmarshal(src, &img); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if img.Entry == "" && len(img.Routines) > 0 {
		img.Entry = img.Routines[0].Name
	}
	return &img, nil
}

// AssembleFile parses the TOML routine source at path.
func AssembleFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	img, err := Assemble(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
