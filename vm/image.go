package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ImageMagic identifies a serialized Nai program.
const ImageMagic = "NAIC"

// ImageVersion is bumped whenever the instruction encoding changes.
const ImageVersion = 1

// Image is the serialized form of a compiled module.
type Image struct {
	Magic     string  `cbor:"1,keyasint"`
	Version   uint16  `cbor:"2,keyasint"`
	Toolchain string  `cbor:"3,keyasint,omitempty"`
	Module    *Module `cbor:"4,keyasint"`
}

// cborEncMode uses canonical options so that equal modules encode to equal
// bytes, which the image cache relies on.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeImage serializes a module to CBOR bytes.
func EncodeImage(m *Module, toolchain string) ([]byte, error) {
	return cborEncMode.Marshal(&Image{
		Magic:     ImageMagic,
		Version:   ImageVersion,
		Toolchain: toolchain,
		Module:    m,
	})
}

// DecodeImage deserializes and validates a module from CBOR bytes.
func DecodeImage(data []byte) (*Module, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal image: %w", err)
	}
	if img.Magic != ImageMagic {
		return nil, fmt.Errorf("vm: not a nai image (magic %q)", img.Magic)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("vm: image version %d, want %d", img.Version, ImageVersion)
	}
	if img.Module == nil {
		return nil, fmt.Errorf("vm: image has no module")
	}
	if img.Module.Functions == nil {
		img.Module.Functions = make(map[uint64]*Function)
	}
	if err := img.Module.Validate(); err != nil {
		return nil, fmt.Errorf("vm: invalid image: %w", err)
	}
	return img.Module, nil
}
