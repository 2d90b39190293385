// Package gguf reads FFN projection weights out of GGUF model files.
package gguf

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	Magic            = 0x46554747 // "GGUF"
	DefaultAlignment = 32
)

var (
	ErrCorrupt         = errors.New("gguf: corrupt file")
	ErrTensorNotFound  = errors.New("gguf: tensor not found")
	ErrUnsupportedType = errors.New("gguf: unsupported tensor type")
)

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type GGMLType uint32

const (
	TypeF32  GGMLType = 0
	TypeF16  GGMLType = 1
	TypeQ4_0 GGMLType = 2
	TypeQ8_0 GGMLType = 8
	TypeQ4_K GGMLType = 12
	TypeQ6_K GGMLType = 14
	TypeBF16 GGMLType = 30
)

func (t GGMLType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ4_0:
		return "Q4_0"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ4_K:
		return "Q4_K"
	case TypeQ6_K:
		return "Q6_K"
	case TypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}

// blockShape returns elements per block and bytes per block for the types
// this package can size.
func (t GGMLType) blockShape() (elems, bytes uint64, ok bool) {
	switch t {
	case TypeF32:
		return 1, 4, true
	case TypeF16, TypeBF16:
		return 1, 2, true
	case TypeQ4_0:
		return 32, 18, true
	case TypeQ8_0:
		return 32, 34, true
	case TypeQ4_K:
		return 256, 144, true
	case TypeQ6_K:
		return 256, 210, true
	default:
		return 0, 0, false
	}
}

type ValueType uint32

const (
	ValueUint8 ValueType = iota
	ValueInt8
	ValueUint16
	ValueInt16
	ValueUint32
	ValueInt32
	ValueFloat32
	ValueBool
	ValueString
	ValueArray
	ValueUint64
	ValueInt64
	ValueFloat64
)

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorInfo describes one tensor. Dims are innermost first, so a
// projection with Dims [in, out] is stored as out rows of in values.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Offset uint64
	Data   []byte
}

// Elements is the product of Dims, or 0 when it overflows.
func (t *TensorInfo) Elements() uint64 {
	n, _ := t.elements()
	return n
}

func (t *TensorInfo) elements() (uint64, bool) {
	n := uint64(1)
	for _, d := range t.Dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// SizeBytes is 0 for types whose layout is unknown and for sizes that do
// not fit in 64 bits.
func (t *TensorInfo) SizeBytes() uint64 {
	n, _ := t.size()
	return n
}

// size reports false when the element count or byte size overflows.
func (t *TensorInfo) size() (uint64, bool) {
	n, ok := t.elements()
	if !ok {
		return 0, false
	}
	elems, bytes, known := t.Type.blockShape()
	if !known {
		return 0, true
	}
	hi, lo := bits.Mul64(n/elems, bytes)
	return lo, hi == 0
}
