package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const q8Block = 32

// Float32s decodes a tensor to float32. K-quant and 4-bit layouts are
// reported as unsupported.
func (t *TensorInfo) Float32s() ([]float32, error) {
	switch t.Type {
	case TypeF32, TypeF16, TypeBF16, TypeQ8_0:
	default:
		return nil, fmt.Errorf("%w: %s (tensor %q)", ErrUnsupportedType, t.Type, t.Name)
	}
	n, ok := t.elements()
	size, sized := t.size()
	if !ok || !sized {
		return nil, fmt.Errorf("%w: tensor %q size %v overflows", ErrCorrupt, t.Name, t.Dims)
	}
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("%w: tensor %q truncated", ErrCorrupt, t.Name)
	}
	out := make([]float32, n)
	src := t.Data

	switch t.Type {
	case TypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	case TypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	case TypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[2*i:])) << 16)
		}
	case TypeQ8_0:
		if n%q8Block != 0 {
			return nil, fmt.Errorf("%w: %s tensor %q has %d elements", ErrCorrupt, t.Type, t.Name, n)
		}
		dequantQ8(src, out)
	default:
		return nil, fmt.Errorf("%w: %s (tensor %q)", ErrUnsupportedType, t.Type, t.Name)
	}
	return out, nil
}

// Q8_0 blocks are an f16 scale followed by 32 signed bytes.
func dequantQ8(src []byte, out []float32) {
	for b := 0; b < len(out)/q8Block; b++ {
		blk := src[b*34 : (b+1)*34]
		d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
		for i, q := range blk[2:] {
			out[b*q8Block+i] = d * float32(int8(q))
		}
	}
}
