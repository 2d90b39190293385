package cpu

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DataType is the element type of device buffers. Host buffers hold float32
// values rounded to the data type after every kernel store.
type DataType int

const (
	F32 DataType = iota
	F16
	BF16
)

func (d DataType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	}
	return F32, fmt.Errorf("unknown data type %q", s)
}

// Size is the element size in bytes.
func (d DataType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// MaxFinite is the largest finite magnitude representable in d.
func (d DataType) MaxFinite() float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(65504).Float32()
	case BF16:
		return math.Float32frombits(0x7f7f0000)
	default:
		return math.MaxFloat32
	}
}

// Round returns v as it would be stored in d.
func (d DataType) Round(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return roundBF16(v)
	default:
		return v
	}
}

// RoundSlice rounds xs in place.
func (d DataType) RoundSlice(xs []float32) {
	if d == F32 {
		return
	}
	for i, v := range xs {
		xs[i] = d.Round(v)
	}
}

// roundBF16 keeps the top 16 bits with round-to-nearest-even.
func roundBF16(v float32) float32 {
	if v != v {
		return v
	}
	bits := math.Float32bits(v)
	bits += 0x7fff + ((bits >> 16) & 1)
	return math.Float32frombits(bits & 0xffff0000)
}
