package kernels

import (
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// Layout tells the activation where the up values live relative to gate.
type Layout int

const (
	// Separate: gate and up are two independent packed views.
	Separate Layout = iota
	// Chunked: gate and up share rows of 2·width; up starts at +width.
	Chunked
)

func (l Layout) String() string {
	if l == Chunked {
		return "chunked"
	}
	return "separate"
}

type Activation struct {
	ctx *cpu.Context
}

func NewActivation(ctx *cpu.Context) *Activation {
	return &Activation{ctx: ctx}
}

// GatedSilu issues gate = silu(gate)·up over tokens rows of width elements.
// For Chunked the up argument is ignored and derived from gate; the result
// stays at row stride 2·width.
func (a *Activation) GatedSilu(gate, up cpu.View, width, tokens int, layout Layout) {
	if layout == Chunked {
		gate = gate.WithStride(2 * width)
		up = gate.Shift(width)
	}
	dt := a.ctx.DataType()

	a.ctx.Stream().Launch("activation.gated_silu."+layout.String(), func() error {
		return a.ctx.ParallelRows(tokens, func(lo, hi int) error {
			for t := lo; t < hi; t++ {
				g := gate.Row(t, width)
				u := up.Row(t, width)
				simd.SwiGLU(g, u, g)
				dt.RoundSlice(g)
			}
			return nil
		})
	})
}
