// Package kernels holds the projection and activation executors used by
// the FFN layer. Every call only issues work on the context stream; results
// are visible after the next stream Sync.
package kernels

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

type GemmType int

const (
	// Gemm writes x·Wᵀ. For a stacked gate/up weight this produces the
	// chunked layout: gate at column j, up at column m+j.
	Gemm GemmType = iota
	// FusedSiluFfn takes a stacked gate/up weight (Out = 2m) and writes
	// silu(gate)·up at width m.
	FusedSiluFfn
)

func (g GemmType) String() string {
	switch g {
	case Gemm:
		return "gemm"
	case FusedSiluFfn:
		return "fused_silu_ffn"
	default:
		return "unknown"
	}
}

// NoAdapter is the mask value for tokens that take the base projection only.
const NoAdapter = -1

// Adapter holds one set of low-rank factors: A is Rank x In, B is Out x Rank.
type Adapter struct {
	A []float32
	B []float32
}

// Lora describes the adapters attached to one projection. All adapters of a
// projection share the same rank. Rank 0 means no adapter.
type Lora struct {
	Rank int
	// Scale multiplies the correction. 0 is treated as 1.
	Scale    float32
	Adapters []Adapter
}

func (l Lora) Enabled() bool { return l.Rank > 0 && len(l.Adapters) > 0 }

func (l Lora) scale() float32 {
	if l.Scale == 0 {
		return 1
	}
	return l.Scale
}

// DenseWeight is a projection descriptor. Data is Out x In, row-major, so
// the projection computes x·Wᵀ.
type DenseWeight struct {
	Name string
	In   int
	Out  int
	Data []float32
	Lora Lora
}

func (w *DenseWeight) Validate() error {
	if w.In <= 0 || w.Out <= 0 {
		return fmt.Errorf("weight %s: invalid shape [%d,%d]", w.Name, w.Out, w.In)
	}
	if len(w.Data) != w.In*w.Out {
		return fmt.Errorf("weight %s: %d values for shape [%d,%d]", w.Name, len(w.Data), w.Out, w.In)
	}
	if w.Lora.Rank < 0 {
		return fmt.Errorf("weight %s: negative lora rank %d", w.Name, w.Lora.Rank)
	}
	if w.Lora.Rank > 0 && len(w.Lora.Adapters) == 0 {
		return fmt.Errorf("weight %s: lora rank %d without adapters", w.Name, w.Lora.Rank)
	}
	for i, ad := range w.Lora.Adapters {
		if len(ad.A) != w.Lora.Rank*w.In || len(ad.B) != w.Out*w.Lora.Rank {
			return fmt.Errorf("weight %s: adapter %d factors do not match rank %d", w.Name, i, w.Lora.Rank)
		}
	}
	return nil
}

// LoraArgs carries the per-call LoRA inputs: a scratch view with one row of
// Rank elements per token, and a per-token adapter selector. Without a mask
// only the base projection is computed.
type LoraArgs struct {
	Scratch cpu.View
	Mask    []int
}

type Linear struct {
	ctx *cpu.Context
}

func NewLinear(ctx *cpu.Context) *Linear {
	return &Linear{ctx: ctx}
}

// Forward issues out = in·Wᵀ for tokens rows. in may carry a non-default
// row stride (pitch). LoRA is applied for Gemm when the weight has a
// non-zero rank and both a scratch view and a mask are supplied.
func (l *Linear) Forward(out, in cpu.View, tokens int, w *DenseWeight, gemm GemmType, lora LoraArgs) {
	dt := l.ctx.DataType()
	withLora := gemm == Gemm && w.Lora.Enabled() && lora.Scratch.Valid() && len(lora.Mask) > 0

	l.ctx.Stream().Launch("linear."+gemm.String(), func() error {
		var corrected int64
		err := l.ctx.ParallelRows(tokens, func(lo, hi int) error {
			for t := lo; t < hi; t++ {
				x := in.Row(t, w.In)
				switch gemm {
				case Gemm:
					var ad *Adapter
					var tmp []float32
					if withLora {
						if sel := lora.Mask[t]; sel != NoAdapter {
							if sel < 0 || sel >= len(w.Lora.Adapters) {
								return fmt.Errorf("%s: token %d selects adapter %d of %d", w.Name, t, sel, len(w.Lora.Adapters))
							}
							ad = &w.Lora.Adapters[sel]
							tmp = lora.Scratch.Row(t, w.Lora.Rank)
							for k := range tmp {
								tmp[k] = dt.Round(simd.Dot(ad.A[k*w.In:(k+1)*w.In], x))
							}
							atomic.AddInt64(&corrected, 1)
						}
					}
					y := out.Row(t, w.Out)
					scale := w.Lora.scale()
					for o := range y {
						acc := simd.Dot(w.Data[o*w.In:(o+1)*w.In], x)
						if ad != nil {
							acc += scale * simd.Dot(ad.B[o*w.Lora.Rank:(o+1)*w.Lora.Rank], tmp)
						}
						y[o] = dt.Round(acc)
					}
				case FusedSiluFfn:
					m := w.Out / 2
					y := out.Row(t, m)
					for j := range y {
						g := dt.Round(simd.Dot(w.Data[j*w.In:(j+1)*w.In], x))
						u := dt.Round(simd.Dot(w.Data[(m+j)*w.In:(m+j+1)*w.In], x))
						y[j] = dt.Round(simd.Silu(g) * u)
					}
				default:
					return fmt.Errorf("unsupported gemm type %d", gemm)
				}
			}
			return nil
		})
		metrics.RecordLoraTokens(w.Name, int(corrected))
		return err
	})
}
