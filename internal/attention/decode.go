package attention

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

var ErrParams = errors.New("invalid attention params")

// Params describe one single-query decode step with grouped-query heads.
type Params struct {
	// Q is [NumHeads][HeadDim]; Out has the same shape.
	Q   []float32
	Out []float32

	// K and V hold the cache. Contiguous: [pos][KVHeads][HeadDim].
	// Paged: [block][BlockSize][KVHeads][HeadDim], with BlockTable mapping
	// logical block i to its physical block.
	K, V       []float32
	BlockTable []int
	BlockSize  int

	NumHeads int
	KVHeads  int
	HeadDim  int
	// SeqLen is the number of cached positions to attend over.
	SeqLen int
	// Scale multiplies q·k. 0 selects 1/sqrt(HeadDim).
	Scale float32
}

func entry(k Key) Kernel {
	return func(p *Params) error {
		return decode(k, p)
	}
}

func (p *Params) check(k Key) error {
	switch {
	case p.HeadDim != k.HeadDim:
		return fmt.Errorf("%w: head dim %d on a d%d kernel", ErrParams, p.HeadDim, k.HeadDim)
	case p.NumHeads <= 0 || p.KVHeads <= 0 || p.NumHeads%p.KVHeads != 0:
		return fmt.Errorf("%w: %d heads over %d kv heads", ErrParams, p.NumHeads, p.KVHeads)
	case p.SeqLen <= 0:
		return fmt.Errorf("%w: empty sequence", ErrParams)
	case len(p.Q) < p.NumHeads*p.HeadDim || len(p.Out) < p.NumHeads*p.HeadDim:
		return fmt.Errorf("%w: q/out shorter than %d", ErrParams, p.NumHeads*p.HeadDim)
	}
	if k.Layout == Paged {
		if p.BlockSize <= 0 {
			return fmt.Errorf("%w: paged cache needs a block size", ErrParams)
		}
		if need := (p.SeqLen + p.BlockSize - 1) / p.BlockSize; len(p.BlockTable) < need {
			return fmt.Errorf("%w: block table has %d entries, need %d", ErrParams, len(p.BlockTable), need)
		}
	}
	return nil
}

// offset locates position pos of kv head h in the cache.
func (p *Params) offset(layout Layout, pos, h int) int {
	slot := pos
	if layout == Paged {
		slot = p.BlockTable[pos/p.BlockSize]*p.BlockSize + pos%p.BlockSize
	}
	return (slot*p.KVHeads + h) * p.HeadDim
}

func decode(k Key, p *Params) error {
	if err := p.check(k); err != nil {
		return err
	}
	scale := p.Scale
	if scale == 0 {
		scale = 1 / float32(math.Sqrt(float64(p.HeadDim)))
	}
	group := p.NumHeads / p.KVHeads
	dt := k.DType
	d := p.HeadDim
	scores := make([]float32, p.SeqLen)

	for h := 0; h < p.NumHeads; h++ {
		kvh := h / group
		q := p.Q[h*d : (h+1)*d]

		for pos := range scores {
			off := p.offset(k.Layout, pos, kvh)
			scores[pos] = simd.Dot(q, p.K[off:off+d]) * scale
		}
		simd.Softmax(scores)

		out := p.Out[h*d : (h+1)*d]
		clear(out)
		for pos, w := range scores {
			off := p.offset(k.Layout, pos, kvh)
			simd.Axpy(w, p.V[off:off+d], out)
		}
		dt.RoundSlice(out)
	}
	return nil
}
