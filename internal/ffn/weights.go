package ffn

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/kernels"
)

// WeightBundle is the per-layer weight set. It is read-only to the layer.
//
// FusedGatingIntermediate, when set, stacks the gating rows and then the
// intermediate rows (Out = 2·InterSize). IsFusedSilu is only meaningful with
// a fused weight.
type WeightBundle struct {
	Gating       *kernels.DenseWeight
	Intermediate *kernels.DenseWeight
	Output       *kernels.DenseWeight

	FusedGatingIntermediate *kernels.DenseWeight
	IsFusedSilu             bool

	InterSize int
}

func rank(w *kernels.DenseWeight) int {
	if w == nil {
		return 0
	}
	return w.Lora.Rank
}

// Ranks returns the LoRA ranks of the gating, intermediate and output
// projections.
func (b *WeightBundle) Ranks() (gate, inter, out int) {
	return rank(b.Gating), rank(b.Intermediate), rank(b.Output)
}

// Validate checks the projections the selected mode will run against the
// hidden width of the input.
func (b *WeightBundle) Validate(hidden int) error {
	m := b.InterSize
	if m <= 0 {
		return fmt.Errorf("%w: inter_size %d", ErrInvalidBundle, m)
	}

	check := func(field string, w *kernels.DenseWeight, in, out int) error {
		if w == nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidBundle, field)
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidBundle, field, err)
		}
		if w.In != in || w.Out != out {
			return fmt.Errorf("%w: %s is [%d,%d], want [%d,%d]", ErrInvalidBundle, field, w.Out, w.In, out, in)
		}
		return nil
	}

	if b.FusedGatingIntermediate != nil {
		if err := check("fused_gating_intermediate", b.FusedGatingIntermediate, hidden, 2*m); err != nil {
			return err
		}
		// The fused path takes no adapter, but declared ranks still size the
		// LoRA buffer, so the descriptors must be sane when present.
		for _, w := range []*kernels.DenseWeight{b.Gating, b.Intermediate} {
			if w != nil {
				if err := w.Validate(); err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
				}
			}
		}
	} else {
		if err := check("gating", b.Gating, hidden, m); err != nil {
			return err
		}
		if err := check("intermediate", b.Intermediate, hidden, m); err != nil {
			return err
		}
	}
	return check("output", b.Output, m, hidden)
}

// adapters is the smallest adapter count among the projections that apply
// LoRA in the given mode; mask selectors must stay below it.
func (b *WeightBundle) adapters(mode Mode) (n int, ok bool) {
	ws := []*kernels.DenseWeight{b.Output}
	if mode == ModeSeparate {
		ws = append(ws, b.Gating, b.Intermediate)
	}
	for _, w := range ws {
		if w == nil || !w.Lora.Enabled() {
			continue
		}
		if !ok || len(w.Lora.Adapters) < n {
			n = len(w.Lora.Adapters)
		}
		ok = true
	}
	return n, ok
}
