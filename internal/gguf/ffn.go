package gguf

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/ffn"
	"github.com/23skdu/longbow-quiver/internal/kernels"
)

// Shape is the FFN geometry recorded in the model metadata.
type Shape struct {
	Arch   string
	Hidden int
	Inter  int
	Layers int
}

// FFNShape reads <arch>.embedding_length, <arch>.feed_forward_length and
// <arch>.block_count.
func (f *File) FFNShape() (Shape, error) {
	arch := f.String("general.architecture")
	if arch == "" {
		return Shape{}, fmt.Errorf("%w: general.architecture missing", ErrCorrupt)
	}
	get := func(suffix string) (int, error) {
		v, ok := f.Uint(arch + "." + suffix)
		if !ok || v == 0 {
			return 0, fmt.Errorf("%w: %s.%s missing", ErrCorrupt, arch, suffix)
		}
		return int(v), nil
	}
	var s Shape
	var err error
	s.Arch = arch
	if s.Hidden, err = get("embedding_length"); err != nil {
		return s, err
	}
	if s.Inter, err = get("feed_forward_length"); err != nil {
		return s, err
	}
	if s.Layers, err = get("block_count"); err != nil {
		return s, err
	}
	return s, nil
}

func (f *File) dense(name string, in, out int) (*kernels.DenseWeight, error) {
	t, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if len(t.Dims) != 2 || t.Dims[0] != uint64(in) || t.Dims[1] != uint64(out) {
		return nil, fmt.Errorf("%w: %s has dims %v, want [%d %d]", ErrCorrupt, name, t.Dims, in, out)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	return &kernels.DenseWeight{Name: name, In: in, Out: out, Data: data}, nil
}

// LoadFFN builds the weight bundle of one block. A block without
// ffn_gate whose ffn_up holds 2·Inter rows is loaded as a stacked
// gate/up weight; fusedSilu then selects the fused-activation kernel.
func (f *File) LoadFFN(layer int, fusedSilu bool) (*ffn.WeightBundle, Shape, error) {
	s, err := f.FFNShape()
	if err != nil {
		return nil, s, err
	}
	if layer < 0 || layer >= s.Layers {
		return nil, s, fmt.Errorf("layer %d out of range [0,%d)", layer, s.Layers)
	}
	name := func(p string) string { return fmt.Sprintf("blk.%d.%s.weight", layer, p) }
	b := &ffn.WeightBundle{InterSize: s.Inter}

	if b.Output, err = f.dense(name("ffn_down"), s.Inter, s.Hidden); err != nil {
		return nil, s, err
	}

	if _, separate := f.Tensor(name("ffn_gate")); !separate {
		if b.FusedGatingIntermediate, err = f.dense(name("ffn_up"), s.Hidden, 2*s.Inter); err != nil {
			return nil, s, err
		}
		b.IsFusedSilu = fusedSilu
		return b, s, nil
	}
	if b.Gating, err = f.dense(name("ffn_gate"), s.Hidden, s.Inter); err != nil {
		return nil, s, err
	}
	if b.Intermediate, err = f.dense(name("ffn_up"), s.Hidden, s.Inter); err != nil {
		return nil, s, err
	}
	return b, s, nil
}
