package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-quiver/internal/ffn"
	"github.com/23skdu/longbow-quiver/internal/kernels"
)

type shape struct {
	Hidden   int
	Inter    int
	GateRank int
	Seed     uint64
}

type synth struct {
	rng *rand.Rand
	std float64
}

func newSynth(seed uint64, fanIn int) *synth {
	return &synth{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		std: 1 / math.Sqrt(float64(fanIn)),
	}
}

func (s *synth) fill(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(s.rng.NormFloat64() * s.std)
	}
	return out
}

func (s *synth) dense(name string, in, out int) *kernels.DenseWeight {
	return &kernels.DenseWeight{Name: name, In: in, Out: out, Data: s.fill(in * out)}
}

// syntheticBundle builds a deterministic weight bundle laid out for mode.
// A non-zero gate rank attaches one adapter to the gating projection; it is
// only exercised by the separate path.
func syntheticBundle(mode ffn.Mode, sh shape) (*ffn.WeightBundle, error) {
	if sh.Hidden <= 0 || sh.Inter <= 0 {
		return nil, fmt.Errorf("hidden and inter must be positive, got %d and %d", sh.Hidden, sh.Inter)
	}
	if sh.GateRank < 0 {
		return nil, fmt.Errorf("gate rank must be non-negative, got %d", sh.GateRank)
	}

	h, m := sh.Hidden, sh.Inter
	s := newSynth(sh.Seed, h)
	b := &ffn.WeightBundle{InterSize: m}

	switch mode {
	case ffn.ModeSeparate:
		b.Gating = s.dense("gating", h, m)
		b.Intermediate = s.dense("intermediate", h, m)
		if r := sh.GateRank; r > 0 {
			b.Gating.Lora = kernels.Lora{
				Rank:     r,
				Adapters: []kernels.Adapter{{A: s.fill(r * h), B: s.fill(m * r)}},
			}
		}
	case ffn.ModeFused, ffn.ModeFusedSilu:
		b.FusedGatingIntermediate = s.dense("fused_gating_intermediate", h, 2*m)
		b.IsFusedSilu = mode == ffn.ModeFusedSilu
	default:
		return nil, fmt.Errorf("unknown mode %v", mode)
	}

	down := newSynth(sh.Seed+1, m)
	b.Output = down.dense("output", m, h)
	return b, nil
}

// syntheticInput returns tokens x hidden values from the same seed family.
func syntheticInput(tokens, hidden int, seed uint64) []float32 {
	return newSynth(seed+2, 1).fill(tokens * hidden)
}

type stats struct {
	Min, Max, Mean, RMS float64
	NonFinite          int
}

func summarize(xs []float32) stats {
	st := stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum, sq float64
	n := 0
	for _, x := range xs {
		v := float64(x)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			st.NonFinite++
			continue
		}
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
		sum += v
		sq += v * v
		n++
	}
	if n == 0 {
		return stats{NonFinite: st.NonFinite}
	}
	st.Mean = sum / float64(n)
	st.RMS = math.Sqrt(sq / float64(n))
	return st
}
