package ffn

// Mode is the fusion strategy of one forward call.
type Mode int

const (
	// ModeFusedSilu: one fused projection already applies the activation.
	ModeFusedSilu Mode = iota
	// ModeFused: one fused projection writes gate and up chunked, then a
	// chunked activation runs over the shared buffer.
	ModeFused
	// ModeSeparate: independent gating and intermediate projections.
	ModeSeparate
)

func (m Mode) String() string {
	switch m {
	case ModeFusedSilu:
		return "fused-silu"
	case ModeFused:
		return "fused"
	case ModeSeparate:
		return "separate"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeFusedSilu, ModeFused, ModeSeparate} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeSeparate, false
}

// Factor is the primary buffer size multiplier.
func (m Mode) Factor() int {
	if m == ModeFusedSilu {
		return 1
	}
	return 2
}

// HasActivation reports whether a separate activation stage runs.
func (m Mode) HasActivation() bool { return m != ModeFusedSilu }

// SelectMode picks the strategy from the static bundle flags. IsFusedSilu
// is ignored without a fused weight.
func SelectMode(b *WeightBundle) Mode {
	switch {
	case b.FusedGatingIntermediate == nil:
		return ModeSeparate
	case b.IsFusedSilu:
		return ModeFusedSilu
	default:
		return ModeFused
	}
}
