package ffn

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/kernels"
)

func TestSelectMode(t *testing.T) {
	fused := &kernels.DenseWeight{Name: "w13"}
	cases := []struct {
		name   string
		b      WeightBundle
		want   Mode
		factor int
	}{
		{"no fused weight", WeightBundle{}, ModeSeparate, 2},
		{"silu flag without fused weight is ignored", WeightBundle{IsFusedSilu: true}, ModeSeparate, 2},
		{"fused", WeightBundle{FusedGatingIntermediate: fused}, ModeFused, 2},
		{"fused silu", WeightBundle{FusedGatingIntermediate: fused, IsFusedSilu: true}, ModeFusedSilu, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectMode(&tc.b)
			if got != tc.want {
				t.Errorf("SelectMode = %v, want %v", got, tc.want)
			}
			if got.Factor() != tc.factor {
				t.Errorf("Factor = %d, want %d", got.Factor(), tc.factor)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeFusedSilu, ModeFused, ModeSeparate} {
		got, ok := ParseMode(m.String())
		if !ok || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, ok)
		}
	}
	if _, ok := ParseMode("fastest"); ok {
		t.Error("unknown mode name must not parse")
	}
}

func TestPlanSizes(t *testing.T) {
	cases := []struct {
		name          string
		plan          Plan
		primary, lora int
	}{
		{"separate no lora", Plan{Mode: ModeSeparate, Tokens: 4, InterSize: 8}, 64, 0},
		{"fused silu", Plan{Mode: ModeFusedSilu, Tokens: 4, InterSize: 8}, 32, 0},
		{"fused chunked", Plan{Mode: ModeFused, Tokens: 4, InterSize: 8}, 64, 0},
		{"gate and inter rank", Plan{Mode: ModeSeparate, Tokens: 4, InterSize: 8, GateRank: 2, InterRank: 3}, 64, 20},
		{"output rank below sum", Plan{Mode: ModeSeparate, Tokens: 4, InterSize: 8, GateRank: 2, InterRank: 3, OutRank: 4}, 64, 20},
		{"output rank only", Plan{Mode: ModeSeparate, Tokens: 4, InterSize: 8, OutRank: 6}, 64, 24},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.plan.PrimarySize(); got != tc.primary {
				t.Errorf("PrimarySize = %d, want %d", got, tc.primary)
			}
			if got := tc.plan.LoraSize(); got != tc.lora {
				t.Errorf("LoraSize = %d, want %d", got, tc.lora)
			}
		})
	}
}

func TestAcquireViews(t *testing.T) {
	cases := []struct {
		mode  Mode
		views Views
	}{
		{ModeFusedSilu, Views{Gating: cpu.View{}, Intermediate: cpu.View{Offset: 32}}},
		{ModeFused, Views{Gating: cpu.View{Stride: 16}, Intermediate: cpu.View{Offset: 32}, DownPitch: 16}},
		{ModeSeparate, Views{Gating: cpu.View{}, Intermediate: cpu.View{Offset: 32}}},
	}
	ignoreBuf := cmp.Transformer("layout", func(v cpu.View) [2]int { return [2]int{v.Offset, v.Stride} })
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			b := NewBuffers(cpu.NewHostAllocator(cpu.F32))
			got, grew := b.Acquire(Plan{Mode: tc.mode, Tokens: 4, InterSize: 8})
			if !grew {
				t.Error("first acquire must allocate")
			}
			if got.Gating.Buf == nil || got.Gating.Buf != got.Intermediate.Buf {
				t.Error("gating and intermediate views must share one allocation")
			}
			if got.LoraGate.Valid() || got.LoraInter.Valid() || got.LoraOut.Valid() {
				t.Error("zero rank must not produce lora views")
			}
			if diff := cmp.Diff(tc.views, got, ignoreBuf); diff != "" {
				t.Errorf("views mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoraPartitionOrder(t *testing.T) {
	b := NewBuffers(cpu.NewHostAllocator(cpu.F32))
	v, _ := b.Acquire(Plan{Mode: ModeSeparate, Tokens: 4, InterSize: 8, GateRank: 2, InterRank: 3, OutRank: 1})

	if !v.LoraGate.Valid() || v.LoraGate.Offset != 0 {
		t.Errorf("gating partition must start at 0, got %+v", v.LoraGate)
	}
	if !v.LoraInter.Valid() || v.LoraInter.Offset != 8 {
		t.Errorf("intermediate partition must start at n·r_gate = 8, got offset %d", v.LoraInter.Offset)
	}
	if !v.LoraOut.Valid() || v.LoraOut.Offset != 0 {
		t.Errorf("output partition reuses the buffer from 0, got offset %d", v.LoraOut.Offset)
	}
	if v.LoraGate.Buf != v.LoraInter.Buf {
		t.Error("partitions must share one allocation")
	}
	if _, lora := b.Capacity(); lora != 20 {
		t.Errorf("expected lora capacity 20, got %d", lora)
	}
}

func TestAcquireIsMonotonic(t *testing.T) {
	alloc := cpu.NewHostAllocator(cpu.F32)
	b := NewBuffers(alloc)

	b.Acquire(Plan{Mode: ModeSeparate, Tokens: 8, InterSize: 4, GateRank: 1})
	for _, n := range []int{8, 3, 1, 7} {
		if _, grew := b.Acquire(Plan{Mode: ModeSeparate, Tokens: n, InterSize: 4, GateRank: 1}); grew {
			t.Errorf("tokens=%d must reuse existing buffers", n)
		}
	}
	if alloc.Allocations() != 2 {
		t.Errorf("expected 2 physical allocations, got %d", alloc.Allocations())
	}

	if _, grew := b.Acquire(Plan{Mode: ModeSeparate, Tokens: 9, InterSize: 4, GateRank: 1}); !grew {
		t.Error("larger request must grow")
	}
	if primary, lora := b.Capacity(); primary != 72 || lora != 9 {
		t.Errorf("unexpected capacity %d/%d", primary, lora)
	}

	b.Release()
	if primary, lora := b.Capacity(); primary != 0 || lora != 0 {
		t.Errorf("release must leave no capacity, got %d/%d", primary, lora)
	}
	if alloc.Bytes() != 0 {
		t.Errorf("allocator still holds %d bytes", alloc.Bytes())
	}
	b.Release()

	if _, grew := b.Acquire(Plan{Mode: ModeSeparate, Tokens: 1, InterSize: 4}); !grew {
		t.Error("acquire after release must allocate again")
	}
}
