package kernels

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-quiver/internal/cpu"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func upload(t *testing.T, ctx *cpu.Context, name string, rows, cols int, data []float32) *cpu.Tensor {
	t.Helper()
	x, err := ctx.TensorFrom(name, rows, cols, data)
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return x
}

func readBack(t *testing.T, x *cpu.Tensor) []float32 {
	t.Helper()
	host, err := x.ToHost()
	if err != nil {
		t.Fatalf("read %s: %v", x.Name, err)
	}
	return host
}

func refProject(x []float32, tokens, in int, w []float32, out int) []float32 {
	y := make([]float32, tokens*out)
	for t := 0; t < tokens; t++ {
		for o := 0; o < out; o++ {
			var s float32
			for k := 0; k < in; k++ {
				s += x[t*in+k] * w[o*in+k]
			}
			y[t*out+o] = s
		}
	}
	return y
}

func TestLinearGemm(t *testing.T) {
	ctx := cpu.NewContext(cpu.WithThreads(2))
	defer ctx.Free()

	x := upload(t, ctx, "x", 2, 3, []float32{1, 2, 3, 4, 5, 6})
	w := &DenseWeight{Name: "w", In: 3, Out: 2, Data: []float32{1, 0, 0, 0, 1, 1}}
	y := ctx.NewTensor("y", 2, 2)

	NewLinear(ctx).Forward(y.View(), x.View(), 2, w, Gemm, LoraArgs{})

	want := []float32{1, 5, 4, 11}
	if diff := cmp.Diff(want, readBack(t, y)); diff != "" {
		t.Errorf("gemm mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearHonorsInputPitch(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	// Two rows of width 2 stored at pitch 4; the padding must be ignored.
	x := upload(t, ctx, "x", 2, 4, []float32{1, 2, 99, 99, 3, 4, 99, 99})
	w := &DenseWeight{Name: "w", In: 2, Out: 1, Data: []float32{1, 1}}
	y := ctx.NewTensor("y", 2, 1)

	NewLinear(ctx).Forward(y.View(), cpu.View{Buf: x.Buf, Stride: 4}, 2, w, Gemm, LoraArgs{})

	if diff := cmp.Diff([]float32{3, 7}, readBack(t, y)); diff != "" {
		t.Errorf("pitched gemm mismatch (-want +got):\n%s", diff)
	}
}

func TestFusedSiluMatchesGemmThenActivation(t *testing.T) {
	ctx := cpu.NewContext(cpu.WithThreads(3))
	defer ctx.Free()

	const tokens, h, m = 3, 4, 2
	xs := []float32{0.5, -1, 2, 0.25, 1, 1, -0.5, 0, -2, 0.75, 0.1, 1.5}
	stacked := []float32{
		0.1, 0.2, -0.3, 0.4, // gate row 0
		-0.2, 0.5, 0.1, 0.0, // gate row 1
		0.3, -0.1, 0.2, 0.6, // up row 0
		0.0, 0.4, -0.5, 0.2, // up row 1
	}
	x := upload(t, ctx, "x", tokens, h, xs)
	w := &DenseWeight{Name: "w13", In: h, Out: 2 * m, Data: stacked}

	fused := ctx.NewTensor("fused", tokens, m)
	NewLinear(ctx).Forward(fused.View(), x.View(), tokens, w, FusedSiluFfn, LoraArgs{})

	chunked := ctx.NewTensor("chunked", tokens, 2*m)
	NewLinear(ctx).Forward(chunked.View(), x.View(), tokens, w, Gemm, LoraArgs{})
	NewActivation(ctx).GatedSilu(chunked.View(), cpu.View{}, m, tokens, Chunked)

	all := readBack(t, chunked)
	var compact []float32
	for r := 0; r < tokens; r++ {
		compact = append(compact, all[r*2*m:r*2*m+m]...)
	}
	if diff := cmp.Diff(compact, readBack(t, fused), approx); diff != "" {
		t.Errorf("fused vs chunked mismatch (-chunked +fused):\n%s", diff)
	}

	// Separate layout over the same projections yields the same values.
	g := refProject(xs, tokens, h, stacked[:m*h], m)
	u := refProject(xs, tokens, h, stacked[m*h:], m)
	gt := upload(t, ctx, "g", tokens, m, g)
	ut := upload(t, ctx, "u", tokens, m, u)
	NewActivation(ctx).GatedSilu(gt.View(), ut.View(), m, tokens, Separate)
	if diff := cmp.Diff(compact, readBack(t, gt), approx); diff != "" {
		t.Errorf("separate vs chunked mismatch (-chunked +separate):\n%s", diff)
	}
}

func TestLinearLoraMask(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	const tokens, in, out, rank = 3, 2, 2, 1
	x := upload(t, ctx, "x", tokens, in, []float32{1, 2, 3, 4, 5, 6})
	w := &DenseWeight{
		Name: "w", In: in, Out: out,
		Data: []float32{1, 0, 0, 1},
		Lora: Lora{
			Rank: rank,
			Adapters: []Adapter{
				{A: []float32{1, 1}, B: []float32{1, 0}},
				{A: []float32{1, 0}, B: []float32{0, 2}},
			},
		},
	}
	scratch := ctx.NewTensor("lora", tokens, rank)
	y := ctx.NewTensor("y", tokens, out)

	NewLinear(ctx).Forward(y.View(), x.View(), tokens, w, Gemm, LoraArgs{
		Scratch: scratch.View(),
		Mask:    []int{0, NoAdapter, 1},
	})

	want := []float32{
		1 + 3, 2, // adapter 0: A·x = 3, B adds 3 to column 0
		3, 4, // base only
		5, 6 + 2*5, // adapter 1: A·x = 5, B adds 10 to column 1
	}
	if diff := cmp.Diff(want, readBack(t, y)); diff != "" {
		t.Errorf("lora mask mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearLoraWithoutMaskIsBaseOnly(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	x := upload(t, ctx, "x", 2, 1, []float32{1, 2})
	w := &DenseWeight{
		Name: "w", In: 1, Out: 1, Data: []float32{1},
		Lora: Lora{Rank: 1, Scale: 0.5, Adapters: []Adapter{{A: []float32{2}, B: []float32{1}}}},
	}
	scratch := ctx.NewTensor("lora", 2, 1)
	y := ctx.NewTensor("y", 2, 1)

	NewLinear(ctx).Forward(y.View(), x.View(), 2, w, Gemm, LoraArgs{Scratch: scratch.View()})

	if diff := cmp.Diff([]float32{1, 2}, readBack(t, y)); diff != "" {
		t.Errorf("unmasked lora mismatch (-want +got):\n%s", diff)
	}

	NewLinear(ctx).Forward(y.View(), x.View(), 2, w, Gemm, LoraArgs{Scratch: scratch.View(), Mask: []int{0, 0}})

	if diff := cmp.Diff([]float32{2, 4}, readBack(t, y)); diff != "" {
		t.Errorf("masked lora mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearLoraSkippedWithoutScratch(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	x := upload(t, ctx, "x", 1, 1, []float32{3})
	w := &DenseWeight{
		Name: "w", In: 1, Out: 1, Data: []float32{1},
		Lora: Lora{Rank: 1, Adapters: []Adapter{{A: []float32{1}, B: []float32{1}}}},
	}
	y := ctx.NewTensor("y", 1, 1)
	NewLinear(ctx).Forward(y.View(), x.View(), 1, w, Gemm, LoraArgs{})

	if got := readBack(t, y); got[0] != 3 {
		t.Errorf("expected base projection only, got %v", got[0])
	}
}

func TestLinearBadAdapterFaults(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	x := upload(t, ctx, "x", 1, 1, []float32{1})
	w := &DenseWeight{
		Name: "w", In: 1, Out: 1, Data: []float32{1},
		Lora: Lora{Rank: 1, Adapters: []Adapter{{A: []float32{1}, B: []float32{1}}}},
	}
	scratch := ctx.NewTensor("lora", 1, 1)
	y := ctx.NewTensor("y", 1, 1)
	NewLinear(ctx).Forward(y.View(), x.View(), 1, w, Gemm, LoraArgs{Scratch: scratch.View(), Mask: []int{4}})

	var f *cpu.Fault
	if err := ctx.Stream().Sync(); !errors.As(err, &f) {
		t.Fatalf("expected device fault, got %v", err)
	}
	if f.Kernel != "linear.gemm" {
		t.Errorf("unexpected faulting kernel %q", f.Kernel)
	}
}

func TestLinearRoundsToContextType(t *testing.T) {
	ctx := cpu.NewContext(cpu.WithDataType(cpu.F16))
	defer ctx.Free()

	x := upload(t, ctx, "x", 1, 1, []float32{1})
	w := &DenseWeight{Name: "w", In: 1, Out: 1, Data: []float32{60000}}
	x2 := upload(t, ctx, "x2", 1, 1, []float32{2})
	y := ctx.NewTensor("y", 1, 1)
	y2 := ctx.NewTensor("y2", 1, 1)

	NewLinear(ctx).Forward(y.View(), x.View(), 1, w, Gemm, LoraArgs{})
	NewLinear(ctx).Forward(y2.View(), x2.View(), 1, w, Gemm, LoraArgs{})

	if got := readBack(t, y)[0]; got != 60000 {
		t.Errorf("expected 60000, got %v", got)
	}
	if got := readBack(t, y2)[0]; got < 65504 {
		t.Errorf("f16 overflow should saturate to +Inf, got %v", got)
	}
}

func TestDenseWeightValidate(t *testing.T) {
	cases := []struct {
		name string
		w    DenseWeight
		ok   bool
	}{
		{"ok", DenseWeight{In: 2, Out: 1, Data: []float32{1, 2}}, true},
		{"zero shape", DenseWeight{In: 0, Out: 1}, false},
		{"short data", DenseWeight{In: 2, Out: 2, Data: []float32{1}}, false},
		{"negative rank", DenseWeight{In: 1, Out: 1, Data: []float32{1}, Lora: Lora{Rank: -1}}, false},
		{"rank without adapters", DenseWeight{In: 1, Out: 1, Data: []float32{1}, Lora: Lora{Rank: 1}}, false},
		{"bad factors", DenseWeight{In: 1, Out: 1, Data: []float32{1}, Lora: Lora{Rank: 1, Adapters: []Adapter{{A: []float32{1, 2}}}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.w.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
