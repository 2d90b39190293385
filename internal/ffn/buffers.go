package ffn

import (
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Plan holds the sizing inputs of one forward call.
type Plan struct {
	Mode      Mode
	Tokens    int
	InterSize int
	GateRank  int
	InterRank int
	OutRank   int
}

func NewPlan(mode Mode, tokens int, b *WeightBundle) Plan {
	g, i, o := b.Ranks()
	return Plan{Mode: mode, Tokens: tokens, InterSize: b.InterSize, GateRank: g, InterRank: i, OutRank: o}
}

// BaseSize is n·m, also the offset of the intermediate view.
func (p Plan) BaseSize() int { return p.Tokens * p.InterSize }

func (p Plan) PrimarySize() int { return p.BaseSize() * p.Mode.Factor() }

// LoraSize is n·(r_gate+r_inter). The output projection reuses the same
// region from offset 0 once the gating stage is done, so it only raises the
// request when its rank is larger.
func (p Plan) LoraSize() int {
	return p.Tokens * max(p.GateRank+p.InterRank, p.OutRank)
}

// Views are the non-owning windows a forward call works through.
type Views struct {
	Gating       cpu.View
	Intermediate cpu.View
	// DownPitch is the row stride the down projection reads the activated
	// gating region with; 0 means packed at the feature width.
	DownPitch int

	LoraGate  cpu.View
	LoraInter cpu.View
	LoraOut   cpu.View
}

// DownInput is the gating region as the down projection must read it.
func (v Views) DownInput() cpu.View { return v.Gating.WithStride(v.DownPitch) }

// Buffers owns the transient allocations of one layer instance.
type Buffers struct {
	alloc   cpu.Allocator
	primary *cpu.Buffer
	lora    *cpu.Buffer
}

func NewBuffers(alloc cpu.Allocator) *Buffers {
	return &Buffers{alloc: alloc}
}

// Acquire grows (never shrinks) the allocations to fit p and returns the
// views for p's mode. grew reports whether any physical allocation happened.
func (b *Buffers) Acquire(p Plan) (v Views, grew bool) {
	s, m := p.BaseSize(), p.InterSize

	prev := b.primary
	b.primary = b.alloc.GrowOrReuse(b.primary, p.PrimarySize())
	if b.primary != prev {
		grew = true
		metrics.RecordBufferGrow("primary")
	}
	metrics.RecordBufferCapacity("primary", b.primary.Bytes())

	v.Gating = cpu.View{Buf: b.primary}
	v.Intermediate = cpu.View{Buf: b.primary, Offset: s}
	if p.Mode == ModeFused {
		v.Gating.Stride = 2 * m
		v.DownPitch = 2 * m
	}

	if size := p.LoraSize(); size > 0 {
		prev := b.lora
		b.lora = b.alloc.GrowOrReuse(b.lora, size)
		if b.lora != prev {
			grew = true
			metrics.RecordBufferGrow("lora")
		}
		metrics.RecordBufferCapacity("lora", b.lora.Bytes())

		if p.GateRank > 0 {
			v.LoraGate = cpu.View{Buf: b.lora}
		}
		if p.InterRank > 0 {
			v.LoraInter = cpu.View{Buf: b.lora, Offset: p.Tokens * p.GateRank}
		}
		if p.OutRank > 0 {
			v.LoraOut = cpu.View{Buf: b.lora}
		}
	}
	return v, grew
}

// Release returns both allocations. The next Acquire starts from nothing.
func (b *Buffers) Release() {
	if b.primary == nil && b.lora == nil {
		return
	}
	b.alloc.Release(b.primary)
	b.alloc.Release(b.lora)
	b.primary, b.lora = nil, nil
	metrics.RecordBufferCapacity("primary", 0)
	metrics.RecordBufferCapacity("lora", 0)
	metrics.RecordBufferRelease()
}

// Capacity returns the element capacity of the primary and LoRA buffers.
func (b *Buffers) Capacity() (primary, lora int) {
	return b.primary.Cap(), b.lora.Cap()
}
