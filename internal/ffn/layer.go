// Package ffn runs the gated feed-forward (SwiGLU) block of one transformer
// layer on a token batch:
//
//	out = (silu(x·W1ᵀ) ⊙ (x·W3ᵀ)) · W2ᵀ
//
// Work is issued on the context stream stage by stage. Every stage ends with
// a stream checkpoint followed by the anomaly monitor.
package ffn

import (
	"time"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Observer inspects a synchronised stage output and may correct it in place.
type Observer interface {
	Observe(v cpu.View, rows, width int, tag anomaly.Tag) anomaly.Result
}

// FaultHandler receives a deferred device fault surfaced at a stage
// checkpoint. Device state after a fault is undefined.
type FaultHandler func(stage anomaly.Stage, err error)

func fatalFault(stage anomaly.Stage, err error) {
	logger.Log.With("component", "ffn").Fatal("device fault", "stage", string(stage), "error", err)
}

// Inputs of one forward call. An empty LoraMask means no masking.
type Inputs struct {
	Input    *cpu.Tensor
	LayerID  int
	LoraMask []int
}

type Outputs struct {
	Output *cpu.Tensor
}

// Layer is one FFN instance. It is not safe for concurrent Forward calls;
// callers serialise per instance.
type Layer struct {
	ctx     *cpu.Context
	linear  *kernels.Linear
	act     *kernels.Activation
	buffers *Buffers
	monitor Observer
	onFault FaultHandler

	freeAfterForward bool
	log              *logger.Logger
}

type Option func(*Layer)

// WithFreeBufferAfterForward releases transient buffers when Forward returns.
func WithFreeBufferAfterForward(free bool) Option {
	return func(l *Layer) { l.freeAfterForward = free }
}

func WithMonitor(m Observer) Option {
	return func(l *Layer) {
		if m != nil {
			l.monitor = m
		}
	}
}

// WithFaultHandler replaces the default handler, which logs at fatal level
// and exits.
func WithFaultHandler(h FaultHandler) Option {
	return func(l *Layer) {
		if h != nil {
			l.onFault = h
		}
	}
}

func NewLayer(ctx *cpu.Context, opts ...Option) *Layer {
	l := &Layer{
		ctx:     ctx,
		linear:  kernels.NewLinear(ctx),
		act:     kernels.NewActivation(ctx),
		buffers: NewBuffers(ctx.Allocator()),
		monitor: anomaly.New(ctx.DataType(), false),
		onFault: fatalFault,
		log:     logger.Log.With("component", "ffn"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Capacity returns the element capacity of the primary and LoRA buffers.
func (l *Layer) Capacity() (primary, lora int) { return l.buffers.Capacity() }

// FreeBuffers releases the transient buffers now.
func (l *Layer) FreeBuffers() { l.buffers.Release() }

// Forward computes out.Output from in.Input with the weights in w. Contract
// violations are reported before anything is issued. A device fault goes to
// the fault handler and, if the handler returns, is returned.
func (l *Layer) Forward(out Outputs, in Inputs, w *WeightBundle) error {
	if err := validate(out, in, w); err != nil {
		return err
	}
	n, hidden, m := in.Input.Rows, in.Input.Cols, w.InterSize
	if n == 0 {
		return nil
	}
	var mask []int
	if len(in.LoraMask) > 0 {
		mask = in.LoraMask
	}

	start := time.Now()
	mode := SelectMode(w)
	plan := NewPlan(mode, n, w)
	views, grew := l.buffers.Acquire(plan)
	if l.freeAfterForward {
		defer l.buffers.Release()
	}
	if grew {
		primary, lora := l.buffers.Capacity()
		l.log.Debug("transient buffers grown", "layer", in.LayerID, "primary", primary, "lora", lora)
	}

	x := in.Input.View()

	// Gating (and intermediate) projection.
	t0 := time.Now()
	switch mode {
	case ModeFusedSilu:
		l.linear.Forward(views.Gating, x, n, w.FusedGatingIntermediate, kernels.FusedSiluFfn, kernels.LoraArgs{})
	case ModeFused:
		l.linear.Forward(views.Gating, x, n, w.FusedGatingIntermediate, kernels.Gemm, kernels.LoraArgs{})
	case ModeSeparate:
		l.linear.Forward(views.Gating, x, n, w.Gating, kernels.Gemm, kernels.LoraArgs{Scratch: views.LoraGate, Mask: mask})
		l.linear.Forward(views.Intermediate, x, n, w.Intermediate, kernels.Gemm, kernels.LoraArgs{Scratch: views.LoraInter, Mask: mask})
	}
	if err := l.checkpoint(anomaly.StageGate, t0); err != nil {
		return err
	}
	switch mode {
	case ModeFused:
		l.observe(views.Gating, n, 2*m, anomaly.StageGate, in.LayerID)
	case ModeSeparate:
		l.observe(views.Gating, n, m, anomaly.StageGate, in.LayerID)
		l.observe(views.Intermediate, n, m, anomaly.StageIntermediate, in.LayerID)
	default:
		l.observe(views.Gating, n, m, anomaly.StageGate, in.LayerID)
	}

	// Activation.
	if mode.HasActivation() {
		t0 = time.Now()
		if mode == ModeFused {
			l.act.GatedSilu(views.Gating, cpu.View{}, m, n, kernels.Chunked)
		} else {
			l.act.GatedSilu(views.Gating, views.Intermediate, m, n, kernels.Separate)
		}
		if err := l.checkpoint(anomaly.StageActivation, t0); err != nil {
			return err
		}
		l.observe(views.Gating, n, m, anomaly.StageActivation, in.LayerID)
	}

	// Down projection, written in place into the output tensor.
	t0 = time.Now()
	y := out.Output.View()
	l.linear.Forward(y, views.DownInput(), n, w.Output, kernels.Gemm, kernels.LoraArgs{Scratch: views.LoraOut, Mask: mask})
	if err := l.checkpoint(anomaly.StageDown, t0); err != nil {
		return err
	}
	l.observe(y, n, hidden, anomaly.StageDown, in.LayerID)

	metrics.RecordForward(mode.String(), n, time.Since(start))
	l.log.Debug("forward", "layer", in.LayerID, "mode", mode.String(), "tokens", n)
	return nil
}

func (l *Layer) checkpoint(stage anomaly.Stage, issued time.Time) error {
	err := l.ctx.Stream().Sync()
	metrics.RecordStage(string(stage), time.Since(issued))
	if err != nil {
		l.onFault(stage, err)
		return err
	}
	return nil
}

func (l *Layer) observe(v cpu.View, rows, width int, stage anomaly.Stage, layer int) {
	l.monitor.Observe(v, rows, width, anomaly.Tag{Stage: stage, Layer: layer})
}

func validate(out Outputs, in Inputs, w *WeightBundle) error {
	if in.Input == nil || in.Input.Buf == nil {
		return inputErr(KeyInput, ErrMissingInput, "no input tensor")
	}
	if out.Output == nil || out.Output.Buf == nil {
		return inputErr(KeyOutput, ErrMissingInput, "no output tensor")
	}
	if err := checkTensor(KeyInput, in.Input); err != nil {
		return err
	}
	if err := checkTensor(KeyOutput, out.Output); err != nil {
		return err
	}
	if w == nil {
		return ErrInvalidBundle
	}
	n, hidden := in.Input.Rows, in.Input.Cols
	if err := w.Validate(hidden); err != nil {
		return err
	}
	if out.Output.Rows != n || out.Output.Cols != hidden {
		return inputErr(KeyOutput, ErrShapeMismatch, "output is [%d,%d], input is [%d,%d]",
			out.Output.Rows, out.Output.Cols, n, hidden)
	}
	if len(in.LoraMask) == 0 {
		return nil
	}
	if len(in.LoraMask) != n {
		return inputErr(KeyLoraMask, ErrShapeMismatch, "%d selectors for %d tokens", len(in.LoraMask), n)
	}
	adapters, ok := w.adapters(SelectMode(w))
	for t, sel := range in.LoraMask {
		if sel == kernels.NoAdapter {
			continue
		}
		if sel < 0 || (ok && sel >= adapters) {
			return inputErr(KeyLoraMask, ErrInvalidMask, "token %d selects adapter %d", t, sel)
		}
	}
	return nil
}

// checkTensor rejects negative shapes and buffers too small for Rows x Cols.
func checkTensor(key string, t *cpu.Tensor) error {
	if t.Rows < 0 || t.Cols < 0 {
		return inputErr(key, ErrShapeMismatch, "negative shape [%d,%d]", t.Rows, t.Cols)
	}
	if c := t.Buf.Cap(); t.Cols > 0 && t.Rows > c/t.Cols {
		return inputErr(key, ErrShapeMismatch, "[%d,%d] does not fit a buffer of %d elements", t.Rows, t.Cols, c)
	}
	return nil
}
