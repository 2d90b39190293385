// Package anomaly scans stage outputs for values a reduced-precision consumer
// cannot hold and clamps them in place.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Stage names a monitored region of the FFN pipeline.
type Stage string

const (
	StageGate         Stage = "gate-projection"
	StageIntermediate Stage = "intermediate-projection"
	StageActivation   Stage = "activation"
	StageDown         Stage = "down-projection"
)

// Tag identifies one observation: which stage of which layer.
type Tag struct {
	Stage Stage
	Layer int
}

func (t Tag) String() string {
	return fmt.Sprintf("%s@%d", t.Stage, t.Layer)
}

// Result summarises one observation. MaxAbs is taken over the finite input
// values before correction.
type Result struct {
	Tag        Tag
	Elements   int
	NaN        int
	Inf        int
	Clamped    int
	MaxAbs     float32
	ObservedAt time.Time
}

// Corrected is the number of values rewritten.
func (r Result) Corrected() int { return r.NaN + r.Inf + r.Clamped }

// Reporter receives every result with at least one correction.
type Reporter interface {
	Report(Result)
}

type Monitor struct {
	enabled        bool
	limit          float32
	logCorrections bool

	mu        sync.RWMutex
	reporters []Reporter
	now       func() time.Time
}

type Option func(*Monitor)

// WithLimit overrides the clamp magnitude. limit <= 0 keeps the default.
func WithLimit(limit float32) Option {
	return func(m *Monitor) {
		if limit > 0 {
			m.limit = limit
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(m *Monitor) { m.reporters = append(m.reporters, r) }
}

func WithCorrectionLogging(on bool) Option {
	return func(m *Monitor) { m.logCorrections = on }
}

func withClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New builds a monitor for buffers of type dtype. The default limit is the
// largest finite value of dtype.
func New(dtype cpu.DataType, enabled bool, opts ...Option) *Monitor {
	m := &Monitor{
		enabled: enabled,
		limit:   dtype.MaxFinite(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromConfig builds a monitor from the anomaly section of the config.
func FromConfig(cfg config.AnomalyConfig, dtype cpu.DataType, opts ...Option) *Monitor {
	base := []Option{WithLimit(cfg.Limit), WithCorrectionLogging(cfg.LogCorrections)}
	return New(dtype, cfg.Enabled, append(base, opts...)...)
}

// Enabled is false for a nil monitor.
func (m *Monitor) Enabled() bool { return m != nil && m.enabled }

func (m *Monitor) Limit() float32 { return m.limit }

func (m *Monitor) AddReporter(r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters = append(m.reporters, r)
}

// Observe scans rows x width elements of v and corrects them in place:
// NaN becomes 0 and anything beyond ±limit (infinities included) becomes
// ±limit. The caller must have synchronised the stream that produced v.
func (m *Monitor) Observe(v cpu.View, rows, width int, tag Tag) Result {
	res := Result{Tag: tag}
	if !m.Enabled() || !v.Valid() {
		return res
	}
	res.Elements = rows * width
	res.ObservedAt = m.now()

	limit := m.limit
	for r := 0; r < rows; r++ {
		row := v.Row(r, width)
		for i, x := range row {
			switch {
			case x != x:
				res.NaN++
				row[i] = 0
			case math.IsInf(float64(x), 0):
				res.Inf++
				row[i] = float32(math.Copysign(float64(limit), float64(x)))
			default:
				ax := x
				if ax < 0 {
					ax = -ax
				}
				if ax > res.MaxAbs {
					res.MaxAbs = ax
				}
				if ax > limit {
					res.Clamped++
					row[i] = float32(math.Copysign(float64(limit), float64(x)))
				}
			}
		}
	}

	if res.Corrected() > 0 {
		m.report(res)
	}
	return res
}

func (m *Monitor) report(res Result) {
	metrics.RecordAnomaly(string(res.Tag.Stage), res.NaN, res.Inf, res.Clamped)
	if m.logCorrections {
		logger.Log.With("component", "anomaly").Warn("corrected out-of-range values",
			"stage", string(res.Tag.Stage),
			"layer", res.Tag.Layer,
			"nan", res.NaN,
			"inf", res.Inf,
			"clamped", res.Clamped,
			"max_abs", res.MaxAbs,
		)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reporters {
		r.Report(res)
	}
}
