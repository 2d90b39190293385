package anomaly

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Thresholds used to classify a layer from its corrections.
const (
	// A layer whose values needed clamping is saturated.
	SaturationClamped = 1
	// A layer emitting NaN has collapsed numerically.
	CollapseNaN = 1
)

// DefaultMaxTraces bounds the tracker history.
const DefaultMaxTraces = 4096

type Trace struct {
	Stage      Stage     `json:"stage"`
	Layer      int       `json:"layer"`
	Elements   int       `json:"elements"`
	NaNs       int       `json:"nans"`
	Infs       int       `json:"infs"`
	Clamped    int       `json:"clamped"`
	MaxAbs     float32   `json:"max_abs"`
	ObservedAt time.Time `json:"observed_at"`
}

// Tracker keeps the most recent corrections per stage and layer so they can
// be inspected over HTTP or dumped to disk.
type Tracker struct {
	mu        sync.RWMutex
	NumLayers int     `json:"num_layers"`
	Traces    []Trace `json:"traces"`
	maxTraces int
	enabled   bool
}

func NewTracker(numLayers int) *Tracker {
	return &Tracker{
		NumLayers: numLayers,
		Traces:    make([]Trace, 0),
		maxTraces: DefaultMaxTraces,
		enabled:   true,
	}
}

// SetMaxTraces changes the history bound; the oldest traces go first.
func (t *Tracker) SetMaxTraces(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.maxTraces = n
		t.trim()
	}
}

func (t *Tracker) Report(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.Traces = append(t.Traces, Trace{
		Stage:      res.Tag.Stage,
		Layer:      res.Tag.Layer,
		Elements:   res.Elements,
		NaNs:       res.NaN,
		Infs:       res.Inf,
		Clamped:    res.Clamped,
		MaxAbs:     res.MaxAbs,
		ObservedAt: res.ObservedAt,
	})
	t.trim()
}

func (t *Tracker) trim() {
	if over := len(t.Traces) - t.maxTraces; over > 0 {
		t.Traces = append(t.Traces[:0], t.Traces[over:]...)
	}
}

// Snapshot returns a copy of the retained traces in arrival order.
func (t *Tracker) Snapshot() []Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Trace, len(t.Traces))
	copy(out, t.Traces)
	return out
}

// Layers lists, in ascending order, the layers with corrections at stage.
func (t *Tracker) Layers(stage Stage) []int {
	return t.layersWhere(func(tr Trace) bool { return tr.Stage == stage })
}

// SaturatedLayers lists layers that needed clamping or had infinities.
func (t *Tracker) SaturatedLayers() []int {
	return t.layersWhere(func(tr Trace) bool {
		return tr.Clamped >= SaturationClamped || tr.Infs > 0
	})
}

// CollapsedLayers lists layers that produced NaN.
func (t *Tracker) CollapsedLayers() []int {
	return t.layersWhere(func(tr Trace) bool { return tr.NaNs >= CollapseNaN })
}

func (t *Tracker) IsLayerSaturated(layer int) bool {
	for _, l := range t.SaturatedLayers() {
		if l == layer {
			return true
		}
	}
	return false
}

func (t *Tracker) layersWhere(match func(Trace) bool) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[int]bool)
	var layers []int
	for _, tr := range t.Traces {
		if !seen[tr.Layer] && match(tr) {
			layers = append(layers, tr.Layer)
			seen[tr.Layer] = true
		}
	}
	sort.Ints(layers)
	return layers
}

func (t *Tracker) ExportJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.MarshalIndent(struct {
		NumLayers int     `json:"num_layers"`
		Traces    []Trace `json:"traces"`
	}{t.NumLayers, t.Traces}, "", "  ")
}

func (t *Tracker) SaveToFile(filename string) error {
	data, err := t.ExportJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Traces = t.Traces[:0]
}

func (t *Tracker) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *Tracker) Enable() {
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
}

func (t *Tracker) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
}
