// Package attention maps a kernel configuration (hardware generation,
// element type, head dimension, cache layout) to the one decode-attention
// entry point compiled for it.
//
// The table is filled at init from the GOARCH-specific target list. A key
// outside that list has no entry point; callers resolve keys from Compiled
// or Resolve instead of probing.
package attention

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// Arch is a hardware generation a kernel set is built for.
type Arch int

const (
	ArchGeneric Arch = iota
	ArchX86V3
	ArchX86V4
	ArchNEON
	ArchSVE
)

var archNames = [...]string{
	ArchGeneric: "generic",
	ArchX86V3:   "x86-64-v3",
	ArchX86V4:   "x86-64-v4",
	ArchNEON:    "neon",
	ArchSVE:     "sve",
}

// AllArchs lists every generation known to the registry, compiled or not.
func AllArchs() []Arch {
	return []Arch{ArchGeneric, ArchX86V3, ArchX86V4, ArchNEON, ArchSVE}
}

func (a Arch) String() string {
	if a >= 0 && int(a) < len(archNames) {
		return archNames[a]
	}
	return "unknown"
}

// Layout is the KV cache storage scheme.
type Layout int

const (
	// Contiguous caches store [pos][kvHead][headDim].
	Contiguous Layout = iota
	// Paged caches store fixed-size blocks addressed through a block table.
	Paged
)

func (l Layout) String() string {
	if l == Paged {
		return "paged"
	}
	return "contiguous"
}

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "contiguous":
		return Contiguous, nil
	case "paged":
		return Paged, nil
	}
	return Contiguous, fmt.Errorf("unknown cache layout %q", s)
}

type Key struct {
	Arch    Arch
	DType   cpu.DataType
	HeadDim int
	Layout  Layout
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/d%d/%s", k.Arch, k.DType, k.HeadDim, k.Layout)
}

func (k Key) less(o Key) bool {
	if k.Arch != o.Arch {
		return k.Arch < o.Arch
	}
	if k.DType != o.DType {
		return k.DType < o.DType
	}
	if k.HeadDim != o.HeadDim {
		return k.HeadDim < o.HeadDim
	}
	return k.Layout < o.Layout
}

// Kernel is one compiled decode-attention entry point.
type Kernel func(*Params) error

// Targets is the set of combinations a build supports. Every element of
// the cartesian product gets exactly one kernel.
type Targets struct {
	Archs    []Arch
	DTypes   []cpu.DataType
	HeadDims []int
	Layouts  []Layout
}

func (t Targets) Keys() []Key {
	keys := make([]Key, 0, len(t.Archs)*len(t.DTypes)*len(t.HeadDims)*len(t.Layouts))
	for _, a := range t.Archs {
		for _, d := range t.DTypes {
			for _, h := range t.HeadDims {
				for _, l := range t.Layouts {
					keys = append(keys, Key{Arch: a, DType: d, HeadDim: h, Layout: l})
				}
			}
		}
	}
	return keys
}

func (t Targets) hasArch(a Arch) bool {
	for _, x := range t.Archs {
		if x == a {
			return true
		}
	}
	return false
}

var registry = map[Key]Kernel{}

func init() {
	register(compiled)
}

func register(t Targets) {
	for _, k := range t.Keys() {
		if _, dup := registry[k]; dup {
			panic(fmt.Sprintf("attention: duplicate kernel for %s", k))
		}
		registry[k] = entry(k)
	}
}

// Compiled returns the target list this binary was built with.
func Compiled() Targets { return compiled }

func Lookup(k Key) (Kernel, bool) {
	fn, ok := registry[k]
	metrics.RecordAttentionLookup(ok)
	return fn, ok
}

// MustLookup is Lookup for keys known to be compiled; it panics otherwise.
func MustLookup(k Key) Kernel {
	fn, ok := Lookup(k)
	if !ok {
		panic(fmt.Sprintf("attention: no kernel compiled for %s", k))
	}
	return fn
}

// Keys lists the registered keys in a stable order.
func Keys() []Key {
	keys := make([]Key, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Native is the best compiled generation the host supports.
func Native() Arch {
	if a := detect(); compiled.hasArch(a) {
		return a
	}
	return ArchGeneric
}

// Resolve builds the key the host should use for the given configuration.
func Resolve(dtype cpu.DataType, headDim int, layout Layout) Key {
	return Key{Arch: Native(), DType: dtype, HeadDim: headDim, Layout: layout}
}
