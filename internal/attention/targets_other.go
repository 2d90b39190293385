//go:build !amd64 && !arm64

package attention

import (
	"github.com/23skdu/longbow-quiver/internal/cpu"
)

var compiled = Targets{
	Archs:    []Arch{ArchGeneric},
	DTypes:   []cpu.DataType{cpu.F32, cpu.F16},
	HeadDims: []int{64, 128},
	Layouts:  []Layout{Contiguous, Paged},
}

func detect() Arch { return ArchGeneric }
