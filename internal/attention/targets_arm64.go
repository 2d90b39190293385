//go:build arm64

package attention

import (
	"golang.org/x/sys/cpu"

	qcpu "github.com/23skdu/longbow-quiver/internal/cpu"
)

var compiled = Targets{
	Archs:    []Arch{ArchGeneric, ArchNEON, ArchSVE},
	DTypes:   []qcpu.DataType{qcpu.F32, qcpu.F16, qcpu.BF16},
	HeadDims: []int{64, 128},
	Layouts:  []Layout{Contiguous, Paged},
}

func detect() Arch {
	if cpu.ARM64.HasSVE {
		return ArchSVE
	}
	// ASIMD is part of ARMv8-A, but keep the check for odd emulators.
	if cpu.ARM64.HasASIMD {
		return ArchNEON
	}
	return ArchGeneric
}
