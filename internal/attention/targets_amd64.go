//go:build amd64

package attention

import (
	"golang.org/x/sys/cpu"

	qcpu "github.com/23skdu/longbow-quiver/internal/cpu"
)

var compiled = Targets{
	Archs:    []Arch{ArchGeneric, ArchX86V3, ArchX86V4},
	DTypes:   []qcpu.DataType{qcpu.F32, qcpu.F16, qcpu.BF16},
	HeadDims: []int{64, 128},
	Layouts:  []Layout{Contiguous, Paged},
}

func detect() Arch {
	if cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW && cpu.X86.HasAVX512CD &&
		cpu.X86.HasAVX512DQ && cpu.X86.HasAVX512VL {
		return ArchX86V4
	}
	if cpu.X86.HasAVX2 && cpu.X86.HasFMA && cpu.X86.HasBMI2 {
		return ArchX86V3
	}
	return ArchGeneric
}
