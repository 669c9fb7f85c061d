// Package arch names the guest architectures an emulated instance can run
// and the emulator binary that serves each of them.
package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a guest architecture in qemu's spelling.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I386    Architecture = "i386"
	AArch64 Architecture = "aarch64"
	ARM     Architecture = "arm"
	PPC64   Architecture = "ppc64"
	S390X   Architecture = "s390x"
	RISCV64 Architecture = "riscv64"
)

var supported = []Architecture{X86_64, I386, AArch64, ARM, PPC64, S390X, RISCV64}

// Supported returns every architecture an emulator can be chosen for.
func Supported() []Architecture {
	return append([]Architecture(nil), supported...)
}

func (a Architecture) String() string {
	return string(a)
}

// EmulatorBinary returns the qemu system emulator for a.
func (a Architecture) EmulatorBinary() string {
	return "qemu-system-" + string(a)
}

// Native reports whether a matches the host, so hardware acceleration is
// usable.
func (a Architecture) Native() bool {
	return a == Host()
}

// Host returns the architecture of the running process.
func Host() Architecture {
	if a := Normalize(runtime.GOARCH); a != "" {
		return a
	}
	return X86_64
}

// Parse returns the canonical Architecture for value. An empty value selects
// the host architecture.
func Parse(value string) (Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return Host(), nil
	}
	if a := Normalize(value); a != "" {
		return a, nil
	}
	names := make([]string, 0, len(supported))
	for _, a := range supported {
		names = append(names, a.String())
	}
	sort.Strings(names)
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(names, ", "))
}

// Normalize maps Go, Debian and qemu spellings onto an Architecture, or ""
// when value is unknown.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "i386", "i686", "x86", "386":
		return I386
	case "aarch64", "arm64":
		return AArch64
	case "arm", "armv7", "armv7l", "armhf":
		return ARM
	case "ppc64", "ppc64le", "ppc64el":
		return PPC64
	case "s390x":
		return S390X
	case "riscv64":
		return RISCV64
	default:
		return ""
	}
}
