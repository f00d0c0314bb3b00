package device

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Type identifies the kind of compute target
type Type int

const (
	CPU Type = iota
	CUDA
)

func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// Device names a compute target, e.g. "cpu" or "cuda:0"
type Device struct {
	Type  Type
	Index int
}

// Host is the general-purpose processor
var Host = Device{Type: CPU}

func (d Device) String() string {
	if d.Type == CUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return d.Type.String()
}

// IsAccelerator reports whether the device is not the host processor
func (d Device) IsAccelerator() bool {
	return d.Type != CPU
}

// EmptyCache releases cached memory that is no longer referenced.
// It is a best-effort hint and never fails.
func (d Device) EmptyCache() {
	debug.FreeOSMemory()
}

// Parse converts "cpu", "cuda" or "cuda:N" into a Device
func Parse(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "cpu":
		return Host, nil
	case s == "cuda":
		return Device{Type: CUDA}, nil
	case strings.HasPrefix(s, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("invalid cuda device index in %q", s)
		}
		return Device{Type: CUDA, Index: idx}, nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
}

// Select returns the first accelerator if one is visible, else the CPU
func Select() Device {
	if acceleratorCount() > 0 {
		return Device{Type: CUDA, Index: 0}
	}
	return Host
}

// Resolve maps a configured device name to a Device. "auto" and "" defer to Select.
// Asking for an accelerator that is not present is an error.
func Resolve(name string) (Device, error) {
	if name == "" || strings.EqualFold(name, "auto") {
		return Select(), nil
	}
	d, err := Parse(name)
	if err != nil {
		return Device{}, err
	}
	if d.Type == CUDA && d.Index >= acceleratorCount() {
		return Device{}, fmt.Errorf("device %s requested but %d cuda devices are visible", d, acceleratorCount())
	}
	return d, nil
}

// Describe returns a human-readable summary of the device hardware
func Describe(d Device) string {
	if d.Type == CUDA {
		name, err := acceleratorName(d.Index)
		if err != nil {
			return fmt.Sprintf("%s (unavailable: %v)", d, err)
		}
		return fmt.Sprintf("%s (%s)", d, name)
	}

	features := make([]string, 0, 3)
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	return fmt.Sprintf("%s (%s, %d physical / %d logical cores, features: %s)",
		d, cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(features, ","))
}

func formatBytes(n int64) string {
	const gb = 1 << 30
	if n >= gb {
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	}
	return fmt.Sprintf("%d MB", n>>20)
}
