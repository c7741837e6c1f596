// Package device selects the compute backend for training: the WebGPU
// backend when requested and available, otherwise the CPU backend.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/klauspost/cpuid/v2"
	"github.com/rs/zerolog"
)

// Kind names a compute device.
type Kind string

// Known device kinds. Auto prefers WebGPU and falls back to CPU.
const (
	Auto   Kind = "auto"
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// ErrUnknownKind is returned by ParseKind for unrecognized names.
var ErrUnknownKind = errors.New("device: unknown kind")

var errUnavailable = errors.New("webgpu backend unavailable")

// ParseKind parses a device name (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Auto, CPU, WebGPU:
		return k, nil
	case "":
		return Auto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Device is a selected compute backend.
type Device struct {
	Kind    Kind
	Backend tensor.Backend
	release func()
}

// Close releases accelerator resources.
func (d *Device) Close() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// Select opens the backend for want. Falling back to CPU is logged, never
// an error.
func Select(want Kind, log zerolog.Logger) *Device {
	if want == Auto || want == WebGPU {
		backend, release, err := openAccelerator()
		if err == nil {
			log.Info().Str("device", string(WebGPU)).Str("backend", backend.Name()).Msg("using accelerated backend")
			return &Device{Kind: WebGPU, Backend: backend, release: release}
		}
		log.Info().Err(err).Msg("accelerated backend not available, using CPU")
	}

	LogCPU(log)
	return &Device{Kind: CPU, Backend: cpu.New()}
}

// LogCPU reports the host CPU and the SIMD features relevant to the CPU backend.
func LogCPU(log zerolog.Logger) {
	features := make([]string, 0, 4)
	for _, f := range []cpuid.FeatureID{cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	log.Info().
		Str("device", string(CPU)).
		Str("cpu", cpuid.CPU.BrandName).
		Int("physical_cores", cpuid.CPU.PhysicalCores).
		Int("logical_cores", cpuid.CPU.LogicalCores).
		Strs("features", features).
		Msg("using CPU backend")
}
