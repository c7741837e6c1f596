//go:build !windows

package device

import "github.com/born-ml/born/tensor"

// born ships its WebGPU backend for Windows only.
func openAccelerator() (tensor.Backend, func(), error) {
	return nil, nil, errUnavailable
}
