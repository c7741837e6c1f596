//go:build windows

package device

import (
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"
)

func openAccelerator() (tensor.Backend, func(), error) {
	if !webgpu.IsAvailable() {
		return nil, nil, errUnavailable
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, nil, err
	}
	return gpu, gpu.Release, nil
}
