package build

import "errors"

// Sentinel errors wrapped with context at the call site.
var (
	ErrNoKernels  = errors.New("kernelforge: no kernel sources")
	ErrNoCUDARoot = errors.New("kernelforge: CUDA toolkit root not found")
)
