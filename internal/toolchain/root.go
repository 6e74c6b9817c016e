package toolchain

import (
	"os"
	"path/filepath"
)

// RootEnvVars are consulted, in order, before DefaultRoots.
var RootEnvVars = []string{
	"CUDA_PATH",
	"CUDA_ROOT",
	"CUDA_TOOLKIT_ROOT_DIR",
	"CUDNN_LIB",
}

// DefaultRoots are the conventional CUDA toolkit install locations.
var DefaultRoots = []string{
	"/usr",
	"/usr/local/cuda",
	"/opt/cuda",
	"/usr/lib/cuda",
	"C:/Program Files/NVIDIA GPU Computing Toolkit",
	"C:/CUDA",
}

// LocateRoot returns the first candidate root that contains include/cuda.h.
// Environment candidates come first; empty variables are skipped.
func LocateRoot(getenv func(string) string, roots []string) (string, bool) {
	if getenv == nil {
		getenv = os.Getenv
	}
	candidates := make([]string, 0, len(RootEnvVars)+len(roots))
	for _, key := range RootEnvVars {
		if v := getenv(key); v != "" {
			candidates = append(candidates, v)
		}
	}
	candidates = append(candidates, roots...)

	for _, root := range candidates {
		fi, err := os.Stat(filepath.Join(root, "include", "cuda.h"))
		if err == nil && fi.Mode().IsRegular() {
			return root, true
		}
	}
	return "", false
}

// IncludeDir returns the include directory of a CUDA root.
func IncludeDir(root string) string {
	return filepath.Join(root, "include")
}
