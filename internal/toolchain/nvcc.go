package toolchain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultNVCC is the compiler binary looked up on PATH.
	DefaultNVCC = "nvcc"
	// DefaultSMI is the device-query utility looked up on PATH.
	DefaultSMI = "nvidia-smi"
)

// NVCC builds nvcc invocations for one resolved build configuration.
type NVCC struct {
	Bin         string
	ComputeCap  int
	IncludeDirs []string
	ExtraArgs   []string
	// CCBin, when set, adds -allow-unsupported-compiler -ccbin <CCBin>.
	CCBin string
	// PerThreadStream adds --default-stream per-thread.
	PerThreadStream bool
}

func (n NVCC) bin() string {
	if n.Bin == "" {
		return DefaultNVCC
	}
	return n.Bin
}

func (n NVCC) archFlag() string {
	return "--gpu-architecture=sm_" + strconv.Itoa(n.ComputeCap)
}

// IncludeFlags renders the include directories as -I flags, in the order given.
func (n NVCC) IncludeFlags() []string {
	flags := make([]string, 0, len(n.IncludeDirs))
	for _, dir := range n.IncludeDirs {
		flags = append(flags, "-I"+dir)
	}
	return flags
}

func (n NVCC) tail(src string) []string {
	var args []string
	if n.PerThreadStream {
		args = append(args, "--default-stream", "per-thread")
	}
	args = append(args, n.ExtraArgs...)
	args = append(args, n.IncludeFlags()...)
	if n.CCBin != "" {
		args = append(args, "-allow-unsupported-compiler", "-ccbin", n.CCBin)
	}
	return append(args, src)
}

// PTXCommand compiles src to <outDir>/<stem>.ptx.
func (n NVCC) PTXCommand(src, outDir string) CommandSpec {
	args := []string{n.archFlag(), "--ptx", "--output-directory", outDir}
	return CommandSpec{Name: n.bin(), Args: append(args, n.tail(src)...)}
}

// ObjectCommand compiles src to the relocatable object obj.
func (n NVCC) ObjectCommand(src, obj string) CommandSpec {
	args := []string{n.archFlag(), "-c", "-o", obj}
	return CommandSpec{Name: n.bin(), Args: append(args, n.tail(src)...)}
}

// ArchiveCommand combines objs into the static library out.
func (n NVCC) ArchiveCommand(out string, objs []string) CommandSpec {
	args := append([]string{"--lib", "-o", out}, objs...)
	return CommandSpec{Name: n.bin(), Args: args}
}

// ListGPUCodeCommand asks nvcc for the sm_<N> codes it can target.
func ListGPUCodeCommand(bin string) CommandSpec {
	if bin == "" {
		bin = DefaultNVCC
	}
	return CommandSpec{Name: bin, Args: []string{"--list-gpu-code"}}
}

// DeviceQueryCommand asks nvidia-smi for the compute capability of the installed devices.
func DeviceQueryCommand(bin string) CommandSpec {
	if bin == "" {
		bin = DefaultSMI
	}
	return CommandSpec{Name: bin, Args: []string{"--query-gpu=compute_cap", "--format=csv"}}
}

// OutputPath derives the artifact path for src inside outDir: same stem, ext replaced.
func OutputPath(src, outDir, ext string) string {
	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outDir, fmt.Sprintf("%s.%s", stem, strings.TrimPrefix(ext, ".")))
}
