// Package capability resolves the CUDA compute capability a build targets and
// validates it against the codes the installed nvcc can generate.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/logfields"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
)

// deviceQueryHeader is the first line nvidia-smi prints for --format=csv.
const deviceQueryHeader = "compute_cap"

// Normalize turns a dotted capability ("8.6") or a plain one ("86") into its
// integer code.
func Normalize(raw string) (int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ".", "")
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, ferrors.ConfigError("invalid compute capability").
			WithContext("value", raw).
			WithContext("expected", "positive integer such as 86 or dotted form such as 8.6").
			Build()
	}
	return code, nil
}

// ParseDeviceQuery extracts the compute capability of the first device from
// the output of `nvidia-smi --query-gpu=compute_cap --format=csv`.
func ParseDeviceQuery(out string) (int, error) {
	lines := nonEmptyLines(out)
	if len(lines) == 0 || lines[0] != deviceQueryHeader {
		return 0, ferrors.ConfigError("unexpected nvidia-smi output").
			WithContext("output", out).
			WithContext("expected", "header line \"compute_cap\" followed by one value per device").
			Build()
	}
	if len(lines) < 2 {
		return 0, ferrors.ConfigError("nvidia-smi reported no devices").
			WithContext("output", out).
			Build()
	}
	return Normalize(lines[1])
}

// ParseGPUCodes collects N from every sm_<N> line of `nvcc --list-gpu-code`,
// sorted ascending. Other lines (compute_<N>, lto_<N>) are ignored.
func ParseGPUCodes(out string) []int {
	var codes []int
	for _, line := range nonEmptyLines(out) {
		prefix, suffix, ok := strings.Cut(line, "_")
		if !ok || prefix != "sm" {
			continue
		}
		code, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes
}

func nonEmptyLines(s string) []string {
	var lines []string
	for line := range strings.Lines(s) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Resolver determines the compute capability for one build.
type Resolver struct {
	Runner toolchain.Runner
	// Override, when non-empty, replaces the device query (CUDA_COMPUTE_CAP).
	Override string
	NVCCBin  string
	SMIBin   string
}

// Resolve returns the validated compute capability. Every failure is fatal:
// an unsupported or unresolvable capability is a configuration error, a
// missing nvcc or nvidia-smi is a toolchain error.
func (r Resolver) Resolve(ctx context.Context) (int, error) {
	runner := r.Runner
	if runner == nil {
		runner = toolchain.OSRunner{}
	}

	code, err := r.detect(ctx, runner)
	if err != nil {
		return 0, err
	}

	out, err := toolchain.Output(ctx, runner, toolchain.ListGPUCodeCommand(r.NVCCBin))
	if err != nil {
		return 0, queryError(err, "nvcc")
	}
	supported := ParseGPUCodes(out)
	if len(supported) == 0 {
		return 0, ferrors.ConfigError("nvcc reported no supported gpu codes").
			WithContext("output", out).
			Build()
	}

	if !slices.Contains(supported, code) {
		return 0, ferrors.ConfigError(fmt.Sprintf("compute capability %d is not supported by nvcc", code)).
			WithContext("compute_cap", code).
			WithContext("supported", joinCodes(supported)).
			Build()
	}
	if maxCode := supported[len(supported)-1]; code > maxCode {
		return 0, ferrors.ConfigError(fmt.Sprintf("compute capability %d exceeds the nvcc maximum %d", code, maxCode)).
			WithContext("compute_cap", code).
			WithContext("max", maxCode).
			Build()
	}

	slog.Debug("Resolved compute capability", logfields.Arch(code), slog.Int("supported", len(supported)))
	return code, nil
}

func (r Resolver) detect(ctx context.Context, runner toolchain.Runner) (int, error) {
	if strings.TrimSpace(r.Override) != "" {
		return Normalize(r.Override)
	}
	out, err := toolchain.Output(ctx, runner, toolchain.DeviceQueryCommand(r.SMIBin))
	if err != nil {
		return 0, queryError(err, "nvidia-smi")
	}
	return ParseDeviceQuery(out)
}

func queryError(err error, tool string) error {
	var launchErr *toolchain.LaunchError
	if errors.As(err, &launchErr) {
		return ferrors.WrapError(err, ferrors.CategoryToolchain,
			fmt.Sprintf("failed to run %s, ensure CUDA is installed and %s is in PATH", tool, tool)).
			Fatal().
			UserAction().
			WithContext("command", launchErr.Command).
			Build()
	}
	return ferrors.WrapError(err, ferrors.CategoryConfig, fmt.Sprintf("%s query failed", tool)).
		Fatal().
		UserAction().
		Build()
}

func joinCodes(codes []int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
