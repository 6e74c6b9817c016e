package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyStage      = "stage"
	KeyMode       = "mode"
	KeyUnit       = "unit"
	KeyOutput     = "output"
	KeyArch       = "compute_cap"
	KeyCommand    = "command"
	KeyExitCode   = "exit_code"
	KeyJobs       = "jobs"
	KeyCount      = "count"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Mode(mode string) slog.Attr      { return slog.String(KeyMode, mode) }
func Unit(path string) slog.Attr      { return slog.String(KeyUnit, path) }
func Output(path string) slog.Attr    { return slog.String(KeyOutput, path) }
func Arch(code int) slog.Attr         { return slog.Int(KeyArch, code) }
func Command(line string) slog.Attr   { return slog.String(KeyCommand, line) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func Jobs(n int) slog.Attr            { return slog.Int(KeyJobs, n) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Since(start time.Time) slog.Attr { return DurationMS(float64(time.Since(start).Microseconds()) / 1000) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
