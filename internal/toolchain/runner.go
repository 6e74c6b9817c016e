package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandSpec describes one external process invocation.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
}

// String reconstructs the command line for diagnostics.
func (s CommandSpec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quoteArg(s.Name))
	for _, a := range s.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
		return strconv.Quote(a)
	}
	return a
}

// Result is the captured outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Success reports whether the process exited with status 0.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Process is a started external process.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is not an error:
	// it is reported through Result.ExitCode. The error is reserved for
	// failures to wait at all (including cancellation).
	Wait() (Result, error)
}

// Runner starts external processes.
type Runner interface {
	// Start launches spec. A failure to launch (binary missing from PATH,
	// permission denied) is returned as a *LaunchError.
	Start(ctx context.Context, spec CommandSpec) (Process, error)
}

// OSRunner runs real processes through os/exec.
type OSRunner struct{}

func (OSRunner) Start(ctx context.Context, spec CommandSpec) (Process, error) {
	// #nosec G204 -- the binary and arguments come from the build configuration
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	p := &osProcess{cmd: cmd}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.String(), Err: err}
	}
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (p *osProcess) Wait() (Result, error) {
	err := p.cmd.Wait()
	res := Result{
		ExitCode: -1,
		Stdout:   p.stdout.Bytes(),
		Stderr:   p.stderr.Bytes(),
	}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && res.ExitCode > 0 {
		return res, nil
	}
	return res, err
}

// Run starts spec and waits for it.
func Run(ctx context.Context, r Runner, spec CommandSpec) (Result, error) {
	p, err := r.Start(ctx, spec)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return p.Wait()
}

// Output runs spec and returns its standard output. A non-zero exit is
// returned as an *ExitError.
func Output(ctx context.Context, r Runner, spec CommandSpec) (string, error) {
	res, err := Run(ctx, r, spec)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &ExitError{Command: spec.String(), Result: res}
	}
	return string(res.Stdout), nil
}

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError reports a process that ran and exited non-zero. Its message
// carries the command line and both captured streams verbatim.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit status %d)\n\n# stdout\n%s\n\n# stderr\n%s",
		e.Command, e.Result.ExitCode, e.Result.Stdout, e.Result.Stderr)
}
