package toolchain

import (
	"context"
	"sync"
	"time"
)

// FakeRunner is intended for tests and dry runs: it records every command and
// answers with Handle instead of starting a process.
type FakeRunner struct {
	// Handle computes the outcome of a command. A non-nil error makes Start
	// fail with a *LaunchError, as if the binary were missing. When Handle is
	// nil every command succeeds with empty output.
	Handle func(spec CommandSpec) (Result, error)
	// Delay, when set, is how long Wait blocks for a given command.
	Delay func(spec CommandSpec) time.Duration

	mu         sync.Mutex
	calls      []CommandSpec
	running    int
	maxRunning int
}

// Start implements Runner.
func (f *FakeRunner) Start(ctx context.Context, spec CommandSpec) (Process, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()

	res := Result{}
	if f.Handle != nil {
		var err error
		res, err = f.Handle(spec)
		if err != nil {
			return nil, &LaunchError{Command: spec.String(), Err: err}
		}
	}

	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()

	var delay time.Duration
	if f.Delay != nil {
		delay = f.Delay(spec)
	}
	return &fakeProcess{ctx: ctx, runner: f, res: res, delay: delay}, nil
}

// Calls returns a copy of the recorded commands in start order.
func (f *FakeRunner) Calls() []CommandSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CommandSpec, len(f.calls))
	copy(out, f.calls)
	return out
}

// MaxConcurrent returns the highest number of processes observed running at once.
func (f *FakeRunner) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

type fakeProcess struct {
	ctx    context.Context
	runner *FakeRunner
	res    Result
	delay  time.Duration
	once   sync.Once
}

func (p *fakeProcess) Wait() (Result, error) {
	defer p.once.Do(func() {
		p.runner.mu.Lock()
		p.runner.running--
		p.runner.mu.Unlock()
	})
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			return Result{ExitCode: -1}, p.ctx.Err()
		}
	} else if err := p.ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}
	return p.res, nil
}
