package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/kandev/pkg/api"
)

// FakeScript is a canned sequence of events a FakeRunner emits for one
// invocation, with optional delays between them — grounded on the teacher's
// MockAgent ("generates simulated responses with all message types"),
// reworked as an in-process event feed instead of a spawned mock-agent
// binary so integration tests carry no external-process dependency.
type FakeScript struct {
	Events []api.Event
	// Delay, if set, is waited before emitting the event at the same index.
	Delay []time.Duration
	// OnAbort, if set, is appended after an Abort() call instead of the
	// remaining scripted events, simulating a CLI that stops promptly.
	OnAbort []api.Event
}

// FakeRunner is a deterministic in-process stand-in for an external CLI
// (SPEC_FULL §8), used by kernel scenario tests.
type FakeRunner struct {
	mu      sync.Mutex
	scripts map[api.Provider]FakeScript
	byCall  func(call int, bundle PromptBundle) FakeScript
	calls   int
}

// NewFakeRunner constructs a FakeRunner that replays a fixed script per
// provider regardless of call count.
func NewFakeRunner(scripts map[api.Provider]FakeScript) *FakeRunner {
	return &FakeRunner{scripts: scripts}
}

// NewFakeRunnerFunc constructs a FakeRunner whose script is computed from
// the call index and bundle, for tests that need different behavior across
// successive invocations on the same session.
func NewFakeRunnerFunc(fn func(call int, bundle PromptBundle) FakeScript) *FakeRunner {
	return &FakeRunner{byCall: fn}
}

func (f *FakeRunner) Run(ctx context.Context, bundle PromptBundle, driver Driver, sink Sink) (*Handle, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	var script FakeScript
	if f.byCall != nil {
		script = f.byCall(call, bundle)
	} else {
		script = f.scripts[driver.Name()]
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{done: make(chan struct{})}
	var aborted bool
	var abortMu sync.Mutex
	h.abortFn = func() {
		abortMu.Lock()
		aborted = true
		abortMu.Unlock()
		cancel()
	}
	h.inject = func(string) error { return nil }

	go func() {
		defer close(h.done)
		for i, ev := range script.Events {
			if i < len(script.Delay) && script.Delay[i] > 0 {
				select {
				case <-time.After(script.Delay[i]):
				case <-runCtx.Done():
					abortMu.Lock()
					wasAborted := aborted
					abortMu.Unlock()
					if wasAborted {
						for _, ev := range script.OnAbort {
							sink.Emit(ev)
						}
					}
					return
				}
			}
			select {
			case <-runCtx.Done():
				abortMu.Lock()
				wasAborted := aborted
				abortMu.Unlock()
				if wasAborted {
					for _, ev := range script.OnAbort {
						sink.Emit(ev)
					}
				}
				return
			default:
			}
			sink.Emit(ev)
		}
	}()

	return h, nil
}

var _ Runner = (*FakeRunner)(nil)
