package supervisor

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// IdleTimeout is spec.md §5's cliIdleTimeout default: no event for this
// long aborts the Execution with Stalled.
const IdleTimeout = 5 * time.Minute

// GracefulGrace is spec.md §5's gracefulGrace default.
const GracefulGrace = 2 * time.Second

// ParseFailureRateLimit is spec.md §4.4's escalation threshold: more than
// this many unparsable lines per second aborts with ProtocolError.
const ParseFailureRateLimit = 16

// Sink receives events as the Process Supervisor parses them. Implementations
// must not block for long: the supervisor's read loop waits on each Emit
// call before reading the next line.
type Sink interface {
	Emit(api.Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(api.Event)

func (f SinkFunc) Emit(ev api.Event) { f(ev) }

// Handle is a live supervised invocation.
type Handle struct {
	done chan struct{}

	mu        sync.Mutex
	inject    func(string) error
	abortOnce sync.Once
	abortFn   func()
}

// Done closes once the invocation has fully terminated (process exited,
// final events emitted).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Abort requests graceful-then-hard termination (idempotent).
func (h *Handle) Abort() {
	h.abortOnce.Do(func() {
		if h.abortFn != nil {
			h.abortFn()
		}
	})
}

// InjectAnswer feeds a line to the CLI's stdin, if the process accepts one.
func (h *Handle) InjectAnswer(line string) error {
	h.mu.Lock()
	fn := h.inject
	h.mu.Unlock()
	if fn == nil {
		return kernelerrors.New(kernelerrors.Validation, "execution is not accepting stdin input")
	}
	return fn(line)
}

// Runner spawns one PromptBundle against a Driver and streams parsed events
// to sink until termination. Two implementations exist: ProcessRunner (real
// os/exec spawn) and FakeRunner (an in-process canned script), used by
// integration tests that should not depend on an actual external CLI being
// installed.
type Runner interface {
	Run(ctx context.Context, bundle PromptBundle, driver Driver, sink Sink) (*Handle, error)
}

// ProcessRunner is the real os/exec-backed Runner.
type ProcessRunner struct {
	logger *logger.Logger
}

// NewProcessRunner constructs a ProcessRunner.
func NewProcessRunner(log *logger.Logger) *ProcessRunner {
	return &ProcessRunner{logger: log.WithFields(zap.String("component", "supervisor"))}
}

// Run spawns the provider's CLI and begins the read loop in the background.
func (r *ProcessRunner) Run(ctx context.Context, bundle PromptBundle, driver Driver, sink Sink) (*Handle, error) {
	inv := driver.Build(bundle)

	runCtx, cancel := context.WithCancel(ctx)
	proc, stdout, err := startProcess(runCtx, inv, r.logger)
	if err != nil {
		cancel()
		return nil, kernelerrors.Wrap(kernelerrors.CLIFailed, "spawn provider process", err)
	}

	h := &Handle{
		done:   make(chan struct{}),
		inject: proc.inject,
	}
	h.abortFn = func() {
		proc.gracefulStop(GracefulGrace)
		cancel()
	}

	go r.readLoop(runCtx, cancel, proc, stdout, sink, h, bundle.SessionID)
	return h, nil
}

func (r *ProcessRunner) readLoop(ctx context.Context, cancel context.CancelFunc, proc *process, stdout io.Reader, sink Sink, h *Handle, sessionID string) {
	defer close(h.done)
	defer cancel()

	log := r.logger.WithSessionID(sessionID)
	scanner := newScanner(stdout)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	idle := time.NewTimer(IdleTimeout)
	defer idle.Stop()

	failureWindow := newFailureWindow(time.Second, ParseFailureRateLimit)
	sawResult := false

	for {
		select {
		case <-ctx.Done():
			proc.hardKill()
			<-proc.Exited()
			return

		case line, ok := <-lines:
			if !ok {
				<-proc.Exited()
				if !sawResult {
					errMsg := string(kernelerrors.CLIFailed)
					if exitErr := proc.ExitErr(); exitErr != nil {
						errMsg = exitErr.Error()
					}
					sink.Emit(api.Event{Type: api.EventError, Error: errMsg})
					sink.Emit(api.Event{Type: api.EventDone, Aborted: false})
				}
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(IdleTimeout)

			if len(line) == 0 {
				continue
			}
			ev, parsed, err := ParseLine([]byte(line))
			if err != nil {
				log.Debug("unparsable provider output", zap.Error(err))
				if failureWindow.record() {
					sink.Emit(api.Event{Type: api.EventError, Error: string(kernelerrors.ProtocolError)})
					sink.Emit(api.Event{Type: api.EventDone, Aborted: true})
					proc.hardKill()
					<-proc.Exited()
					return
				}
				continue
			}
			if !parsed {
				continue
			}
			if ev.Type == api.EventResult {
				sawResult = true
			}
			sink.Emit(ev)
			if ev.Type == api.EventDone {
				<-proc.Exited()
				return
			}

		case <-idle.C:
			sink.Emit(api.Event{Type: api.EventError, Error: string(kernelerrors.Stalled)})
			sink.Emit(api.Event{Type: api.EventDone, Aborted: true})
			proc.hardKill()
			<-proc.Exited()
			return
		}
	}
}

// failureWindow counts events in a sliding time window, reporting whether
// the configured rate limit has been exceeded.
type failureWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	times  []time.Time
	nowFn  func() time.Time
}

func newFailureWindow(window time.Duration, limit int) *failureWindow {
	return &failureWindow{window: window, limit: limit, nowFn: time.Now}
}

func (f *failureWindow) record() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowFn()
	cutoff := now.Add(-f.window)
	kept := f.times[:0]
	for _, t := range f.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	f.times = kept
	return len(f.times) > f.limit
}
