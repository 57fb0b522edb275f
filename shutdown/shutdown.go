package shutdown

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/vinayprograms/fleetlink/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned by Register once the sequence has run.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by the fleet binaries. Lower phases run first.
const (
	PhaseNode        = 0
	PhaseIngress     = 10
	PhaseCoordinator = 20
	PhaseMirror      = 30
	PhaseBroker      = 40
	PhaseTelemetry   = 50
)

// Handler is implemented by components with an ordered exit.
// The context carries the sequence deadline.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records one handler's outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result records a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult

	// Err is nil when every handler succeeded within the deadline.
	Err error
}

// Failed returns the names of handlers that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Sequencer.
type Config struct {
	// Timeout bounds the whole sequence when started by a signal or
	// RunWithTimeout(0). Default: 30s
	Timeout time.Duration

	// StopOnError skips later phases after a failing phase.
	StopOnError bool

	// Signals that start the sequence. Default: SIGINT, SIGTERM
	Signals []os.Signal

	// Logger for handler progress. Default: logging.Nop()
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}
