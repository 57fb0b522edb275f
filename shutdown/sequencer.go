package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/fleetlink/logging"
)

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Sequencer runs registered handlers phase by phase, once.
type Sequencer struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	once   sync.Once
	done   chan struct{}
	result *Result

	signals chan os.Signal
}

// New creates a sequencer.
func New(cfg Config) *Sequencer {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = defaults.Signals
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Sequencer{
		config:  cfg,
		logger:  cfg.Logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to a phase.
func (s *Sequencer) Register(name string, phase int, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyShutdown
	}
	s.handlers = append(s.handlers, registration{name: name, phase: phase, handler: h})
	return nil
}

// RegisterFunc adds a function to a phase.
func (s *Sequencer) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) error {
	return s.Register(name, phase, HandlerFunc(fn))
}

// Run executes every phase under ctx. Only the first call runs the
// sequence; later calls wait for it and return its error.
func (s *Sequencer) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.started = true
		handlers := make([]registration, len(s.handlers))
		copy(handlers, s.handlers)
		s.mu.Unlock()

		s.result = s.run(ctx, handlers)
		close(s.done)
	})
	<-s.done
	return s.result.Err
}

// RunWithTimeout runs the sequence with its own deadline. Zero uses
// Config.Timeout.
func (s *Sequencer) RunWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Run(ctx)
}

// HandleSignals runs the sequence when one of Config.Signals arrives.
func (s *Sequencer) HandleSignals() {
	signal.Notify(s.signals, s.config.Signals...)

	go func() {
		select {
		case sig := <-s.signals:
			s.logger.Info("shutdown_signal", map[string]interface{}{
				"signal": sig.String(),
			})
			s.RunWithTimeout(0)
		case <-s.done:
		}
		signal.Stop(s.signals)
	}()
}

// Trigger behaves like receiving the first configured signal.
func (s *Sequencer) Trigger() {
	select {
	case s.signals <- s.config.Signals[0]:
	default:
	}
}

// Done is closed once the sequence has finished.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome, or nil before Done is closed.
func (s *Sequencer) Result() *Result {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

func (s *Sequencer) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	result := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}

	s.logger.Info("shutdown_started", map[string]interface{}{
		"handlers": len(handlers),
	})

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}

		phaseResults := s.runPhase(ctx, group)
		result.Handlers = append(result.Handlers, phaseResults...)

		failed := false
		for _, hr := range phaseResults {
			if hr.Err != nil {
				failed = true
			}
		}
		if failed && result.Err == nil {
			result.Err = ErrHandlerFailed
		}
		if failed && s.config.StopOnError {
			break
		}
	}

	result.TotalDuration = time.Since(start)
	fields := map[string]interface{}{
		"duration_ms": result.TotalDuration.Milliseconds(),
	}
	if result.Err != nil {
		fields["error"] = result.Err
		fields["failed"] = result.Failed()
		s.logger.Warn("shutdown_finished", fields)
	} else {
		s.logger.Info("shutdown_finished", fields)
	}
	return result
}

// runPhase runs one phase's handlers concurrently.
func (s *Sequencer) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, r := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": results[idx].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err
				s.logger.Error("shutdown_handler_failed", fields)
				return
			}
			s.logger.Debug("shutdown_handler_done", fields)
		}(i, r)
	}

	wg.Wait()
	return results
}

// groupByPhase sorts handlers by phase, keeping registration order within a
// phase, and splits them into groups.
func groupByPhase(handlers []registration) [][]registration {
	sorted := make([]registration, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].phase < sorted[j].phase
	})

	var groups [][]registration
	for i, h := range sorted {
		if i == 0 || h.phase != sorted[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
