// Package tracer drives a kernel trace capture on the target device: it
// configures the ftrace tracer and event selection, runs the cooperating
// logging daemon, times the capture window against the device clock and
// pulls the resulting artifacts.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/powerlab/etrace/internal/adb"
	"github.com/powerlab/etrace/internal/metrics"
)

// Captures beyond this length risk losing records because the kernel ring
// buffer fills faster than it drains.
const safeCaptureLimit = 6 * time.Second

// ErrFailed marks every error that moved a session into StateFailed.
var ErrFailed = errors.New("session failed")

// Config holds the capture parameters for a single session.
type Config struct {
	App       string
	Events    []string
	Tracer    string
	Duration  time.Duration
	Preamble  time.Duration
	SkipClear bool

	TracingRoot     string
	SysLoggerScript string
	TraceDat        string
	TraceReport     string
	BinderLog       string
	ResultsDir      string

	BufferTargetKB int
	BufferStepKB   int
	PollInterval   time.Duration
	SettleDelay    time.Duration
}

// Artifacts are the local paths of the pulled capture outputs.
type Artifacts struct {
	Dat       string `json:"dat"`
	Report    string `json:"report"`
	BinderLog string `json:"binder_log"`
}

// Status is a point-in-time view of a session for reporting surfaces.
type Status struct {
	RunID          string        `json:"run_id"`
	App            string        `json:"app"`
	State          string        `json:"state"`
	SelectedEvents []string      `json:"selected_events"`
	Elapsed        time.Duration `json:"elapsed_us"`
	Error          string        `json:"error,omitempty"`
}

// Session is the trace-session state machine. Only one session may be
// active against a given device at a time: it exclusively owns the device's
// tracer and event-selection files for the duration of its run.
type Session struct {
	channel adb.Channel
	clock   metrics.Clock
	syslog  *SysLogger
	cfg     Config
	runID   string
	logger  *slog.Logger

	// Progress, when set, is called during the capture window with the
	// elapsed device time and the total window length.
	Progress func(elapsed, total time.Duration)

	mu       sync.RWMutex
	state    State
	selected []string
	elapsed  time.Duration
	err      error
}

// NewSession builds a session in StateIdle.
func NewSession(channel adb.Channel, clock metrics.Clock, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Session{
		channel: channel,
		clock:   clock,
		syslog:  NewSysLogger(channel, cfg, logger),
		cfg:     cfg,
		runID:   runID,
		logger:  logger.With("component", "session", "run_id", runID, "app", cfg.App),
	}
}

// RunID returns the unique identifier of this session.
func (s *Session) RunID() string {
	return s.runID
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SelectedEvents returns the event names actually selected on the device.
func (s *Session) SelectedEvents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.selected))
	copy(out, s.selected)
	return out
}

// Err returns the failure that moved the session to StateFailed, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Status returns a snapshot of the session for reporting surfaces.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		RunID:          s.runID,
		App:            s.cfg.App,
		State:          s.state.String(),
		SelectedEvents: append([]string(nil), s.selected...),
		Elapsed:        s.elapsed,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Info("session state", "from", prev, "to", next)
}

func (s *Session) fail(err error) error {
	err = fmt.Errorf("%w: %w", ErrFailed, err)
	s.mu.Lock()
	s.err = err
	s.state = StateFailed
	s.mu.Unlock()
	s.logger.Error("session failed", "err", err)
	return err
}

// Clear resets the tracer to nop and erases the accumulated trace buffer and
// event selection. Every step is idempotent and safely re-runnable.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.channel.WriteFile(ctx, s.cfg.TracingRoot+"/current_tracer", "nop"); err != nil {
		return s.fail(fmt.Errorf("reset tracer: %w", err))
	}
	if err := s.channel.ClearFile(ctx, s.cfg.TracingRoot+"/trace"); err != nil {
		return s.fail(fmt.Errorf("clear trace buffer: %w", err))
	}
	if err := s.channel.ClearFile(ctx, s.cfg.TracingRoot+"/set_event"); err != nil {
		return s.fail(fmt.Errorf("clear event selection: %w", err))
	}
	s.setState(StateCleared)
	return nil
}

// Configure selects the requested events that the device's catalog
// advertises and, when available, the requested tracer type. Unsupported
// event names are dropped silently; an unsupported tracer leaves the
// previous tracer active.
func (s *Session) Configure(ctx context.Context) error {
	catalog, err := s.channel.ReadFile(ctx, s.cfg.TracingRoot+"/available_events")
	if err != nil {
		return s.fail(fmt.Errorf("read event catalog: %w", err))
	}

	selected := filterEvents(s.cfg.Events, catalog)
	if dropped := len(s.cfg.Events) - len(selected); dropped > 0 {
		s.logger.Warn("events not advertised by device", "dropped", dropped, "selected", selected)
	}
	for _, event := range selected {
		if err := s.channel.AppendFile(ctx, s.cfg.TracingRoot+"/set_event", event); err != nil {
			return s.fail(fmt.Errorf("select event %s: %w", event, err))
		}
	}
	s.mu.Lock()
	s.selected = selected
	s.mu.Unlock()

	tracers, err := s.channel.ReadFile(ctx, s.cfg.TracingRoot+"/available_tracers")
	if err != nil {
		return s.fail(fmt.Errorf("read tracer catalog: %w", err))
	}
	if s.cfg.Tracer != "" && containsWord(tracers, s.cfg.Tracer) {
		if err := s.channel.WriteFile(ctx, s.cfg.TracingRoot+"/current_tracer", s.cfg.Tracer); err != nil {
			return s.fail(fmt.Errorf("select tracer %s: %w", s.cfg.Tracer, err))
		}
	} else if s.cfg.Tracer != "" {
		s.logger.Warn("tracer not advertised, keeping previous", "tracer", s.cfg.Tracer)
	}

	s.setState(StateConfigured)
	return nil
}

// Capture runs the timed capture window. The logging daemon is started
// strictly before the window opens and stopped strictly after it closes.
// Elapsed time is measured against the device clock so host round-trip
// latency cannot skew short captures.
func (s *Session) Capture(ctx context.Context) error {
	if s.cfg.Duration > safeCaptureLimit {
		s.logger.Warn("capture exceeds safe duration, trace buffer may drop records",
			"duration", s.cfg.Duration, "limit", safeCaptureLimit)
	}

	if err := s.syslog.Setup(ctx); err != nil {
		return s.fail(err)
	}
	if err := s.syslog.Start(ctx); err != nil {
		return s.fail(err)
	}
	s.setState(StateCapturing)

	window := s.cfg.Duration + s.cfg.Preamble
	start, err := s.clock.Now(ctx)
	if err != nil {
		return s.fail(err)
	}
	if err := s.setTracing(ctx, true); err != nil {
		return s.fail(err)
	}

	elapsed, pollErr := s.pollWindow(ctx, start, window)
	// The capture flag comes down even when polling was interrupted.
	if err := s.setTracing(ctx, false); err != nil {
		return s.fail(err)
	}
	if pollErr != nil {
		return s.fail(pollErr)
	}

	s.mu.Lock()
	s.elapsed = elapsed
	s.mu.Unlock()
	s.logger.Info("capture window closed", "elapsed", elapsed, "window", window)

	if err := s.syslog.Stop(ctx); err != nil {
		return s.fail(err)
	}
	s.setState(StateStopped)
	return nil
}

func (s *Session) pollWindow(ctx context.Context, start int64, window time.Duration) (time.Duration, error) {
	for {
		now, err := s.clock.Now(ctx)
		if err != nil {
			return 0, err
		}
		elapsed := time.Duration(now-start) * time.Microsecond
		if s.Progress != nil {
			s.Progress(elapsed, window)
		}
		if elapsed >= window {
			return elapsed, nil
		}
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			return 0, err
		}
	}
}

func (s *Session) setTracing(ctx context.Context, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if err := s.channel.WriteFile(ctx, s.cfg.TracingRoot+"/tracing_on", value); err != nil {
		return fmt.Errorf("set tracing_on=%s: %w", value, err)
	}
	return nil
}

// Retrieve pulls the capture artifacts to the local results directory under
// names derived from the application name.
func (s *Session) Retrieve(ctx context.Context) (Artifacts, error) {
	if s.State() == StateFailed {
		return Artifacts{}, fmt.Errorf("not retrieving artifacts: %w", s.Err())
	}

	if err := os.MkdirAll(s.cfg.ResultsDir, 0o755); err != nil {
		return Artifacts{}, s.fail(fmt.Errorf("create results dir: %w", err))
	}

	artifacts := Artifacts{
		Dat:       filepath.Join(s.cfg.ResultsDir, s.cfg.App+".dat"),
		Report:    filepath.Join(s.cfg.ResultsDir, s.cfg.App+".report"),
		BinderLog: filepath.Join(s.cfg.ResultsDir, s.cfg.App+".tlog"),
	}
	pulls := []struct{ remote, local string }{
		{s.cfg.TraceDat, artifacts.Dat},
		{s.cfg.TraceReport, artifacts.Report},
		{s.cfg.BinderLog, artifacts.BinderLog},
	}
	for _, p := range pulls {
		s.logger.Info("pulling artifact", "remote", p.remote, "local", p.local)
		if err := s.channel.Pull(ctx, p.remote, p.local); err != nil {
			return Artifacts{}, s.fail(fmt.Errorf("pull %s: %w", p.remote, err))
		}
	}

	s.setState(StateRetrieved)
	return artifacts, nil
}

// Run executes the full state machine: clear (unless skipped), configure,
// capture and retrieve.
func (s *Session) Run(ctx context.Context) (Artifacts, error) {
	if !s.cfg.SkipClear {
		if err := s.Clear(ctx); err != nil {
			return Artifacts{}, err
		}
	}
	if err := s.Configure(ctx); err != nil {
		return Artifacts{}, err
	}
	if err := s.Capture(ctx); err != nil {
		return Artifacts{}, err
	}
	return s.Retrieve(ctx)
}

// containsWord reports whether the whitespace-separated list contains word.
func containsWord(list, word string) bool {
	for _, field := range strings.Fields(list) {
		if field == word {
			return true
		}
	}
	return false
}
