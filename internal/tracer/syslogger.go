package tracer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/powerlab/etrace/internal/adb"
)

// SysLoggerStatus tracks the lifecycle of the on-device logging daemon.
type SysLoggerStatus int

const (
	SysLoggerInit SysLoggerStatus = iota
	SysLoggerSetup
	SysLoggerStarted
	SysLoggerStopped
	SysLoggerFinished
)

func (s SysLoggerStatus) String() string {
	switch s {
	case SysLoggerInit:
		return "init"
	case SysLoggerSetup:
		return "setup"
	case SysLoggerStarted:
		return "started"
	case SysLoggerStopped:
		return "stopped"
	case SysLoggerFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// SysLogger drives the cooperating logging daemon on the device. The daemon
// records custom trace points concurrently with the kernel tracer, so it
// must be started before the capture window opens and stopped after it
// closes.
type SysLogger struct {
	channel      adb.Channel
	script       string
	bufferPath   string
	targetKB     int
	stepKB       int
	pollInterval time.Duration
	settleDelay  time.Duration
	logger       *slog.Logger

	status SysLoggerStatus
}

// NewSysLogger builds a SysLogger from session configuration.
func NewSysLogger(channel adb.Channel, cfg Config, logger *slog.Logger) *SysLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SysLogger{
		channel:      channel,
		script:       cfg.SysLoggerScript,
		bufferPath:   cfg.TracingRoot + "/buffer_size_kb",
		targetKB:     cfg.BufferTargetKB,
		stepKB:       cfg.BufferStepKB,
		pollInterval: cfg.PollInterval,
		settleDelay:  cfg.SettleDelay,
		logger:       logger.With("component", "syslogger"),
	}
}

// Status returns the daemon lifecycle status.
func (l *SysLogger) Status() SysLoggerStatus {
	return l.status
}

// Setup ramps the kernel trace buffer towards the target size, then runs the
// daemon's setup step.
func (l *SysLogger) Setup(ctx context.Context) error {
	if err := l.rampBuffer(ctx); err != nil {
		return err
	}
	l.logger.Info("syslogger setting up")
	if _, err := l.channel.Run(ctx, l.script+" setup -nt"); err != nil {
		return fmt.Errorf("syslogger setup: %w", err)
	}
	l.status = SysLoggerSetup
	return nil
}

// Start launches the daemon.
func (l *SysLogger) Start(ctx context.Context) error {
	l.logger.Info("syslogger starting")
	if _, err := l.channel.Run(ctx, l.script+" start"); err != nil {
		return fmt.Errorf("syslogger start: %w", err)
	}
	l.status = SysLoggerStarted
	return nil
}

// Stop halts the daemon, waits for it to settle, then runs its finish step.
func (l *SysLogger) Stop(ctx context.Context) error {
	l.logger.Info("syslogger stopping")
	if _, err := l.channel.Run(ctx, l.script+" stop"); err != nil {
		return fmt.Errorf("syslogger stop: %w", err)
	}
	l.status = SysLoggerStopped

	if err := sleepCtx(ctx, l.settleDelay); err != nil {
		return err
	}

	l.logger.Info("syslogger finishing")
	if _, err := l.channel.Run(ctx, l.script+" finish"); err != nil {
		return fmt.Errorf("syslogger finish: %w", err)
	}
	l.status = SysLoggerFinished
	return nil
}

// rampBuffer grows buffer_size_kb in fixed steps until it reaches the target
// floor. The device applies increases slowly, so the achieved value is read
// back after each step; three consecutive reads without change abandon the
// ramp. The floor is advisory, so a stagnant ramp is a warning, not an
// error.
func (l *SysLogger) rampBuffer(ctx context.Context) error {
	current, err := l.readBufferKB(ctx)
	if err != nil {
		return err
	}

	stagnant := 0
	for current < l.targetKB {
		if err := l.channel.WriteFile(ctx, l.bufferPath, strconv.Itoa(current+l.stepKB)); err != nil {
			return fmt.Errorf("grow trace buffer: %w", err)
		}
		if err := sleepCtx(ctx, l.pollInterval); err != nil {
			return err
		}

		previous := current
		current, err = l.readBufferKB(ctx)
		if err != nil {
			return err
		}
		if current == previous {
			stagnant++
			if stagnant == 3 {
				l.logger.Warn("trace buffer ramp stagnated",
					"achieved_kb", current, "target_kb", l.targetKB)
				return nil
			}
		} else {
			stagnant = 0
		}
	}

	l.logger.Debug("trace buffer ready", "size_kb", current)
	return nil
}

// BufferKB reports the current kernel trace buffer size.
func (l *SysLogger) BufferKB(ctx context.Context) (int, error) {
	return l.readBufferKB(ctx)
}

func (l *SysLogger) readBufferKB(ctx context.Context) (int, error) {
	out, err := l.channel.ReadFile(ctx, l.bufferPath)
	if err != nil {
		return 0, fmt.Errorf("read trace buffer size: %w", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse trace buffer size %q: %w", out, err)
	}
	return size, nil
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
