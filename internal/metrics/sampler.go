// Package metrics samples hardware counters from the target device: per-core
// clock frequency, GPU clock and utilization, and the device's own clock.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/powerlab/etrace/internal/adb"
)

const (
	cpuFreqPathPattern = "/sys/devices/system/cpu/cpu%d/cpufreq/scaling_cur_freq"
	gpuClockPath       = "/sys/class/misc/mali0/device/clock"
	gpuUtilPath        = "/sys/class/misc/mali0/device/utilization"
)

// Sampler reads hardware counters over the command channel. The core count
// is read once at construction; every Sample call re-reads the per-core and
// GPU counters.
type Sampler struct {
	channel adb.Channel
	clock   Clock
	cores   int
	logger  *slog.Logger
}

// NewSampler constructs a Sampler, querying the device core count up front.
func NewSampler(ctx context.Context, channel adb.Channel, clock Clock, logger *slog.Logger) (*Sampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out, err := channel.Run(ctx, "nproc")
	if err != nil {
		return nil, fmt.Errorf("query core count: %w", err)
	}
	cores, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, fmt.Errorf("parse core count %q: %w", out, err)
	}
	if cores <= 0 {
		return nil, fmt.Errorf("device reports %d cores", cores)
	}
	return &Sampler{
		channel: channel,
		clock:   clock,
		cores:   cores,
		logger:  logger.With("component", "metrics"),
	}, nil
}

// CoreCount returns the core count read at construction.
func (s *Sampler) CoreCount() int {
	return s.cores
}

// Sample collects a snapshot. Any channel error is fatal to the call.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		CoreCount: s.cores,
	}

	if s.clock != nil {
		deviceTime, err := s.clock.Now(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.DeviceTimeUS = deviceTime
	}

	freqs, err := s.coreFrequencies(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CoreFreqKHz = freqs

	// Per-core load accounting is unsupported on this target; report an
	// explicit zero vector rather than omitting the field.
	snap.CoreLoadPct = make([]float64, s.cores)

	gpuFreq, err := s.readInt(ctx, gpuClockPath)
	if err != nil {
		return Snapshot{}, err
	}
	snap.GPUFreqHz = gpuFreq

	gpuUtil, err := s.readInt(ctx, gpuUtilPath)
	if err != nil {
		return Snapshot{}, err
	}
	snap.GPUUtilPct = gpuUtil

	return snap, nil
}

func (s *Sampler) coreFrequencies(ctx context.Context) ([]int64, error) {
	freqs := make([]int64, 0, s.cores)
	for core := 0; core < s.cores; core++ {
		freq, err := s.readInt(ctx, fmt.Sprintf(cpuFreqPathPattern, core))
		if err != nil {
			return nil, fmt.Errorf("core %d frequency: %w", core, err)
		}
		freqs = append(freqs, freq)
	}
	return freqs, nil
}

func (s *Sampler) readInt(ctx context.Context, path string) (int64, error) {
	out, err := s.channel.ReadFile(ctx, path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s value %q: %w", path, out, err)
	}
	return value, nil
}
