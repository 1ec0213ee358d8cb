package metrics

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/powerlab/etrace/internal/adb"
)

// Clock reports the device's own monotonic time in microseconds. Timing
// windows are measured against the device clock rather than the host clock
// so that channel round-trip latency does not skew short captures.
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// DeviceClock reads /proc/uptime over the command channel.
type DeviceClock struct {
	channel adb.Channel
}

func NewDeviceClock(channel adb.Channel) *DeviceClock {
	return &DeviceClock{channel: channel}
}

var uptimePattern = regexp.MustCompile(`\d+\.\d{2}`)

// Now returns device uptime in microseconds.
func (c *DeviceClock) Now(ctx context.Context) (int64, error) {
	out, err := c.channel.ReadFile(ctx, "/proc/uptime")
	if err != nil {
		return 0, fmt.Errorf("read device clock: %w", err)
	}
	return parseUptimeMicros(out)
}

func parseUptimeMicros(raw string) (int64, error) {
	match := uptimePattern.FindString(raw)
	if match == "" {
		return 0, fmt.Errorf("unexpected uptime output %q", raw)
	}
	seconds, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return int64(seconds * 1_000_000), nil
}
