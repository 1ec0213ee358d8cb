// Package pidscan resolves an application name to the process and thread
// identities running on the target device.
package pidscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/powerlab/etrace/internal/adb"
)

// ErrNotFound is returned when no process on the device matches the
// requested application name.
var ErrNotFound = errors.New("pidscan: no matching process")

// Identity describes a resolved process or thread. The main process carries
// the thread label "main".
type Identity struct {
	PID       int    `json:"pid"`
	User      string `json:"user"`
	StartTime string `json:"start_time"`
	Name      string `json:"name"`
	Thread    string `json:"thread"`
}

// Resolver looks up process identities over the command channel. Matching is
// substring-based and case-sensitive against the raw remote listing.
type Resolver struct {
	channel adb.Channel
	logger  *slog.Logger
}

func NewResolver(channel adb.Channel, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		channel: channel,
		logger:  logger.With("component", "pidscan"),
	}
}

// ResolveMain finds the first process whose listing matches name.
func (r *Resolver) ResolveMain(ctx context.Context, name string) (Identity, error) {
	out, err := r.channel.Run(ctx, "ps | grep "+name)
	if err != nil {
		return Identity{}, fmt.Errorf("list processes: %w", err)
	}

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" || strings.Contains(line, "grep") {
			continue
		}
		identity, err := parseMainLine(line)
		if err != nil {
			r.logger.Debug("skipping unparsable ps line", "line", line, "err", err)
			continue
		}
		r.logger.Debug("resolved main process", "pid", identity.PID, "name", identity.Name)
		return identity, nil
	}
	return Identity{}, fmt.Errorf("%w for %q", ErrNotFound, name)
}

// ResolveAll finds every thread belonging to processes matching name. No
// match yields an empty slice, not an error.
func (r *Resolver) ResolveAll(ctx context.Context, name string) ([]Identity, error) {
	out, err := r.channel.Run(ctx, "busybox ps -T | grep "+name)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var identities []Identity
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" || strings.Contains(line, "grep") {
			continue
		}
		identity, err := parseThreadLine(line)
		if err != nil {
			r.logger.Debug("skipping unparsable thread line", "line", line, "err", err)
			continue
		}
		identities = append(identities, identity)
	}
	r.logger.Debug("resolved threads", "name", name, "count", len(identities))
	return identities, nil
}

// parseMainLine parses a toolbox ps row:
//
//	USER PID PPID VSIZE RSS WCHAN PC S NAME
func parseMainLine(line string) (Identity, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return Identity{}, fmt.Errorf("short ps line (%d fields)", len(fields))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Identity{}, fmt.Errorf("parse pid %q: %w", fields[1], err)
	}
	return Identity{
		PID:    pid,
		User:   fields[0],
		Name:   fields[8],
		Thread: "main",
	}, nil
}

// parseThreadLine parses a busybox ps -T row whose thread label is wrapped
// in braces:
//
//	PID USER TIME {thread} NAME
func parseThreadLine(line string) (Identity, error) {
	open := strings.Index(line, "{")
	end := strings.Index(line, "}")
	if open < 0 || end < open {
		return Identity{}, fmt.Errorf("no thread label")
	}

	before := strings.Fields(line[:open])
	if len(before) < 3 {
		return Identity{}, fmt.Errorf("short thread line prefix (%d fields)", len(before))
	}
	after := strings.Fields(line[end+1:])
	if len(after) < 1 {
		return Identity{}, fmt.Errorf("missing process name")
	}

	pid, err := strconv.Atoi(before[0])
	if err != nil {
		return Identity{}, fmt.Errorf("parse pid %q: %w", before[0], err)
	}
	return Identity{
		PID:       pid,
		User:      before[1],
		StartTime: before[2],
		Name:      after[0],
		Thread:    line[open+1 : end],
	}, nil
}
