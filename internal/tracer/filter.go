package tracer

import (
	"context"
	"fmt"
	"strings"
)

// filterEvents returns the requested events present in the device's event
// catalog, preserving request order and dropping duplicates. Unsupported
// names are dropped, never errored.
func filterEvents(requested []string, catalog string) []string {
	var selected []string
	seen := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.Contains(catalog, name) {
			selected = append(selected, name)
		}
	}
	return selected
}

// eventDir locates an event's directory under the tracing events subtree.
func (s *Session) eventDir(ctx context.Context, event string) (string, error) {
	out, err := s.channel.Run(ctx, fmt.Sprintf("find %s/events -name %s", s.cfg.TracingRoot, event))
	if err != nil {
		return "", fmt.Errorf("locate event %s: %w", event, err)
	}
	dir := strings.TrimSpace(out)
	if dir == "" {
		return "", fmt.Errorf("event %s has no directory under %s/events", event, s.cfg.TracingRoot)
	}
	if i := strings.IndexByte(dir, '\n'); i >= 0 {
		dir = strings.TrimSpace(dir[:i])
	}
	return dir, nil
}

// SetEventFilter appends an ftrace filter expression for the named event.
func (s *Session) SetEventFilter(ctx context.Context, event, filter string) error {
	dir, err := s.eventDir(ctx, event)
	if err != nil {
		return err
	}
	return s.channel.AppendFile(ctx, dir+"/filter", filter)
}

// ClearEventFilter resets the named event's filter.
func (s *Session) ClearEventFilter(ctx context.Context, event string) error {
	dir, err := s.eventDir(ctx, event)
	if err != nil {
		return err
	}
	return s.channel.ClearFile(ctx, dir+"/filter")
}

// EventFormat returns the named event's format description.
func (s *Session) EventFormat(ctx context.Context, event string) (string, error) {
	dir, err := s.eventDir(ctx, event)
	if err != nil {
		return "", err
	}
	return s.channel.ReadFile(ctx, dir+"/format")
}
