package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically samples the device, caches the latest snapshot, and
// fans updates out to subscribers.
type Monitor struct {
	interval time.Duration
	sampler  *Sampler
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      Snapshot
	hasLatest   bool
	subscribers map[*subscriber]struct{}
}

// NewMonitor builds a Monitor around a pre-constructed sampler.
func NewMonitor(interval time.Duration, sampler *Sampler, logger *slog.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if sampler == nil {
		return nil, fmt.Errorf("sampler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval:    interval,
		sampler:     sampler,
		logger:      logger.With("component", "metrics_monitor"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run samples in a loop until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval)

	// Initial sample to prime the cache.
	m.sampleOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "reason", ctx.Err())
			m.closeSubscribers()
			return nil
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("sample failed", "err", err)
		}
		return
	}
	m.store(snap)
}

// Latest returns the most recent snapshot, if one has been taken.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Ready reports whether at least one snapshot has been published.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Subscribe registers a listener for snapshot updates. The returned function
// removes the subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

func (m *Monitor) store(snap Snapshot) {
	m.mu.Lock()
	m.latest = snap
	m.hasLatest = true
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snap)
	}
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
		delete(m.subscribers, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Snapshot, 1)}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
		// Drop the stale snapshot to make room for the new one.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
