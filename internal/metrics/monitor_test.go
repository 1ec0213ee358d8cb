package metrics

import (
	"context"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T) (*Monitor, *fakeChannel) {
	t.Helper()
	ch := newTestChannel()
	s, err := NewSampler(context.Background(), ch, nil, nil)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	m, err := NewMonitor(10*time.Millisecond, s, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m, ch
}

func TestNewMonitorValidation(t *testing.T) {
	if _, err := NewMonitor(0, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewMonitor(time.Second, nil, nil); err == nil {
		t.Fatalf("expected error for nil sampler")
	}
}

func TestMonitorPublishesLatest(t *testing.T) {
	m, _ := newTestMonitor(t)

	if m.Ready() {
		t.Fatalf("monitor should not be ready before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for !m.Ready() {
		select {
		case <-deadline:
			t.Fatalf("monitor never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	snap, ok := m.Latest()
	if !ok {
		t.Fatalf("Latest returned no snapshot after Ready")
	}
	if snap.CoreCount != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	cancel()
	<-done
}

func TestMonitorSubscribe(t *testing.T) {
	m, _ := newTestMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	updates, unsubscribe := m.Subscribe()
	select {
	case snap, ok := <-updates:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		if snap.CoreCount != 4 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot delivered to subscriber")
	}
	unsubscribe()

	// Unsubscribing twice must not panic.
	unsubscribe()

	cancel()
	<-done
}

func TestMonitorSubscribeAfterSampleSeesLatest(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.sampleOnce(ctx)

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	select {
	case snap := <-updates:
		if snap.CoreCount != 4 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	default:
		t.Fatalf("cached snapshot should be delivered immediately")
	}
}
