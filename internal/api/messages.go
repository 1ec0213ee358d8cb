package api

import (
	"github.com/powerlab/etrace/internal/adb"
	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/tracer"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Device     adb.Device      `json:"device"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, device adb.Device, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Device:     device,
		Features:   features,
	}
}

// StatsMessage wraps a metrics snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	metrics.Snapshot
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(snapshot metrics.Snapshot) StatsMessage {
	return StatsMessage{
		Type:     "stats",
		Snapshot: snapshot,
	}
}

// SessionMessage wraps a trace-session status for transport.
type SessionMessage struct {
	Type string `json:"type"`
	tracer.Status
}

// NewSessionMessage constructs a session payload.
func NewSessionMessage(status tracer.Status) SessionMessage {
	return SessionMessage{
		Type:   "session",
		Status: status,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
