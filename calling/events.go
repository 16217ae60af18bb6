/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import "sync"

// ---- Session State & Event Enums ----

// SessionState represents the state of the call session state machine
type SessionState string

const (
	SessionStateIdle     SessionState = "idle"
	SessionStateCalling  SessionState = "calling"
	SessionStateIncoming SessionState = "incoming"
	SessionStateInCall   SessionState = "in-call"
)

// SessionEventKey identifies the type of session event
type SessionEventKey string

const (
	SessionEventRing        SessionEventKey = "ring"
	SessionEventProgress    SessionEventKey = "progress"
	SessionEventConnect     SessionEventKey = "connect"
	SessionEventDisconnect  SessionEventKey = "disconnect"
	SessionEventDuration    SessionEventKey = "duration"
	SessionEventLevel       SessionEventKey = "level"
	SessionEventRemoteMedia SessionEventKey = "remote_media"
	SessionEventError       SessionEventKey = "call_error"
)

// DisconnectCause explains why a session was torn down
type DisconnectCause string

const (
	CauseLocalHangup      DisconnectCause = "local_hangup"
	CauseRemoteHangup     DisconnectCause = "remote_hangup"
	CauseRejected         DisconnectCause = "rejected"
	CauseTargetOffline    DisconnectCause = "target_offline"
	CauseTransportFailure DisconnectCause = "transport_failure"
	CauseChannelLost      DisconnectCause = "channel_lost"
	CauseSetupFailed      DisconnectCause = "setup_failed"
)

// DisconnectInfo is the payload of the disconnect session event
type DisconnectInfo struct {
	SessionID string          `json:"sessionId"`
	RemoteID  string          `json:"remoteId"`
	Cause     DisconnectCause `json:"cause"`
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
