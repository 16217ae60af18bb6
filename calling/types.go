/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"math"
	"time"
)

// CallRecord is the usage record reported to the call-history store after a
// connected call ends. Times are RFC 3339; duration is whole seconds,
// rounded to nearest.
type CallRecord struct {
	CallerID   string    `json:"callerId"`
	ReceiverID string    `json:"receiverId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	Duration   int       `json:"duration"`
	Status     string    `json:"status"`
}

// CallStatusCompleted is the only status this client reports: records exist
// only for calls that reached the connected state.
const CallStatusCompleted = "completed"

// NewCallRecord builds a completed-call record from the session endpoints
// and the connected interval.
func NewCallRecord(callerID, receiverID string, start, end time.Time) CallRecord {
	return CallRecord{
		CallerID:   callerID,
		ReceiverID: receiverID,
		StartTime:  start,
		EndTime:    end,
		Duration:   int(math.Round(end.Sub(start).Seconds())),
		Status:     CallStatusCompleted,
	}
}

// AudioSide identifies which leg of the call an audio measurement belongs to
type AudioSide string

const (
	SideLocal  AudioSide = "local"
	SideRemote AudioSide = "remote"
)

// LevelEvent is the payload of the level session event: a 0-100 loudness
// value for one side of the call.
type LevelEvent struct {
	Side  AudioSide `json:"side"`
	Level int       `json:"level"`
}

// SessionInfo is a read-only snapshot of the active session
type SessionInfo struct {
	SessionID string       `json:"sessionId"`
	RemoteID  string       `json:"remoteId"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"startedAt,omitempty"`
	Muted     bool         `json:"muted"`
}
