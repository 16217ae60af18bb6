/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Relay event names. Outbound and inbound events share the same wire
// vocabulary; direction determines meaning.
const (
	EventRegister     = "register"
	EventCallUser     = "call-user"
	EventAcceptCall   = "accept-call"
	EventICECandidate = "ice-candidate"
	EventEndCall      = "end-call"
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallEnded    = "call-ended"
	EventUserOffline  = "user-offline"
	EventRegistered   = "registered"
)

// Frame is the wire envelope for every relay message:
// a JSON text frame {"event": "<name>", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CallUserPayload is sent with the call-user event to place a call.
type CallUserPayload struct {
	To    string                    `json:"to"`
	From  string                    `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// AcceptCallPayload is sent with the accept-call event to answer a call.
type AcceptCallPayload struct {
	To     string                    `json:"to"`
	From   string                    `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// ICECandidatePayload relays one trickled ICE candidate. The relay fills
// From on delivery; senders only set To and Candidate.
type ICECandidatePayload struct {
	To        string                  `json:"to,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// EndCallPayload is sent with the end-call event to hang up.
type EndCallPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// IncomingCallPayload is delivered with the incoming-call event.
type IncomingCallPayload struct {
	From  string                    `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// CallAcceptedPayload is delivered with the call-accepted event.
type CallAcceptedPayload struct {
	From   string                    `json:"from,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// CallEndedPayload is delivered with the call-ended event.
type CallEndedPayload struct {
	From string `json:"from,omitempty"`
}

// UserOfflinePayload is delivered when a call target is not registered.
type UserOfflinePayload struct {
	To string `json:"to"`
}
