/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pandacall/pandacall-go/signaling"
)

func TestSessionController_RegisterRequired(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	if err := ctrl.PlaceCall("bob"); err == nil {
		t.Error("Expected PlaceCall before Register to fail")
	}
	if err := ctrl.Register(""); err == nil {
		t.Error("Expected Register with empty id to fail")
	}
}

func TestSessionController_PlaceCall(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	var progressed []interface{}
	ctrl.Emitter.On(string(SessionEventProgress), func(d interface{}) {
		progressed = append(progressed, d)
	})

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}

	if got := ctrl.State(); got != SessionStateCalling {
		t.Errorf("Expected state calling, got %s", got)
	}

	placed := fake.placedCalls()
	if len(placed) != 1 {
		t.Fatalf("Expected 1 relayed offer, got %d", len(placed))
	}
	if placed[0].to != "bob" || placed[0].from != "alice" {
		t.Errorf("Expected alice→bob, got %s→%s", placed[0].from, placed[0].to)
	}
	if placed[0].offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("Expected an SDP offer, got %s", placed[0].offer.Type)
	}

	if len(progressed) != 1 || progressed[0] != "bob" {
		t.Errorf("Expected one progress event for bob, got %v", progressed)
	}
}

func TestSessionController_PlaceCallWhileBusy(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	if err := ctrl.PlaceCall("carol"); err == nil {
		t.Error("Expected second PlaceCall to fail while a session exists")
	}
	if err := ctrl.PlaceCall(""); err == nil {
		t.Error("Expected PlaceCall with empty target to fail")
	}
}

func TestSessionController_TrickleCandidatesWhileCalling(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}

	// Host candidates are gathered as soon as the local description is set
	// and must be forwarded immediately, before any answer arrives.
	deadline := time.Now().Add(5 * time.Second)
	for len(fake.relayedCandidates()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for trickled candidates")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := ctrl.State(); got != SessionStateCalling {
		t.Errorf("Expected candidates forwarded while still calling, got state %s", got)
	}
	for _, relayed := range fake.relayedCandidates() {
		if relayed.to != "bob" {
			t.Errorf("Expected candidate relayed to bob, got %q", relayed.to)
		}
		if relayed.candidate.Candidate == "" {
			t.Error("Expected a non-empty candidate string")
		}
	}
}

func TestSessionController_TeardownStopsMeterAndTicker(t *testing.T) {
	fake := newFakeChannel()
	media := NewLocalMedia(nil)
	ctrl := NewSessionController(fake, media, nil, &Config{
		MeterInterval: 10 * time.Millisecond,
	})
	mustRegister(t, ctrl, "alice")

	var mu sync.Mutex
	var levels, durations int
	ctrl.Emitter.On(string(SessionEventLevel), func(d interface{}) {
		mu.Lock()
		levels++
		mu.Unlock()
	})
	ctrl.Emitter.On(string(SessionEventDuration), func(d interface{}) {
		mu.Lock()
		durations++
		mu.Unlock()
	})

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	answer := answerFor(t, fake.placedCalls()[0].offer)
	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{Answer: answer})

	stream := media.Held()
	if stream == nil {
		t.Fatal("Expected a held local stream while in-call")
	}

	// Feed audio until the meter reports at least once
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := stream.WriteSample(make([]byte, 160), 20); err != nil {
			t.Fatalf("WriteSample returned error: %v", err)
		}
		mu.Lock()
		n := levels
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a level event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Wait for at least one duration tick
	deadline = time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := durations
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a duration event")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup returned error: %v", err)
	}

	// Let any event already in flight at teardown land, then freeze counts
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	levelsAfter, durationsAfter := levels, durations
	mu.Unlock()

	// Neither the meter nor the duration ticker may outlive the session
	_ = stream.WriteSample(make([]byte, 160), 20)
	time.Sleep(1300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if levels != levelsAfter {
		t.Errorf("Expected no level events after teardown, got %d more", levels-levelsAfter)
	}
	if durations != durationsAfter {
		t.Errorf("Expected no duration events after teardown, got %d more", durations-durationsAfter)
	}
}

func TestSessionController_IncomingCall(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	var rings []interface{}
	ctrl.Emitter.On(string(SessionEventRing), func(d interface{}) {
		rings = append(rings, d)
	})

	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "bob",
		Offer: newRemoteOffer(t),
	})

	if got := ctrl.State(); got != SessionStateIncoming {
		t.Errorf("Expected state incoming, got %s", got)
	}
	if len(rings) != 1 || rings[0] != "bob" {
		t.Errorf("Expected one ring event for bob, got %v", rings)
	}

	info := ctrl.Info()
	if info == nil || info.RemoteID != "bob" {
		t.Errorf("Expected session info for bob, got %+v", info)
	}
}

func TestSessionController_IncomingWhileBusyDropped(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}

	var rings int
	ctrl.Emitter.On(string(SessionEventRing), func(d interface{}) { rings++ })

	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "carol",
		Offer: newRemoteOffer(t),
	})

	if got := ctrl.State(); got != SessionStateCalling {
		t.Errorf("Expected outbound session untouched, got %s", got)
	}
	if rings != 0 {
		t.Error("Expected no ring event while busy")
	}
	if info := ctrl.Info(); info.RemoteID != "bob" {
		t.Errorf("Expected session with bob preserved, got %s", info.RemoteID)
	}
}

func TestSessionController_Accept(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	var connects int
	ctrl.Emitter.On(string(SessionEventConnect), func(d interface{}) { connects++ })

	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "bob",
		Offer: newRemoteOffer(t),
	})

	if err := ctrl.Accept(); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	if got := ctrl.State(); got != SessionStateInCall {
		t.Errorf("Expected state in-call, got %s", got)
	}
	accepted := fake.acceptedCalls()
	if len(accepted) != 1 {
		t.Fatalf("Expected 1 relayed answer, got %d", len(accepted))
	}
	if accepted[0].to != "bob" || accepted[0].from != "alice" {
		t.Errorf("Expected answer alice→bob, got %s→%s", accepted[0].from, accepted[0].to)
	}
	if accepted[0].answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("Expected an SDP answer, got %s", accepted[0].answer.Type)
	}
	if connects != 1 {
		t.Errorf("Expected one connect event, got %d", connects)
	}

	// Double accept is a no-op once connected
	if err := ctrl.Accept(); err != nil {
		t.Errorf("Expected double accept to be a no-op, got %v", err)
	}
	if len(fake.acceptedCalls()) != 1 {
		t.Error("Expected no second answer on double accept")
	}
}

func TestSessionController_AcceptWithoutIncoming(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	if err := ctrl.Accept(); err == nil {
		t.Error("Expected Accept without incoming call to fail")
	}
}

func TestSessionController_Reject(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	disconnects := captureDisconnects(ctrl)

	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "bob",
		Offer: newRemoteOffer(t),
	})

	if err := ctrl.Reject(); err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle after reject, got %s", got)
	}
	// Reject is silent: the caller's side is not notified
	if len(fake.endedCalls()) != 0 {
		t.Error("Expected no end-call frame on reject")
	}
	assertDisconnectCause(t, disconnects, CauseRejected)

	if err := ctrl.Reject(); err == nil {
		t.Error("Expected second Reject to fail with no incoming call")
	}
}

func TestSessionController_Hangup(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	// Hangup while idle is a no-op
	if err := ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup while idle returned error: %v", err)
	}

	disconnects := captureDisconnects(ctrl)

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	if err := ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup returned error: %v", err)
	}

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle after hangup, got %s", got)
	}
	ended := fake.endedCalls()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 end-call frame, got %d", len(ended))
	}
	if ended[0][0] != "bob" || ended[0][1] != "alice" {
		t.Errorf("Expected end-call bob←alice, got %v", ended[0])
	}
	assertDisconnectCause(t, disconnects, CauseLocalHangup)
}

func TestSessionController_CallAcceptedConnects(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	var connects int
	ctrl.Emitter.On(string(SessionEventConnect), func(d interface{}) { connects++ })

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}

	answer := answerFor(t, fake.placedCalls()[0].offer)
	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{Answer: answer})

	if got := ctrl.State(); got != SessionStateInCall {
		t.Errorf("Expected in-call after call-accepted, got %s", got)
	}
	if connects != 1 {
		t.Errorf("Expected one connect event, got %d", connects)
	}
	if info := ctrl.Info(); info.StartedAt.IsZero() {
		t.Error("Expected StartedAt stamped on connect")
	}

	// Duplicate call-accepted around a relay reconnect must not reconnect
	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{Answer: answer})
	if connects != 1 {
		t.Errorf("Expected duplicate call-accepted ignored, got %d connects", connects)
	}
}

func TestSessionController_CallAcceptedWhileIdleIgnored(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle, got %s", got)
	}
}

func TestSessionController_RemoteHangup(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	disconnects := captureDisconnects(ctrl)

	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "bob",
		Offer: newRemoteOffer(t),
	})
	fake.deliver(t, signaling.EventCallEnded, signaling.CallEndedPayload{From: "bob"})

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle after call-ended, got %s", got)
	}
	assertDisconnectCause(t, disconnects, CauseRemoteHangup)
}

func TestSessionController_UserOffline(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	disconnects := captureDisconnects(ctrl)
	var callErrors int
	ctrl.Emitter.On(string(SessionEventError), func(d interface{}) { callErrors++ })

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	fake.deliver(t, signaling.EventUserOffline, signaling.UserOfflinePayload{To: "bob"})

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle after user-offline, got %s", got)
	}
	if callErrors != 1 {
		t.Errorf("Expected one call_error event, got %d", callErrors)
	}
	assertDisconnectCause(t, disconnects, CauseTargetOffline)
}

func TestSessionController_CandidateWithoutPeerDropped(t *testing.T) {
	ctrl, fake := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	// No session at all: must not panic
	fake.deliver(t, signaling.EventICECandidate, signaling.ICECandidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host"},
	})

	// Incoming session has no transport until Accept
	fake.deliver(t, signaling.EventIncomingCall, signaling.IncomingCallPayload{
		From:  "bob",
		Offer: newRemoteOffer(t),
	})
	fake.deliver(t, signaling.EventICECandidate, signaling.ICECandidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host"},
	})

	if got := ctrl.State(); got != SessionStateIncoming {
		t.Errorf("Expected session to survive early candidates, got %s", got)
	}
}

func TestSessionController_HangupPostsHistory(t *testing.T) {
	var posted int64
	var record CallRecord
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posted, 1)
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&record)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctrl, fake := newTestController(t, NewHistoryReporter(newTestCore(t, server.URL)))
	mustRegister(t, ctrl, "alice")

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	answer := answerFor(t, fake.placedCalls()[0].offer)
	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{Answer: answer})

	if err := ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup returned error: %v", err)
	}

	if got := atomic.LoadInt64(&posted); got != 1 {
		t.Fatalf("Expected 1 history post, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if record.CallerID != "alice" || record.ReceiverID != "bob" {
		t.Errorf("Expected record alice→bob, got %s→%s", record.CallerID, record.ReceiverID)
	}
	if record.Status != CallStatusCompleted {
		t.Errorf("Expected completed status, got %q", record.Status)
	}
}

func TestSessionController_NoHistoryForUnconnectedCall(t *testing.T) {
	var posted int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posted, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctrl, _ := newTestController(t, NewHistoryReporter(newTestCore(t, server.URL)))
	mustRegister(t, ctrl, "alice")

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	if err := ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup returned error: %v", err)
	}

	if got := atomic.LoadInt64(&posted); got != 0 {
		t.Errorf("Expected no history for a call that never connected, got %d posts", got)
	}
}

func TestSessionController_ChannelLostSkipsHistory(t *testing.T) {
	var posted int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posted, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctrl, fake := newTestController(t, NewHistoryReporter(newTestCore(t, server.URL)))
	mustRegister(t, ctrl, "alice")

	disconnects := captureDisconnects(ctrl)

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	answer := answerFor(t, fake.placedCalls()[0].offer)
	fake.deliver(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{Answer: answer})

	fake.fireDisconnect(t)

	if got := ctrl.State(); got != SessionStateIdle {
		t.Errorf("Expected idle after channel loss, got %s", got)
	}
	assertDisconnectCause(t, disconnects, CauseChannelLost)
	if got := atomic.LoadInt64(&posted); got != 0 {
		t.Errorf("Expected no history after channel loss, got %d posts", got)
	}
}

func TestSessionController_Mute(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	mustRegister(t, ctrl, "alice")

	if err := ctrl.SetMuted(true); err == nil {
		t.Error("Expected SetMuted without a call to fail")
	}

	if err := ctrl.PlaceCall("bob"); err != nil {
		t.Fatalf("PlaceCall returned error: %v", err)
	}
	if err := ctrl.SetMuted(true); err != nil {
		t.Fatalf("SetMuted returned error: %v", err)
	}
	if info := ctrl.Info(); !info.Muted {
		t.Error("Expected session info to report muted")
	}
	if err := ctrl.SetMuted(false); err != nil {
		t.Fatalf("Unmute returned error: %v", err)
	}
	if info := ctrl.Info(); info.Muted {
		t.Error("Expected session info to report unmuted")
	}
}

func TestSessionController_SpeakerFallback(t *testing.T) {
	sink := NewNullSink()
	ctrl := NewSessionController(newFakeChannel(), NewLocalMedia(nil), nil, &Config{
		MeterInterval: 10 * time.Millisecond,
		Sink:          sink,
	})

	if err := ctrl.SetSpeaker(false); err != nil {
		t.Fatalf("SetSpeaker returned error: %v", err)
	}
	if !sink.IsMuted() {
		t.Error("Expected sink muted while speaker is off")
	}
	if err := ctrl.SetSpeaker(true); err != nil {
		t.Fatalf("SetSpeaker returned error: %v", err)
	}
	if sink.IsMuted() {
		t.Error("Expected sink unmuted while speaker is on")
	}
}

// --- Fixtures ---

func newTestController(t *testing.T, reporter *HistoryReporter) (*SessionController, *fakeChannel) {
	t.Helper()
	fake := newFakeChannel()
	ctrl := NewSessionController(fake, NewLocalMedia(nil), reporter, &Config{
		MeterInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = ctrl.Hangup() })
	return ctrl, fake
}

func mustRegister(t *testing.T, ctrl *SessionController, userID string) {
	t.Helper()
	if err := ctrl.Register(userID); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
}

func captureDisconnects(ctrl *SessionController) *[]DisconnectInfo {
	var infos []DisconnectInfo
	ctrl.Emitter.On(string(SessionEventDisconnect), func(d interface{}) {
		if info, ok := d.(DisconnectInfo); ok {
			infos = append(infos, info)
		}
	})
	return &infos
}

func assertDisconnectCause(t *testing.T, infos *[]DisconnectInfo, want DisconnectCause) {
	t.Helper()
	if len(*infos) != 1 {
		t.Fatalf("Expected 1 disconnect event, got %d", len(*infos))
	}
	if got := (*infos)[0].Cause; got != want {
		t.Errorf("Expected disconnect cause %s, got %s", want, got)
	}
}

// newRemoteOffer produces a real audio offer from a throwaway peer, so the
// controller negotiates against valid SDP.
func newRemoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create remote peer: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("Failed to add audio transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create remote offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set remote local description: %v", err)
	}
	return offer
}

// answerFor produces a real answer to the given offer from a throwaway peer.
func answerFor(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create remote peer: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if err := pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("Failed to apply offer on remote peer: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("Failed to create remote answer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("Failed to set remote local description: %v", err)
	}
	return answer
}

// --- Fake signaling channel ---

type placedCall struct {
	to, from string
	offer    webrtc.SessionDescription
}

type acceptedCall struct {
	to, from string
	answer   webrtc.SessionDescription
}

type relayedCandidate struct {
	to        string
	candidate webrtc.ICECandidateInit
}

type fakeChannel struct {
	mu          sync.Mutex
	registered  []string
	placed      []placedCall
	accepted    []acceptedCall
	candidates  []relayedCandidate
	ended       [][2]string
	handlers    map[string]signaling.EventHandler
	disconnects []signaling.DisconnectHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]signaling.EventHandler)}
}

func (f *fakeChannel) Register(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, userID)
	return nil
}

func (f *fakeChannel) PlaceCall(to, from string, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, placedCall{to: to, from: from, offer: offer})
	return nil
}

func (f *fakeChannel) AcceptCall(to, from string, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, acceptedCall{to: to, from: from, answer: answer})
	return nil
}

func (f *fakeChannel) RelayICECandidate(to string, candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, relayedCandidate{to: to, candidate: candidate})
	return nil
}

func (f *fakeChannel) EndCall(to, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, [2]string{to, from})
	return nil
}

func (f *fakeChannel) On(event string, handler signaling.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeChannel) OnDisconnect(handler signaling.DisconnectHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, handler)
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handler := f.handlers[event]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("No handler registered for %s", event)
	}
	handler(json.RawMessage(data))
}

func (f *fakeChannel) fireDisconnect(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	handlers := make([]signaling.DisconnectHandler, len(f.disconnects))
	copy(handlers, f.disconnects)
	f.mu.Unlock()
	for _, h := range handlers {
		h(nil)
	}
}

func (f *fakeChannel) placedCalls() []placedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedCall, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *fakeChannel) acceptedCalls() []acceptedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]acceptedCall, len(f.accepted))
	copy(out, f.accepted)
	return out
}

func (f *fakeChannel) relayedCandidates() []relayedCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relayedCandidate, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakeChannel) endedCalls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.ended))
	copy(out, f.ended)
	return out
}
