/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/pandacall/pandacall-go/signaling"
)

// SignalingChannel is the call-control surface the session controller
// drives. The signaling.Client satisfies it; tests inject fakes.
type SignalingChannel interface {
	Register(userID string) error
	PlaceCall(to, from string, offer webrtc.SessionDescription) error
	AcceptCall(to, from string, answer webrtc.SessionDescription) error
	RelayICECandidate(to string, candidate webrtc.ICECandidateInit) error
	EndCall(to, from string) error
	On(event string, handler signaling.EventHandler)
	OnDisconnect(handler signaling.DisconnectHandler)
}

// CallSession is the state for one call attempt. At most one exists at a
// time; the controller owns it behind its mutex.
//
// Invariants:
//   - pendingRemoteOffer is non-nil exactly while state is incoming
//   - startedAt is non-zero exactly while state is in-call (and afterwards
//     during teardown, where it decides whether history is recorded)
type CallSession struct {
	id                 string
	remoteID           string
	outbound           bool
	state              SessionState
	pendingRemoteOffer *webrtc.SessionDescription
	startedAt          time.Time
	stream             *LocalStream
	peer               *PeerConnection
	meter              *LevelMeter
	durationStop       chan struct{}
	torn               bool
}

// SessionController owns the call session state machine: it reacts to local
// operations (place, accept, reject, hang up) and relay events, drives the
// peer transport and media acquisition, and reports history on teardown.
//
// Callbacks re-enter the controller from the channel read loop and Pion's
// goroutines; the mutex serializes them, and every callback is bound to its
// session so anything arriving after teardown is a no-op.
type SessionController struct {
	mu       sync.Mutex
	channel  SignalingChannel
	media    *LocalMedia
	reporter *HistoryReporter
	config   *Config
	sink     PlaybackSink

	localID string
	session *CallSession

	// Emitter publishes session events: ring, progress, connect,
	// disconnect, duration, level, remote_media, call_error.
	Emitter *EventEmitter
}

// NewSessionController creates a controller bound to a signaling channel
func NewSessionController(channel SignalingChannel, media *LocalMedia, reporter *HistoryReporter, config *Config) *SessionController {
	if config == nil {
		config = DefaultConfig()
	}
	if media == nil {
		media = NewLocalMedia(config.Device)
	}
	sink := config.Sink
	if sink == nil {
		sink = NewNullSink()
	}

	c := &SessionController{
		channel:  channel,
		media:    media,
		reporter: reporter,
		config:   config,
		sink:     sink,
		Emitter:  NewEventEmitter(),
	}

	channel.On(signaling.EventIncomingCall, c.handleIncomingCall)
	channel.On(signaling.EventCallAccepted, c.handleCallAccepted)
	channel.On(signaling.EventICECandidate, c.handleRemoteCandidate)
	channel.On(signaling.EventCallEnded, c.handleCallEnded)
	channel.On(signaling.EventUserOffline, c.handleUserOffline)
	channel.OnDisconnect(c.handleChannelLost)

	return c
}

// Register announces the local identity on the signaling channel. Required
// before placing or receiving calls.
func (c *SessionController) Register(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if err := c.channel.Register(userID); err != nil {
		return err
	}

	c.mu.Lock()
	c.localID = userID
	c.mu.Unlock()
	return nil
}

// State returns the current session state; idle when no session exists
func (c *SessionController) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionStateIdle
	}
	return c.session.state
}

// Info returns a snapshot of the active session, or nil when idle
func (c *SessionController) Info() *SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	info := &SessionInfo{
		SessionID: c.session.id,
		RemoteID:  c.session.remoteID,
		State:     c.session.state,
		StartedAt: c.session.startedAt,
	}
	if c.session.stream != nil {
		info.Muted = c.session.stream.IsMuted()
	}
	return info
}

// PlaceCall starts an outbound call to remoteID: acquires media, creates the
// peer transport, and relays the SDP offer. Rejected while unregistered,
// for an empty target, or while any session exists.
func (c *SessionController) PlaceCall(remoteID string) error {
	c.mu.Lock()
	if c.localID == "" {
		c.mu.Unlock()
		return fmt.Errorf("cannot place call: not registered")
	}
	if remoteID == "" {
		c.mu.Unlock()
		return fmt.Errorf("cannot place call: target is empty")
	}
	if c.session != nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot place call: call already in progress")
	}

	sess := &CallSession{
		id:       uuid.New().String(),
		remoteID: remoteID,
		outbound: true,
		state:    SessionStateCalling,
	}
	c.session = sess
	localID := c.localID
	c.mu.Unlock()

	stream, err := c.media.Acquire()
	if err != nil {
		c.failSetup(sess, fmt.Errorf("media acquisition failed: %w", err))
		return err
	}

	peer, err := NewPeerConnection(c.peerConfig())
	if err != nil {
		c.failSetup(sess, fmt.Errorf("peer setup failed: %w", err))
		return err
	}

	if err := c.attachTransport(sess, stream, peer); err != nil {
		return err
	}

	if err := peer.AddLocalTracks(stream); err != nil {
		c.failSetup(sess, err)
		return err
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		c.failSetup(sess, err)
		return err
	}

	if err := c.channel.PlaceCall(remoteID, localID, offer); err != nil {
		c.failSetup(sess, fmt.Errorf("failed to relay offer: %w", err))
		return err
	}

	c.Emitter.Emit(string(SessionEventProgress), remoteID)
	return nil
}

// Accept answers the pending incoming call. The stored remote offer is
// consumed exactly once; accepting again after the call connected is a no-op.
func (c *SessionController) Accept() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot accept: no incoming call")
	}
	if sess.state == SessionStateInCall && sess.pendingRemoteOffer == nil {
		// Double accept
		c.mu.Unlock()
		return nil
	}
	if sess.state != SessionStateIncoming || sess.pendingRemoteOffer == nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot accept: session is %s", sess.state)
	}
	offer := sess.pendingRemoteOffer
	sess.pendingRemoteOffer = nil
	localID := c.localID
	remoteID := sess.remoteID
	c.mu.Unlock()

	stream, err := c.media.Acquire()
	if err != nil {
		c.failSetup(sess, fmt.Errorf("media acquisition failed: %w", err))
		return err
	}

	peer, err := NewPeerConnection(c.peerConfig())
	if err != nil {
		c.failSetup(sess, fmt.Errorf("peer setup failed: %w", err))
		return err
	}

	if err := c.attachTransport(sess, stream, peer); err != nil {
		return err
	}

	if err := peer.SetRemoteDescription(*offer); err != nil {
		c.failSetup(sess, fmt.Errorf("failed to apply remote offer: %w", err))
		return err
	}

	if err := peer.AddLocalTracks(stream); err != nil {
		c.failSetup(sess, err)
		return err
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		c.failSetup(sess, err)
		return err
	}

	if err := c.channel.AcceptCall(remoteID, localID, answer); err != nil {
		c.failSetup(sess, fmt.Errorf("failed to relay answer: %w", err))
		return err
	}

	c.connectSession(sess)
	return nil
}

// Reject discards the pending incoming call. No signaling is sent; the
// caller's side stays ringing until it times out or hangs up.
func (c *SessionController) Reject() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.state != SessionStateIncoming {
		c.mu.Unlock()
		return fmt.Errorf("cannot reject: no incoming call")
	}
	sess.pendingRemoteOffer = nil
	c.mu.Unlock()

	c.teardown(sess, CauseRejected, false)
	return nil
}

// Hangup ends the current session, notifying the remote party. Records
// history when the call had connected. A no-op when idle.
func (c *SessionController) Hangup() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	localID := c.localID
	remoteID := sess.remoteID
	c.mu.Unlock()

	if err := c.channel.EndCall(remoteID, localID); err != nil {
		log.Printf("calling: failed to relay end-call: %v", err)
	}
	c.teardown(sess, CauseLocalHangup, true)
	return nil
}

// SetMuted toggles the local outgoing audio
func (c *SessionController) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.stream == nil {
		return fmt.Errorf("no active call")
	}
	c.session.stream.SetMuted(muted)
	return nil
}

// SetSpeaker routes playback between speaker and earpiece. Sinks without
// output selection fall back to muting the sink while the speaker is off.
func (c *SessionController) SetSpeaker(on bool) error {
	if selector, ok := c.sink.(OutputSelector); ok {
		device := OutputEarpiece
		if on {
			device = OutputSpeaker
		}
		return selector.SetOutput(device)
	}
	c.sink.SetMuted(!on)
	return nil
}

// ---- Relay event handlers ----

func (c *SessionController) handleIncomingCall(data json.RawMessage) {
	var payload signaling.IncomingCallPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("calling: dropping malformed incoming-call: %v", err)
		return
	}
	if payload.From == "" {
		log.Printf("calling: dropping incoming-call with no caller id")
		return
	}

	c.mu.Lock()
	if c.localID == "" {
		c.mu.Unlock()
		log.Printf("calling: ignoring incoming call from %s — not registered", payload.From)
		return
	}
	if c.session != nil {
		state := c.session.state
		c.mu.Unlock()
		log.Printf("calling: ignoring incoming call from %s — session is %s", payload.From, state)
		return
	}

	offer := payload.Offer
	sess := &CallSession{
		id:                 uuid.New().String(),
		remoteID:           payload.From,
		state:              SessionStateIncoming,
		pendingRemoteOffer: &offer,
	}
	c.session = sess
	c.mu.Unlock()

	c.Emitter.Emit(string(SessionEventRing), payload.From)
}

func (c *SessionController) handleCallAccepted(data json.RawMessage) {
	var payload signaling.CallAcceptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("calling: dropping malformed call-accepted: %v", err)
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.state != SessionStateCalling {
		c.mu.Unlock()
		log.Printf("calling: ignoring call-accepted — no outbound call in progress")
		return
	}
	peer := sess.peer
	c.mu.Unlock()

	if peer == nil {
		log.Printf("calling: ignoring call-accepted — transport not ready")
		return
	}

	if err := peer.SetRemoteDescription(payload.Answer); err != nil {
		c.failSetup(sess, fmt.Errorf("failed to apply remote answer: %w", err))
		return
	}

	c.connectSession(sess)
}

func (c *SessionController) handleRemoteCandidate(data json.RawMessage) {
	var payload signaling.ICECandidatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("calling: dropping malformed ice-candidate: %v", err)
		return
	}

	c.mu.Lock()
	var peer *PeerConnection
	if c.session != nil {
		peer = c.session.peer
	}
	c.mu.Unlock()

	if peer == nil {
		// Candidate arrived before the transport exists or after teardown
		log.Printf("calling: dropping ice-candidate — no live peer transport")
		return
	}
	_ = peer.AddRemoteCandidate(payload.Candidate)
}

func (c *SessionController) handleCallEnded(data json.RawMessage) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess, CauseRemoteHangup, true)
}

func (c *SessionController) handleUserOffline(data json.RawMessage) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.state != SessionStateCalling {
		return
	}

	c.Emitter.Emit(string(SessionEventError), fmt.Errorf("call target is offline"))
	c.teardown(sess, CauseTargetOffline, false)
}

// handleChannelLost forces teardown when the signaling channel drops.
// No history is recorded: without the channel the session outcome is
// unknowable, so the fail-safe is to not fabricate a record.
func (c *SessionController) handleChannelLost(err error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess, CauseChannelLost, false)
}

func (c *SessionController) handleTransportFailure(sess *CallSession) {
	if !c.sessionAlive(sess) {
		return
	}
	c.teardown(sess, CauseTransportFailure, true)
}

// ---- Internals ----

func (c *SessionController) peerConfig() *PeerConfig {
	if len(c.config.ICEServers) == 0 {
		return DefaultPeerConfig()
	}
	return &PeerConfig{ICEServers: c.config.ICEServers}
}

// sessionAlive reports whether sess is still the controller's current,
// un-torn session. Callbacks check this before acting.
func (c *SessionController) sessionAlive(sess *CallSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == sess && !sess.torn
}

// attachTransport binds the stream, peer, and a fresh level meter to the
// session and wires the transport callbacks. When the session died while
// media was being acquired, the freshly created resources are shut down
// instead of attached.
func (c *SessionController) attachTransport(sess *CallSession, stream *LocalStream, peer *PeerConnection) error {
	meter := NewLevelMeter(c.config.MeterInterval, func(side AudioSide, level int) {
		if c.sessionAlive(sess) {
			c.Emitter.Emit(string(SessionEventLevel), LevelEvent{Side: side, Level: level})
		}
	})

	stream.SetObserver(func(payload []byte) {
		meter.Observe(SideLocal, payload)
	})

	peer.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if !c.sessionAlive(sess) {
			return
		}
		if err := c.channel.RelayICECandidate(sess.remoteID, candidate); err != nil {
			log.Printf("calling: failed to relay ICE candidate: %v", err)
		}
	})

	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		if !c.sessionAlive(sess) {
			return
		}
		c.Emitter.Emit(string(SessionEventRemoteMedia), track)
		go pumpRemoteTrack(track, c.sink, func(payload []byte) {
			meter.Observe(SideRemote, payload)
		})
	})

	peer.OnTransportFailure(func(state webrtc.PeerConnectionState) {
		c.handleTransportFailure(sess)
	})

	c.mu.Lock()
	if c.session != sess || sess.torn {
		current := c.session
		c.mu.Unlock()
		// Stale acquisition: the session ended while media was opening
		stream.SetObserver(nil)
		meter.Stop()
		_ = peer.Close()
		if current == nil {
			c.media.Release()
		}
		return fmt.Errorf("session ended during setup")
	}
	sess.stream = stream
	sess.peer = peer
	sess.meter = meter
	c.mu.Unlock()
	return nil
}

// connectSession moves the session to in-call: stamps startedAt, starts the
// level meter and the one-second duration ticker, and emits connect.
func (c *SessionController) connectSession(sess *CallSession) {
	c.mu.Lock()
	if c.session != sess || sess.torn || sess.state == SessionStateInCall {
		c.mu.Unlock()
		return
	}
	sess.state = SessionStateInCall
	sess.startedAt = time.Now()
	stop := make(chan struct{})
	sess.durationStop = stop
	startedAt := sess.startedAt
	remoteID := sess.remoteID
	meter := sess.meter
	c.mu.Unlock()

	if meter != nil {
		meter.Start()
	}
	go c.runDurationTicker(sess, startedAt, stop)

	c.Emitter.Emit(string(SessionEventConnect), remoteID)
}

func (c *SessionController) runDurationTicker(sess *CallSession, startedAt time.Time, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.sessionAlive(sess) {
				return
			}
			seconds := int(time.Since(startedAt) / time.Second)
			c.Emitter.Emit(string(SessionEventDuration), seconds)
		}
	}
}

// failSetup aborts a session that never connected: surfaces the error and
// tears down without recording history.
func (c *SessionController) failSetup(sess *CallSession, err error) {
	c.Emitter.Emit(string(SessionEventError), err)
	c.teardown(sess, CauseSetupFailed, false)
}

// teardown releases everything a session holds, exactly once. History is
// recorded only when allowHistory is set and the call had connected
// (startedAt stamped); reporting failures are logged and swallowed.
func (c *SessionController) teardown(sess *CallSession, cause DisconnectCause, allowHistory bool) {
	c.mu.Lock()
	if sess == nil || sess.torn || c.session != sess {
		c.mu.Unlock()
		return
	}
	sess.torn = true
	c.session = nil

	id := sess.id
	remoteID := sess.remoteID
	outbound := sess.outbound
	startedAt := sess.startedAt
	stream := sess.stream
	peer := sess.peer
	meter := sess.meter
	stop := sess.durationStop
	localID := c.localID
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if meter != nil {
		// Deterministic stop: no level event fires after this returns
		meter.Stop()
	}
	if stream != nil {
		stream.SetObserver(nil)
	}
	if peer != nil {
		_ = peer.Close()
	}
	c.media.Release()

	if allowHistory && !startedAt.IsZero() {
		callerID, receiverID := localID, remoteID
		if !outbound {
			callerID, receiverID = remoteID, localID
		}
		record := NewCallRecord(callerID, receiverID, startedAt, time.Now())
		if c.reporter == nil {
			log.Printf("calling: no history reporter configured, dropping record for %s", id)
		} else if err := c.reporter.Report(context.Background(), record); err != nil {
			log.Printf("calling: failed to report call history: %v", err)
		}
	}

	c.Emitter.Emit(string(SessionEventDisconnect), DisconnectInfo{
		SessionID: id,
		RemoteID:  remoteID,
		Cause:     cause,
	})
}
