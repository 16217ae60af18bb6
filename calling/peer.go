/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConfig holds configuration for the peer transport
type PeerConfig struct {
	// ICEServers is the list of ICE servers to use. STUN only; the service
	// does not provision TURN, so calls across symmetric NATs may fail.
	ICEServers []webrtc.ICEServer
}

// DefaultPeerConfig returns a PeerConfig with the default STUN server
func DefaultPeerConfig() *PeerConfig {
	return &PeerConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PeerConnection wraps one Pion peer connection for a single call session.
// Candidates are trickled: OnICECandidate fires the moment each candidate is
// gathered, and CreateOffer/CreateAnswer return immediately after setting the
// local description instead of waiting for gathering to complete.
type PeerConnection struct {
	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	api    *webrtc.API
	closed bool

	onICECandidate     func(candidate webrtc.ICECandidateInit)
	onRemoteTrack      func(track *webrtc.TrackRemote)
	onTransportFailure func(state webrtc.PeerConnectionState)
}

// NewPeerConnection creates the peer transport for one session
func NewPeerConnection(config *PeerConfig) (*PeerConnection, error) {
	if config == nil {
		config = DefaultPeerConfig()
	}

	// Register only PCMU and PCMA so both sides negotiate G.711 and the
	// level meter can decode payloads without a full codec stack.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Default interceptors (RTCP reports, NACK) are required with a custom
	// MediaEngine, otherwise incoming SRTP is not processed and OnTrack
	// may not fire.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &PeerConnection{
		pc:  pc,
		api: api,
	}

	// Trickle: forward each candidate the moment it is gathered. The nil
	// candidate marking end-of-gathering is not relayed.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		peer.mu.Lock()
		handler := peer.onICECandidate
		peer.mu.Unlock()
		if handler != nil {
			handler(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("peer: connection state → %s", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			peer.mu.Lock()
			closed := peer.closed
			handler := peer.onTransportFailure
			peer.mu.Unlock()
			if !closed && handler != nil {
				handler(s)
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("peer: remote track received codec=%s ssrc=%d", track.Codec().MimeType, track.SSRC())
		peer.mu.Lock()
		handler := peer.onRemoteTrack
		peer.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	return peer, nil
}

// OnICECandidate sets the callback for each locally gathered candidate
func (p *PeerConnection) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICECandidate = handler
}

// OnRemoteTrack sets the callback for when a remote track arrives
func (p *PeerConnection) OnRemoteTrack(handler func(track *webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = handler
}

// OnTransportFailure sets the callback for failed/disconnected/closed
// transport states. Not invoked for a deliberate Close.
func (p *PeerConnection) OnTransportFailure(handler func(state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportFailure = handler
}

// AddLocalTracks attaches the local stream's tracks as sendrecv transceivers
func (p *PeerConnection) AddLocalTracks(stream *LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer connection is closed")
	}

	for _, track := range stream.Tracks() {
		transceiver, err := p.pc.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
		)
		if err != nil {
			return fmt.Errorf("failed to add transceiver: %w", err)
		}

		// Read RTCP from the sender to keep the interceptor chain fed
		go func() {
			sender := transceiver.Sender()
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
	}

	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
// It returns immediately; candidates trickle through OnICECandidate.
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("peer connection is closed")
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return offer, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
// The remote offer must already be set. Returns immediately; candidates
// trickle through OnICECandidate.
func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("peer connection is closed")
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return answer, nil
}

// SetRemoteDescription applies a remote offer or answer. A duplicate answer
// arriving in stable state is a logged no-op; the relay can deliver the same
// event more than once around a reconnect.
func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer connection is closed")
	}

	if desc.Type == webrtc.SDPTypeAnswer &&
		p.pc.SignalingState() == webrtc.SignalingStateStable {
		log.Printf("peer: ignoring duplicate SDP answer (signaling state already stable)")
		return nil
	}

	return p.pc.SetRemoteDescription(desc)
}

// AddRemoteCandidate applies one trickled remote candidate. Malformed
// candidates and candidates arriving after Close are dropped with a log
// line rather than failing the session.
func (p *PeerConnection) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		log.Printf("peer: dropping ICE candidate for closed connection")
		return nil
	}

	if err := p.pc.AddICECandidate(candidate); err != nil {
		log.Printf("peer: dropping unusable ICE candidate: %v", err)
		return nil
	}
	return nil
}

// ConnectionState returns the current transport state
func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}

// Close shuts the transport down. Idempotent and nil-safe.
func (p *PeerConnection) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pc := p.pc
	p.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

// pumpRemoteTrack reads RTP from a remote track, renders it to the playback
// sink, and taps payloads into the observer. The loop ends when the track
// read fails (transport closed).
func pumpRemoteTrack(track *webrtc.TrackRemote, sink PlaybackSink, observer SampleObserver) {
	buf := make([]byte, 1500)
	for {
		n, _, readErr := track.Read(buf)
		if readErr != nil {
			log.Printf("peer: remote track read ended: %v", readErr)
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		if observer != nil {
			observer(pkt.Payload)
		}
		if sink != nil {
			if writeErr := sink.WriteRTP(pkt); writeErr != nil {
				log.Printf("peer: playback sink write error: %v", writeErr)
				return
			}
		}
	}
}
