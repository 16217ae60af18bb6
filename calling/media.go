/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Capture errors. Devices report these sentinels so callers can distinguish
// a denied permission from missing hardware.
var (
	ErrPermissionDenied  = errors.New("media capture permission denied")
	ErrDeviceUnavailable = errors.New("media capture device unavailable")
)

// CaptureDevice opens local capture hardware and yields a LocalStream.
// The embedding application injects its platform capture implementation;
// StaticCapture is the default sample-fed device.
type CaptureDevice interface {
	Open() (*LocalStream, error)
}

// SampleObserver receives a copy of every payload written to a stream.
// Used by the level meter to tap outgoing audio.
type SampleObserver func(payload []byte)

// LocalStream owns the local media tracks for one acquisition. Audio payloads
// are fed through WriteSample; while muted, payloads are dropped before they
// reach the track so the remote side receives nothing.
type LocalStream struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	audio    *webrtc.TrackLocalStaticSample
	muted    bool
	observer SampleObserver
	closers  []func() error
	closed   bool
}

// Tracks returns the local tracks to attach to a peer connection
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// WriteSample feeds one audio payload (G.711 bytes) of the given duration in
// milliseconds into the stream. Muted streams drop the payload and return nil.
func (s *LocalStream) WriteSample(payload []byte, durationMs uint32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream is closed")
	}
	if s.muted {
		s.mu.Unlock()
		return nil
	}
	audio := s.audio
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(payload)
	}

	if audio == nil {
		return nil
	}
	return audio.WriteSample(media.Sample{
		Data:     payload,
		Duration: time.Duration(durationMs) * time.Millisecond,
	})
}

// SetMuted toggles the outgoing-audio gate
func (s *LocalStream) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// IsMuted returns whether outgoing audio is muted
func (s *LocalStream) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetObserver installs the level-meter tap. Pass nil to remove it.
func (s *LocalStream) SetObserver(observer SampleObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// Close stops every track closer so capture hardware shuts off.
// Safe to call repeatedly.
func (s *LocalStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var firstErr error
	for _, closeFn := range closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---- Static capture device ----

// StaticCapture is the default CaptureDevice: a sample-fed PCMU audio track,
// optionally paired with a VP8 video track for video-capable sessions. The
// embedder pumps captured frames in through LocalStream.WriteSample.
type StaticCapture struct {
	withVideo bool
}

// NewStaticCapture creates an audio-only static capture device
func NewStaticCapture() *StaticCapture {
	return &StaticCapture{}
}

// NewStaticCaptureWithVideo creates a static capture device that also opens
// a video track
func NewStaticCaptureWithVideo() *StaticCapture {
	return &StaticCapture{withVideo: true}
}

// Open creates the local tracks for a new acquisition
func (d *StaticCapture) Open() (*LocalStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"panda-call",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	stream := &LocalStream{
		tracks: []webrtc.TrackLocal{audio},
		audio:  audio,
	}

	if d.withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			"panda-call",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		stream.tracks = append(stream.tracks, video)
	}

	return stream, nil
}

// ---- Local media manager ----

// LocalMedia manages idempotent acquisition of the capture device: Acquire
// returns the stream already held, or opens the device once. Release shuts
// the hardware off and is safe to call repeatedly.
type LocalMedia struct {
	mu     sync.Mutex
	device CaptureDevice
	stream *LocalStream
}

// NewLocalMedia creates a LocalMedia over the given capture device
func NewLocalMedia(device CaptureDevice) *LocalMedia {
	if device == nil {
		device = NewStaticCapture()
	}
	return &LocalMedia{device: device}
}

// Acquire returns the held stream or opens the device. Two concurrent
// sessions of acquisition observe the same stream.
func (m *LocalMedia) Acquire() (*LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return m.stream, nil
	}

	stream, err := m.device.Open()
	if err != nil {
		return nil, err
	}
	m.stream = stream
	return stream, nil
}

// Held returns the currently held stream without acquiring, or nil
func (m *LocalMedia) Held() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Release closes the held stream so the capture indicator turns off.
// A no-op when nothing is held.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

// ---- Playback ----

// PlaybackSink receives remote RTP for rendering. The embedder injects the
// platform audio output; NullSink discards everything.
type PlaybackSink interface {
	WriteRTP(pkt *rtp.Packet) error
	SetMuted(muted bool)
	Close() error
}

// OutputSelector is an optional PlaybackSink capability for routing output
// to a named device (speaker vs earpiece). Sinks without it fall back to
// mute-based routing.
type OutputSelector interface {
	SetOutput(device string) error
}

// Output device names used with OutputSelector
const (
	OutputSpeaker  = "speaker"
	OutputEarpiece = "earpiece"
)

// NullSink is a PlaybackSink that discards all media. Used when the embedder
// provides no audio output, and in tests.
type NullSink struct {
	mu    sync.Mutex
	muted bool
}

// NewNullSink creates a NullSink
func NewNullSink() *NullSink {
	return &NullSink{}
}

// WriteRTP discards the packet
func (s *NullSink) WriteRTP(pkt *rtp.Packet) error { return nil }

// SetMuted records the mute state
func (s *NullSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// IsMuted returns the recorded mute state
func (s *NullSink) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close is a no-op
func (s *NullSink) Close() error { return nil }
