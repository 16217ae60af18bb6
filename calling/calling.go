/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

// Package calling implements the call session layer: media acquisition,
// the peer transport, the session state machine, audio level metering,
// and best-effort call history reporting.
package calling

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pandacall/pandacall-go/pandasdk"
)

// Config holds the calling client configuration
type Config struct {
	// ICEServers used by the peer transport. Defaults to Google STUN.
	ICEServers []webrtc.ICEServer

	// MeterInterval is the audio level reporting cadence
	MeterInterval time.Duration

	// Device opens the local capture stream. Nil uses a static capture
	// source producing silence, which keeps the transport negotiable
	// on hosts without audio hardware.
	Device CaptureDevice

	// Sink receives remote audio. Nil uses a discarding sink.
	Sink PlaybackSink
}

// DefaultConfig returns the default calling configuration
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		MeterInterval: DefaultMeterInterval,
	}
}

// Client is the calling plugin client
type Client struct {
	core   *pandasdk.Client
	config *Config

	mu       sync.Mutex
	history  *HistoryReporter
	sessions *SessionController
}

// New creates a new calling client plugin
func New(core *pandasdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MeterInterval <= 0 {
		config.MeterInterval = DefaultMeterInterval
	}
	return &Client{
		core:   core,
		config: config,
	}
}

// History returns the call history reporter
func (c *Client) History() *HistoryReporter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history == nil {
		c.history = NewHistoryReporter(c.core)
	}
	return c.history
}

// SetSignalingChannel wires the calling client to a signaling channel and
// returns the session controller bound to it. Subsequent calls return the
// existing controller.
func (c *Client) SetSignalingChannel(channel SignalingChannel) *SessionController {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions != nil {
		return c.sessions
	}
	media := NewLocalMedia(c.config.Device)
	c.sessions = NewSessionController(channel, media, c.historyLocked(), c.config)
	return c.sessions
}

// Sessions returns the session controller, or nil before a signaling
// channel has been set.
func (c *Client) Sessions() *SessionController {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

func (c *Client) historyLocked() *HistoryReporter {
	if c.history == nil {
		c.history = NewHistoryReporter(c.core)
	}
	return c.history
}
