/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

// Package signaling implements the socket-event channel to the Panda Call
// relay. The relay forwards call-control events (offers, answers, trickled
// ICE candidates, hangups) between registered identities; it never inspects
// payloads. The channel reconnects with exponential backoff and re-registers
// the last identity, but call sessions are never resumed across a reconnect.
package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pandacall/pandacall-go/pandasdk"
)

// Config holds the configuration for the signaling channel
type Config struct {
	URL                         string        // WebSocket URL of the relay
	HandshakeTimeout            time.Duration // Timeout for the WebSocket handshake
	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration for the signaling channel
func DefaultConfig() *Config {
	return &Config{
		URL:                         "ws://localhost:5000/ws",
		HandshakeTimeout:            10 * time.Second,
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// EventHandler is a function that handles an inbound relay event.
// The payload is the raw JSON of the frame's data field.
type EventHandler func(data json.RawMessage)

// DisconnectHandler is invoked when the channel loses its connection.
// A deliberate Disconnect() does not fire these hooks.
type DisconnectHandler func(err error)

// Client is the signaling channel client for relay communication
type Client struct {
	core               *pandasdk.Client
	config             *Config
	conn               *websocket.Conn
	connected          bool
	connecting         bool
	hasConnected       bool
	mu                 sync.Mutex
	writeMu            sync.Mutex
	eventHandlers      map[string][]EventHandler
	disconnectHandlers []DisconnectHandler
	closeCh            chan struct{}
	retryCount         int
	currentBackoff     time.Duration
	registeredID       string
}

// New creates a new signaling channel client
func New(core *pandasdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:           core,
		config:         config,
		eventHandlers:  make(map[string][]EventHandler),
		closeCh:        make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// logger returns the SDK logger, falling back to a usable default when the
// channel was constructed without a core client (tests do this).
func (c *Client) logger() pandasdk.Logger {
	if c.core != nil {
		return c.core.GetLogger()
	}
	return defaultLogger{}
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) {}

// Connect establishes a websocket connection to the relay
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}

	c.connecting = true
	wsURL := c.config.URL
	c.mu.Unlock()

	if wsURL == "" {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("no relay URL configured")
	}

	return c.connectWithBackoff(wsURL)
}

// Disconnect closes the websocket connection. Deliberate disconnects do not
// trigger the disconnect hooks or a reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(c.closeCh)

	// Create a new channel for future connections
	c.closeCh = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.registeredID = ""
	c.mu.Unlock()

	if conn != nil {
		// Send close message and close the connection
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}

	return nil
}

// On registers an event handler for a specific relay event
func (c *Client) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	handlers, ok := c.eventHandlers[event]
	if !ok {
		handlers = []EventHandler{}
	}
	c.eventHandlers[event] = append(handlers, handler)
	c.mu.Unlock()
}

// Off removes an event handler for a specific relay event
func (c *Client) Off(event string, handler EventHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handlers, ok := c.eventHandlers[event]
	if !ok {
		return
	}

	// Find the handler by comparing function pointers
	handlerPtr := fmt.Sprintf("%p", handler)
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == handlerPtr {
			// Remove handler by preserving order
			c.eventHandlers[event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}

	// Clean up empty handler slices
	if len(c.eventHandlers[event]) == 0 {
		delete(c.eventHandlers, event)
	}
}

// OnDisconnect registers a hook invoked when the connection is lost.
// Hooks run before any reconnect attempt starts.
func (c *Client) OnDisconnect(handler DisconnectHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	c.disconnectHandlers = append(c.disconnectHandlers, handler)
	c.mu.Unlock()
}

// IsConnected returns whether the client is connected to the relay
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RegisteredID returns the identity last registered on this channel,
// or the empty string if Register has not been called.
func (c *Client) RegisteredID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredID
}

// --- Outbound operations ---

// Register announces this client's identity to the relay. The identity is
// remembered and re-sent automatically after a reconnect.
func (c *Client) Register(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}

	c.mu.Lock()
	c.registeredID = userID
	c.mu.Unlock()

	return c.send(EventRegister, userID)
}

// PlaceCall sends a call-user event carrying the SDP offer to the target
func (c *Client) PlaceCall(to, from string, offer webrtc.SessionDescription) error {
	return c.send(EventCallUser, CallUserPayload{To: to, From: from, Offer: offer})
}

// AcceptCall sends an accept-call event carrying the SDP answer to the caller
func (c *Client) AcceptCall(to, from string, answer webrtc.SessionDescription) error {
	return c.send(EventAcceptCall, AcceptCallPayload{To: to, From: from, Answer: answer})
}

// RelayICECandidate forwards one trickled ICE candidate to the remote party
func (c *Client) RelayICECandidate(to string, candidate webrtc.ICECandidateInit) error {
	return c.send(EventICECandidate, ICECandidatePayload{To: to, Candidate: candidate})
}

// EndCall sends an end-call event to the remote party
func (c *Client) EndCall(to, from string) error {
	return c.send(EventEndCall, EndCallPayload{To: to, From: from})
}

// send marshals and writes one event frame. Only local failures (not
// connected, marshal or write errors) are reported; the relay sends no acks.
func (c *Client) send(event string, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("signaling channel is not connected")
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = encoded
	}

	frame, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// --- Connection lifecycle ---

// connectWithBackoff attempts to connect to the relay with exponential backoff
func (c *Client) connectWithBackoff(wsURL string) error {
	// Reset retry count on new connection attempt
	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset

	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}

	var err error
	for c.retryCount <= maxRetries {
		err = c.attemptConnection(wsURL)
		if err == nil {
			return nil // Connection successful
		}

		// Increment retry count
		c.retryCount++
		if c.retryCount > maxRetries {
			break // Exceeded max retries
		}

		// Wait for backoff time or until connection is closed
		select {
		case <-time.After(c.currentBackoff):
			// Double the backoff time, up to max
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-c.closeCh:
			return nil // Stopped by user
		}
	}

	// Couldn't connect after all retries
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.retryCount, err)
}

// attemptConnection makes a single connection attempt to the relay
func (c *Client) attemptConnection(wsURL string) error {
	conn, err := c.dialWebSocket(wsURL)
	if err != nil {
		return err
	}

	// Set up pong handler
	conn.SetPongHandler(func(data string) error {
		return c.handlePong(conn)
	})

	// Connection successful, update client state. Each connection gets its
	// own done channel so a reconnect never reuses a closed one.
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	c.mu.Unlock()

	// Start ping/pong cycle and message listener
	go c.startPingPong(done)
	go c.listen(conn, done)

	return nil
}

// dialWebSocket establishes a WebSocket connection to the relay
func (c *Client) dialWebSocket(wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	// Reuse the core client's dialer when a custom transport is configured
	if c.core != nil && c.core.GetHTTPClient() != nil &&
		c.core.GetHTTPClient().Transport != nil {
		if transport, ok := c.core.GetHTTPClient().Transport.(*http.Transport); ok {
			dialer.NetDialContext = transport.DialContext
		}
	}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	return conn, nil
}

// listen reads frames from the websocket and dispatches them sequentially.
// Sequential dispatch guarantees that handlers for one connection observe
// events in arrival order.
func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		// Only the listener for the current connection may clear the flag;
		// a stale listener exiting after a quick reconnect must not clobber
		// the new connection's state.
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// Connection closed or error occurred
			c.handleConnectionError(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger().Printf("signaling: dropping malformed frame: %v", err)
			continue
		}
		if frame.Event == "" {
			continue
		}

		c.dispatch(&frame)
	}
}

// dispatch invokes every handler registered for the frame's event, in order,
// on the read-loop goroutine.
func (c *Client) dispatch(frame *Frame) {
	c.mu.Lock()
	registered := c.eventHandlers[frame.Event]
	handlers := make([]EventHandler, len(registered))
	copy(handlers, registered)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(frame.Data)
	}
}

// handleConnectionError fires the disconnect hooks and triggers reconnection.
// Errors from a connection that is no longer current are ignored.
func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	hooks := make([]DisconnectHandler, len(c.disconnectHandlers))
	copy(hooks, c.disconnectHandlers)
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	select {
	case <-c.closeCh:
		// Client was deliberately disconnected, don't notify or reconnect
	default:
		c.logger().Printf("signaling: connection lost: %v", err)
		// Hooks run before any reconnect attempt so session teardown
		// observes the loss first
		for _, hook := range hooks {
			hook(err)
		}
		go c.reconnect()
	}
}

// startPingPong begins the ping/pong cycle to keep the connection alive
func (c *Client) startPingPong(done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				// Connection error, reconnect
				c.reconnect()
				return
			}
		case <-c.closeCh:
			// Connection closed by user
			return
		case <-done:
			// Connection closed unexpectedly
			return
		}
	}
}

// ping sends a ping control frame with a pong deadline
func (c *Client) ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("websocket connection is nil")
	}

	// Set a deadline for the pong
	if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.PingMessage, []byte(fmt.Sprintf("%d", time.Now().UnixMilli())))
}

// handlePong resets the read deadline after a pong response
func (c *Client) handlePong(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Time{})
}

// reconnect attempts to reconnect to the relay and re-register the last
// identity. In-flight sessions are not recovered; the disconnect hooks have
// already torn them down.
func (c *Client) reconnect() {
	c.mu.Lock()
	// If we're already trying to reconnect or connected again, do nothing
	if c.connected || c.connecting {
		c.mu.Unlock()
		return
	}

	c.connecting = true
	conn := c.conn
	c.conn = nil
	wsURL := c.config.URL
	c.mu.Unlock()

	// Close the old connection if it exists
	if conn != nil {
		conn.Close()
	}

	go func() {
		if err := c.connectWithBackoff(wsURL); err != nil {
			c.logger().Printf("signaling: reconnect failed: %v", err)
			return
		}

		c.mu.Lock()
		id := c.registeredID
		c.mu.Unlock()

		if id != "" {
			if err := c.send(EventRegister, id); err != nil {
				c.logger().Printf("signaling: re-register failed: %v", err)
			}
		}
	}()
}
