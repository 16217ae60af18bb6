/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

// Package pandacall is the root client for the Panda Call SDK. It bundles
// the REST core, the websocket signaling channel, and the calling plugin
// behind lazily constructed accessors.
package pandacall

import (
	"sync"

	"github.com/pandacall/pandacall-go/calling"
	"github.com/pandacall/pandacall-go/pandasdk"
	"github.com/pandacall/pandacall-go/signaling"
)

// Client is the root Panda Call client
type Client struct {
	core *pandasdk.Client

	signalingConfig *signaling.Config
	callingConfig   *calling.Config

	mu              sync.Mutex
	signalingClient *signaling.Client
	callingClient   *calling.Client
}

// Config configures the root client and its plugins
type Config struct {
	// Core configures the REST core (base URL, timeouts, retries).
	// Nil uses pandasdk.DefaultConfig.
	Core *pandasdk.Config

	// Signaling configures the websocket channel. Nil uses defaults.
	Signaling *signaling.Config

	// Calling configures media, ICE, and metering. Nil uses defaults.
	Calling *calling.Config
}

// NewClient creates a new root client
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	core, err := pandasdk.NewClient(config.Core)
	if err != nil {
		return nil, err
	}
	return &Client{
		core:            core,
		signalingConfig: config.Signaling,
		callingConfig:   config.Calling,
	}, nil
}

// Core returns the underlying REST core client
func (c *Client) Core() *pandasdk.Client {
	return c.core
}

// Signaling returns the websocket signaling channel client
func (c *Client) Signaling() *signaling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingLocked()
}

// Calling returns the calling client wired to the signaling channel.
// The first call constructs both and binds the session controller to
// the channel.
func (c *Client) Calling() *calling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callingClient == nil {
		c.callingClient = calling.New(c.core, c.callingConfig)
		c.callingClient.SetSignalingChannel(c.signalingLocked())
	}
	return c.callingClient
}

func (c *Client) signalingLocked() *signaling.Client {
	if c.signalingClient == nil {
		c.signalingClient = signaling.New(c.core, c.signalingConfig)
	}
	return c.signalingClient
}
