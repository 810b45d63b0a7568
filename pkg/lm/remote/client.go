/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package remote forwards batches to an external model server over a ZeroMQ
// REQ socket. The server owns the accelerator; a release request asks it to
// drop cached device memory.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-sentence-prob/pkg/lm"
	"github.com/llm-d/llm-d-sentence-prob/pkg/utils/logging"
)

const (
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond

	defaultEndpoint = "tcp://localhost:5557"
	defaultTimeout  = 5 * time.Minute
)

// ErrTimeout is returned when the server does not answer in time.
var ErrTimeout = errors.New("remote: request timed out")

// Config configures the client.
type Config struct {
	Endpoint string `json:"endpoint"`
	// Model is sent with every request so one server can host several
	// models.
	Model string `json:"model"`
	// Timeout bounds a single request. Zero means the default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// ReleaseAfterBatch enables the per-batch release request.
	ReleaseAfterBatch bool `json:"releaseAfterBatch"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:          defaultEndpoint,
		Timeout:           defaultTimeout,
		ReleaseAfterBatch: true,
	}
}

// Client is an lm.Forwarder and lm.Releaser talking to a model server.
// Requests are serialized.
type Client struct {
	cfg *Config

	mu     sync.Mutex
	socket *zmq.Socket
}

var (
	_ lm.Forwarder = &Client{}
	_ lm.Releaser  = &Client{}
)

// NewClient creates a client. The connection is established lazily.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("remote: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg}, nil
}

// Forward implements lm.Forwarder.
func (c *Client) Forward(ctx context.Context, b *lm.Batch) (*lm.Logits, error) {
	resp, err := c.do(ctx, NewForwardRequest(c.cfg.Model, b))
	if err != nil {
		return nil, err
	}
	return resp.ToLogits(), nil
}

// Release implements lm.Releaser. It is a no-op unless ReleaseAfterBatch is
// set.
func (c *Client) Release(ctx context.Context) error {
	if !c.cfg.ReleaseAfterBatch {
		return nil
	}
	_, err := c.do(ctx, &Request{Op: OpRelease, Model: c.cfg.Model})
	return err
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

func (c *Client) resetLocked() error {
	if c.socket == nil {
		return nil
	}
	err := c.socket.Close()
	c.socket = nil
	return err
}

func (c *Client) connectLocked() error {
	if c.socket != nil {
		return nil
	}

	socket, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return fmt.Errorf("remote: failed to create socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return fmt.Errorf("remote: failed to set linger: %w", err)
	}
	if err := socket.Connect(c.cfg.Endpoint); err != nil {
		socket.Close()
		return fmt.Errorf("remote: failed to connect to %s: %w", c.cfg.Endpoint, err)
	}

	c.socket = socket
	return nil
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	logger := klog.FromContext(ctx).WithName("remote").V(logging.TRACE)

	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	if _, err := c.socket.SendBytes(payload, 0); err != nil {
		_ = c.resetLocked()
		return nil, fmt.Errorf("remote: send failed: %w", err)
	}

	poller := zmq.NewPoller()
	poller.Add(c.socket, zmq.POLLIN)
	deadline := time.Now().Add(c.cfg.Timeout)

	for {
		// A REQ socket that did not get its reply cannot send again, so
		// every abandoned request resets the socket.
		select {
		case <-ctx.Done():
			_ = c.resetLocked()
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			_ = c.resetLocked()
			return nil, ErrTimeout
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			_ = c.resetLocked()
			return nil, fmt.Errorf("remote: poll failed: %w", err)
		}
		if len(polled) == 0 {
			continue
		}

		data, err := c.socket.RecvBytes(0)
		if err != nil {
			_ = c.resetLocked()
			return nil, fmt.Errorf("remote: receive failed: %w", err)
		}

		resp, err := DecodeResponse(data)
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("remote: server error: %s", resp.Error)
		}

		logger.Info("response received", "op", req.Op, "rows", resp.Rows, "bytes", len(data))
		return resp, nil
	}
}
