// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the delta-stream connection over
// websockets. Frames are tagged JSON objects; the adapter translates
// them into the manager's typed connection event record.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabwire/deltasync/delta"
	"github.com/collabwire/deltasync/protocol"
)

// Frame types exchanged on the delta stream.
const (
	frameConnect   = "connect"
	frameConnected = "connected"
	frameOp        = "op"
	frameOpContent = "op-content"
	frameSignal    = "signal"
	frameSubmit    = "submit"
	frameAsync     = "submit-async"
	frameAccept    = "accept"
	frameNack      = "nack"
	framePing      = "ping"
	framePong      = "pong"
)

const defaultPingInterval = 30 * time.Second

// frame is the tagged wire envelope. Only the fields relevant to the
// tagged type are populated.
type frame struct {
	Type string `json:"type"`

	// connect
	ConnectionID string           `json:"connectionId,omitempty"`
	Client       *protocol.Client `json:"client,omitempty"`
	DocumentID   string           `json:"documentId,omitempty"`
	Token        string           `json:"token,omitempty"`

	// connected
	Details *wireDetails `json:"details,omitempty"`

	// op / op-content / signal
	Messages []*protocol.SequencedMessage `json:"messages,omitempty"`
	Content  *protocol.ContentMessage     `json:"content,omitempty"`
	Signal   *protocol.Signal             `json:"signal,omitempty"`

	// submit / submit-async / accept
	ID      uint64                    `json:"id,omitempty"`
	Message *protocol.DocumentMessage `json:"message,omitempty"`

	// signal submission
	SignalContent []byte `json:"signalContent,omitempty"`

	// nack
	Reason string `json:"reason,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"`
}

type wireDetails struct {
	ClientID        string                       `json:"clientId"`
	Existing        bool                         `json:"existing"`
	MaxMessageSize  int                          `json:"maxMessageSize"`
	InitialMessages []*protocol.SequencedMessage `json:"initialMessages,omitempty"`
	InitialContents []*protocol.ContentMessage   `json:"initialContents,omitempty"`
	InitialSignals  []*protocol.Signal           `json:"initialSignals,omitempty"`
}

// Config configures the websocket connection.
type Config struct {
	// URL is the websocket endpoint of the delta stream.
	URL        string
	DocumentID string
	Token      string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// WSConnection is a live delta-stream session over a websocket.
type WSConnection struct {
	conn    *websocket.Conn
	details *delta.ConnectionDetails
	cfg     Config
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	events  *delta.ConnectionEvents
	pending map[uint64]chan error
	nextID  uint64
	closed  bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Connect dials the delta stream, performs the connect handshake, and
// returns the live connection. Events do not flow until SetEvents is
// called.
func Connect(ctx context.Context, cfg Config, client protocol.Client, logger *slog.Logger) (*WSConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &WSConnection{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan error),
		stopCh:  make(chan struct{}),
	}

	if err := c.handshake(ctx, client); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *WSConnection) handshake(ctx context.Context, client protocol.Client) error {
	connect := frame{
		Type:         frameConnect,
		ConnectionID: uuid.NewString(),
		Client:       &client,
		DocumentID:   c.cfg.DocumentID,
		Token:        c.cfg.Token,
	}
	if err := c.write(&connect); err != nil {
		return fmt.Errorf("connect handshake write failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	var reply frame
	if err := c.conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("connect handshake read failed: %w", err)
	}
	if reply.Type != frameConnected || reply.Details == nil {
		return fmt.Errorf("unexpected handshake reply type %q", reply.Type)
	}

	c.details = &delta.ConnectionDetails{
		ClientID:        reply.Details.ClientID,
		Existing:        reply.Details.Existing,
		MaxMessageSize:  reply.Details.MaxMessageSize,
		InitialMessages: reply.Details.InitialMessages,
		InitialContents: reply.Details.InitialContents,
		InitialSignals:  reply.Details.InitialSignals,
	}
	return nil
}

// Details implements delta.Connection.
func (c *WSConnection) Details() *delta.ConnectionDetails {
	return c.details
}

// SetEvents implements delta.Connection. Installing the event record
// starts the read pump and the ping loop.
func (c *WSConnection) SetEvents(events *delta.ConnectionEvents) {
	c.mu.Lock()
	started := c.events != nil
	c.events = events
	c.mu.Unlock()

	if !started {
		go c.readPump()
		go c.pingLoop()
	}
}

// Submit implements delta.Connection.
func (c *WSConnection) Submit(msg *protocol.DocumentMessage) error {
	return c.write(&frame{Type: frameSubmit, Message: msg})
}

// SubmitAsync implements delta.Connection. The call resolves when the
// server acknowledges acceptance of the message.
func (c *WSConnection) SubmitAsync(ctx context.Context, msg *protocol.DocumentMessage) error {
	accepted := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = accepted
	c.mu.Unlock()

	if err := c.write(&frame{Type: frameAsync, ID: id, Message: msg}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-accepted:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// SubmitSignal implements delta.Connection.
func (c *WSConnection) SubmitSignal(content []byte) error {
	return c.write(&frame{Type: frameSignal, SignalContent: content})
}

// Close implements delta.Connection.
func (c *WSConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint64]chan error)
		c.mu.Unlock()

		close(c.stopCh)
		for _, ch := range pending {
			ch <- ErrConnectionClosed
		}

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WSConnection) write(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *WSConnection) readPump() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			events := c.events
			c.mu.Unlock()
			if !closed && events != nil && events.Disconnect != nil {
				events.Disconnect(err)
			}
			return
		}
		c.dispatch(&f)
	}
}

func (c *WSConnection) dispatch(f *frame) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return
	}

	switch f.Type {
	case frameOp:
		if events.Op != nil {
			events.Op(f.Messages)
		}
	case frameOpContent:
		if events.OpContent != nil && f.Content != nil {
			events.OpContent(f.Content)
		}
	case frameSignal:
		if events.Signal != nil && f.Signal != nil {
			events.Signal(f.Signal)
		}
	case frameAccept:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- nil
		}
	case frameNack:
		if events.Nack != nil {
			events.Nack(f.Reason)
		}
	case framePong:
		if events.Pong != nil {
			latency := time.Since(time.UnixMilli(f.Timestamp))
			events.Pong(latency)
		}
	default:
		c.logger.Debug("ignoring unknown frame", slog.String("type", f.Type))
	}
}

func (c *WSConnection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(&frame{Type: framePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}
