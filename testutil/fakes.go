// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides in-memory fakes for the delta manager's
// collaborators: the document service, the delta stream connection,
// delta storage, and the handler strategy.
package testutil

import (
	"context"
	"sync"

	"github.com/collabwire/deltasync/delta"
	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/storage"
)

// FakeStorage serves deltas from an in-memory history, optionally
// preceded by scripted responses for retry scenarios.
type FakeStorage struct {
	mu sync.Mutex

	// Messages is the full sequenced history, ascending.
	Messages []*protocol.SequencedMessage

	// Script, when non-empty, is consumed one entry per Get before
	// the history is served.
	Script []ScriptedResponse

	// Calls records every requested range.
	Calls []Range
}

// ScriptedResponse is one canned Get result.
type ScriptedResponse struct {
	Messages []*protocol.SequencedMessage
	Err      error
}

// Range is a recorded Get request.
type Range struct {
	From, To uint64
}

// Get implements storage.DeltaStorage. Bounds are exclusive.
func (s *FakeStorage) Get(ctx context.Context, from, to uint64) ([]*protocol.SequencedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, Range{From: from, To: to})

	if len(s.Script) > 0 {
		next := s.Script[0]
		s.Script = s.Script[1:]
		return next.Messages, next.Err
	}

	var out []*protocol.SequencedMessage
	for _, msg := range s.Messages {
		if msg.SequenceNumber <= from {
			continue
		}
		if to != 0 && msg.SequenceNumber >= to {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// CallCount returns the number of Get requests observed.
func (s *FakeStorage) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// CallsSnapshot returns a copy of the recorded Get requests.
func (s *FakeStorage) CallsSnapshot() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Range, len(s.Calls))
	copy(out, s.Calls)
	return out
}

// SetMessages replaces the sequenced history.
func (s *FakeStorage) SetMessages(msgs []*protocol.SequencedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = msgs
}

// SetScript replaces the scripted responses.
func (s *FakeStorage) SetScript(script []ScriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Script = script
}

// FakeConnection is an in-memory delta.Connection recording outbound
// traffic and replaying inbound events on demand.
type FakeConnection struct {
	mu sync.Mutex

	ConnDetails *delta.ConnectionDetails
	events      *delta.ConnectionEvents

	Submitted   []*protocol.DocumentMessage
	Async       []*protocol.DocumentMessage
	Signals     [][]byte
	SubmitErr   error
	AsyncErr    error
	CloseCalled bool
}

// NewFakeConnection creates a connection with the given client ID and
// empty initial backlog.
func NewFakeConnection(clientID string) *FakeConnection {
	return &FakeConnection{
		ConnDetails: &delta.ConnectionDetails{ClientID: clientID},
	}
}

// Details implements delta.Connection.
func (c *FakeConnection) Details() *delta.ConnectionDetails { return c.ConnDetails }

// SetEvents implements delta.Connection.
func (c *FakeConnection) SetEvents(events *delta.ConnectionEvents) {
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
}

// Submit implements delta.Connection.
func (c *FakeConnection) Submit(msg *protocol.DocumentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubmitErr != nil {
		return c.SubmitErr
	}
	copied := *msg
	c.Submitted = append(c.Submitted, &copied)
	return nil
}

// SubmitAsync implements delta.Connection.
func (c *FakeConnection) SubmitAsync(ctx context.Context, msg *protocol.DocumentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AsyncErr != nil {
		return c.AsyncErr
	}
	copied := *msg
	c.Async = append(c.Async, &copied)
	return nil
}

// SubmitSignal implements delta.Connection.
func (c *FakeConnection) SubmitSignal(content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signals = append(c.Signals, content)
	return nil
}

// Close implements delta.Connection.
func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalled = true
	return nil
}

// SubmittedMessages returns a snapshot of the regular submissions.
func (c *FakeConnection) SubmittedMessages() []*protocol.DocumentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.DocumentMessage, len(c.Submitted))
	copy(out, c.Submitted)
	return out
}

// AsyncMessages returns a snapshot of the async submissions.
func (c *FakeConnection) AsyncMessages() []*protocol.DocumentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.DocumentMessage, len(c.Async))
	copy(out, c.Async)
	return out
}

func (c *FakeConnection) eventsSnapshot() *delta.ConnectionEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// EmitOps replays sequenced messages as a live op event.
func (c *FakeConnection) EmitOps(msgs ...*protocol.SequencedMessage) {
	if ev := c.eventsSnapshot(); ev != nil && ev.Op != nil {
		ev.Op(msgs)
	}
}

// EmitContent replays a split content chunk.
func (c *FakeConnection) EmitContent(content *protocol.ContentMessage) {
	if ev := c.eventsSnapshot(); ev != nil && ev.OpContent != nil {
		ev.OpContent(content)
	}
}

// EmitSignal replays a signal.
func (c *FakeConnection) EmitSignal(sig *protocol.Signal) {
	if ev := c.eventsSnapshot(); ev != nil && ev.Signal != nil {
		ev.Signal(sig)
	}
}

// EmitNack replays a server nack.
func (c *FakeConnection) EmitNack(reason string) {
	if ev := c.eventsSnapshot(); ev != nil && ev.Nack != nil {
		ev.Nack(reason)
	}
}

// EmitDisconnect replays a transport-level disconnect.
func (c *FakeConnection) EmitDisconnect(err error) {
	if ev := c.eventsSnapshot(); ev != nil && ev.Disconnect != nil {
		ev.Disconnect(err)
	}
}

// FakeService is a document service handing out scripted connections.
type FakeService struct {
	mu sync.Mutex

	Storage    *FakeStorage
	StorageErr error

	// Connections are returned in order; when exhausted the last one
	// is reused.
	Connections []*FakeConnection

	// ConnectErrs are consumed before Connections, one per attempt.
	ConnectErrs []error

	ConnectAttempts int
}

// NewFakeService creates a service around one connection and an empty
// storage history.
func NewFakeService(conn *FakeConnection) *FakeService {
	return &FakeService{
		Storage:     &FakeStorage{},
		Connections: []*FakeConnection{conn},
	}
}

// ConnectToDeltaStorage implements delta.DocumentService.
func (s *FakeService) ConnectToDeltaStorage(ctx context.Context) (storage.DeltaStorage, error) {
	if s.StorageErr != nil {
		return nil, s.StorageErr
	}
	return s.Storage, nil
}

// ConnectToDeltaStream implements delta.DocumentService.
func (s *FakeService) ConnectToDeltaStream(ctx context.Context, client protocol.Client) (delta.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ConnectAttempts++
	if len(s.ConnectErrs) > 0 {
		err := s.ConnectErrs[0]
		s.ConnectErrs = s.ConnectErrs[1:]
		return nil, err
	}

	conn := s.Connections[len(s.Connections)-1]
	if len(s.Connections) > 1 {
		conn = s.Connections[0]
		s.Connections = s.Connections[1:]
	}
	return conn, nil
}

// Attempts returns the number of stream connect attempts observed.
func (s *FakeService) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConnectAttempts
}

// FakeHandler records everything the manager delivers.
type FakeHandler struct {
	mu sync.Mutex

	Prepared  []*protocol.SequencedMessage
	Processed []*protocol.SequencedMessage
	Signals   []*protocol.Signal

	// PrepareErr, when set, fails Prepare.
	PrepareErr error

	// processedCh signals each processed message.
	processedCh chan *protocol.SequencedMessage
}

// NewFakeHandler creates a handler with a buffered processed channel.
func NewFakeHandler() *FakeHandler {
	return &FakeHandler{processedCh: make(chan *protocol.SequencedMessage, 128)}
}

// Prepare implements delta.Handler.
func (h *FakeHandler) Prepare(msg *protocol.SequencedMessage) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PrepareErr != nil {
		return nil, h.PrepareErr
	}
	h.Prepared = append(h.Prepared, msg)
	return msg.SequenceNumber, nil
}

// Process implements delta.Handler.
func (h *FakeHandler) Process(msg *protocol.SequencedMessage, state interface{}) {
	h.mu.Lock()
	h.Processed = append(h.Processed, msg)
	h.mu.Unlock()
	select {
	case h.processedCh <- msg:
	default:
	}
}

// PostProcess implements delta.Handler.
func (h *FakeHandler) PostProcess(msg *protocol.SequencedMessage, state interface{}) error {
	return nil
}

// ProcessSignal implements delta.Handler.
func (h *FakeHandler) ProcessSignal(sig *protocol.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Signals = append(h.Signals, sig)
}

// ProcessedSequence returns the sequence numbers processed so far.
func (h *FakeHandler) ProcessedSequence() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.Processed))
	for i, msg := range h.Processed {
		out[i] = msg.SequenceNumber
	}
	return out
}

// ProcessedMessages returns a snapshot of the processed messages.
func (h *FakeHandler) ProcessedMessages() []*protocol.SequencedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*protocol.SequencedMessage, len(h.Processed))
	copy(out, h.Processed)
	return out
}

// SignalMessages returns a snapshot of the delivered signals.
func (h *FakeHandler) SignalMessages() []*protocol.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*protocol.Signal, len(h.Signals))
	copy(out, h.Signals)
	return out
}

// ProcessedCh exposes the per-message notification channel.
func (h *FakeHandler) ProcessedCh() <-chan *protocol.SequencedMessage {
	return h.processedCh
}
