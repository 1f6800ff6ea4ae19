// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"time"

	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/storage"
)

// ConnectionDetails describes a live delta-stream session.
type ConnectionDetails struct {
	ClientID       string
	Existing       bool
	MaxMessageSize int

	// Backlog accumulated on the server before the stream attached.
	InitialMessages []*protocol.SequencedMessage
	InitialContents []*protocol.ContentMessage
	InitialSignals  []*protocol.Signal
}

// ConnectionEvents is the typed event record dispatched by a
// connection adapter. Adapters must not dispatch before SetEvents has
// been called.
type ConnectionEvents struct {
	Op         func(msgs []*protocol.SequencedMessage)
	OpContent  func(content *protocol.ContentMessage)
	Signal     func(sig *protocol.Signal)
	Nack       func(reason string)
	Disconnect func(err error)
	Pong       func(latency time.Duration)
	Error      func(err error)
}

// Connection is a live session to the ordering service.
type Connection interface {
	// Details returns the session descriptor negotiated at connect.
	Details() *ConnectionDetails

	// SetEvents installs the event record and starts dispatch.
	SetEvents(events *ConnectionEvents)

	// Submit sends a message on the outbound stream, fire and forget.
	Submit(msg *protocol.DocumentMessage) error

	// SubmitAsync sends a message and waits for the server to accept
	// it. Used to negotiate a sequence slot for a split envelope
	// before its stripped counterpart is submitted.
	SubmitAsync(ctx context.Context, msg *protocol.DocumentMessage) error

	// SubmitSignal relays an out-of-band signal.
	SubmitSignal(content []byte) error

	// Close tears the session down. No events are dispatched after
	// Close returns.
	Close() error
}

// DocumentService resolves the two collaborator endpoints of a
// document session.
type DocumentService interface {
	ConnectToDeltaStorage(ctx context.Context) (storage.DeltaStorage, error)
	ConnectToDeltaStream(ctx context.Context, client protocol.Client) (Connection, error)
}

// Handler is the application-level strategy interpreting inbound
// messages. Prepare runs before the manager advances its sequence
// counters, Process runs after, and PostProcess completes the message;
// its error halts the inbound queue.
type Handler interface {
	Prepare(msg *protocol.SequencedMessage) (interface{}, error)
	Process(msg *protocol.SequencedMessage, state interface{})
	PostProcess(msg *protocol.SequencedMessage, state interface{}) error
	ProcessSignal(sig *protocol.Signal)
}
