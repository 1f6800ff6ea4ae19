// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package delta implements the client-side delta manager for a
// document session. The manager owns three work queues (inbound ops,
// inbound signals, outbound ops), a content cache, and the live
// connection to the ordering service, and guarantees the application
// handler observes inbound operations in strict gapless sequence order.
package delta

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/queue"
	"github.com/collabwire/deltasync/storage"
	"github.com/collabwire/deltasync/telemetry"
)

// Manager orchestrates the delta streams of one document session.
type Manager struct {
	mu sync.Mutex

	service DocumentService
	client  protocol.Client
	opts    *Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	inbound       *queue.Queue[*protocol.SequencedMessage]
	outbound      *queue.Queue[*protocol.DocumentMessage]
	inboundSignal *queue.Queue[*protocol.Signal]
	cache         *ContentCache

	state   *stateManager
	conn    Connection
	details *ConnectionDetails
	connect *connectCell

	handler  Handler
	attached bool
	// Messages observed on the live stream before the handler
	// anchored the sequence counters.
	preAttach []*protocol.SequencedMessage

	storageOnce sync.Once
	storage     storage.DeltaStorage
	storageErr  error

	// Sequence state. baseSeq is the last message processed by the
	// handler; lastQueuedSeq the last admitted to the inbound queue;
	// largestSeq the largest ever observed.
	baseSeq       uint64
	minSeq        uint64
	lastQueuedSeq uint64
	largestSeq    uint64

	clientSeq uint64
	pending   []*protocol.SequencedMessage
	fetching  bool
	readonly  bool
	closed    bool

	ackTimer     *time.Timer
	ackRequested bool
}

// New creates a delta manager with all queues paused. Processing
// starts once AttachOpHandler arms the inbound side and Connect brings
// up the outbound side.
func New(service DocumentService, client protocol.Client, logger *slog.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	m := &Manager{
		service:  service,
		client:   client,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		cache:    NewContentCache(opts.ContentBufferSize),
		state:    newStateManager(),
		readonly: true,
	}

	m.inbound = queue.New(m.processInbound)
	m.outbound = queue.New(m.processOutbound)
	m.inboundSignal = queue.New(m.processSignal)

	m.inbound.OnError(m.emitError)
	m.outbound.OnError(m.emitError)
	m.inboundSignal.OnError(m.emitError)

	return m
}

// Inbound returns the inbound op queue handle.
func (m *Manager) Inbound() *queue.Queue[*protocol.SequencedMessage] { return m.inbound }

// Outbound returns the outbound op queue handle.
func (m *Manager) Outbound() *queue.Queue[*protocol.DocumentMessage] { return m.outbound }

// InboundSignal returns the inbound signal queue handle.
func (m *Manager) InboundSignal() *queue.Queue[*protocol.Signal] { return m.inboundSignal }

// State returns the current connection state.
func (m *Manager) State() State { return m.state.get() }

// ReferenceSequenceNumber returns the sequence number of the last
// message processed by the handler.
func (m *Manager) ReferenceSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseSeq
}

// MinimumSequenceNumber returns the server-reported minimum sequence
// number of the last processed message.
func (m *Manager) MinimumSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSeq
}

// LastKnownSequenceNumber returns the largest sequence number ever
// observed, including out-of-order arrivals not yet admitted.
func (m *Manager) LastKnownSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.largestSeq
}

// MaxMessageSize returns the connection's advertised maximum message
// size, falling back to the default chunk size.
func (m *Manager) MaxMessageSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.details != nil && m.details.MaxMessageSize > 0 {
		return m.details.MaxMessageSize
	}
	return protocol.DefaultChunkSize
}

// MaxContentSize returns the outbound split threshold.
func (m *Manager) MaxContentSize() int { return m.opts.MaxContentSize }

// ClientType returns the effective client type category.
func (m *Manager) ClientType() string { return m.client.EffectiveType() }

// AttachOpHandler arms inbound processing. The given sequence number
// anchors all sequence counters; messages at or below it are treated
// as already processed. When resume is set, both inbound queues are
// system-resumed and a catch-up fetch is triggered past the anchor.
func (m *Manager) AttachOpHandler(sequenceNumber uint64, handler Handler, resume bool) {
	m.mu.Lock()
	m.baseSeq = sequenceNumber
	m.minSeq = sequenceNumber
	m.lastQueuedSeq = sequenceNumber
	m.largestSeq = sequenceNumber
	m.handler = handler
	m.attached = true
	buffered := m.preAttach
	m.preAttach = nil
	m.mu.Unlock()

	if resume {
		// Resuming fires any deferred backlog processing before the
		// buffered live traffic is admitted.
		m.inbound.SystemResume()
		m.inboundSignal.SystemResume()
	}

	m.enqueueMessages(buffered)

	if resume {
		m.fetchMissingDeltas("DocumentOpen", sequenceNumber, 0)
	}
}

// Submit builds an envelope for the given contents and queues it for
// the ordering service, returning the assigned client sequence number.
func (m *Manager) Submit(msgType protocol.MessageType, contents interface{}) (uint64, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}

	m.clientSeq++
	msg := &protocol.DocumentMessage{
		ClientSequenceNumber:    m.clientSeq,
		ReferenceSequenceNumber: m.baseSeq,
		Type:                    msgType,
		Traces: []protocol.Trace{
			protocol.NewTrace("start", m.client.EffectiveType()),
		},
	}
	if protocol.IsSystemType(msgType) {
		msg.Data = raw
	} else {
		msg.Contents = raw
	}

	// A local op supersedes any pending reference-sequence-number ack.
	m.readonly = false
	m.stopSequenceNumberUpdateLocked()
	seq := m.clientSeq
	m.mu.Unlock()

	m.outbound.Push(msg)
	return seq, nil
}

// SubmitSignal relays an out-of-band signal over the live connection.
func (m *Manager) SubmitSignal(content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SubmitSignal(raw)
}

// EnableReadonlyMode suppresses acknowledgement no-ops and cancels any
// pending one.
func (m *Manager) EnableReadonlyMode() {
	m.mu.Lock()
	m.readonly = true
	m.stopSequenceNumberUpdateLocked()
	m.mu.Unlock()
}

// DisableReadonlyMode re-enables acknowledgement no-ops.
func (m *Manager) DisableReadonlyMode() {
	m.mu.Lock()
	m.readonly = false
	m.mu.Unlock()
}

// Close terminates the manager: the ack timer is cancelled, the
// connection closed, and all queues cleared and paused. A Connect call
// still waiting for its first success returns ErrClosed. Close is
// idempotent and always safe to call.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state.set(StateClosed)
	conn := m.conn
	m.conn = nil
	cell := m.connect
	m.stopSequenceNumberUpdateLocked()
	m.opts.Events = Events{}
	m.mu.Unlock()

	if cell != nil {
		cell.resolve(nil, ErrClosed)
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("error closing connection", slog.Any("error", err))
		}
	}

	m.inbound.SystemPause()
	m.inbound.Clear()
	m.outbound.SystemPause()
	m.outbound.Clear()
	m.inboundSignal.SystemPause()
	m.inboundSignal.Clear()
}

// processSignal is the signal queue worker: the serialized payload is
// parsed once, then handed to the handler.
func (m *Manager) processSignal(sig *protocol.Signal) error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return ErrHandlerNotAttached
	}

	sig.Content = protocol.DecodeContents(sig.Content)
	handler.ProcessSignal(sig)
	return nil
}

func (m *Manager) emitError(err error) {
	m.mu.Lock()
	cb := m.opts.Events.OnError
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (m *Manager) emitDisconnect(wasNack bool) {
	m.mu.Lock()
	cb := m.opts.Events.OnDisconnect
	m.mu.Unlock()
	if cb != nil {
		cb(wasNack)
	}
}

func (m *Manager) emitConnect(details *ConnectionDetails) {
	m.mu.Lock()
	cb := m.opts.Events.OnConnect
	m.mu.Unlock()
	if cb != nil {
		cb(details)
	}
}

func (m *Manager) emitPong(latency time.Duration) {
	m.mu.Lock()
	cb := m.opts.Events.OnPong
	m.mu.Unlock()
	if cb != nil {
		cb(latency)
	}
}

func (m *Manager) emitProcessTime(d time.Duration) {
	m.mu.Lock()
	cb := m.opts.Events.OnProcessTime
	m.mu.Unlock()
	if cb != nil {
		cb(d)
	}
	m.metrics.ProcessTime(d)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
