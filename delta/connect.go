// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/collabwire/deltasync/protocol"
)

// connectCell is the single-shot result of the first successful
// connect. Overlapping Connect calls share it; reconnects after the
// first success do not touch it.
type connectCell struct {
	once    sync.Once
	done    chan struct{}
	details *ConnectionDetails
	err     error
}

func newConnectCell() *connectCell {
	return &connectCell{done: make(chan struct{})}
}

func (c *connectCell) resolve(details *ConnectionDetails, err error) {
	c.once.Do(func() {
		c.details = details
		c.err = err
		close(c.done)
	})
}

// Connect brings up the session. The call is idempotent: overlapping
// calls share one underlying connect attempt and return the same
// details. Connection failures retry with exponential backoff; the
// call blocks until the first success, manager close, or context
// cancellation.
func (m *Manager) Connect(ctx context.Context, reason string) (*ConnectionDetails, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	cell := m.connect
	if cell == nil {
		cell = newConnectCell()
		m.connect = cell
		m.state.transition(StateDisconnected, StateConnecting)
		go func() {
			// Storage is resolved once per manager lifetime; a
			// failure is surfaced as a manager error, not retried.
			_, _ = m.resolveStorage(context.Background())
			m.connectCore(reason, protocol.InitialReconnectDelay)
		}()
	}
	m.mu.Unlock()

	select {
	case <-cell.done:
		return cell.details, cell.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectCore performs one connection attempt. On failure the next
// attempt is scheduled after delay, which doubles up to the cap.
func (m *Manager) connectCore(reason string, delay time.Duration) {
	if m.isClosed() {
		return
	}

	conn, err := m.service.ConnectToDeltaStream(context.Background(), m.client)
	if err != nil {
		m.logger.Warn("delta stream connection failed",
			slog.String("reason", reason),
			slog.Duration("retryIn", delay),
			slog.Any("error", err))

		next := delay * 2
		if next > protocol.MaxReconnectDelay {
			next = protocol.MaxReconnectDelay
		}
		time.AfterFunc(delay, func() {
			m.connectCore(reason, next)
		})
		return
	}

	m.setupConnection(conn, reason)
}

// setupConnection installs a freshly connected session and processes
// its initial backlog.
func (m *Manager) setupConnection(conn Connection, reason string) {
	details := conn.Details()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.details = details
	m.clientSeq = 0
	m.state.set(StateConnected)
	cell := m.connect
	m.mu.Unlock()

	m.outbound.SystemResume()

	if cell != nil {
		cell.resolve(details, nil)
	}

	conn.SetEvents(&ConnectionEvents{
		Op: m.enqueueMessages,
		OpContent: func(content *protocol.ContentMessage) {
			m.cache.Set(content)
		},
		Signal: func(sig *protocol.Signal) {
			m.inboundSignal.Push(sig)
		},
		Nack: func(nackReason string) {
			m.logger.Warn("outbound stream nacked", slog.String("reason", nackReason))
			m.connectionLost(conn, true, "Reconnecting on nack")
		},
		Disconnect: func(err error) {
			if err != nil {
				m.logger.Info("delta stream disconnected", slog.Any("error", err))
			}
			m.connectionLost(conn, false, "Reconnecting on disconnect")
		},
		Pong:  m.emitPong,
		Error: m.emitError,
	})

	// The server hands the backlog with the connection. If the
	// inbound queue is still paused the handler is not attached yet;
	// defer the work to the queue's next resume.
	if m.inbound.Paused() {
		var once sync.Once
		m.inbound.OnResume(func() {
			once.Do(func() {
				m.processInitial(details)
			})
		})
	} else {
		m.processInitial(details)
	}

	m.logger.Info("connected to delta stream",
		slog.String("reason", reason),
		slog.String("clientId", details.ClientID))
	m.emitConnect(details)
}

// processInitial feeds the connection's initial backlog through the
// regular paths: contents into the cache, signals into the signal
// queue, messages through admission.
func (m *Manager) processInitial(details *ConnectionDetails) {
	for _, content := range details.InitialContents {
		m.cache.Set(content)
	}
	for _, sig := range details.InitialSignals {
		m.inboundSignal.Push(sig)
	}
	m.enqueueMessages(details.InitialMessages)
}

// connectionLost handles a nack or transport disconnect. The outbound
// queue is paused and dropped; whether the session reconnects depends
// on the client's reconnect policy. Non-reconnecting clients also halt
// the inbound side.
func (m *Manager) connectionLost(conn Connection, wasNack bool, reason string) {
	m.mu.Lock()
	if m.conn != conn || m.closed {
		// Stale event from a replaced connection.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Halt the outbound side before dropping the connection so freshly
	// dispatched workers never observe a half-torn-down session.
	m.outbound.SystemPause()
	m.outbound.Clear()

	m.mu.Lock()
	if m.conn != conn || m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state.set(StateDisconnected)
	reconnect := m.client.ShouldReconnect()
	m.mu.Unlock()

	m.emitDisconnect(wasNack)

	conn.Close()

	if !reconnect {
		m.inbound.SystemPause()
		m.inbound.Clear()
		m.inboundSignal.SystemPause()
		m.inboundSignal.Clear()
		return
	}

	m.metrics.Reconnect()
	go m.connectCore(reason, protocol.InitialReconnectDelay)
}
