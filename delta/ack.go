// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"log/slog"
	"time"

	"github.com/collabwire/deltasync/protocol"
)

// scheduleSequenceNumberUpdate arranges for a no-op acknowledgement
// that advances this client's published reference sequence number, so
// the server's minimum-sequence-number calculation keeps converging.
//
// Acks are debounced: the first trigger arms a timer, further triggers
// within the window defer the ack by re-arming. A proposal is acked
// immediately since consensus stalls until every client has responded.
// Readonly clients never ack; their reference sequence number is not
// part of the server's calculation.
func (m *Manager) scheduleSequenceNumberUpdate(msg *protocol.SequencedMessage) {
	m.mu.Lock()

	if m.readonly || m.closed {
		m.mu.Unlock()
		return
	}

	if msg.Type == protocol.Propose {
		m.mu.Unlock()
		m.submitAck(protocol.ImmediateNoOpResponse, true)
		return
	}

	if m.ackTimer == nil {
		m.armAckTimerLocked()
	} else {
		m.ackRequested = true
	}
	m.mu.Unlock()
}

// armAckTimerLocked starts the debounce window. Callers hold m.mu.
func (m *Manager) armAckTimerLocked() {
	m.ackTimer = time.AfterFunc(m.opts.AckInterval, func() {
		m.mu.Lock()
		if m.ackTimer == nil {
			// Cancelled while firing.
			m.mu.Unlock()
			return
		}
		m.ackTimer = nil
		if m.closed || m.readonly {
			m.ackRequested = false
			m.mu.Unlock()
			return
		}
		if m.ackRequested {
			// Processing continued during the window; defer the ack
			// one more interval.
			m.ackRequested = false
			m.armAckTimerLocked()
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.submitAck(nil, false)
	})
}

// stopSequenceNumberUpdateLocked cancels any pending acknowledgement.
// Called on close, on readonly transition, and before every local
// submit, which supersedes the ack. Callers hold m.mu.
func (m *Manager) stopSequenceNumberUpdateLocked() {
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.ackRequested = false
}

func (m *Manager) submitAck(payload interface{}, immediate bool) {
	if _, err := m.Submit(protocol.NoOp, payload); err != nil {
		m.logger.Debug("failed to submit ack", slog.Any("error", err))
		return
	}
	m.metrics.AckSubmitted(immediate)
}
