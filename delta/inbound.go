// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabwire/deltasync/protocol"
)

// enqueueMessages feeds messages through the admission path in arrival
// order. Deliverable prefixes are admitted before any gap triggers a
// fetch; out-of-window messages land in the pending buffer.
func (m *Manager) enqueueMessages(msgs []*protocol.SequencedMessage) {
	for _, msg := range msgs {
		m.enqueueMessage(msg)
	}
}

// enqueueMessage applies the gap-free admission rule: only the exact
// successor of the last queued sequence number enters the inbound
// queue. Duplicates are dropped, gaps buffered and backfilled.
func (m *Manager) enqueueMessage(msg *protocol.SequencedMessage) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.attached {
		m.preAttach = append(m.preAttach, msg)
		m.mu.Unlock()
		return
	}

	if msg.SequenceNumber > m.largestSeq {
		m.largestSeq = msg.SequenceNumber
	}

	switch {
	case msg.SequenceNumber == m.lastQueuedSeq+1:
		m.lastQueuedSeq = msg.SequenceNumber
		m.mu.Unlock()
		m.inbound.Push(msg)

	case msg.SequenceNumber <= m.lastQueuedSeq:
		m.mu.Unlock()
		m.logger.Debug("dropping duplicate message",
			slog.Uint64("sequenceNumber", msg.SequenceNumber),
			slog.String("clientId", msg.ClientID))
		m.metrics.DuplicateDropped()

	default:
		m.pending = append(m.pending, msg)
		from := m.lastQueuedSeq
		to := msg.SequenceNumber
		m.mu.Unlock()
		m.fetchMissingDeltas("Gap", from, to)
	}
}

// processInbound is the inbound queue worker. Admission guarantees
// messages arrive here in gapless ascending order; a violation is a
// programming error and panics.
func (m *Manager) processInbound(msg *protocol.SequencedMessage) error {
	start := time.Now()

	// An envelope without contents was split by the server; rejoin it
	// before processing. A JSON null payload is present contents, so
	// only a truly absent field takes this path.
	if msg.Contents == nil {
		if err := m.rejoinContents(msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if msg.SequenceNumber != m.baseSeq+1 {
		base := m.baseSeq
		m.mu.Unlock()
		panic(fmt.Sprintf("non-sequential message processing: have %d, expected %d", msg.SequenceNumber, base+1))
	}
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return ErrHandlerNotAttached
	}

	// Older service versions double-encode contents as a JSON string.
	// Client-leave payloads are plain strings and must stay encoded.
	if msg.Type != protocol.ClientLeave {
		msg.Contents = protocol.DecodeContents(msg.Contents)
	}

	state, err := handler.Prepare(msg)
	if err != nil {
		return err
	}

	if len(msg.Traces) > 0 {
		msg.Traces = append(msg.Traces, protocol.NewTrace("end", m.client.EffectiveType()))
	}

	m.mu.Lock()
	m.minSeq = msg.MinimumSequenceNumber
	m.baseSeq = msg.SequenceNumber
	m.mu.Unlock()

	handler.Process(msg, state)

	if msg.Type == protocol.Operation || msg.Type == protocol.Propose {
		m.scheduleSequenceNumberUpdate(msg)
	}

	m.metrics.MessageProcessed(string(msg.Type))
	m.emitProcessTime(time.Since(start))

	return handler.PostProcess(msg, state)
}

// rejoinContents locates the content half of a split operation. Four
// cases on the cache's oldest entry for the sending client:
//
//   - nothing cached: wait for the content event, racing a targeted
//     storage fetch;
//   - cached entry is newer than the envelope: the needed content was
//     evicted or never arrived, fetch it from storage;
//   - cached entry is older: drain stale entries until the match;
//   - exact match: pop it.
func (m *Manager) rejoinContents(msg *protocol.SequencedMessage) error {
	var content *protocol.ContentMessage
	var err error

	cached := m.cache.Peek(msg.ClientID)
	switch {
	case cached == nil:
		content, err = m.waitForContent(msg.ClientID, msg.ClientSequenceNumber, msg.SequenceNumber)
	case cached.ClientSequenceNumber > msg.ClientSequenceNumber:
		content, err = m.fetchContent(msg.ClientID, msg.ClientSequenceNumber, msg.SequenceNumber)
	case cached.ClientSequenceNumber < msg.ClientSequenceNumber:
		for {
			entry := m.cache.Get(msg.ClientID)
			if entry == nil {
				panic(fmt.Sprintf("content for client %q clientSeq %d not found in cache", msg.ClientID, msg.ClientSequenceNumber))
			}
			if entry.ClientSequenceNumber == msg.ClientSequenceNumber {
				content = entry
				break
			}
		}
	default:
		content = m.cache.Get(msg.ClientID)
	}

	if err != nil {
		return err
	}
	msg.Contents = content.Contents
	return nil
}

// waitForContent blocks until content for the envelope arrives, either
// through the cache's content event or through a storage fetch,
// whichever resolves first.
func (m *Manager) waitForContent(clientID string, clientSeq, seq uint64) (*protocol.ContentMessage, error) {
	type result struct {
		content *protocol.ContentMessage
		err     error
	}
	resultCh := make(chan result, 2)

	claim := func() bool {
		cached := m.cache.Peek(clientID)
		if cached == nil || cached.ClientSequenceNumber != clientSeq {
			return false
		}
		select {
		case resultCh <- result{content: m.cache.Get(clientID)}:
		default:
		}
		return true
	}

	cancelListener := m.cache.OnContent(func(insertedClientID string) {
		if insertedClientID == clientID {
			claim()
		}
	})
	defer cancelListener()

	// The content may have landed between the caller's peek and the
	// listener registration.
	claim()

	ctx, cancelFetch := context.WithCancel(context.Background())
	defer cancelFetch()
	go func() {
		content, err := m.fetchContentCtx(ctx, clientID, clientSeq, seq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{content: content}
	}()

	r := <-resultCh
	return r.content, r.err
}

// fetchContent retrieves the sequenced message for seq from delta
// storage and extracts its contents. A mismatched result indicates
// server or cache corruption and panics.
func (m *Manager) fetchContent(clientID string, clientSeq, seq uint64) (*protocol.ContentMessage, error) {
	return m.fetchContentCtx(context.Background(), clientID, clientSeq, seq)
}

func (m *Manager) fetchContentCtx(ctx context.Context, clientID string, clientSeq, seq uint64) (*protocol.ContentMessage, error) {
	messages, err := m.getDeltas(ctx, "ContentFetch", seq-1, seq+1)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no message found for sequence number %d", seq)
	}

	fetched := messages[0]
	if fetched.ClientID != clientID || fetched.ClientSequenceNumber != clientSeq {
		panic(fmt.Sprintf("fetched message mismatch: want client %q clientSeq %d, got client %q clientSeq %d",
			clientID, clientSeq, fetched.ClientID, fetched.ClientSequenceNumber))
	}

	return &protocol.ContentMessage{
		ClientID:             fetched.ClientID,
		ClientSequenceNumber: fetched.ClientSequenceNumber,
		Contents:             fetched.Contents,
	}, nil
}
