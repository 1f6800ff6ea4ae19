// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/storage"
)

// fetchMissingDeltas triggers a backfill of the range (from, to) from
// delta storage. Fetches are single-flight: a second trigger while one
// is running is dropped, and any still-missing range re-triggers from
// the admission path once the first fetch is spliced in.
func (m *Manager) fetchMissingDeltas(reason string, from, to uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.fetching {
		m.mu.Unlock()
		m.logger.Debug("fetch already in flight",
			slog.String("reason", reason),
			slog.Uint64("from", from),
			slog.Uint64("to", to))
		return
	}
	m.fetching = true
	m.mu.Unlock()

	m.metrics.FetchStarted(reason)

	go func() {
		messages, err := m.getDeltas(context.Background(), reason, from, to)

		m.mu.Lock()
		m.fetching = false
		m.mu.Unlock()

		if err != nil {
			m.emitError(fmt.Errorf("failed to fetch missing deltas: %w", err))
			return
		}
		m.catchUp(reason, messages)
	}()
}

// GetDeltas returns the sequenced messages in the range (from, to),
// both bounds exclusive, paginating and retrying against delta storage
// until the range is complete. A to of zero reads to the tail. Retries
// are bounded only by the manager being closed or ctx being cancelled.
func (m *Manager) GetDeltas(ctx context.Context, reason string, from, to uint64) ([]*protocol.SequencedMessage, error) {
	return m.getDeltas(ctx, reason, from, to)
}

func (m *Manager) getDeltas(ctx context.Context, reason string, from, to uint64) ([]*protocol.SequencedMessage, error) {
	store, err := m.resolveStorage(ctx)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = protocol.MissingFetchDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = protocol.MaxFetchDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var deltas []*protocol.SequencedMessage
	for {
		if m.isClosed() {
			m.logger.Info("abandoning delta fetch on closed manager",
				slog.String("reason", reason),
				slog.Uint64("from", from))
			return nil, nil
		}

		// Bound the request to the batch window.
		fetchTo := from + protocol.MaxBatchDeltas
		if to != 0 && to < fetchTo {
			fetchTo = to
		}

		messages, err := store.Get(ctx, from, fetchTo)

		// An empty page on an open-ended read means the caller is
		// caught up with the tail. An empty page on a bounded read is
		// a transient hole and retries below.
		if err == nil && len(messages) == 0 && to == 0 {
			return deltas, nil
		}

		if err == nil && len(messages) > 0 {
			deltas = append(deltas, messages...)
			last := messages[len(messages)-1].SequenceNumber
			m.metrics.FetchBatch(len(messages))

			// Reading to the tail ends on a short page; a bounded
			// read ends when the upper bound is reached.
			if to == 0 && uint64(len(messages)) < fetchTo-from-1 {
				return deltas, nil
			}
			if to != 0 && last+1 >= to {
				return deltas, nil
			}

			from = last
			bo.Reset()
			continue
		}

		if err != nil {
			m.logger.Warn("delta fetch failed",
				slog.String("reason", reason),
				slog.Uint64("from", from),
				slog.Any("error", err))
		} else {
			m.logger.Debug("delta fetch returned no messages",
				slog.String("reason", reason),
				slog.Uint64("from", from))
		}

		select {
		case <-ctx.Done():
			return deltas, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// catchUp splices a backfilled range with live traffic: the fetched
// messages go through admission first, then the pending buffer is
// drained in sequence order. Any gap still left re-triggers fetching
// from the admission path.
func (m *Manager) catchUp(reason string, messages []*protocol.SequencedMessage) {
	m.logger.Debug("catching up",
		slog.String("reason", reason),
		slog.Int("count", len(messages)))

	m.enqueueMessages(messages)

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SequenceNumber < pending[j].SequenceNumber
	})
	m.enqueueMessages(pending)
}

// resolveStorage connects to delta storage once per manager lifetime;
// the result, success or failure, is cached.
func (m *Manager) resolveStorage(ctx context.Context) (storage.DeltaStorage, error) {
	m.storageOnce.Do(func() {
		store, err := m.service.ConnectToDeltaStorage(ctx)
		if err != nil {
			m.storageErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			m.emitError(m.storageErr)
			return
		}
		m.storage = store
	})
	if m.storageErr != nil {
		return nil, m.storageErr
	}
	return m.storage, nil
}
