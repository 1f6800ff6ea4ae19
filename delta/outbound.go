// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"context"
	"fmt"

	"github.com/collabwire/deltasync/protocol"
)

// processOutbound is the outbound queue worker. Oversize contents are
// split: the full envelope is submitted asynchronously so the server
// can negotiate a sequence slot, the contents are cached for the
// sequenced echo, and the stripped envelope follows on the regular
// path. Submission order is preserved because the stripped envelope is
// only sent after the async submission resolves.
func (m *Manager) processOutbound(msg *protocol.DocumentMessage) error {
	m.mu.Lock()
	conn := m.conn
	var clientID string
	if m.details != nil {
		clientID = m.details.ClientID
	}
	maxContentSize := m.opts.MaxContentSize
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if len(msg.Contents) > maxContentSize {
		if err := conn.SubmitAsync(context.Background(), msg); err != nil {
			return fmt.Errorf("failed to submit split envelope: %w", err)
		}
		m.cache.Set(&protocol.ContentMessage{
			ClientID:             clientID,
			ClientSequenceNumber: msg.ClientSequenceNumber,
			Contents:             msg.Contents,
		})
		msg.Contents = nil
		return conn.Submit(msg)
	}

	return conn.Submit(msg)
}
