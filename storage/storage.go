// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the delta-storage contract and its HTTP
// client. Delta storage holds the document's historical sequenced
// operations and serves bounded range reads for backfill.
package storage

import (
	"context"

	"github.com/collabwire/deltasync/protocol"
)

// DeltaStorage serves historical sequenced messages.
type DeltaStorage interface {
	// Get returns the messages in the range (from, to), both bounds
	// exclusive, in ascending sequence order. A to of zero means no
	// upper bound. Implementations may return fewer messages than the
	// range holds; callers paginate.
	Get(ctx context.Context, from, to uint64) ([]*protocol.SequencedMessage, error)
}
