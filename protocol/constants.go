// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// Wire-observable constants shared between the delta manager and the
// service adapters.
const (
	// InitialReconnectDelay is the first backoff step after a failed
	// connection attempt.
	InitialReconnectDelay = 1000 * time.Millisecond

	// MaxReconnectDelay caps the reconnect backoff.
	MaxReconnectDelay = 8000 * time.Millisecond

	// MissingFetchDelay is the base delay between backfill retries.
	MissingFetchDelay = 100 * time.Millisecond

	// MaxFetchDelay caps the backfill retry backoff.
	MaxFetchDelay = 10000 * time.Millisecond

	// MaxBatchDeltas bounds the window of a single delta-storage request.
	MaxBatchDeltas = 2000

	// DefaultChunkSize is the fallback maximum message size when the
	// connection does not advertise one.
	DefaultChunkSize = 16384

	// DefaultMaxContentSize is the threshold above which outbound
	// contents are split from their envelope.
	DefaultMaxContentSize = 32768

	// DefaultContentBufferSize is the content cache capacity.
	DefaultContentBufferSize = 10
)

// ImmediateNoOpResponse is the payload marking a no-op that must be
// sequenced without delay, submitted in response to a proposal.
const ImmediateNoOpResponse = ""
