// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"time"

	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/telemetry"
)

// Default values.
const (
	// DefaultAckInterval is the debounce applied to reference-
	// sequence-number acknowledgements.
	DefaultAckInterval = 100 * time.Millisecond
)

// Events holds the manager's typed event callbacks. Nil callbacks are
// skipped.
type Events struct {
	// OnConnect fires once per established connection.
	OnConnect func(details *ConnectionDetails)

	// OnDisconnect fires when the connection is lost; wasNack is true
	// when the server repudiated the outbound stream.
	OnDisconnect func(wasNack bool)

	// OnError fires for queue worker errors and connection errors.
	OnError func(err error)

	// OnPong reports measured round-trip latency.
	OnPong func(latency time.Duration)

	// OnProcessTime reports per-message handler processing time.
	OnProcessTime func(d time.Duration)
}

// Options configures a delta manager.
type Options struct {
	// MaxContentSize is the threshold above which outbound contents
	// are split from their envelope.
	MaxContentSize int

	// ContentBufferSize is the content cache capacity.
	ContentBufferSize int

	// AckInterval is the acknowledgement debounce.
	AckInterval time.Duration

	// Events receives manager lifecycle callbacks.
	Events Events

	// Metrics receives instrument recordings; nil disables metrics.
	Metrics *telemetry.Metrics
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		MaxContentSize:    protocol.DefaultMaxContentSize,
		ContentBufferSize: protocol.DefaultContentBufferSize,
		AckInterval:       DefaultAckInterval,
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return NewOptions()
	}
	out := *o
	if out.MaxContentSize <= 0 {
		out.MaxContentSize = protocol.DefaultMaxContentSize
	}
	if out.ContentBufferSize <= 0 {
		out.ContentBufferSize = protocol.DefaultContentBufferSize
	}
	if out.AckInterval <= 0 {
		out.AckInterval = DefaultAckInterval
	}
	return &out
}
