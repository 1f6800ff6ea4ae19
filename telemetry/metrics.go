// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the OpenTelemetry instruments recorded by the
// delta manager. All Metrics methods are safe on a nil receiver, so a
// caller that does not care about metrics passes nil and pays nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for a delta manager.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesProcessed metric.Int64Counter
	duplicatesDropped metric.Int64Counter
	fetchesStarted    metric.Int64Counter
	acksSubmitted     metric.Int64Counter
	reconnects        metric.Int64Counter

	// Histograms
	processDuration metric.Float64Histogram
	fetchBatchSize  metric.Int64Histogram
}

// NewMetrics creates a Metrics instance with all instruments
// initialized against the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("deltasync"),
	}

	var err error

	m.messagesProcessed, err = m.meter.Int64Counter(
		"delta.messages.processed.total",
		metric.WithDescription("Sequenced messages processed by the inbound worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesProcessed counter: %w", err)
	}

	m.duplicatesDropped, err = m.meter.Int64Counter(
		"delta.messages.duplicates.total",
		metric.WithDescription("Inbound messages dropped as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicatesDropped counter: %w", err)
	}

	m.fetchesStarted, err = m.meter.Int64Counter(
		"delta.fetches.total",
		metric.WithDescription("Backfill fetches triggered against delta storage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetchesStarted counter: %w", err)
	}

	m.acksSubmitted, err = m.meter.Int64Counter(
		"delta.acks.total",
		metric.WithDescription("Reference-sequence-number no-ops submitted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acksSubmitted counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"delta.reconnects.total",
		metric.WithDescription("Connection attempts after a disconnect or nack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.processDuration, err = m.meter.Float64Histogram(
		"delta.process.duration",
		metric.WithDescription("Per-message handler processing time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processDuration histogram: %w", err)
	}

	m.fetchBatchSize, err = m.meter.Int64Histogram(
		"delta.fetch.batch.size",
		metric.WithDescription("Messages returned per backfill fetch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetchBatchSize histogram: %w", err)
	}

	return m, nil
}

// MessageProcessed records one processed message of the given type.
func (m *Metrics) MessageProcessed(msgType string) {
	if m == nil {
		return
	}
	m.messagesProcessed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", msgType)))
}

// DuplicateDropped records a dropped duplicate.
func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Add(context.Background(), 1)
}

// FetchStarted records a backfill fetch with its trigger reason.
func (m *Metrics) FetchStarted(reason string) {
	if m == nil {
		return
	}
	m.fetchesStarted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// FetchBatch records the size of a fetched batch.
func (m *Metrics) FetchBatch(count int) {
	if m == nil {
		return
	}
	m.fetchBatchSize.Record(context.Background(), int64(count))
}

// AckSubmitted records a no-op acknowledgement submission.
func (m *Metrics) AckSubmitted(immediate bool) {
	if m == nil {
		return
	}
	m.acksSubmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("immediate", immediate)))
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

// ProcessTime records handler processing time.
func (m *Metrics) ProcessTime(d time.Duration) {
	if m == nil {
		return
	}
	m.processDuration.Record(context.Background(), float64(d.Microseconds())/1000.0)
}
