// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire-level data model exchanged with the
// ordering service: sequenced and outbound document messages, split
// content chunks, signals, traces, and the message type taxonomy.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of a document message.
type MessageType string

// Message types assigned by the ordering service.
const (
	// Operation carries an application-level delta.
	Operation MessageType = "op"

	// Propose carries a consensus proposal.
	Propose MessageType = "propose"

	// NoOp advances a client's reference sequence number without payload.
	NoOp MessageType = "noop"

	// ClientJoin announces a client joining the session.
	ClientJoin MessageType = "join"

	// ClientLeave announces a client leaving the session.
	ClientLeave MessageType = "leave"
)

// IsSystemType reports whether the type is generated by the service
// itself rather than by application code. System messages promote their
// contents to the top-level data field on the wire.
func IsSystemType(t MessageType) bool {
	switch t {
	case ClientJoin, ClientLeave:
		return true
	default:
		return false
	}
}

// Trace records a timing checkpoint as a message moves through the
// pipeline.
type Trace struct {
	Action    string `json:"action"`
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
}

// NewTrace returns a trace stamped with the current wall clock.
func NewTrace(action, service string) Trace {
	return Trace{
		Action:    action,
		Service:   service,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SequencedMessage is an operation that has been assigned a position in
// the document's total order by the ordering service.
type SequencedMessage struct {
	SequenceNumber          uint64          `json:"sequenceNumber"`
	MinimumSequenceNumber   uint64          `json:"minimumSequenceNumber"`
	ClientID                string          `json:"clientId"`
	ClientSequenceNumber    uint64          `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
}

// DocumentMessage is a locally submitted operation before sequencing.
// System-type messages carry their payload in Data with Contents empty.
type DocumentMessage struct {
	ClientSequenceNumber    uint64          `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Data                    json.RawMessage `json:"data,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
}

// ContentMessage is the payload half of a split operation, matched to
// its envelope by (ClientID, ClientSequenceNumber).
type ContentMessage struct {
	ClientID             string          `json:"clientId"`
	ClientSequenceNumber uint64          `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
}

// Signal is an out-of-band message relayed by the service without
// sequencing. Content is a serialized payload parsed once before
// delivery to the handler.
type Signal struct {
	ClientID string          `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}

// DecodeContents unwraps contents that arrived as a JSON-encoded string
// holding serialized JSON, a shape produced by older service versions.
// Non-string contents are returned unchanged.
func DecodeContents(contents json.RawMessage) json.RawMessage {
	if len(contents) == 0 || contents[0] != '"' {
		return contents
	}
	var inner string
	if err := json.Unmarshal(contents, &inner); err != nil {
		return contents
	}
	return json.RawMessage(inner)
}
