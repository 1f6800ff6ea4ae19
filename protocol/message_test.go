// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsSystemType(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    bool
	}{
		{Operation, false},
		{Propose, false},
		{NoOp, false},
		{ClientJoin, true},
		{ClientLeave, true},
	}

	for _, tt := range tests {
		if got := IsSystemType(tt.msgType); got != tt.want {
			t.Errorf("IsSystemType(%q) = %v, want %v", tt.msgType, got, tt.want)
		}
	}
}

func TestDecodeContents(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"double encoded object", `"{\"x\":1}"`, `{"x":1}`},
		{"plain object untouched", `{"x":1}`, `{"x":1}`},
		{"null untouched", `null`, `null`},
		{"number untouched", `42`, `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeContents(json.RawMessage(tt.in))
			if string(got) != tt.want {
				t.Errorf("DecodeContents(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if DecodeContents(nil) != nil {
		t.Error("DecodeContents(nil) should be nil")
	}
}

// The split-content protocol relies on distinguishing an absent
// contents field from an explicit null payload.
func TestContentsAbsentVersusNull(t *testing.T) {
	var absent SequencedMessage
	if err := json.Unmarshal([]byte(`{"sequenceNumber":1,"type":"op"}`), &absent); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if absent.Contents != nil {
		t.Errorf("absent contents should decode as nil, got %s", absent.Contents)
	}

	var null SequencedMessage
	if err := json.Unmarshal([]byte(`{"sequenceNumber":1,"type":"noop","contents":null}`), &null); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(null.Contents) != "null" {
		t.Errorf("null contents should decode as the null literal, got %q", null.Contents)
	}
}

func TestClientShouldReconnect(t *testing.T) {
	tests := []struct {
		name   string
		client Client
		want   bool
	}{
		{"empty type defaults to browser", Client{}, true},
		{"browser", Client{Type: ClientTypeBrowser}, true},
		{"agent", Client{Type: ClientTypeAgent}, false},
		{"agent forced always", Client{Type: ClientTypeAgent, Reconnect: ReconnectAlways}, true},
		{"browser forced never", Client{Type: ClientTypeBrowser, Reconnect: ReconnectNever}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.ShouldReconnect(); got != tt.want {
				t.Errorf("ShouldReconnect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemTypeShapeOnWire(t *testing.T) {
	msg := DocumentMessage{
		ClientSequenceNumber: 1,
		Type:                 ClientJoin,
		Data:                 json.RawMessage(`{"user":"u1"}`),
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded["contents"]; ok {
		t.Error("system message should not carry contents on the wire")
	}
	if _, ok := decoded["data"]; !ok {
		t.Error("system message should carry data on the wire")
	}
}
