// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabwire/deltasync/delta"
	"github.com/collabwire/deltasync/protocol"
)

// fakeServer is a minimal ordering-service endpoint speaking the frame
// protocol over a websocket.
type fakeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	connected *frame
	received  []frame
	readyCh   chan struct{}
}

func newFakeServer(t *testing.T, details *wireDetails) *fakeServer {
	t.Helper()

	fs := &fakeServer{readyCh: make(chan struct{})}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()

		var connect frame
		if err := conn.ReadJSON(&connect); err != nil {
			return
		}
		fs.mu.Lock()
		fs.connected = &connect
		fs.mu.Unlock()

		conn.WriteJSON(&frame{Type: frameConnected, Details: details})
		close(fs.readyCh)

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fs.mu.Lock()
			fs.received = append(fs.received, f)
			fs.mu.Unlock()

			switch f.Type {
			case frameAsync:
				conn.WriteJSON(&frame{Type: frameAccept, ID: f.ID})
			case framePing:
				conn.WriteJSON(&frame{Type: framePong, Timestamp: f.Timestamp})
			}
		}
	}))
	t.Cleanup(fs.server.Close)

	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeServer) push(t *testing.T, f *frame) {
	t.Helper()
	<-fs.readyCh
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NoError(t, fs.conn.WriteJSON(f))
}

func (fs *fakeServer) receivedFrames() []frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]frame, len(fs.received))
	copy(out, fs.received)
	return out
}

func dial(t *testing.T, fs *fakeServer) *WSConnection {
	t.Helper()
	conn, err := Connect(context.Background(), Config{
		URL:        fs.url(),
		DocumentID: "doc-1",
	}, protocol.Client{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestConnectHandshake(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{
		ClientID:        "client-9",
		MaxMessageSize:  1024,
		InitialMessages: []*protocol.SequencedMessage{{SequenceNumber: 1, Type: protocol.Operation}},
	})

	conn := dial(t, fs)

	details := conn.Details()
	require.NotNil(t, details)
	assert.Equal(t, "client-9", details.ClientID)
	assert.Equal(t, 1024, details.MaxMessageSize)
	require.Len(t, details.InitialMessages, 1)

	fs.mu.Lock()
	connect := fs.connected
	fs.mu.Unlock()
	require.NotNil(t, connect)
	assert.Equal(t, "doc-1", connect.DocumentID)
	assert.NotEmpty(t, connect.ConnectionID)
}

func TestSubmitSendsFrame(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{ClientID: "c"})
	conn := dial(t, fs)

	msg := &protocol.DocumentMessage{
		ClientSequenceNumber: 3,
		Type:                 protocol.Operation,
	}
	require.NoError(t, conn.Submit(msg))

	waitFor(t, func() bool { return len(fs.receivedFrames()) >= 1 })
	got := fs.receivedFrames()[0]
	assert.Equal(t, frameSubmit, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, uint64(3), got.Message.ClientSequenceNumber)
}

func TestSubmitAsyncWaitsForAccept(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{ClientID: "c"})
	conn := dial(t, fs)
	conn.SetEvents(&delta.ConnectionEvents{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := conn.SubmitAsync(ctx, &protocol.DocumentMessage{ClientSequenceNumber: 1})
	require.NoError(t, err)
}

func TestInboundEventsDispatch(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{ClientID: "c"})
	conn := dial(t, fs)

	var mu sync.Mutex
	var gotOps []*protocol.SequencedMessage
	var gotNack string
	var gotContent *protocol.ContentMessage

	conn.SetEvents(&delta.ConnectionEvents{
		Op: func(msgs []*protocol.SequencedMessage) {
			mu.Lock()
			gotOps = append(gotOps, msgs...)
			mu.Unlock()
		},
		OpContent: func(content *protocol.ContentMessage) {
			mu.Lock()
			gotContent = content
			mu.Unlock()
		},
		Nack: func(reason string) {
			mu.Lock()
			gotNack = reason
			mu.Unlock()
		},
	})

	fs.push(t, &frame{Type: frameOp, Messages: []*protocol.SequencedMessage{
		{SequenceNumber: 1, Type: protocol.Operation},
		{SequenceNumber: 2, Type: protocol.Operation},
	}})
	fs.push(t, &frame{Type: frameOpContent, Content: &protocol.ContentMessage{
		ClientID:             "a",
		ClientSequenceNumber: 1,
	}})
	fs.push(t, &frame{Type: frameNack, Reason: "overloaded"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotOps) == 2 && gotContent != nil && gotNack != ""
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint64(1), gotOps[0].SequenceNumber)
	assert.Equal(t, "a", gotContent.ClientID)
	assert.Equal(t, "overloaded", gotNack)
}

func TestDisconnectEventOnServerClose(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{ClientID: "c"})
	conn := dial(t, fs)

	disconnected := make(chan error, 1)
	conn.SetEvents(&delta.ConnectionEvents{
		Disconnect: func(err error) { disconnected <- err },
	})

	<-fs.readyCh
	fs.mu.Lock()
	fs.conn.Close()
	fs.mu.Unlock()

	select {
	case err := <-disconnected:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a disconnect event")
	}
}

func TestSubmitAsyncAfterClose(t *testing.T) {
	fs := newFakeServer(t, &wireDetails{ClientID: "c"})
	conn := dial(t, fs)

	require.NoError(t, conn.Close())

	err := conn.SubmitAsync(context.Background(), &protocol.DocumentMessage{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
