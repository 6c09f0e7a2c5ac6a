package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riderconnect-server/domain"
)

type mockConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type call struct {
	op   string
	args []any
}

type mockEngine struct {
	mu    sync.Mutex
	calls []call
	err   error
	panic bool
}

func (m *mockEngine) record(op string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("boom")
	}
	m.calls = append(m.calls, call{op: op, args: args})
	return m.err
}

func (m *mockEngine) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockEngine) Join(_ context.Context, conn domain.Connection, identity, groupID string) error {
	return m.record("join", conn.ID(), identity, groupID)
}

func (m *mockEngine) Leave(_ context.Context, conn domain.Connection, identity, groupID string) error {
	return m.record("leave", conn.ID(), identity, groupID)
}

func (m *mockEngine) Heartbeat(_ context.Context, identity string) bool {
	m.record("heartbeat", identity)
	return true
}

func (m *mockEngine) SendChat(_ context.Context, groupID, identity, displayName, content string) error {
	return m.record("chat", groupID, identity, displayName, content)
}

func (m *mockEngine) SetViewing(identity, groupID string) {
	m.record("viewing", identity, groupID)
}

func (m *mockEngine) UpdateLocation(_ context.Context, identity, groupID string, lat, lng float64) error {
	return m.record("location", identity, groupID, lat, lng)
}

func (m *mockEngine) Ack(_ context.Context, conn domain.Connection, identity, notificationID string) error {
	return m.record("ack", conn.ID(), identity, notificationID)
}

func (m *mockEngine) AckAll(_ context.Context, conn domain.Connection, identity string) error {
	return m.record("ackAll", conn.ID(), identity)
}

func (m *mockEngine) RefreshStatus(_ context.Context, groupID string) error {
	return m.record("refresh", groupID)
}

func (m *mockEngine) MemberJoined(_ context.Context, groupID, identity, displayName string) error {
	return m.record("memberJoined", groupID, identity, displayName)
}

func (m *mockEngine) Disconnect(conn domain.Connection) {
	m.record("disconnect", conn.ID())
}

func lastError(t *testing.T, conn *mockConn) domain.OperationErrorPayload {
	t.Helper()
	sent := conn.getSent()
	require.NotEmpty(t, sent)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(sent[len(sent)-1], &env))
	require.Equal(t, domain.EventOperationError, env.Type)
	var p domain.OperationErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestHandler_Dispatch(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want call
	}{
		{
			name: "join",
			msg:  `{"type":"join","payload":{"identity":"alice","groupId":"g1"}}`,
			want: call{op: "join", args: []any{"c1", "alice", "g1"}},
		},
		{
			name: "leave",
			msg:  `{"type":"leaveGroup","payload":{"identity":"alice","groupId":"g1"}}`,
			want: call{op: "leave", args: []any{"c1", "alice", "g1"}},
		},
		{
			name: "heartbeat",
			msg:  `{"type":"heartbeat","payload":{"identity":"alice","groupId":"g1"}}`,
			want: call{op: "heartbeat", args: []any{"alice"}},
		},
		{
			name: "chat",
			msg:  `{"type":"chatSend","payload":{"groupId":"g1","identity":"alice","displayName":"Alice","content":"hi"}}`,
			want: call{op: "chat", args: []any{"g1", "alice", "Alice", "hi"}},
		},
		{
			name: "viewing a group",
			msg:  `{"type":"viewingGroup","payload":{"identity":"alice","groupId":"g1"}}`,
			want: call{op: "viewing", args: []any{"alice", "g1"}},
		},
		{
			name: "viewing null clears",
			msg:  `{"type":"viewingGroup","payload":{"identity":"alice","groupId":null}}`,
			want: call{op: "viewing", args: []any{"alice", ""}},
		},
		{
			name: "location at the origin",
			msg:  `{"type":"locationUpdate","payload":{"groupId":"g1","identity":"alice","lat":0,"lng":0}}`,
			want: call{op: "location", args: []any{"alice", "g1", 0.0, 0.0}},
		},
		{
			name: "ack",
			msg:  `{"type":"notificationAck","payload":{"notificationId":"n1","identity":"alice"}}`,
			want: call{op: "ack", args: []any{"c1", "alice", "n1"}},
		},
		{
			name: "ack all",
			msg:  `{"type":"notificationAckAll","payload":{"identity":"alice"}}`,
			want: call{op: "ackAll", args: []any{"c1", "alice"}},
		},
		{
			name: "status refresh",
			msg:  `{"type":"requestStatusRefresh","payload":{"groupId":"g1"}}`,
			want: call{op: "refresh", args: []any{"g1"}},
		},
		{
			name: "member joined",
			msg:  `{"type":"memberJoined","payload":{"groupId":"g1","identity":"dave","displayName":"Dave"}}`,
			want: call{op: "memberJoined", args: []any{"g1", "dave", "Dave"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			handler := NewHandler(engine, nil)
			conn := &mockConn{id: "c1"}

			handler.Handle(conn, []byte(tt.msg))

			calls := engine.getCalls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.want, calls[0])
			assert.Empty(t, conn.getSent())
		})
	}
}

func TestHandler_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantEvent string
	}{
		{name: "not json", msg: "not json", wantEvent: ""},
		{name: "unknown event", msg: `{"type":"teleport","payload":{}}`, wantEvent: "teleport"},
		{name: "missing payload", msg: `{"type":"join"}`, wantEvent: domain.EventJoin},
		{name: "missing identity", msg: `{"type":"join","payload":{"groupId":"g1"}}`, wantEvent: domain.EventJoin},
		{name: "latitude out of range", msg: `{"type":"locationUpdate","payload":{"groupId":"g1","identity":"a","lat":91,"lng":0}}`, wantEvent: domain.EventLocationUpdate},
		{name: "longitude missing", msg: `{"type":"locationUpdate","payload":{"groupId":"g1","identity":"a","lat":10}}`, wantEvent: domain.EventLocationUpdate},
		{name: "empty chat", msg: `{"type":"chatSend","payload":{"groupId":"g1","identity":"a","content":""}}`, wantEvent: domain.EventChatSend},
		{name: "wrong payload type", msg: `{"type":"heartbeat","payload":{"identity":42}}`, wantEvent: domain.EventHeartbeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			handler := NewHandler(engine, nil)
			conn := &mockConn{id: "c1"}

			handler.Handle(conn, []byte(tt.msg))

			assert.Empty(t, engine.getCalls(), "no state mutation on invalid input")
			p := lastError(t, conn)
			assert.Equal(t, "validation", p.Code)
			assert.Equal(t, tt.wantEvent, p.Event)
		})
	}
}

func TestHandler_EngineErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "authorization",
			err:      fmt.Errorf("alice in group g1: %w", domain.ErrAuthorization),
			wantCode: "unauthorized",
			wantMsg:  "alice in group g1: not a member of this group",
		},
		{
			name:     "not found",
			err:      fmt.Errorf("load group: %w", domain.ErrNotFound),
			wantCode: "not_found",
			wantMsg:  "load group: not found",
		},
		{
			name:     "transient store",
			err:      fmt.Errorf("upsert location: %w: timeout", domain.ErrTransientStore),
			wantCode: "store_unavailable",
			wantMsg:  "upsert location: store unavailable: timeout",
		},
		{
			name:     "unclassified is hidden",
			err:      errors.New("secret detail"),
			wantCode: "internal",
			wantMsg:  "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{err: tt.err}
			handler := NewHandler(engine, nil)
			conn := &mockConn{id: "c1"}

			handler.Handle(conn, []byte(`{"type":"join","payload":{"identity":"alice","groupId":"g1"}}`))

			p := lastError(t, conn)
			assert.Equal(t, domain.EventJoin, p.Event)
			assert.Equal(t, tt.wantCode, p.Code)
			assert.Equal(t, tt.wantMsg, p.Message)
		})
	}
}

func TestHandler_RecoversPanic(t *testing.T) {
	engine := &mockEngine{panic: true}
	handler := NewHandler(engine, nil)
	conn := &mockConn{id: "c1"}

	assert.NotPanics(t, func() {
		handler.Handle(conn, []byte(`{"type":"requestStatusRefresh","payload":{"groupId":"g1"}}`))
	})

	p := lastError(t, conn)
	assert.Equal(t, "internal", p.Code)
	assert.Equal(t, domain.EventStatusRefresh, p.Event)

	engine.panic = false
	handler.Handle(conn, []byte(`{"type":"requestStatusRefresh","payload":{"groupId":"g1"}}`))
	assert.Len(t, engine.getCalls(), 1, "later events still processed")
}

func TestHandler_Disconnect(t *testing.T) {
	engine := &mockEngine{}
	handler := NewHandler(engine, nil)

	handler.Disconnect(&mockConn{id: "c9"})

	assert.Equal(t, []call{{op: "disconnect", args: []any{"c9"}}}, engine.getCalls())
}
