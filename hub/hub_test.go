package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func TestHub_Broadcast(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*Hub) []*mockConn
		group        string
		wantReceived map[string]int
	}{
		{
			name: "broadcast reaches every subscriber",
			setup: func(h *Hub) []*mockConn {
				a := &mockConn{id: "a"}
				b := &mockConn{id: "b"}
				h.Subscribe("g1", a)
				h.Subscribe("g1", b)
				return []*mockConn{a, b}
			},
			group:        "g1",
			wantReceived: map[string]int{"a": 1, "b": 1},
		},
		{
			name: "no cross-group broadcast",
			setup: func(h *Hub) []*mockConn {
				a := &mockConn{id: "a"}
				b := &mockConn{id: "b"}
				h.Subscribe("g1", a)
				h.Subscribe("g2", b)
				return []*mockConn{a, b}
			},
			group:        "g1",
			wantReceived: map[string]int{"a": 1, "b": 0},
		},
		{
			name: "unknown group is a no-op",
			setup: func(h *Hub) []*mockConn {
				a := &mockConn{id: "a"}
				h.Subscribe("g1", a)
				return []*mockConn{a}
			},
			group:        "missing",
			wantReceived: map[string]int{"a": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			conns := tt.setup(h)

			h.Broadcast(tt.group, []byte("test message"))

			for _, c := range conns {
				assert.Len(t, c.getReceived(), tt.wantReceived[c.ID()], "connection %s", c.ID())
			}
		})
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	h := New()
	conn := &mockConn{id: "c1"}

	h.Subscribe("g1", conn)
	h.Subscribe("g1", conn)
	h.Broadcast("g1", []byte("x"))

	assert.Len(t, conn.getReceived(), 1)
	rooms, clients := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, clients)

	h.Unsubscribe("g1", conn)
	h.Unsubscribe("g1", conn)
	rooms, clients = h.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)
}

func TestHub_UnsubscribeAll(t *testing.T) {
	h := New()
	conn := &mockConn{id: "c1"}
	other := &mockConn{id: "c2"}

	h.Subscribe("g2", conn)
	h.Subscribe("g1", conn)
	h.Subscribe("g1", other)

	left := h.UnsubscribeAll(conn)
	assert.Equal(t, []string{"g1", "g2"}, left)
	assert.False(t, h.IsSubscribed("g1", "c1"))
	assert.True(t, h.IsSubscribed("g1", "c2"))
	assert.Equal(t, []string{"g1"}, h.Rooms())
}

func TestHub_DropsFailingConnection(t *testing.T) {
	h := New()
	bad := &mockConn{id: "bad", sendErr: errors.New("buffer full")}
	good := &mockConn{id: "good"}
	h.Subscribe("g1", bad)
	h.Subscribe("g1", good)

	h.Broadcast("g1", []byte("x"))

	assert.Len(t, good.getReceived(), 1)
	require.Eventually(t, func() bool {
		return !h.IsSubscribed("g1", "bad") && bad.isClosed()
	}, time.Second, 10*time.Millisecond)
	assert.False(t, good.isClosed())
}

func TestHub_RoomCleanup(t *testing.T) {
	h := New()
	conn := &mockConn{id: "c1"}

	h.Subscribe("g1", conn)
	rooms, _ := h.Stats()
	require.Equal(t, 1, rooms)

	h.Unsubscribe("g1", conn)
	rooms, clients := h.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)
	assert.Empty(t, h.Rooms())
}
