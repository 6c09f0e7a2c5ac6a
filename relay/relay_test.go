package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	subject string
	data    []byte
}

type mockNATS struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, publishCall{subject: subject, data: data})
	return m.err
}

type mockPublisher struct {
	groups []string
}

func (m *mockPublisher) Broadcast(groupID string, data []byte) {
	m.groups = append(m.groups, groupID)
}

func TestPublisher_Broadcast(t *testing.T) {
	local := &mockPublisher{}
	nc := &mockNATS{}
	p := New(local, nc, "riderconnect.group")

	p.Broadcast("g1", []byte(`{"type":"location"}`))

	assert.Equal(t, []string{"g1"}, local.groups)
	require.Len(t, nc.calls, 1)
	assert.Equal(t, "riderconnect.group.g1", nc.calls[0].subject)
	assert.JSONEq(t, `{"type":"location"}`, string(nc.calls[0].data))
}

func TestPublisher_LocalDeliveryOnRelayFailure(t *testing.T) {
	local := &mockPublisher{}
	p := New(local, &mockNATS{err: errors.New("nats: connection closed")}, "x")

	p.Broadcast("g1", []byte("{}"))

	assert.Equal(t, []string{"g1"}, local.groups)
}
