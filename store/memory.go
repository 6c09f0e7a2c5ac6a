package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"riderconnect-server/domain"
)

type locationKey struct {
	groupID, identity string
}

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu            sync.RWMutex
	groups        map[string]domain.Group
	locations     map[locationKey]domain.LocationRecord
	messages      []domain.ChatMessage
	notifications map[string]*domain.Notification
	order         map[string]uint64 // notification id -> insertion sequence
	seq           uint64
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		groups:        make(map[string]domain.Group),
		locations:     make(map[locationKey]domain.LocationRecord),
		notifications: make(map[string]*domain.Notification),
		order:         make(map[string]uint64),
		now:           time.Now,
	}
}

// PutGroup stands in for the group-management service.
func (m *Memory) PutGroup(g domain.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Members = append([]domain.Member(nil), g.Members...)
	m.groups[g.ID] = g
}

// AddMember appends a member to an existing group, replacing a previous entry
// for the same identity.
func (m *Memory) AddMember(groupID string, member domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, domain.ErrNotFound)
	}
	members := make([]domain.Member, 0, len(g.Members)+1)
	for _, existing := range g.Members {
		if existing.Identity != member.Identity {
			members = append(members, existing)
		}
	}
	g.Members = append(members, member)
	m.groups[groupID] = g
	return nil
}

func (m *Memory) Group(_ context.Context, groupID string) (domain.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.Group{}, fmt.Errorf("group %s: %w", groupID, domain.ErrNotFound)
	}
	g.Members = append([]domain.Member(nil), g.Members...)
	return g, nil
}

// UpsertLocation keeps the previous coordinates when rec carries none.
func (m *Memory) UpsertLocation(_ context.Context, rec domain.LocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := locationKey{rec.GroupID, rec.Identity}
	if !rec.HasPosition() {
		if prev, ok := m.locations[key]; ok {
			rec.Lat, rec.Lng = prev.Lat, prev.Lng
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now()
	}
	m.locations[key] = rec
	return nil
}

func (m *Memory) GroupLocations(_ context.Context, groupID string) ([]domain.LocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []domain.LocationRecord
	for key, rec := range m.locations {
		if key.groupID == groupID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Identity < recs[j].Identity })
	return recs, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

// Messages returns every stored message of a group in send order.
func (m *Memory) Messages(groupID string) []domain.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ChatMessage
	for _, msg := range m.messages {
		if msg.GroupID == groupID {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) CreateNotification(_ context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	stored := *n
	m.notifications[n.ID] = &stored
	m.seq++
	m.order[n.ID] = m.seq
	return nil
}

func (m *Memory) Notification(_ context.Context, id string) (domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return *n, nil
}

// UnreadNotifications returns the unread notifications of identity in groupID, oldest first.
func (m *Memory) UnreadNotifications(_ context.Context, identity, groupID string) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Notification
	for _, n := range m.notifications {
		if n.RecipientID == identity && n.GroupID == groupID && !n.Read {
			out = append(out, *n)
		}
	}
	m.sortByCreated(out, false)
	return out, nil
}

// RecentNotifications returns identity's notifications, newest first.
func (m *Memory) RecentNotifications(_ context.Context, identity string, limit int) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Notification
	for _, n := range m.notifications {
		if n.RecipientID == identity {
			out = append(out, *n)
		}
	}
	m.sortByCreated(out, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, id string) (domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	n.Read = true
	return *n, nil
}

func (m *Memory) MarkAllRead(_ context.Context, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.notifications {
		if n.RecipientID == identity && !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}

func (m *Memory) sortByCreated(ns []domain.Notification, newestFirst bool) {
	sort.Slice(ns, func(i, j int) bool {
		a, b := ns[i], ns[j]
		if newestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return m.order[a.ID] < m.order[b.ID]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
