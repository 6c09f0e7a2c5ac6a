package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"riderconnect-server/domain"
)

// GraceFunc is invoked from the timer goroutine when a disconnect grace period elapses.
// The receiver must call CompleteGrace with the same token to apply the transition.
type GraceFunc func(identity string, token uint64)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type member struct {
	conns         map[string]domain.Connection
	groups        map[string]struct{}
	lastHeartbeat time.Time
	graceTimer    *time.Timer
	graceToken    uint64
}

// Expired describes an identity removed by the heartbeat sweep.
type Expired struct {
	Identity string
	Groups   []string
}

// Registry maps an identity to its live connections and subscribed groups.
// An identity is online while it has an entry; the entry outlives its last
// connection only while a grace timer is pending.
type Registry struct {
	mu      sync.Mutex
	members map[string]*member
	owners  map[string]string // connId -> identity
	grace   time.Duration
	onGrace GraceFunc
	now     func() time.Time
	seq     uint64
	closed  bool
}

func NewRegistry(grace time.Duration, onGrace GraceFunc, opts ...Option) *Registry {
	r := &Registry{
		members: make(map[string]*member),
		owners:  make(map[string]string),
		grace:   grace,
		onGrace: onGrace,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join registers conn for identity in groupID and refreshes the heartbeat.
// A pending grace timer is cancelled. Returns true when the identity was not online before.
func (r *Registry) Join(identity, groupID string, conn domain.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[conn.ID()]; ok && prev != identity {
		r.detachLocked(prev, conn.ID())
	}

	m, exists := r.members[identity]
	if !exists {
		m = &member{
			conns:  make(map[string]domain.Connection),
			groups: make(map[string]struct{}),
		}
		r.members[identity] = m
	}
	r.cancelGraceLocked(m)

	m.conns[conn.ID()] = conn
	m.groups[groupID] = struct{}{}
	m.lastHeartbeat = r.now()
	r.owners[conn.ID()] = identity
	return !exists
}

// Leave drops groupID from the identity's subscribed groups. Callers check
// that none of the identity's other connections is still in the group's room.
func (r *Registry) Leave(identity, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[identity]; ok {
		delete(m.groups, groupID)
	}
}

// Heartbeat refreshes the identity's liveness. Unknown identities are ignored
// and must re-join.
func (r *Registry) Heartbeat(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[identity]
	if !ok {
		return false
	}
	m.lastHeartbeat = r.now()
	return true
}

// Disconnect removes a connection handle. When it was the identity's last handle
// a grace timer is started instead of going offline immediately.
func (r *Registry) Disconnect(connID string) (identity string, graceStarted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	return identity, r.detachLocked(identity, connID)
}

func (r *Registry) detachLocked(identity, connID string) bool {
	delete(r.owners, connID)
	m, ok := r.members[identity]
	if !ok {
		return false
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 || m.graceTimer != nil || r.closed {
		return false
	}

	r.seq++
	token := r.seq
	m.graceToken = token
	m.graceTimer = time.AfterFunc(r.grace, func() {
		if r.onGrace != nil {
			r.onGrace(identity, token)
		}
	})
	slog.Debug("grace period started", "identity", identity, "grace", r.grace)
	return true
}

// CompleteGrace removes the identity if the grace timer identified by token is
// still the current one and no connection came back. Returns the groups the
// identity belonged to.
func (r *Registry) CompleteGrace(identity string, token uint64) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[identity]
	if !ok || m.graceTimer == nil || m.graceToken != token {
		return nil, false
	}
	m.graceTimer.Stop()
	m.graceTimer = nil
	if len(m.conns) > 0 {
		return nil, false
	}
	delete(r.members, identity)
	return sortedKeys(m.groups), true
}

// Expire removes every identity whose last heartbeat is older than timeout and
// that has no grace timer pending, even if its transport never reported a close.
func (r *Registry) Expire(timeout time.Duration) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var expired []Expired
	for identity, m := range r.members {
		if m.graceTimer != nil || !m.lastHeartbeat.Before(cutoff) {
			continue
		}
		for connID := range m.conns {
			delete(r.owners, connID)
		}
		delete(r.members, identity)
		expired = append(expired, Expired{Identity: identity, Groups: sortedKeys(m.groups)})
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Identity < expired[j].Identity })
	return expired
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[identity]
	return ok
}

func (r *Registry) GracePending(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[identity]
	return ok && m.graceTimer != nil
}

func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.owners[connID]
	return identity, ok
}

func (r *Registry) Connections(identity string) []domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[identity]
	if !ok {
		return nil
	}
	conns := make([]domain.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

func (r *Registry) Groups(identity string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[identity]
	if !ok {
		return nil
	}
	return sortedKeys(m.groups)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Close stops every pending grace timer. Later disconnects start no new timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, m := range r.members {
		r.cancelGraceLocked(m)
	}
}

func (r *Registry) cancelGraceLocked(m *member) {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
		m.graceToken = 0
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
