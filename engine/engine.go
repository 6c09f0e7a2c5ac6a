package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riderconnect-server/domain"
	"riderconnect-server/hub"
	"riderconnect-server/presence"
	"riderconnect-server/proximity"
	"riderconnect-server/telemetry"
	"riderconnect-server/viewing"
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DisconnectGrace   time.Duration
	StatusInterval    time.Duration
	AlertCooldown     time.Duration
	DefaultThreshold  float64 // meters
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		DisconnectGrace:   10 * time.Second,
		StatusInterval:    10 * time.Second,
		AlertCooldown:     60 * time.Second,
		DefaultThreshold:  1000,
	}
}

type Option func(*Engine)

// WithPublisher replaces the room index as the group broadcast path.
func WithPublisher(p domain.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine processes presence, location, chat and notification events.
// The in-memory phase of every event runs under mu so no two events interleave
// their reads and writes of the registry, rooms, cooldowns and viewing state.
// Store calls happen outside mu.
type Engine struct {
	cfg      Config
	store    domain.Store
	rooms    *hub.Hub
	pub      domain.Publisher
	registry *presence.Registry
	viewing  *viewing.Tracker
	cooldown *proximity.Cooldown
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu sync.Mutex
	// connId -> notification ids pushed live while that connection is joining
	joining map[string]map[string]struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store domain.Store, rooms *hub.Hub, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		rooms:   rooms,
		pub:     rooms,
		viewing: viewing.New(),
		joining: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = presence.NewRegistry(cfg.DisconnectGrace, e.onGraceExpired, presence.WithClock(e.now))
	e.cooldown = proximity.NewCooldown(cfg.AlertCooldown, e.now)
	return e
}

// Start launches the heartbeat monitor and the periodic status broadcaster.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.loop(ctx, e.cfg.HeartbeatInterval, e.SweepHeartbeats)
	go e.loop(ctx, e.cfg.StatusInterval, e.BroadcastStatuses)

	slog.Info("engine started",
		"heartbeatInterval", e.cfg.HeartbeatInterval,
		"heartbeatTimeout", e.cfg.HeartbeatTimeout,
		"statusInterval", e.cfg.StatusInterval)
}

// Close stops the background loops and cancels every pending grace timer.
func (e *Engine) Close() {
	e.runMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.runMu.Unlock()
	e.wg.Wait()
	e.registry.Close()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Stats reports rooms, subscribed connections and online identities.
func (e *Engine) Stats() (rooms, connections, online int) {
	rooms, connections = e.rooms.Stats()
	return rooms, connections, e.registry.Count()
}

func (e *Engine) IsOnline(identity string) bool {
	return e.registry.IsOnline(identity)
}

func (e *Engine) broadcast(groupID, eventType string, payload any) {
	data, err := domain.Encode(eventType, payload)
	if err != nil {
		slog.Error("encode event", "type", eventType, "groupId", groupID, "error", err)
		return
	}
	e.pub.Broadcast(groupID, data)
}

func (e *Engine) send(conn domain.Connection, eventType string, payload any) {
	data, err := domain.Encode(eventType, payload)
	if err != nil {
		slog.Error("encode event", "type", eventType, "connId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("send failed", "type", eventType, "connId", conn.ID(), "error", err)
	}
}

// locked runs fn as one step of the event sequence. fn calls into connections
// and publishers; mu is released even if one of them panics.
func (e *Engine) locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// loadGroup fetches the group and checks that identity belongs to it.
func (e *Engine) loadGroup(ctx context.Context, groupID, identity string) (domain.Group, error) {
	group, err := e.store.Group(ctx, groupID)
	if err != nil {
		return domain.Group{}, storeError("load group", err)
	}
	if identity != "" && !group.HasMember(identity) {
		return domain.Group{}, fmt.Errorf("%s in group %s: %w", identity, groupID, domain.ErrAuthorization)
	}
	return group, nil
}

func (e *Engine) roster(group domain.Group) domain.MembersStatusPayload {
	members := make([]domain.MemberStatus, 0, len(group.Members))
	for _, m := range group.Members {
		members = append(members, domain.MemberStatus{
			Identity:    m.Identity,
			DisplayName: m.DisplayName,
			Online:      e.registry.IsOnline(m.Identity),
		})
	}
	return domain.MembersStatusPayload{GroupID: group.ID, Members: members}
}

// storeError keeps the engine's taxonomy for errors coming out of a store and
// treats anything unclassified as transient.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTransientStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrTransientStore, err)
}
