package engine

import (
	"context"
	"log/slog"

	"riderconnect-server/domain"
	"riderconnect-server/presence"
)

// Join registers conn for identity in groupID, then sends the joiner the group
// snapshot, every location in the group and its unread notifications. The
// notifications stay unread until acknowledged.
func (e *Engine) Join(ctx context.Context, conn domain.Connection, identity, groupID string) error {
	group, err := e.loadGroup(ctx, groupID, identity)
	if err != nil {
		return err
	}

	var first bool
	e.locked(func() {
		first = e.registry.Join(identity, groupID, conn)
		e.rooms.Subscribe(groupID, conn)
		e.joining[conn.ID()] = make(map[string]struct{})
	})
	defer e.locked(func() { delete(e.joining, conn.ID()) })

	e.metrics.Join(ctx)
	slog.Info("member joined", "identity", identity, "groupId", groupID, "connId", conn.ID(), "firstConnection", first)

	self := domain.LocationRecord{
		GroupID:   groupID,
		Identity:  identity,
		Online:    true,
		UpdatedAt: e.now(),
	}

	var failure error
	if err := e.store.UpsertLocation(ctx, self); err != nil {
		failure = storeError("upsert liveness", err)
		slog.Error("join: liveness not persisted", "identity", identity, "groupId", groupID, "error", err)
	}
	locations, err := e.store.GroupLocations(ctx, groupID)
	if err != nil {
		failure = firstErr(failure, storeError("load locations", err))
		slog.Error("join: locations unavailable", "groupId", groupID, "error", err)
	}
	pending, err := e.store.UnreadNotifications(ctx, identity, groupID)
	if err != nil {
		failure = firstErr(failure, storeError("load notifications", err))
		slog.Error("join: pending notifications unavailable", "identity", identity, "groupId", groupID, "error", err)
	}

	e.locked(func() {
		// Notifications created while the store was read were already pushed live.
		delivered := e.joining[conn.ID()]
		delete(e.joining, conn.ID())

		locations = mergeLocation(locations, self)
		for _, rec := range locations {
			if rec.Identity == identity {
				self = rec
			}
		}

		e.broadcast(groupID, domain.EventMembersStatus, e.roster(group))
		e.send(conn, domain.EventGroupSnapshot, domain.GroupSnapshotPayload{
			GroupID:           group.ID,
			Name:              group.Name,
			DistanceThreshold: e.threshold(group),
			Members:           group.Members,
		})
		e.broadcast(groupID, domain.EventLocation, self)
		e.send(conn, domain.EventLocationsSnapshot, e.snapshot(groupID, locations))

		sent := 0
		for _, n := range pending {
			if _, ok := delivered[n.ID]; ok {
				continue
			}
			e.send(conn, domain.EventNotification, n)
			sent++
		}
		if sent > 0 {
			slog.Debug("pending notifications delivered", "identity", identity, "groupId", groupID, "count", sent)
		}
	})
	return failure
}

// Leave unsubscribes conn from groupID and republishes the roster. The identity
// stays online while it holds connections, and keeps the group while another of
// its connections is still in the room.
func (e *Engine) Leave(ctx context.Context, conn domain.Connection, identity, groupID string) error {
	e.locked(func() {
		e.rooms.Unsubscribe(groupID, conn)
		for _, c := range e.registry.Connections(identity) {
			if e.rooms.IsSubscribed(groupID, c.ID()) {
				return
			}
		}
		e.registry.Leave(identity, groupID)
	})

	slog.Info("member left group", "identity", identity, "groupId", groupID, "connId", conn.ID())
	return e.publishStatus(ctx, groupID)
}

// Heartbeat refreshes identity's liveness. It reports false for an identity
// with no presence entry, which must join again.
func (e *Engine) Heartbeat(ctx context.Context, identity string) bool {
	var ok bool
	e.locked(func() { ok = e.registry.Heartbeat(identity) })

	if ok {
		e.metrics.Heartbeat(ctx)
	} else {
		slog.Debug("heartbeat for unknown identity", "identity", identity)
	}
	return ok
}

// SetViewing records the group identity is looking at; an empty groupID clears it.
func (e *Engine) SetViewing(identity, groupID string) {
	e.locked(func() { e.viewing.Set(identity, groupID) })
}

// Disconnect drops conn from every room. When it was the identity's last
// connection the identity goes offline only after the grace period.
func (e *Engine) Disconnect(conn domain.Connection) {
	var (
		groups   []string
		identity string
		grace    bool
	)
	e.locked(func() {
		groups = e.rooms.UnsubscribeAll(conn)
		identity, grace = e.registry.Disconnect(conn.ID())
		delete(e.joining, conn.ID())
	})

	slog.Info("connection closed", "connId", conn.ID(), "identity", identity, "groups", groups, "graceStarted", grace)
}

func (e *Engine) onGraceExpired(identity string, token uint64) {
	var (
		groups []string
		ok     bool
	)
	e.locked(func() {
		groups, ok = e.registry.CompleteGrace(identity, token)
		if ok {
			e.viewing.Clear(identity)
		}
	})

	if !ok {
		return
	}
	ctx := context.Background()
	e.metrics.Expired(ctx, "grace")
	slog.Info("member offline after grace period", "identity", identity, "groups", groups)
	e.markOffline(ctx, identity, groups)
}

// SweepHeartbeats expires identities whose heartbeat is older than the
// configured timeout and republishes the roster of each of their groups.
func (e *Engine) SweepHeartbeats(ctx context.Context) {
	var (
		expired []presence.Expired
		pruned  int
	)
	e.locked(func() {
		expired = e.registry.Expire(e.cfg.HeartbeatTimeout)
		for _, x := range expired {
			e.viewing.Clear(x.Identity)
		}
		pruned = e.cooldown.Prune()
	})

	if pruned > 0 {
		slog.Debug("alert cooldowns pruned", "count", pruned)
	}
	for _, x := range expired {
		e.metrics.Expired(ctx, "heartbeat")
		slog.Info("member expired", "identity", x.Identity, "groups", x.Groups)
		e.markOffline(ctx, x.Identity, x.Groups)
	}
}

// BroadcastStatuses republishes the roster of every room with subscribers.
func (e *Engine) BroadcastStatuses(ctx context.Context) {
	for _, groupID := range e.rooms.Rooms() {
		if err := e.publishStatus(ctx, groupID); err != nil {
			slog.Warn("status broadcast failed", "groupId", groupID, "error", err)
		}
	}
}

// RefreshStatus republishes one group's roster on request.
func (e *Engine) RefreshStatus(ctx context.Context, groupID string) error {
	return e.publishStatus(ctx, groupID)
}

func (e *Engine) markOffline(ctx context.Context, identity string, groups []string) {
	for _, groupID := range groups {
		rec := domain.LocationRecord{GroupID: groupID, Identity: identity, Online: false, UpdatedAt: e.now()}
		if err := e.store.UpsertLocation(ctx, rec); err != nil {
			slog.Error("offline flag not persisted", "identity", identity, "groupId", groupID, "error", err)
		}
		if err := e.publishStatus(ctx, groupID); err != nil {
			slog.Warn("status broadcast failed", "groupId", groupID, "error", err)
		}
	}
}

func (e *Engine) publishStatus(ctx context.Context, groupID string) error {
	group, err := e.loadGroup(ctx, groupID, "")
	if err != nil {
		return err
	}

	e.locked(func() { e.broadcast(groupID, domain.EventMembersStatus, e.roster(group)) })
	return nil
}

func firstErr(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
