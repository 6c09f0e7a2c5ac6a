package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"riderconnect-server/domain"
	"riderconnect-server/proximity"
)

// UpdateLocation stores identity's position, broadcasts it with the group's
// location snapshot and raises a proximity alert for every member beyond the
// group threshold whose directed cooldown has elapsed. The member left behind
// gets a high priority notification.
func (e *Engine) UpdateLocation(ctx context.Context, identity, groupID string, lat, lng float64) error {
	group, err := e.loadGroup(ctx, groupID, identity)
	if err != nil {
		return err
	}

	mover := domain.LocationRecord{
		GroupID:   groupID,
		Identity:  identity,
		Lat:       &lat,
		Lng:       &lng,
		Online:    e.registry.IsOnline(identity),
		UpdatedAt: e.now(),
	}

	var failure error
	if err := e.store.UpsertLocation(ctx, mover); err != nil {
		failure = storeError("upsert location", err)
		slog.Error("location not persisted", "identity", identity, "groupId", groupID, "error", err)
	}
	others, err := e.store.GroupLocations(ctx, groupID)
	if err != nil {
		failure = firstErr(failure, storeError("load locations", err))
		slog.Error("locations unavailable", "groupId", groupID, "error", err)
	}

	threshold := e.threshold(group)

	var breaches []proximity.Breach
	e.locked(func() {
		locations := mergeLocation(others, mover)
		e.broadcast(groupID, domain.EventLocation, mover)
		e.broadcast(groupID, domain.EventLocationsSnapshot, e.snapshot(groupID, locations))

		breaches = e.cooldown.Evaluate(mover, locations, threshold)
		for _, b := range breaches {
			e.broadcast(groupID, domain.EventProximityAlert, domain.ProximityAlertPayload{
				GroupID:   groupID,
				IdentityA: b.Other,
				IdentityB: identity,
				Distance:  math.Round(b.Distance),
				Threshold: threshold,
			})
		}
	})

	for _, b := range breaches {
		e.metrics.Alert(ctx)
		slog.Info("proximity alert", "groupId", groupID, "mover", identity, "other", b.Other,
			"distance", math.Round(b.Distance), "threshold", threshold)

		n := &domain.Notification{
			RecipientID: b.Other,
			GroupID:     groupID,
			SenderID:    identity,
			SenderName:  group.DisplayName(identity),
			GroupName:   group.Name,
			Body:        fmt.Sprintf("%s is %.0f m away from you", group.DisplayName(identity), b.Distance),
			Priority:    domain.PriorityHigh,
			Kind:        domain.KindDistance,
			CreatedAt:   e.now(),
		}
		if err := e.notify(ctx, n); err != nil {
			failure = firstErr(failure, err)
		}
	}
	return failure
}

func (e *Engine) threshold(group domain.Group) float64 {
	return proximity.Threshold(group, e.cfg.DefaultThreshold)
}

// snapshot overlays live presence on the stored online flags.
func (e *Engine) snapshot(groupID string, locations []domain.LocationRecord) domain.LocationsSnapshotPayload {
	out := make([]domain.LocationRecord, 0, len(locations))
	for _, rec := range locations {
		rec.Online = e.registry.IsOnline(rec.Identity)
		out = append(out, rec)
	}
	return domain.LocationsSnapshotPayload{GroupID: groupID, Locations: out}
}

// mergeLocation replaces rec's entry in locations, keeping the stored
// coordinates when rec has none. The result is ordered by identity.
func mergeLocation(locations []domain.LocationRecord, rec domain.LocationRecord) []domain.LocationRecord {
	out := make([]domain.LocationRecord, 0, len(locations)+1)
	merged := false
	for _, existing := range locations {
		if existing.Identity != rec.Identity {
			out = append(out, existing)
			continue
		}
		next := rec
		if !next.HasPosition() {
			next.Lat, next.Lng = existing.Lat, existing.Lng
		}
		out = append(out, next)
		merged = true
	}
	if !merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
