package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"riderconnect-server/domain"
)

// SendChat stores the message and always broadcasts it to the room. Every
// other member not currently viewing the group gets a notification, pushed
// live when that member is online.
func (e *Engine) SendChat(ctx context.Context, groupID, identity, displayName, content string) error {
	group, err := e.loadGroup(ctx, groupID, identity)
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = group.DisplayName(identity)
	}

	msg := &domain.ChatMessage{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		SenderID:   identity,
		SenderName: displayName,
		Content:    content,
		CreatedAt:  e.now(),
	}
	var failure error
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		failure = storeError("save message", err)
		slog.Error("chat message not persisted", "groupId", groupID, "sender", identity, "error", err)
	}

	var recipients []string
	e.locked(func() {
		e.broadcast(groupID, domain.EventChatReceived, msg)
		for _, m := range group.Members {
			if m.Identity == identity || e.viewing.IsViewing(m.Identity, groupID) {
				continue
			}
			recipients = append(recipients, m.Identity)
		}
	})

	for _, recipient := range recipients {
		n := &domain.Notification{
			RecipientID: recipient,
			GroupID:     groupID,
			SenderID:    identity,
			SenderName:  displayName,
			GroupName:   group.Name,
			Body:        content,
			Priority:    domain.PriorityMedium,
			Kind:        domain.KindMessage,
			CreatedAt:   e.now(),
		}
		if err := e.notify(ctx, n); err != nil {
			failure = firstErr(failure, err)
		}
	}
	return failure
}

// MemberJoined tells every existing member that identity joined the group.
// Viewing state does not suppress these.
func (e *Engine) MemberJoined(ctx context.Context, groupID, identity, displayName string) error {
	group, err := e.loadGroup(ctx, groupID, "")
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = group.DisplayName(identity)
	}

	var failure error
	for _, m := range group.Members {
		if m.Identity == identity {
			continue
		}
		n := &domain.Notification{
			RecipientID: m.Identity,
			GroupID:     groupID,
			SenderID:    identity,
			SenderName:  displayName,
			GroupName:   group.Name,
			Body:        fmt.Sprintf("%s joined %s", displayName, group.Name),
			Priority:    domain.PriorityLow,
			Kind:        domain.KindInvitation,
			CreatedAt:   e.now(),
		}
		if err := e.notify(ctx, n); err != nil {
			failure = firstErr(failure, err)
		}
	}

	if err := e.publishStatus(ctx, groupID); err != nil {
		failure = firstErr(failure, err)
	}
	return failure
}

// Ack marks one notification read and informs every connection of its
// recipient plus the connection that sent the acknowledgement.
func (e *Engine) Ack(ctx context.Context, conn domain.Connection, identity, notificationID string) error {
	n, err := e.store.Notification(ctx, notificationID)
	if err != nil {
		return storeError("load notification", err)
	}
	if n.RecipientID != identity {
		return fmt.Errorf("notification %s for %s: %w", notificationID, identity, domain.ErrAuthorization)
	}
	if _, err := e.store.MarkRead(ctx, notificationID); err != nil {
		return storeError("mark read", err)
	}

	e.acked(conn, domain.NotificationAckedPayload{
		Identity:       identity,
		NotificationID: notificationID,
		Count:          1,
		AckedAt:        e.now(),
	})
	return nil
}

// AckAll marks every notification of identity read.
func (e *Engine) AckAll(ctx context.Context, conn domain.Connection, identity string) error {
	count, err := e.store.MarkAllRead(ctx, identity)
	if err != nil {
		return storeError("mark all read", err)
	}

	e.acked(conn, domain.NotificationAckedPayload{
		Identity: identity,
		All:      true,
		Count:    count,
		AckedAt:  e.now(),
	})
	return nil
}

// Notifications lists identity's most recent notifications, newest first.
func (e *Engine) Notifications(ctx context.Context, identity string, limit int) ([]domain.Notification, error) {
	ns, err := e.store.RecentNotifications(ctx, identity, limit)
	if err != nil {
		return nil, storeError("load notifications", err)
	}
	return ns, nil
}

func (e *Engine) acked(origin domain.Connection, payload domain.NotificationAckedPayload) {
	e.locked(func() {
		targets := e.registry.Connections(payload.Identity)
		seen := false
		for _, c := range targets {
			if origin != nil && c.ID() == origin.ID() {
				seen = true
			}
		}
		if origin != nil && !seen {
			targets = append(targets, origin)
		}
		for _, c := range targets {
			e.send(c, domain.EventNotificationAcked, payload)
		}
	})
}

// notify persists n and pushes it to the recipient's live connections.
func (e *Engine) notify(ctx context.Context, n *domain.Notification) error {
	if err := e.store.CreateNotification(ctx, n); err != nil {
		slog.Error("notification not persisted", "recipient", n.RecipientID, "kind", n.Kind, "error", err)
		return storeError("create notification", err)
	}
	e.metrics.Notification(ctx, string(n.Kind))

	live := false
	e.locked(func() {
		for _, conn := range e.registry.Connections(n.RecipientID) {
			if delivered, ok := e.joining[conn.ID()]; ok {
				delivered[n.ID] = struct{}{}
			}
			e.send(conn, domain.EventNotification, n)
			live = true
		}
	})

	slog.Debug("notification created", "id", n.ID, "recipient", n.RecipientID, "kind", n.Kind, "pushed", live)
	return nil
}
