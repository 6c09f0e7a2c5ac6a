package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"riderconnect-server/domain"
	"riderconnect-server/telemetry"
)

const eventTimeout = 10 * time.Second

// Engine is the set of operations inbound events dispatch to.
type Engine interface {
	Join(ctx context.Context, conn domain.Connection, identity, groupID string) error
	Leave(ctx context.Context, conn domain.Connection, identity, groupID string) error
	Heartbeat(ctx context.Context, identity string) bool
	SendChat(ctx context.Context, groupID, identity, displayName, content string) error
	SetViewing(identity, groupID string)
	UpdateLocation(ctx context.Context, identity, groupID string, lat, lng float64) error
	Ack(ctx context.Context, conn domain.Connection, identity, notificationID string) error
	AckAll(ctx context.Context, conn domain.Connection, identity string) error
	RefreshStatus(ctx context.Context, groupID string) error
	MemberJoined(ctx context.Context, groupID, identity, displayName string) error
	Disconnect(conn domain.Connection)
}

type Handler struct {
	engine   Engine
	validate *validator.Validate
	metrics  *telemetry.Metrics
}

func NewHandler(e Engine, m *telemetry.Metrics) *Handler {
	return &Handler{
		engine:   e,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  m,
	}
}

// Handle decodes one inbound event and dispatches it. Failures are reported to
// conn alone as operationError; a panic in a handler is recovered the same way.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.fail(ctx, conn, "", fmt.Errorf("malformed event: %w", domain.ErrValidation))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panic", "type", env.Type, "connId", conn.ID(), "panic", r)
			h.fail(ctx, conn, env.Type, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := h.dispatch(ctx, conn, env); err != nil {
		h.fail(ctx, conn, env.Type, err)
	}
}

func (h *Handler) Disconnect(conn domain.Connection) {
	h.engine.Disconnect(conn)
}

func (h *Handler) dispatch(ctx context.Context, conn domain.Connection, env domain.Envelope) error {
	switch env.Type {
	case domain.EventJoin:
		var p domain.JoinPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.Join(ctx, conn, p.Identity, p.GroupID)

	case domain.EventLeave:
		var p domain.LeavePayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.Leave(ctx, conn, p.Identity, p.GroupID)

	case domain.EventHeartbeat:
		var p domain.HeartbeatPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		h.engine.Heartbeat(ctx, p.Identity)
		return nil

	case domain.EventChatSend:
		var p domain.ChatSendPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.SendChat(ctx, p.GroupID, p.Identity, p.DisplayName, p.Content)

	case domain.EventViewingGroup:
		var p domain.ViewingPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		groupID := ""
		if p.GroupID != nil {
			groupID = *p.GroupID
		}
		h.engine.SetViewing(p.Identity, groupID)
		return nil

	case domain.EventLocationUpdate:
		var p domain.LocationUpdatePayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.UpdateLocation(ctx, p.Identity, p.GroupID, *p.Lat, *p.Lng)

	case domain.EventNotificationAck:
		var p domain.NotificationAckPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.Ack(ctx, conn, p.Identity, p.NotificationID)

	case domain.EventAckAll:
		var p domain.AckAllPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.AckAll(ctx, conn, p.Identity)

	case domain.EventStatusRefresh:
		var p domain.StatusRefreshPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.RefreshStatus(ctx, p.GroupID)

	case domain.EventMemberJoined:
		var p domain.MemberJoinedPayload
		if err := h.decode(env.Payload, &p); err != nil {
			return err
		}
		return h.engine.MemberJoined(ctx, p.GroupID, p.Identity, p.DisplayName)

	default:
		return fmt.Errorf("unknown event %q: %w", env.Type, domain.ErrValidation)
	}
}

func (h *Handler) decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload: %w", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", domain.ErrValidation)
	}
	return Validate(h.validate, v)
}

// Validate checks v's validate tags and folds failures into ErrValidation.
func Validate(validate *validator.Validate, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%v: %w", err, domain.ErrValidation)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%s: %w", strings.Join(fields, ", "), domain.ErrValidation)
}

func (h *Handler) fail(ctx context.Context, conn domain.Connection, event string, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	h.metrics.OperationError(ctx, event, code)
	slog.Warn("event rejected", "type", event, "connId", conn.ID(), "code", code, "error", err)

	resp, mErr := domain.Encode(domain.EventOperationError, domain.OperationErrorPayload{
		Event:   event,
		Code:    code,
		Message: message,
	})
	if mErr != nil {
		slog.Error("encode operationError", "error", mErr)
		return
	}
	if sErr := conn.Send(resp); sErr != nil {
		slog.Warn("operationError not delivered", "connId", conn.ID(), "error", sErr)
	}
}
