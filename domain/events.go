package domain

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventJoin            = "join"
	EventLeave           = "leaveGroup"
	EventHeartbeat       = "heartbeat"
	EventChatSend        = "chatSend"
	EventViewingGroup    = "viewingGroup"
	EventLocationUpdate  = "locationUpdate"
	EventNotificationAck = "notificationAck"
	EventAckAll          = "notificationAckAll"
	EventStatusRefresh   = "requestStatusRefresh"
	EventMemberJoined    = "memberJoined"
)

// Outbound event names.
const (
	EventMembersStatus     = "membersStatus"
	EventGroupSnapshot     = "groupSnapshot"
	EventLocation          = "location"
	EventLocationsSnapshot = "locationsSnapshot"
	EventChatReceived      = "chatReceived"
	EventProximityAlert    = "proximityAlert"
	EventNotification      = "notification"
	EventNotificationAcked = "notificationAcked"
	EventOperationError    = "operationError"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func Encode(eventType string, payload any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Payload: payload})
}

type JoinPayload struct {
	Identity string `json:"identity" validate:"required"`
	GroupID  string `json:"groupId" validate:"required"`
}

type LeavePayload struct {
	Identity string `json:"identity" validate:"required"`
	GroupID  string `json:"groupId" validate:"required"`
}

type HeartbeatPayload struct {
	Identity string `json:"identity" validate:"required"`
	GroupID  string `json:"groupId"`
}

type ChatSendPayload struct {
	GroupID     string `json:"groupId" validate:"required"`
	Identity    string `json:"identity" validate:"required"`
	DisplayName string `json:"displayName" validate:"max=100"`
	Content     string `json:"content" validate:"required,max=4000"`
}

// ViewingPayload clears the viewing state when GroupID is null or empty.
type ViewingPayload struct {
	Identity string  `json:"identity" validate:"required"`
	GroupID  *string `json:"groupId"`
}

type LocationUpdatePayload struct {
	GroupID  string   `json:"groupId" validate:"required"`
	Identity string   `json:"identity" validate:"required"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
}

type NotificationAckPayload struct {
	NotificationID string `json:"notificationId" validate:"required"`
	Identity       string `json:"identity" validate:"required"`
}

type AckAllPayload struct {
	Identity string `json:"identity" validate:"required"`
}

type StatusRefreshPayload struct {
	GroupID string `json:"groupId" validate:"required"`
}

type MemberJoinedPayload struct {
	GroupID     string `json:"groupId" validate:"required"`
	Identity    string `json:"identity" validate:"required"`
	DisplayName string `json:"displayName" validate:"max=100"`
}

type MemberStatus struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

type MembersStatusPayload struct {
	GroupID string         `json:"groupId"`
	Members []MemberStatus `json:"members"`
}

type GroupSnapshotPayload struct {
	GroupID           string   `json:"groupId"`
	Name              string   `json:"name"`
	DistanceThreshold float64  `json:"distanceThreshold"`
	Members           []Member `json:"members"`
}

type LocationsSnapshotPayload struct {
	GroupID   string           `json:"groupId"`
	Locations []LocationRecord `json:"locations"`
}

type ProximityAlertPayload struct {
	GroupID   string  `json:"groupId"`
	IdentityA string  `json:"identityA"`
	IdentityB string  `json:"identityB"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
}

type NotificationAckedPayload struct {
	Identity       string    `json:"identity"`
	NotificationID string    `json:"notificationId,omitempty"`
	All            bool      `json:"all,omitempty"`
	Count          int64     `json:"count"`
	AckedAt        time.Time `json:"ackedAt"`
}

type OperationErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
