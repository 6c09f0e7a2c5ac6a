package domain

import (
	"context"
	"time"
)

type NotificationKind string

const (
	KindMessage    NotificationKind = "message"
	KindInvitation NotificationKind = "invitation"
	KindUpdate     NotificationKind = "update"
	KindReminder   NotificationKind = "reminder"
	KindDistance   NotificationKind = "distance"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Member struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

// Group is the read-only view of a travel group owned by the group-management service.
// DistanceThreshold is in meters; zero means the group never configured one.
type Group struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	DistanceThreshold float64  `json:"distanceThreshold,omitempty"`
	Members           []Member `json:"members"`
}

func (g Group) HasMember(identity string) bool {
	for _, m := range g.Members {
		if m.Identity == identity {
			return true
		}
	}
	return false
}

func (g Group) DisplayName(identity string) string {
	for _, m := range g.Members {
		if m.Identity == identity {
			return m.DisplayName
		}
	}
	return identity
}

// LocationRecord is the latest known position of a member inside a group.
// Lat and Lng are nil when the member joined without sharing coordinates.
type LocationRecord struct {
	GroupID   string    `json:"groupId"`
	Identity  string    `json:"identity"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r LocationRecord) HasPosition() bool {
	return r.Lat != nil && r.Lng != nil
}

type ChatMessage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	GroupID     string           `json:"groupId"`
	SenderID    string           `json:"senderId"`
	SenderName  string           `json:"senderName"`
	GroupName   string           `json:"groupName"`
	Body        string           `json:"body"`
	Read        bool             `json:"read"`
	Priority    Priority         `json:"priority"`
	Kind        NotificationKind `json:"kind"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Connection is one live transport session. An identity may hold several.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Publisher delivers an encoded event to every connection subscribed to a group.
// Delivery is best-effort and unacknowledged.
type Publisher interface {
	Broadcast(groupID string, data []byte)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}

type GroupStore interface {
	Group(ctx context.Context, groupID string) (Group, error)
}

type LocationStore interface {
	UpsertLocation(ctx context.Context, rec LocationRecord) error
	GroupLocations(ctx context.Context, groupID string) ([]LocationRecord, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *ChatMessage) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	Notification(ctx context.Context, id string) (Notification, error)
	UnreadNotifications(ctx context.Context, identity, groupID string) ([]Notification, error)
	RecentNotifications(ctx context.Context, identity string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id string) (Notification, error)
	MarkAllRead(ctx context.Context, identity string) (int64, error)
}

// Store is the persistence collaborator the engine reads from and writes to.
type Store interface {
	GroupStore
	LocationStore
	MessageStore
	NotificationStore
}
