package notify

import (
	"errors"
	"time"
)

// Type classifies a notification.
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeSystem  Type = "system"
)

// Priority orders notifications for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// SystemRecipient addresses every user. It is also the actor allowed to
// change any notification.
const SystemRecipient = "system"

// Notification is one message addressed to a user or broadcast.
type Notification struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Priority    Priority       `json:"priority"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	RecipientID string         `json:"recipientId"`
	SenderID    string         `json:"senderId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	ReadAt      *time.Time     `json:"readAt,omitempty"`
	Status      Status         `json:"status"`
	ActionURL   string         `json:"actionUrl,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Expired reports whether n is past its expiry at now.
func (n Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// Broadcast reports whether n is addressed to every user.
func (n Notification) Broadcast() bool {
	return n.RecipientID == SystemRecipient
}

// Key layout and bus channels.
const (
	recordPrefix    = "notification:"
	userIndexPrefix = "user:notifications:"
	typeIndexPrefix = "notifications:by_type:"

	ChannelUserPrefix = "notifications:user:"
	ChannelBroadcast  = "notifications:system:broadcast"
)

func recordKey(id string) string {
	return recordPrefix + id
}

// UserIndexKey is the sorted set of a recipient's notification ids, scored
// by creation time in unix milliseconds.
func UserIndexKey(userID string) string {
	return userIndexPrefix + userID
}

// TypeIndexKey is the sorted set of notification ids of one type.
func TypeIndexKey(t Type) string {
	return typeIndexPrefix + string(t)
}

// ChannelFor returns the bus channel carrying notifications for userID.
func ChannelFor(userID string) string {
	if userID == SystemRecipient {
		return ChannelBroadcast
	}
	return ChannelUserPrefix + userID
}

var (
	// ErrInvalidNotification is returned by Send for incomplete notifications.
	ErrInvalidNotification = errors.New("notify: invalid notification")

	// ErrUnknownTemplate is returned by CreateAndSend for unregistered templates.
	ErrUnknownTemplate = errors.New("notify: unknown template")
)

// Query selects a page of a user's notifications. Paging happens on the
// index before filters apply, so a filtered page may be short.
type Query struct {
	Limit      int
	Offset     int
	Status     Status
	Type       Type
	UnreadOnly bool
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	q.Limit = min(q.Limit, maxLimit)
	q.Offset = max(q.Offset, 0)
	return q
}

func (q Query) match(n Notification) bool {
	if q.Status != "" && n.Status != q.Status {
		return false
	}
	if q.Status == "" && n.Status == StatusDeleted {
		return false
	}
	if q.Type != "" && n.Type != q.Type {
		return false
	}
	if q.UnreadOnly && n.Status != StatusUnread {
		return false
	}
	return true
}

// Stats summarizes one user's notifications.
type Stats struct {
	Total      int              `json:"total"`
	Unread     int              `json:"unread"`
	ByType     map[Type]int     `json:"byType"`
	ByPriority map[Priority]int `json:"byPriority"`
}
