package session

import (
	"time"

	"cachecoord/pkg/kv"
)

// Record is one authenticated session.
type Record struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	Email        string         `json:"email,omitempty"`
	Name         string         `json:"name,omitempty"`
	Role         string         `json:"role,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Stats summarizes live sessions across users.
type Stats struct {
	TotalSessions   int64     `json:"totalSessions"`
	ActiveUsers     int64     `json:"activeUsers"`
	AveragePerUser  float64   `json:"averagePerUser"`
	MaxPerUser      int64     `json:"maxPerUser"`
	OldestSession   time.Time `json:"oldestSession,omitempty"`
	Evictions       int64     `json:"evictions"`
	DegradedReads   int64     `json:"degradedReads"`
	SessionLimit    int       `json:"sessionLimit"`
	SessionTTL      string    `json:"sessionTtl"`
	ProfileCacheTTL string    `json:"profileCacheTtl"`
}

// Key layout.
const (
	sessionPrefix = "session:"
	indexPrefix   = "user:sessions:"
	profilePrefix = "user:profile:"
	seqPrefix     = "user:session-seq:"
)

const indexSlots = 1000

func seqKey(userID string) string {
	return seqPrefix + userID
}

func sessionKey(userID, sessionID string) string {
	return sessionPrefix + userID + ":" + sessionID
}

// IndexKey is the sorted set of a user's session ids, ordered by creation.
// Scores are unix milliseconds times indexSlots plus a per-user sequence slot,
// so sessions created within the same millisecond keep their creation order.
func IndexKey(userID string) string {
	return indexPrefix + userID
}

// ProfileKey holds the cached profile projection of a user.
func ProfileKey(userID string) string {
	return profilePrefix + userID
}

func userSessionsPattern(userID string) string {
	return sessionPrefix + kv.EscapeGlob(userID) + ":*"
}
