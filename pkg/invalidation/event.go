package invalidation

import (
	"strings"
	"time"
)

// Strategy tags how an invalidation was carried out.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyDelayed   Strategy = "delayed"
	StrategyVersioned Strategy = "versioned"
	StrategyPattern   Strategy = "pattern"
)

// Bus channels.
const (
	ChannelPrefix = "cache:invalidation:"
	ChannelGlobal = ChannelPrefix + "global"
	ChannelUser   = ChannelPrefix + "user"
)

// ChannelFor returns the bus channel carrying events for entityType.
func ChannelFor(entityType string) string {
	switch entityType {
	case "":
		return ChannelGlobal
	case "user":
		return ChannelUser
	default:
		return ChannelPrefix + strings.ToLower(entityType)
	}
}

// Event describes one completed invalidation. It is immutable once built.
type Event struct {
	ID           string    `json:"id"`
	Pattern      string    `json:"pattern,omitempty"`
	Patterns     []string  `json:"patterns,omitempty"`
	EntityType   string    `json:"entityType,omitempty"`
	EntityID     string    `json:"entityId,omitempty"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actorId,omitempty"`
	KeysAffected int       `json:"keysAffected"`
	Strategy     Strategy  `json:"strategy"`
	Origin       string    `json:"origin"`
}

// AllPatterns returns every pattern the event covers.
func (e Event) AllPatterns() []string {
	if len(e.Patterns) > 0 {
		return e.Patterns
	}
	if e.Pattern != "" {
		return []string{e.Pattern}
	}
	return nil
}

// Callback receives invalidation events.
type Callback func(Event)
