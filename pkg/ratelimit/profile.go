package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects which request attributes form the counter key.
type Strategy string

const (
	StrategyIdentity         Strategy = "identity"
	StrategyEndpoint         Strategy = "endpoint"
	StrategyIdentityEndpoint Strategy = "identity_endpoint"
	StrategyIP               Strategy = "ip"
	StrategyIPEndpoint       Strategy = "ip_endpoint"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyIdentity, StrategyEndpoint, StrategyIdentityEndpoint, StrategyIP, StrategyIPEndpoint:
		return true
	}
	return false
}

// Profile is one row of the limit table.
type Profile struct {
	Name          string
	Window        time.Duration
	MaxRequests   int64
	BlockDuration time.Duration
	Strategy      Strategy
}

// Validate checks the profile for impossible values.
func (p Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: profile without name", ErrInvalidProfile)
	case p.Window <= 0:
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidProfile, p.Name)
	case p.MaxRequests <= 0:
		return fmt.Errorf("%w: %s: max requests must be positive", ErrInvalidProfile, p.Name)
	case p.BlockDuration < 0:
		return fmt.Errorf("%w: %s: negative block duration", ErrInvalidProfile, p.Name)
	case !p.Strategy.Valid():
		return fmt.Errorf("%w: %s: unknown strategy %q", ErrInvalidProfile, p.Name, p.Strategy)
	}
	return nil
}

// Profile names of the default table.
const (
	ProfileAnonymous     = "anonymous"
	ProfileAuthenticated = "authenticated"
	ProfileAdmin         = "admin"
	ProfileLogin         = "login"
	ProfileBulkImport    = "bulk_import"
	ProfileChat          = "chat"
)

// DefaultProfiles returns the built-in limit table.
func DefaultProfiles() map[string]Profile {
	table := []Profile{
		{Name: ProfileAnonymous, Window: time.Minute, MaxRequests: 30, Strategy: StrategyIPEndpoint},
		{Name: ProfileAuthenticated, Window: time.Minute, MaxRequests: 120, Strategy: StrategyIdentityEndpoint},
		{Name: ProfileAdmin, Window: time.Minute, MaxRequests: 600, Strategy: StrategyIdentity},
		{Name: ProfileLogin, Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute, Strategy: StrategyIP},
		{Name: ProfileBulkImport, Window: time.Hour, MaxRequests: 10, Strategy: StrategyIdentity},
		{Name: ProfileChat, Window: time.Minute, MaxRequests: 30, BlockDuration: time.Minute, Strategy: StrategyIdentity},
	}

	out := make(map[string]Profile, len(table))
	for _, p := range table {
		out[p.Name] = p
	}
	return out
}

// Request carries the attributes a strategy may key on.
type Request struct {
	Identity string
	IP       string
	Endpoint string
}

const keyPrefix = "ratelimit:"

// subject renders the strategy part of the counter key. Missing attributes
// collapse to a shared bucket rather than failing the request.
func (p Profile) subject(r Request) string {
	id := orDefault(r.Identity, "anonymous")
	ip := orDefault(r.IP, "unknown")
	ep := orDefault(r.Endpoint, "all")

	switch p.Strategy {
	case StrategyIdentity:
		return "id=" + id
	case StrategyEndpoint:
		return "ep=" + ep
	case StrategyIdentityEndpoint:
		return "id=" + id + ":ep=" + ep
	case StrategyIP:
		return "ip=" + ip
	default:
		return "ip=" + ip + ":ep=" + ep
	}
}

type keys struct {
	base   string
	count  string
	window string
	block  string
}

func (p Profile) keys(r Request) keys {
	base := keyPrefix + p.Name + ":" + p.subject(r)
	return keys{
		base:   base,
		count:  base + ":count",
		window: base + ":window",
		block:  base + ":block",
	}
}

func orDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
