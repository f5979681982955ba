package cache

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"cachecoord/pkg/kv"
)

// Key identifies a cache entry. Its string form is
// domain:entity:id:v<version>, with :q<hash> appended when Params is set,
// so lookups and pattern eviction agree on the same layout.
type Key struct {
	Domain  string
	Entity  string
	ID      string
	Params  map[string]string
	Version int64
}

// String renders the key. Params are hashed in sorted order.
func (k Key) String() string {
	version := k.Version
	if version <= 0 {
		version = 1
	}
	id := k.ID
	if id == "" {
		id = "_"
	}

	var b strings.Builder
	b.WriteString(k.Domain)
	b.WriteByte(':')
	b.WriteString(k.Entity)
	b.WriteByte(':')
	b.WriteString(id)
	b.WriteString(":v")
	b.WriteString(strconv.FormatInt(version, 10))
	if len(k.Params) > 0 {
		b.WriteString(":q")
		b.WriteString(ParamsHash(k.Params))
	}
	return b.String()
}

// ParamsHash returns a stable hex digest of query parameters.
func ParamsHash(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	d := xxhash.New()
	for _, name := range names {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(params[name])
		_, _ = d.WriteString("&")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// EntityPattern returns the glob matching every version and query variant
// of an entity. An empty id matches all ids.
func EntityPattern(domain, entity, id string) string {
	if id == "" {
		return kv.EscapeGlob(domain) + ":" + kv.EscapeGlob(entity) + ":*"
	}
	return kv.EscapeGlob(domain) + ":" + kv.EscapeGlob(entity) + ":" + kv.EscapeGlob(id) + ":*"
}

// VersionKey is the counter holding the current version of an entity family.
func VersionKey(domain, entity string) string {
	return "version:" + domain + ":" + entity
}

// isPattern reports whether s contains glob metacharacters.
func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
