package invalidation

import (
	"strings"

	"cachecoord/pkg/kv"
)

// Pattern templates understand two placeholders: {ns} is the cache
// namespace and {id} the glob-escaped entity id.
var defaultEntityPatterns = map[string][]string{
	"user": {
		"{ns}:user:*:{id}:*",
		"{ns}:api:*:{id}:*",
		"user:profile:{id}",
		"session:{id}:*",
		"user:sessions:{id}",
	},
	"record": {
		"{ns}:record:*:{id}:*",
		"{ns}:record:list:*",
		"{ns}:api:records:*",
	},
	"ps": {
		"{ns}:ps:*:{id}:*",
		"{ns}:ps:list:*",
		"{ns}:api:ps:*",
	},
	"import": {
		"{ns}:import:*:{id}:*",
		"{ns}:api:imports:*",
	},
	"notification": {
		"{ns}:notification:*:{id}:*",
	},
	"settings": {
		"{ns}:settings:*",
		"{ns}:api:settings:*",
	},
	"role": {
		"{ns}:role:*:{id}:*",
		"{ns}:api:permissions:*",
	},
}

// Target is one unit of work produced by a mutation rule: either an entity
// to expand through the pattern table or a literal pattern.
type Target struct {
	EntityType string
	EntityID   string
	Pattern    string
}

// Payload carries mutation attributes, e.g. {"userId": "42"}.
type Payload map[string]string

// Rule maps a mutation payload to the targets it invalidates.
type Rule func(p Payload) []Target

func entity(kind, id string) Target {
	return Target{EntityType: kind, EntityID: id}
}

func pattern(p string) Target {
	return Target{Pattern: p}
}

func defaultRules() map[string]Rule {
	return map[string]Rule{
		"profile.update": func(p Payload) []Target {
			id := p["userId"]
			return []Target{
				pattern("{ns}:user:*:" + kv.EscapeGlob(id) + ":*"),
				pattern("user:profile:" + kv.EscapeGlob(id)),
			}
		},
		"record.create": func(p Payload) []Target {
			targets := []Target{pattern("{ns}:record:list:*"), pattern("{ns}:api:records:*")}
			if ps := p["psId"]; ps != "" {
				targets = append(targets, entity("ps", ps))
			}
			return targets
		},
		"record.update": func(p Payload) []Target {
			targets := []Target{entity("record", p["recordId"])}
			if ps := p["psId"]; ps != "" {
				targets = append(targets, entity("ps", ps))
			}
			return targets
		},
		"record.delete": func(p Payload) []Target {
			targets := []Target{entity("record", p["recordId"])}
			if ps := p["psId"]; ps != "" {
				targets = append(targets, entity("ps", ps))
			}
			return targets
		},
		"bulk.import": func(p Payload) []Target {
			return []Target{
				entity("import", p["importId"]),
				pattern("{ns}:record:*"),
				pattern("{ns}:ps:*"),
				pattern("{ns}:api:*"),
			}
		},
		"settings.update": func(p Payload) []Target {
			return []Target{entity("settings", p["settingsId"])}
		},
		"role.change": func(p Payload) []Target {
			return []Target{entity("user", p["userId"]), entity("role", p["roleId"])}
		},
	}
}

// expand renders pattern templates for an entity id.
func expand(templates []string, namespace, id string) []string {
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, render(t, namespace, id))
	}
	return out
}

func render(template, namespace, id string) string {
	s := strings.ReplaceAll(template, "{id}", kv.EscapeGlob(id))
	if namespace == "" {
		s = strings.ReplaceAll(s, "{ns}:", "")
	}
	return strings.ReplaceAll(s, "{ns}", namespace)
}
