package kv

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "user:123", false},
		{"valid with dots", "api.v1.users", false},
		{"empty key", "", true},
		{"too long", strings.Repeat("a", MaxKeyLength+1), true},
		{"exactly max", strings.Repeat("a", MaxKeyLength), false},
		{"control char null", "key\x00value", true},
		{"control char newline", "key\nvalue", true},
		{"leading space", " key", true},
		{"trailing space", "key ", true},
		{"valid unicode", "café", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestKeyPattern_Build(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		sep      string
		parts    []string
		expected string
	}{
		{"no parts", "session", ":", nil, "session"},
		{"two parts", "session", ":", []string{"u1", "s1"}, "session:u1:s1"},
		{"default separator", "user", "", []string{"sessions", "u1"}, "user:sessions:u1"},
		{"empty prefix", "", ":", []string{"a", "b"}, "a:b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp := NewKeyPattern(tt.prefix, tt.sep)
			if got := kp.Build(tt.parts...); got != tt.expected {
				t.Errorf("Build(%v) = %q, want %q", tt.parts, got, tt.expected)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"user:*", "user:42:profile", true},
		{"user:*", "users:42", false},
		{"*:42:*", "api:user:42:v1", true},
		{"*:42:*", "api:user:420:v1", false},
		{"session:?:*", "session:7:abc", true},
		{"session:?:*", "session:77:abc", false},
		{"db[0-3]", "db2", true},
		{"db[0-3]", "db7", false},
		{"db[^0-3]", "db7", true},
		{"a[bc]d", "acd", true},
		{`lit\*`, "lit*", true},
		{`lit\*`, "litx", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"unterminated[", "unterminated[", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	id := "weird*id?"
	pattern := "user:" + EscapeGlob(id) + ":*"
	if !MatchPattern(pattern, "user:weird*id?:profile") {
		t.Error("escaped pattern should match the literal id")
	}
	if MatchPattern(pattern, "user:weirdXXid1:profile") {
		t.Error("escaped pattern must not treat id characters as wildcards")
	}
}
