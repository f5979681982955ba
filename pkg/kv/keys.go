package kv

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength bounds generated keys.
const MaxKeyLength = 512

// ValidateKey checks if a key is valid.
//
// Rules:
// - Non-empty string
// - At most MaxKeyLength bytes
// - No control characters
// - No leading or trailing whitespace
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern builds keys sharing a prefix and separator.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build creates a key from the pattern and provided parts.
// Example: NewKeyPattern("session", ":").Build("u1", "s1") -> "session:u1:s1"
func (kp *KeyPattern) Build(parts ...string) string {
	var b strings.Builder
	b.WriteString(kp.prefix)
	for _, part := range parts {
		if b.Len() > 0 {
			b.WriteString(kp.separator)
		}
		b.WriteString(part)
	}
	return b.String()
}

// Prefix returns the pattern prefix.
func (kp *KeyPattern) Prefix() string {
	return kp.prefix
}

// EscapeGlob escapes glob metacharacters so s matches only itself inside a pattern.
func EscapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MatchPattern reports whether key matches the Redis-style glob pattern.
// Supported: '*', '?', '[abc]', '[^a]', '[a-z]' and '\' escapes.
func MatchPattern(pattern, key string) bool {
	return globMatch(pattern, key)
}

func globMatch(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 1 && p[1] == '*' {
				p = p[1:]
			}
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end, ok := matchClass(p, s[0])
			if end < 0 || !ok {
				return false
			}
			p, s = p[end:], s[1:]
		case '\\':
			if len(p) >= 2 {
				p = p[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

// matchClass evaluates a bracket expression at the start of p against c. It
// returns the index just past the closing bracket (or -1 when unterminated).
func matchClass(p string, c byte) (int, bool) {
	i := 1
	negate := false
	if i < len(p) && p[i] == '^' {
		negate = true
		i++
	}
	matched := false
	for i < len(p) && p[i] != ']' {
		if p[i] == '\\' && i+1 < len(p) {
			i++
			if p[i] == c {
				matched = true
			}
			i++
			continue
		}
		if i+2 < len(p) && p[i+1] == '-' && p[i+2] != ']' {
			lo, hi := p[i], p[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if p[i] == c {
			matched = true
		}
		i++
	}
	if i >= len(p) {
		return -1, false
	}
	if negate {
		matched = !matched
	}
	return i + 1, matched
}
