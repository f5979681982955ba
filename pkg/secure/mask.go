// Package secure masks and encrypts sensitive payloads before they reach
// the shared store.
package secure

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

const maskRun = "****"

// Segment-level matches for short names that would over-match as substrings.
var sensitiveSegments = map[string]struct{}{
	"key": {}, "pin": {}, "otp": {}, "lat": {}, "lng": {}, "lon": {},
	"ssn": {}, "cccd": {}, "cmnd": {}, "cvv": {}, "pwd": {},
}

// Substring matches against the normalized (lowercased, separator-free) name.
var sensitiveFragments = []string{
	"password", "passwd", "token", "secret", "apikey", "privatekey", "accesskey",
	"nationalid", "citizenid", "bank", "account", "card", "iban",
	"phone", "mobile", "email", "address",
	"latitude", "longitude", "coordinates",
	"signature",
}

// IsSensitiveField reports whether a field name looks like it holds
// personal or secret data.
func IsSensitiveField(name string) bool {
	if name == "" {
		return false
	}

	segments := splitName(name)
	for _, seg := range segments {
		if _, ok := sensitiveSegments[seg]; ok {
			return true
		}
	}

	normalized := strings.Join(segments, "")
	for _, frag := range sensitiveFragments {
		if strings.Contains(normalized, frag) {
			return true
		}
	}
	return false
}

// splitName lowercases name and splits it on separators and camelCase boundaries.
func splitName(name string) []string {
	var segments []string
	var cur []rune
	runes := []rune(name)

	flush := func() {
		if len(cur) > 0 {
			segments = append(segments, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return segments
}

// MaskString redacts s: up to 4 characters become "****", up to 8 keep the
// first and last 2, longer values keep the first 2 and last 4.
func MaskString(s string) string {
	r := []rune(s)
	n := len(r)
	switch {
	case n <= 4:
		return maskRun
	case n <= 8:
		return string(r[:2]) + strings.Repeat("*", n-4) + string(r[n-2:])
	default:
		return string(r[:2]) + strings.Repeat("*", n-6) + string(r[n-4:])
	}
}

// MaskNumber keeps only the last 4 digits of a numeric value, as a number
// without leading zeros. Values with 4 digits or fewer become "0".
func MaskNumber(num string) string {
	digits := make([]rune, 0, len(num))
	for _, r := range num {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return "0"
	}
	last := strings.TrimLeft(string(digits[len(digits)-4:]), "0")
	if last == "" {
		return "0"
	}
	return last
}

// Mask returns a JSON-shaped copy of v with sensitive fields redacted.
// Values that cannot be marshaled are returned unchanged.
func Mask(v any) any {
	generic, err := toGeneric(v)
	if err != nil {
		return v
	}
	return maskValue(generic, false)
}

// MaskJSON redacts sensitive fields inside a JSON document.
func MaskJSON(data []byte) ([]byte, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(maskValue(generic, false))
}

// ShouldEncrypt reports whether v carries any field with a sensitive name,
// at any depth.
func ShouldEncrypt(v any) bool {
	generic, err := toGeneric(v)
	if err != nil {
		return false
	}
	return hasSensitiveField(generic)
}

func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func maskValue(v any, sensitive bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = maskValue(child, sensitive || IsSensitiveField(k))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = maskValue(child, sensitive)
		}
		return out
	case string:
		if sensitive {
			return MaskString(val)
		}
		return val
	case json.Number:
		if sensitive {
			return json.Number(MaskNumber(val.String()))
		}
		return val
	default:
		return val
	}
}

func hasSensitiveField(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if IsSensitiveField(k) || hasSensitiveField(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if hasSensitiveField(child) {
				return true
			}
		}
	}
	return false
}
