package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every component.
var (
	// ErrKeyNotFound is a plain store miss.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrStoreUnavailable is a network or timeout failure talking to the key-value store.
	ErrStoreUnavailable = errors.New("kv: store unavailable")

	// ErrBusUnavailable is a network or timeout failure talking to the pub/sub transport.
	ErrBusUnavailable = errors.New("kv: bus unavailable")

	// ErrDecodeFailure means a stored payload is not valid serialized or encrypted data.
	ErrDecodeFailure = errors.New("kv: decode failure")

	// ErrPermissionDenied means the caller does not own the record it tries to mutate.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means the referenced session, notification or profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for empty, oversized or malformed keys.
	ErrInvalidKey = errors.New("kv: invalid key")

	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", ErrStoreUnavailable)

	// ErrTimeout is returned when a store call exceeds its deadline.
	ErrTimeout = fmt.Errorf("%w: operation timeout", ErrStoreUnavailable)
)

// Unavailable wraps err as ErrStoreUnavailable unless it is a miss or
// already classified.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// BusUnavailable wraps err as ErrBusUnavailable unless already classified.
func BusUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrBusUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
}

// IsNotFound reports whether err is a store miss or a domain not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err means the store or bus is degraded.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrBusUnavailable)
}

// IsCircuitOpen reports whether err came from an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a short label for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDecodeFailure):
		return "decode"
	case errors.Is(err, ErrBusUnavailable):
		return "bus_unavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "broken pipe", "eof"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
