package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

const (
	MaxTaskNameLength       = 64
	MaxUserIDLength         = 256
	MaxIdempotencyKeyLength = 256
	DefaultMaxInputBytes    = 1 << 20
)

var taskNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-:.]*$`)

// ValidateTaskName checks a template name.
func ValidateTaskName(name string) error {
	if name == "" {
		return NewValidationError("name", "task name is required")
	}
	if len(name) > MaxTaskNameLength {
		return NewValidationError("name", fmt.Sprintf("task name exceeds %d characters", MaxTaskNameLength))
	}
	if !taskNamePattern.MatchString(name) {
		return NewValidationError("name",
			"task name must start with a letter and contain only letters, digits, '_', '-', ':' or '.'")
	}
	return nil
}

// ValidateInput serializes input to JSON and enforces the size cap.
// A maxBytes of zero uses DefaultMaxInputBytes.
func ValidateInput(input any, maxBytes int) (json.RawMessage, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxInputBytes
	}

	var raw json.RawMessage
	switch v := input.(type) {
	case json.RawMessage:
		if len(v) > 0 && !json.Valid(v) {
			return nil, NewValidationError("input", "input is not valid JSON")
		}
		raw = v
	default:
		b, err := json.Marshal(input)
		if err != nil {
			return nil, NewValidationError("input", fmt.Sprintf("input is not JSON serializable: %v", err))
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	if len(raw) > maxBytes {
		return nil, NewValidationError("input",
			fmt.Sprintf("input size %d bytes exceeds limit of %d bytes", len(raw), maxBytes))
	}
	return raw, nil
}

// ValidateUserID checks an optional user id. Nil marks a background task.
func ValidateUserID(userID *string) error {
	if userID == nil {
		return nil
	}
	id := *userID
	if id == "" {
		return NewValidationError("userId", "user id must not be empty")
	}
	if utf8.RuneCountInString(id) > MaxUserIDLength {
		return NewValidationError("userId", fmt.Sprintf("user id exceeds %d characters", MaxUserIDLength))
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return NewValidationError("userId", "user id contains control characters")
		}
	}
	return nil
}

// ValidateIdempotencyKey checks a caller-provided key. Empty means "derive one".
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLength {
		return NewValidationError("idempotencyKey",
			fmt.Sprintf("idempotency key exceeds %d characters", MaxIdempotencyKeyLength))
	}
	return nil
}

// DeriveIdempotencyKey returns the 64-char hex SHA-256 dedup key of a run.
// An explicit key is namespaced by task name; otherwise the key covers
// name, user and the canonical JSON input.
func DeriveIdempotencyKey(name string, userID *string, input json.RawMessage, explicit string) string {
	h := sha256.New()
	if explicit != "" {
		fmt.Fprintf(h, "%s|%s", name, explicit)
		return hex.EncodeToString(h.Sum(nil))
	}

	user := ""
	if userID != nil {
		user = *userID
	}
	fmt.Fprintf(h, "%s|%s|%s", name, user, canonicalJSON(input))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes raw so that object keys are sorted.
// encoding/json sorts map keys, which makes the output stable across
// semantically equal inputs.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
