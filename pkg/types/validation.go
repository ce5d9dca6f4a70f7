package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Identities are phone numbers in practice; the pattern also admits opaque
// user ids so the gate does not have to know how credentials were issued.
var identityRegex = regexp.MustCompile(`^[+a-zA-Z0-9_.@-]+$`)

const (
	maxIdentityLength    = 64
	maxDeviceTokenLength = 4096
	maxSessionIDLength   = 128
)

// IsValidIdentity checks the identity format used for sharers and recipients.
func IsValidIdentity(identity string) bool {
	if len(identity) < 1 || len(identity) > maxIdentityLength {
		return false
	}
	return identityRegex.MatchString(identity)
}

// NormalizeRecipients accepts either a single string or an array of strings and
// returns the trimmed, de-duplicated recipient list in first-seen order.
func NormalizeRecipients(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: friendPhoneNumbers is required", ErrInvalidRequest)
	}

	var list []string
	switch raw[0] {
	case '"':
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("%w: friendPhoneNumbers must be a string or an array of strings", ErrInvalidRequest)
		}
		list = []string{single}
	case '[':
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: friendPhoneNumbers must be a string or an array of strings", ErrInvalidRequest)
		}
	default:
		return nil, fmt.Errorf("%w: friendPhoneNumbers must be a string or an array of strings", ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(list))
	recipients := make([]string, 0, len(list))
	for _, r := range list {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !IsValidIdentity(r) {
			return nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidRequest, r)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		recipients = append(recipients, r)
	}

	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}
	return recipients, nil
}

// DurationFromMillis converts the optional wire duration. nil maps to zero,
// meaning "use the default"; explicit non-positive values are rejected.
func DurationFromMillis(ms *float64) (time.Duration, error) {
	if ms == nil {
		return 0, nil
	}
	v := *ms
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("%w: duration must be a positive number of milliseconds", ErrInvalidRequest)
	}
	if v > float64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, fmt.Errorf("%w: duration is too large", ErrInvalidRequest)
	}
	return time.Duration(v * float64(time.Millisecond)), nil
}

// ValidateCoordinates rejects positions outside the WGS84 range.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrInvalidRequest)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrInvalidRequest)
	}
	return nil
}

// ValidateDeviceToken trims and bounds an opaque push token.
func ValidateDeviceToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: deviceToken is required", ErrInvalidRequest)
	}
	if len(token) > maxDeviceTokenLength {
		return "", fmt.Errorf("%w: deviceToken is too long", ErrInvalidRequest)
	}
	return token, nil
}

func requireSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: sessionId is too long", ErrInvalidRequest)
	}
	return nil
}

// normalizeTimestamp passes a client timestamp through unchanged when it is a
// JSON number or string, and stamps server time in milliseconds when absent.
func normalizeTimestamp(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(strconv.FormatInt(time.Now().UnixMilli(), 10)), nil
	}
	switch {
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: malformed timestamp", ErrInvalidRequest)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: timestamp must be a number or a string", ErrInvalidRequest)
		}
	}
	return append(json.RawMessage(nil), raw...), nil
}
