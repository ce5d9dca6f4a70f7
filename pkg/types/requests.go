package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the tagged union of inbound lifecycle requests. DecodeRequest is the
// only constructor used by the transport, so every value reaching the hub has
// already passed boundary validation.
type Request interface {
	Event() string
}

type RegisterDeviceToken struct {
	DeviceToken string
}

// StartLiveLocation carries normalized recipients. A zero Duration means the
// client omitted it and the configured default applies.
type StartLiveLocation struct {
	Recipients []string
	Duration   time.Duration
}

type LocationUpdate struct {
	SessionID string
	Latitude  float64
	Longitude float64
	Timestamp json.RawMessage
}

type StopLiveLocation struct {
	SessionID string
}

type JoinLiveLocation struct {
	SessionID string
}

func (RegisterDeviceToken) Event() string { return EventRegisterDeviceToken }
func (StartLiveLocation) Event() string   { return EventStartLiveLocation }
func (LocationUpdate) Event() string      { return EventLocationUpdate }
func (StopLiveLocation) Event() string    { return EventStopLiveLocation }
func (JoinLiveLocation) Event() string    { return EventJoinLiveLocation }

// wire shapes
type registerDeviceTokenData struct {
	DeviceToken string `json:"deviceToken"`
}

type startLiveLocationData struct {
	FriendPhoneNumbers json.RawMessage `json:"friendPhoneNumbers"`
	Duration           *float64        `json:"duration"`
}

type locationUpdateData struct {
	SessionID string          `json:"sessionId"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type sessionRefData struct {
	SessionID string `json:"sessionId"`
}

// DecodeRequest parses one inbound text frame. It returns ErrUnknownEvent for
// events outside the table and an ErrInvalidRequest-wrapped error for
// malformed payloads.
func DecodeRequest(frame []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", ErrInvalidRequest)
	}

	switch env.Event {
	case EventRegisterDeviceToken:
		var d registerDeviceTokenData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		token, err := ValidateDeviceToken(d.DeviceToken)
		if err != nil {
			return nil, err
		}
		return RegisterDeviceToken{DeviceToken: token}, nil

	case EventStartLiveLocation:
		var d startLiveLocationData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		recipients, err := NormalizeRecipients(d.FriendPhoneNumbers)
		if err != nil {
			return nil, err
		}
		duration, err := DurationFromMillis(d.Duration)
		if err != nil {
			return nil, err
		}
		return StartLiveLocation{Recipients: recipients, Duration: duration}, nil

	case EventLocationUpdate:
		var d locationUpdateData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		if err := requireSessionID(d.SessionID); err != nil {
			return nil, err
		}
		if d.Latitude == nil || d.Longitude == nil {
			return nil, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidRequest)
		}
		if err := ValidateCoordinates(*d.Latitude, *d.Longitude); err != nil {
			return nil, err
		}
		ts, err := normalizeTimestamp(d.Timestamp)
		if err != nil {
			return nil, err
		}
		return LocationUpdate{
			SessionID: d.SessionID,
			Latitude:  *d.Latitude,
			Longitude: *d.Longitude,
			Timestamp: ts,
		}, nil

	case EventStopLiveLocation:
		var d sessionRefData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		if err := requireSessionID(d.SessionID); err != nil {
			return nil, err
		}
		return StopLiveLocation{SessionID: d.SessionID}, nil

	case EventJoinLiveLocation:
		var d sessionRefData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		if err := requireSessionID(d.SessionID); err != nil {
			return nil, err
		}
		return JoinLiveLocation{SessionID: d.SessionID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing payload", ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload", ErrInvalidRequest)
	}
	return nil
}
