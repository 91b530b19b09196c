package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/autopeer-io/fleetsync/internal/fleet"
)

// Envelope types exchanged over the push channel.
const (
	TypeDeviceUpdate   = "device_update"
	TypeAlarmGenerated = "alarm_generated"
	TypeAuthenticate   = "authenticate"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed push message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Message is a decoded inbound envelope.
type Message interface {
	MessageType() string
}

// DeviceUpdate is a telemetry delta for one device, optionally carrying
// alarms the backend raised for it.
type DeviceUpdate struct {
	DeviceID  fleet.DeviceID        `json:"device_id" validate:"gt=0"`
	Telemetry *fleet.TelemetryPatch `json:"telemetry" validate:"required"`
	NewAlarms []fleet.Alarm         `json:"new_alarms"`
	Timestamp fleet.Timestamp       `json:"timestamp"`
}

func (DeviceUpdate) MessageType() string { return TypeDeviceUpdate }

// AlarmGenerated is accepted but not acted on yet.
type AlarmGenerated struct {
	Raw json.RawMessage
}

func (AlarmGenerated) MessageType() string { return TypeAlarmGenerated }

// Unknown is an envelope of a type this client does not handle. It is
// ignored, not an error.
type Unknown struct {
	Type string
}

func (u Unknown) MessageType() string { return u.Type }

// Authenticate is the handshake sent as the first outbound message.
type Authenticate struct {
	Type      string          `json:"type"`
	ManagerID fleet.ManagerID `json:"manager_id"`
}

func NewAuthenticate(id fleet.ManagerID) Authenticate {
	return Authenticate{Type: TypeAuthenticate, ManagerID: id}
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch head.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	case TypeDeviceUpdate:
		var u DeviceUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err := validate.Struct(u); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return u, nil

	case TypeAlarmGenerated:
		return AlarmGenerated{Raw: append(json.RawMessage(nil), raw...)}, nil

	default:
		return Unknown{Type: head.Type}, nil
	}
}
