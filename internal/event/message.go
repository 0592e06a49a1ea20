package event

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/validate"
)

// MessageType discriminates messages on the wire.
type MessageType string

// Inbound message types.
const (
	TypeAuthentication MessageType = "AUTHENTICATION"
	TypeJoin           MessageType = "JOIN"
	TypeLocationUpdate MessageType = "LOCATION_UPDATE"
	TypeDistance       MessageType = "DISTANCE"
)

// TypeEffect is sent by the admin and relayed unchanged to every participant.
const TypeEffect MessageType = "EFFECT"

// Effect names.
const (
	EffectPulse  = "PULSE"
	EffectWave   = "WAVE"
	EffectRotate = "ROTATE"
	EffectSpiral = "SPIRAL"
)

// Outbound message types.
const (
	TypeUserJoined           MessageType = "USER_JOINED"
	TypeUserLeft             MessageType = "USER_LEFT"
	TypeLocationUpdateReport MessageType = "LOCATION_UPDATE_REPORT"
	TypeDistanceReport       MessageType = "DISTANCE_REPORT"
	TypeSetPoint             MessageType = "SET_POINT"
	TypeSetPointReport       MessageType = "SET_POINT_REPORT"
	TypeError                MessageType = "ERROR"
)

// Message decoding errors.
var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message is one variant of the wire vocabulary. The concrete types below are
// the only implementations.
type Message interface {
	Type() MessageType
}

// Authentication is the first message on an admin connection.
type Authentication struct {
	Token string `json:"token" validate:"required"`
}

// Join registers the connection as a participant device.
type Join struct {
	DeviceID string       `json:"deviceId" validate:"required,deviceid"`
	Location geo.Location `json:"location"`
}

// LocationUpdate carries a fresh GPS fix for the connection's device.
type LocationUpdate struct {
	Location geo.Location `json:"location"`
}

// Distance reports the estimated distance to another device. A nil Distance
// means the device no longer has a measurement.
type Distance struct {
	To       string   `json:"to" validate:"required,deviceid"`
	Distance *float64 `json:"distance" validate:"omitempty,finite,gte=0"`
}

// Effect asks every device to play a light effect across the swarm. Name
// selects the effect; the remaining fields parameterize it and are ignored
// by effects that do not use them. Times are in seconds.
type Effect struct {
	Name string `json:"name" validate:"required,oneof=PULSE WAVE ROTATE SPIRAL"`
	// CoordinateType is ABSOLUTE or RELATIVE, for PULSE.
	CoordinateType string `json:"coordinateType,omitempty" validate:"required_if=Name PULSE,omitempty,oneof=ABSOLUTE RELATIVE"`
	// Direction is the axis a WAVE travels along.
	Direction  string  `json:"direction,omitempty" validate:"required_if=Name WAVE,omitempty,oneof=X Y Z"`
	ActiveTime float64 `json:"activeTime" validate:"finite,gte=0"`

	SpreadDelayPerUnit   float64 `json:"spreadDelayPerUnit,omitempty" validate:"finite,gte=0"`
	SpreadDelayPerRadian float64 `json:"spreadDelayPerRadian,omitempty" validate:"finite,gte=0"`
	RadialSpeed          float64 `json:"radialSpeed,omitempty" validate:"finite,gte=0"`
	AngularSpeed         float64 `json:"angularSpeed,omitempty" validate:"finite,gte=0"`
}

// UserJoined is broadcast when a device joins.
type UserJoined struct {
	DeviceID string       `json:"deviceId"`
	Location geo.Location `json:"location"`
}

// UserLeft is broadcast when a device leaves.
type UserLeft struct {
	DeviceID string `json:"deviceId"`
}

// LocationUpdateReport relays a location update to the admin.
type LocationUpdateReport struct {
	DeviceID string       `json:"deviceId"`
	Location geo.Location `json:"location"`
}

// DistanceReport relays a raw distance report to the admin.
type DistanceReport struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Distance *float64 `json:"distance"`
}

// SetPoint tells a device where it is.
type SetPoint struct {
	Position graph.NodePosition `json:"position"`
}

// SetPointReport tells the admin where a device is.
type SetPointReport struct {
	DeviceID string             `json:"deviceId"`
	Position graph.NodePosition `json:"position"`
}

// Error tells the sender its last message was rejected.
type Error struct {
	Message string `json:"message"`
}

func (Authentication) Type() MessageType       { return TypeAuthentication }
func (Join) Type() MessageType                 { return TypeJoin }
func (LocationUpdate) Type() MessageType       { return TypeLocationUpdate }
func (Distance) Type() MessageType             { return TypeDistance }
func (Effect) Type() MessageType               { return TypeEffect }
func (UserJoined) Type() MessageType           { return TypeUserJoined }
func (UserLeft) Type() MessageType             { return TypeUserLeft }
func (LocationUpdateReport) Type() MessageType { return TypeLocationUpdateReport }
func (DistanceReport) Type() MessageType       { return TypeDistanceReport }
func (SetPoint) Type() MessageType             { return TypeSetPoint }
func (SetPointReport) Type() MessageType       { return TypeSetPointReport }
func (Error) Type() MessageType                { return TypeError }

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeMessage parses and validates a JSON wire message. Errors wrap
// ErrInvalidMessage or ErrUnknownMessageType.
func DecodeMessage(data []byte) (Message, error) {
	return decodeMessage(data, json.Unmarshal)
}

type unmarshalFunc func(data []byte, v any) error

func decodeMessage(data []byte, unmarshal unmarshalFunc) (Message, error) {
	var env envelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeAuthentication:
		msg, err = decodeAs[Authentication](data, unmarshal)
	case TypeJoin:
		msg, err = decodeAs[Join](data, unmarshal)
	case TypeLocationUpdate:
		msg, err = decodeAs[LocationUpdate](data, unmarshal)
	case TypeDistance:
		msg, err = decodeAs[Distance](data, unmarshal)
	case TypeEffect:
		msg, err = decodeAs[Effect](data, unmarshal)
	case TypeUserJoined:
		msg, err = decodeAs[UserJoined](data, unmarshal)
	case TypeUserLeft:
		msg, err = decodeAs[UserLeft](data, unmarshal)
	case TypeLocationUpdateReport:
		msg, err = decodeAs[LocationUpdateReport](data, unmarshal)
	case TypeDistanceReport:
		msg, err = decodeAs[DistanceReport](data, unmarshal)
	case TypeSetPoint:
		msg, err = decodeAs[SetPoint](data, unmarshal)
	case TypeSetPointReport:
		msg, err = decodeAs[SetPointReport](data, unmarshal)
	case TypeError:
		msg, err = decodeAs[Error](data, unmarshal)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](data []byte, unmarshal unmarshalFunc) (T, error) {
	var msg T
	if err := unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// EncodeMessage renders msg as a JSON object with a leading "type" field.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", msg.Type())
	}

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}
