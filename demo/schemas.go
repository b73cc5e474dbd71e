package demo

import (
	"github.com/wskit-go/wskit/validator"
	"github.com/wskit-go/wskit/validator/jsonschema"
)

// Message types for the toy ping/echo/subscribe protocol this demo wires
// through wsrouter.Router end to end.
const (
	TypePing      = "Ping"
	TypePong      = "Pong"
	TypeEcho      = "Echo"
	TypeEchoReply = "EchoReply"
	TypeSubscribe = "Subscribe"
	TypeRoomEvent = "RoomEvent"
)

// schemaSet holds every compiled schema the demo registers with the router.
type schemaSet struct {
	Ping      *validator.Schema
	Pong      *validator.Schema
	Echo      *validator.Schema
	EchoReply *validator.Schema
	Subscribe *validator.Schema
	RoomEvent *validator.Schema
}

// buildSchemas compiles the demo's schema documents against the given
// adapter. validator/gojsonschema's Adapter has the same Register method, so
// switching to it takes changing this parameter's type and the constructor
// call in New; nothing past registration depends on the concrete adapter.
func buildSchemas(adapter *jsonschema.Adapter) (*schemaSet, error) {
	pong, err := adapter.Register(TypePong, validator.Event, []byte(`{
		"type": "object",
		"properties": {"timestamp": {"type": "integer"}},
		"additionalProperties": false
	}`), nil)
	if err != nil {
		return nil, err
	}

	ping, err := adapter.Register(TypePing, validator.RPC, []byte(`{
		"type": "object",
		"additionalProperties": false
	}`), pong)
	if err != nil {
		return nil, err
	}

	echoReply, err := adapter.Register(TypeEchoReply, validator.Event, []byte(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`), nil)
	if err != nil {
		return nil, err
	}

	echo, err := adapter.Register(TypeEcho, validator.RPC, []byte(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`), echoReply)
	if err != nil {
		return nil, err
	}

	subscribe, err := adapter.Register(TypeSubscribe, validator.Event, []byte(`{
		"type": "object",
		"properties": {"room": {"type": "string"}},
		"required": ["room"],
		"additionalProperties": false
	}`), nil)
	if err != nil {
		return nil, err
	}

	roomEvent, err := adapter.Register(TypeRoomEvent, validator.Event, []byte(`{
		"type": "object",
		"properties": {
			"room": {"type": "string"},
			"text": {"type": "string"}
		},
		"required": ["room", "text"],
		"additionalProperties": false
	}`), nil)
	if err != nil {
		return nil, err
	}

	return &schemaSet{
		Ping:      ping,
		Pong:      pong,
		Echo:      echo,
		EchoReply: echoReply,
		Subscribe: subscribe,
		RoomEvent: roomEvent,
	}, nil
}
