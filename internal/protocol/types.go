package protocol

import (
	"bytes"
	"encoding/json"
)

// PacketType is the envelope discriminator carried in the "type" field.
type PacketType string

const (
	TypeRequest  PacketType = "request"
	TypeResponse PacketType = "response"
	TypeEvent    PacketType = "event"
	TypeError    PacketType = "error"
)

// Envelope is one decoded message of any packet type.
type Envelope interface {
	PacketType() PacketType
	Sequence() int
	wire() any
}

// Commander is implemented by typed request payloads.
type Commander interface {
	Command() string
}

// EventNamer is implemented by typed event payloads.
type EventNamer interface {
	EventName() string
}

// Request asks the peer to run Command. Arguments is the registered payload
// type for the command, or *GenericRequest when none is registered.
type Request struct {
	Seq       int
	Command   string
	Arguments any
}

// Response answers the request whose seq equals RequestSeq.
type Response struct {
	Seq        int
	RequestSeq int
	Success    bool
	Command    string
	Message    string
	Body       json.RawMessage
}

// Event is a fire-and-forget notification.
type Event struct {
	Seq  int
	Name string
	Body any
}

// ErrorPacket reports that the sender could not parse our stream.
type ErrorPacket struct {
	Seq     int
	Message string
}

// GenericRequest carries arguments for a command with no registered type.
// Numbers in Body decode as json.Number so integers keep full precision;
// a body built with int or float64 values round-trips as json.Number.
type GenericRequest struct {
	Body map[string]any
}

// GenericEvent carries the body of an event with no registered type.
// Numbers in Body decode as json.Number, as for GenericRequest.
type GenericEvent struct {
	Body map[string]any
}

func (Request) PacketType() PacketType     { return TypeRequest }
func (Response) PacketType() PacketType    { return TypeResponse }
func (Event) PacketType() PacketType       { return TypeEvent }
func (ErrorPacket) PacketType() PacketType { return TypeError }

func (r Request) Sequence() int     { return r.Seq }
func (r Response) Sequence() int    { return r.Seq }
func (e Event) Sequence() int       { return e.Seq }
func (e ErrorPacket) Sequence() int { return e.Seq }

// DecodeBody unmarshals the response body into v. An absent body leaves v untouched.
func (r Response) DecodeBody(v any) error {
	trimmed := bytes.TrimSpace(r.Body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}

func (g GenericRequest) MarshalJSON() ([]byte, error) {
	return marshalGeneric(g.Body)
}

func (g *GenericRequest) UnmarshalJSON(b []byte) error {
	return unmarshalGeneric(b, false, &g.Body)
}

func (g GenericEvent) MarshalJSON() ([]byte, error) {
	return marshalGeneric(g.Body)
}

func (g *GenericEvent) UnmarshalJSON(b []byte) error {
	return unmarshalGeneric(b, false, &g.Body)
}

func marshalGeneric(body map[string]any) ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(body)
}

// wire shapes; field order matches what peers already expect on the stream.

type requestMessage struct {
	Type      PacketType `json:"type"`
	Seq       int        `json:"seq"`
	Command   string     `json:"command"`
	Arguments any        `json:"arguments"`
}

type responseMessage struct {
	Type       PacketType      `json:"type"`
	Seq        int             `json:"seq"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body"`
}

type eventMessage struct {
	Type  PacketType `json:"type"`
	Seq   int        `json:"seq"`
	Event string     `json:"event"`
	Body  any        `json:"body"`
}

type errorBody struct {
	Message string `json:"message"`
}

type errorMessage struct {
	Type PacketType `json:"type"`
	Seq  int        `json:"seq"`
	Body errorBody  `json:"body"`
}

func (r Request) wire() any {
	args := r.Arguments
	if args == nil {
		args = struct{}{}
	}
	return requestMessage{Type: TypeRequest, Seq: r.Seq, Command: r.Command, Arguments: args}
}

func (r Response) wire() any {
	body := r.Body
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage("null")
	}
	return responseMessage{
		Type:       TypeResponse,
		Seq:        r.Seq,
		RequestSeq: r.RequestSeq,
		Success:    r.Success,
		Command:    r.Command,
		Message:    r.Message,
		Body:       body,
	}
}

func (e Event) wire() any {
	body := e.Body
	if body == nil {
		body = struct{}{}
	}
	return eventMessage{Type: TypeEvent, Seq: e.Seq, Event: e.Name, Body: body}
}

func (e ErrorPacket) wire() any {
	return errorMessage{Type: TypeError, Seq: e.Seq, Body: errorBody{Message: e.Message}}
}

// inbound is the union of every envelope field used while decoding.
type inbound struct {
	Type       *PacketType     `json:"type"`
	Seq        *int            `json:"seq"`
	Command    *string         `json:"command"`
	Event      *string         `json:"event"`
	RequestSeq *int            `json:"request_seq"`
	Success    *bool           `json:"success"`
	Message    *string         `json:"message"`
	Arguments  json.RawMessage `json:"arguments"`
	Body       json.RawMessage `json:"body"`
}

// envelopeKeys are stripped from merged payloads handed to generic wrappers.
var envelopeKeys = []string{"type", "seq", "command", "event", "request_seq", "success", "message"}
