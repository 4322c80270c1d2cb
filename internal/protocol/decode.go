package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode resolves one frame body into a typed envelope.
//
// Payloads are read from "arguments" (requests) or "body" (responses, events).
// When that field is absent the envelope object itself is treated as the
// payload, so peers that merge payload fields into the envelope also decode.
//
// An ErrInvalidEnvelope error means the stream is unusable. An ErrInvalidPayload
// error comes with a non-nil envelope whose payload is unset; the exchange can
// be answered or dropped without tearing the connection down.
func Decode(body []byte, reg *Registry) (Envelope, error) {
	var in inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if in.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	switch *in.Type {
	case TypeRequest:
		return decodeRequest(body, in, reg)
	case TypeResponse:
		return decodeResponse(body, in)
	case TypeEvent:
		return decodeEvent(body, in, reg)
	case TypeError:
		return decodeError(in), nil
	default:
		return nil, fmt.Errorf("%w: bad packet type %q", ErrInvalidEnvelope, *in.Type)
	}
}

// DecodeValue resolves an already-parsed generic JSON tree into a typed envelope.
func DecodeValue(v any, reg *Registry) (Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return Decode(body, reg)
}

func decodeRequest(body []byte, in inbound, reg *Registry) (Envelope, error) {
	if in.Seq == nil {
		return nil, fmt.Errorf("%w: request is missing seq", ErrInvalidEnvelope)
	}
	req := &Request{Seq: *in.Seq, Command: deref(in.Command)}
	payload, merged := payloadOf(in.Arguments, body)

	if f, ok := reg.Lookup(RequestKey(req.Command)); ok {
		v := f()
		if err := json.Unmarshal(payload, v); err != nil {
			return req, fmt.Errorf("%w: request %q: %v", ErrInvalidPayload, req.Command, err)
		}
		req.Arguments = v
		return req, nil
	}

	g := &GenericRequest{}
	if err := unmarshalGeneric(payload, merged, &g.Body); err != nil {
		return req, fmt.Errorf("%w: request %q: %v", ErrInvalidPayload, req.Command, err)
	}
	req.Arguments = g
	return req, nil
}

func decodeEvent(body []byte, in inbound, reg *Registry) (Envelope, error) {
	ev := &Event{Seq: derefInt(in.Seq), Name: deref(in.Event)}
	payload, merged := payloadOf(in.Body, body)

	if f, ok := reg.Lookup(EventKey(ev.Name)); ok {
		v := f()
		if err := json.Unmarshal(payload, v); err != nil {
			return ev, fmt.Errorf("%w: event %q: %v", ErrInvalidPayload, ev.Name, err)
		}
		ev.Body = v
		return ev, nil
	}

	g := &GenericEvent{}
	if err := unmarshalGeneric(payload, merged, &g.Body); err != nil {
		return ev, fmt.Errorf("%w: event %q: %v", ErrInvalidPayload, ev.Name, err)
	}
	ev.Body = g
	return ev, nil
}

func decodeResponse(body []byte, in inbound) (Envelope, error) {
	if in.RequestSeq == nil {
		return nil, fmt.Errorf("%w: response is missing request_seq", ErrInvalidEnvelope)
	}
	resp := &Response{
		Seq:        derefInt(in.Seq),
		RequestSeq: *in.RequestSeq,
		Success:    in.Success != nil && *in.Success,
		Command:    deref(in.Command),
		Message:    deref(in.Message),
	}
	if !isAbsent(in.Body) {
		resp.Body = in.Body
		return resp, nil
	}
	if _, hasBody := fieldPresent(body, "body"); hasBody {
		return resp, nil
	}
	var rest map[string]any
	if err := unmarshalGeneric(body, true, &rest); err != nil {
		return resp, fmt.Errorf("%w: response to %d: %v", ErrInvalidPayload, resp.RequestSeq, err)
	}
	if len(rest) > 0 {
		merged, err := json.Marshal(rest)
		if err != nil {
			return resp, fmt.Errorf("%w: response to %d: %v", ErrInvalidPayload, resp.RequestSeq, err)
		}
		resp.Body = merged
	}
	return resp, nil
}

func decodeError(in inbound) Envelope {
	pkt := &ErrorPacket{Seq: derefInt(in.Seq)}
	if isAbsent(in.Body) {
		return pkt
	}
	var eb errorBody
	if err := json.Unmarshal(in.Body, &eb); err != nil {
		pkt.Message = err.Error()
		return pkt
	}
	pkt.Message = eb.Message
	return pkt
}

// payloadOf picks the explicit payload field, or the whole envelope when absent.
func payloadOf(raw json.RawMessage, body []byte) ([]byte, bool) {
	if !isAbsent(raw) {
		return raw, false
	}
	return body, true
}

func unmarshalGeneric(payload []byte, merged bool, out *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}
	if merged {
		for _, k := range envelopeKeys {
			delete(m, k)
		}
		delete(m, "arguments")
		delete(m, "body")
	}
	*out = m
	return nil
}

// fieldPresent reports whether key exists at the top level of an object body.
func fieldPresent(body []byte, key string) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
