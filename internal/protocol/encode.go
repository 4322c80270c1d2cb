package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/ipcjson/internal/protocol/frame"
)

// Marshal serializes an envelope to its UTF-8 JSON body.
func Marshal(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	body, err := json.Marshal(env.wire())
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s seq=%d: %w", env.PacketType(), env.Sequence(), err)
	}
	return body, nil
}

// Encode serializes an envelope to a complete wire frame.
func Encode(env Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, err
	}
	return frame.AppendFrame(make([]byte, 0, len(body)+32), body), nil
}

// NewResponse builds a response to req carrying result as its body.
func NewResponse(seq int, req *Request, result any) (Response, error) {
	resp := Response{
		Seq:        seq,
		RequestSeq: req.Seq,
		Success:    true,
		Command:    req.Command,
	}
	if result == nil {
		return resp, nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: marshal %q result: %w", req.Command, err)
	}
	resp.Body = body
	return resp, nil
}

// NewFailedResponse builds an unsuccessful response to req.
func NewFailedResponse(seq int, req *Request, message string) Response {
	return Response{
		Seq:        seq,
		RequestSeq: req.Seq,
		Success:    false,
		Command:    req.Command,
		Message:    message,
	}
}
