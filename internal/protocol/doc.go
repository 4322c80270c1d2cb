// Package protocol owns the JSON envelope contract carried inside frames.
//
// Ownership boundary:
// - request/response/event/error envelope shapes
// - payload type registry
// - envelope encode/decode
//
// Framing (Content-Length header block + body) lives in protocol/frame.
// Connection state, correlation and dispatch live in protocol/session.
package protocol
