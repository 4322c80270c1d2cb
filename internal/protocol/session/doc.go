// Package session runs one bidirectional ipcjson connection over a pair of
// byte streams.
//
// A Connection owns:
// - the receive loop (one goroutine, blocking only in frame reads)
// - the pending request table keyed by outgoing seq
// - the write lock serializing whole frames onto the send stream
// - the request dispatcher, serving one request at a time in receive order
// - event fan-out to listeners
//
// Frame and envelope corruption is fatal to the connection; handler failures
// are answered with success=false and never tear the connection down.
package session
