// Package transport opens the byte streams a session.Connection runs over:
// TCP with optional mutual TLS, WebSocket, stdio and worker processes.
package transport
