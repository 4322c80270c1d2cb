package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/ipcjson/internal/protocol"
)

// Handler answers requests sent by the peer. The returned value becomes the
// response body; a non-nil error becomes a success=false response whose
// message is the error text.
type Handler interface {
	ServeRequest(ctx context.Context, req *protocol.Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *protocol.Request) (any, error)

func (f HandlerFunc) ServeRequest(ctx context.Context, req *protocol.Request) (any, error) {
	return f(ctx, req)
}

// Mux routes requests to handlers by command name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

func (m *Mux) Handle(command string, h Handler) {
	command = strings.TrimSpace(command)
	if command == "" || h == nil {
		panic(fmt.Sprintf("session: invalid mux registration %q", command))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[command] = h
}

func (m *Mux) HandleFunc(command string, f func(ctx context.Context, req *protocol.Request) (any, error)) {
	m.Handle(command, HandlerFunc(f))
}

func (m *Mux) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) ServeRequest(ctx context.Context, req *protocol.Request) (any, error) {
	m.mu.RLock()
	h, ok := m.handlers[req.Command]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledCommand, req.Command)
	}
	return h.ServeRequest(ctx, req)
}

type connKey struct{}

type replyHooks struct {
	closeAfter atomic.Bool
}

type replyKey struct{}

func withConnection(ctx context.Context, c *Connection) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// ConnectionFromContext returns the connection serving a handler call.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connKey{}).(*Connection)
	return c, ok
}

// CloseAfterReply asks the connection to close once the response to the
// current request has been written. It reports false outside a handler.
func CloseAfterReply(ctx context.Context) bool {
	hooks, ok := ctx.Value(replyKey{}).(*replyHooks)
	if !ok {
		return false
	}
	hooks.closeAfter.Store(true)
	return true
}
