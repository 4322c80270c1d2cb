package service

import (
	"context"
	"os"
	"time"

	"github.com/danmuck/ipcjson/internal/protocol"
	"github.com/danmuck/ipcjson/internal/protocol/session"
)

const (
	CommandEcho       = "echo"
	CommandPing       = "ping"
	CommandDisconnect = "disconnect"
	EventConnected    = "connected"
)

// ConnectedEvent is emitted to every peer right after it is accepted.
type ConnectedEvent struct {
	ConnectionID string   `json:"connectionId"`
	Server       string   `json:"server"`
	ProcessID    int      `json:"processId"`
	Commands     []string `json:"commands"`
}

func (ConnectedEvent) EventName() string { return EventConnected }

type PingRequest struct {
	Payload string `json:"payload,omitempty"`
}

func (PingRequest) Command() string { return CommandPing }

type PingResponse struct {
	Server     string `json:"server"`
	Payload    string `json:"payload,omitempty"`
	ServerTime string `json:"serverTime"`
}

type DisconnectRequest struct{}

func (DisconnectRequest) Command() string { return CommandDisconnect }

// Registry returns the payload types understood by the built-in commands.
func Registry() *protocol.Registry {
	reg := protocol.NewRegistry()
	reg.MustRegisterRequest(CommandPing, protocol.New[PingRequest]()).
		MustRegisterRequest(CommandDisconnect, protocol.New[DisconnectRequest]()).
		MustRegisterEvent(EventConnected, protocol.New[ConnectedEvent]())
	return reg
}

// BuiltinMux answers echo, ping and disconnect.
func BuiltinMux(server string) *session.Mux {
	mux := session.NewMux()
	mux.HandleFunc(CommandEcho, func(ctx context.Context, req *protocol.Request) (any, error) {
		return req.Arguments, nil
	})
	mux.HandleFunc(CommandPing, func(ctx context.Context, req *protocol.Request) (any, error) {
		resp := PingResponse{Server: server, ServerTime: time.Now().UTC().Format(time.RFC3339Nano)}
		if args, ok := req.Arguments.(*PingRequest); ok {
			resp.Payload = args.Payload
		}
		return resp, nil
	})
	mux.HandleFunc(CommandDisconnect, func(ctx context.Context, req *protocol.Request) (any, error) {
		session.CloseAfterReply(ctx)
		return nil, nil
	})
	return mux
}

func connectedEvent(server string, conn *session.Connection, mux *session.Mux) ConnectedEvent {
	ev := ConnectedEvent{
		ConnectionID: conn.ID(),
		Server:       server,
		ProcessID:    os.Getpid(),
	}
	if mux != nil {
		ev.Commands = mux.Commands()
	}
	return ev
}
