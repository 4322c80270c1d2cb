package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWebSocketPath is where the serve command mounts the stream endpoint.
const DefaultWebSocketPath = "/ipc"

// WebSocketStream adapts a websocket connection to a byte stream. Each Write
// goes out as one text message; Read drains messages in arrival order, so
// frames may span or share messages.
type WebSocketStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *WebSocketStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close sends a normal closure message and closes the socket.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *WebSocketStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// WebSocketAcceptor upgrades HTTP requests into streams.
type WebSocketAcceptor struct {
	upgrader websocket.Upgrader
	maxBytes int64
}

// NewWebSocketAcceptor accepts any origin when allowedOrigins is empty or
// contains "*".
func NewWebSocketAcceptor(allowedOrigins []string, maxMessageBytes int64) *WebSocketAcceptor {
	return &WebSocketAcceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		maxBytes: maxMessageBytes,
	}
}

func (a *WebSocketAcceptor) Accept(w http.ResponseWriter, r *http.Request) (*WebSocketStream, error) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if a.maxBytes > 0 {
		conn.SetReadLimit(a.maxBytes)
	}
	return NewWebSocketStream(conn), nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

// DialWebSocket opens a ws:// or wss:// stream with the same retry policy as
// Dialer.Dial.
func (d *Dialer) DialWebSocket(ctx context.Context, rawURL string) (*WebSocketStream, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrAddressRequired
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.ValidateClient(); err != nil {
		return nil, err
	}
	wsDialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if u.Scheme == "wss" {
		host := u.Host
		if u.Port() == "" {
			host += ":443"
		}
		tlsCfg, err := d.cfg.ClientTLSConfig(host)
		if err != nil {
			return nil, err
		}
		wsDialer.TLSClientConfig = tlsCfg
	}
	rng := d.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return retry(ctx, d.cfg.Backoff, rng, rawURL, func(ctx context.Context) (*WebSocketStream, error) {
		conn, resp, err := wsDialer.DialContext(ctx, rawURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return NewWebSocketStream(conn), nil
	})
}
