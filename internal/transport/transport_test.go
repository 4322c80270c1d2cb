package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/ipcjson/internal/protocol/frame"
	"github.com/danmuck/ipcjson/internal/testutil/testlog"
	"github.com/danmuck/ipcjson/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     350 * time.Millisecond,
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestValidateClientProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}

	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestValidateClientMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateServerProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	cfg.TLS.Mutual = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
}

func TestDialRetriesWithBackoff(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}
	d := NewDialer(cfg)

	var attempts atomic.Int32
	server, client := net.Pipe()
	defer server.Close()
	d.dial = func(ctx context.Context) (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return client, nil
	}
	conn, err := d.Dial(context.Background(), "127.0.0.1:1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}

	attempts.Store(-100)
	if _, err := d.Dial(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatalf("expected dial to give up after max attempts")
	}
	if _, err := d.Dial(context.Background(), " "); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestListenAndDialPlainTCP(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen("127.0.0.1:0", DefaultConfig())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go echoOnce(ln)

	conn, err := NewDialer(DefaultConfig()).Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	assertEchoFrame(t, conn)
}

func TestListenAndDialMutualTLS(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.NewPKI(t)
	server := pki.Server(t, "server")
	client := pki.Client(t, "worker-7")

	serverCfg := DefaultConfig()
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: server.CertFile, KeyFile: server.KeyFile, CAFile: pki.CAFile}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	identity := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			identity <- "accept: " + err.Error()
			return
		}
		defer conn.Close()
		id, err := PeerIdentity(conn)
		if err != nil {
			identity <- "identity: " + err.Error()
			return
		}
		identity <- id
		_, _ = io.Copy(conn, conn)
	}()

	clientCfg := DefaultConfig()
	clientCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: client.CertFile, KeyFile: client.KeyFile, CAFile: pki.CAFile}
	conn, err := NewDialer(clientCfg).Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	assertEchoFrame(t, conn)
	if got := <-identity; got != "worker-7" {
		t.Fatalf("unexpected peer identity: %q", got)
	}
}

func TestWebSocketStreamCarriesFrames(t *testing.T) {
	testlog.Start(t)
	acceptor := NewWebSocketAcceptor(nil, 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := acceptor.Accept(w, r)
		if err != nil {
			return
		}
		defer stream.Close()
		fr, err := frame.ReadFrame(stream, frame.DefaultLimits())
		if err != nil {
			return
		}
		_ = frame.WriteFrame(stream, fr.Body)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultWebSocketPath
	stream, err := NewDialer(DefaultConfig()).DialWebSocket(context.Background(), url)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer stream.Close()

	// Split one frame over two messages.
	wire := frame.AppendFrame(nil, []byte(`{"type":"event","seq":1,"event":"e","body":{"text":"ünïcödé 请输入"}}`))
	if _, err := stream.Write(wire[:10]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := stream.Write(wire[10:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr, err := frame.ReadFrame(stream, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read echoed frame: %v", err)
	}
	if !strings.Contains(string(fr.Body), "请输入") {
		t.Fatalf("unexpected body: %s", fr.Body)
	}
	if _, err := stream.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after server close, got %v", err)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ide.example"})
	req := httptest.NewRequest(http.MethodGet, "/ipc", nil)
	if !check(req) {
		t.Fatalf("requests without Origin must pass")
	}
	req.Header.Set("Origin", "https://IDE.example")
	if !check(req) {
		t.Fatalf("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatalf("foreign origin accepted")
	}
}

func TestStdioStreamJoinsHalves(t *testing.T) {
	in := strings.NewReader("abc")
	var out strings.Builder
	s := NewStdioStream(in, &out)
	buf := make([]byte, 3)
	if _, err := io.ReadFull(s, buf); err != nil || string(buf) != "abc" {
		t.Fatalf("read: %q %v", buf, err)
	}
	if _, err := s.Write([]byte("xyz")); err != nil || out.String() != "xyz" {
		t.Fatalf("write: %q %v", out.String(), err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func echoOnce(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

func assertEchoFrame(t *testing.T, conn net.Conn) {
	t.Helper()
	body := []byte(`{"type":"request","seq":1,"command":"ping","arguments":{}}`)
	if err := frame.WriteFrame(conn, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	fr, err := frame.ReadFrame(bufio.NewReader(conn), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(fr.Body) != string(body) {
		t.Fatalf("echo mismatch: %s", fr.Body)
	}
}
