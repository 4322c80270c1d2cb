package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/ipcjson/internal/logging"
)

var ErrAddressRequired = errors.New("transport: address required")

// Dialer opens client streams with retry and backoff.
type Dialer struct {
	cfg  Config
	rng  *rand.Rand
	dial func(ctx context.Context) (net.Conn, error)
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{
		cfg: cfg.WithDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dial connects to a TCP (optionally TLS) endpoint, retrying failed attempts
// with backoff until Backoff.MaxAttempts or ctx ends.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	if err := d.cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return retry(ctx, d.cfg.Backoff, d.rng, addr, func(ctx context.Context) (net.Conn, error) {
		if d.dial != nil {
			return d.dial(ctx)
		}
		return d.dialOnce(ctx, addr)
	})
}

func (d *Dialer) dialOnce(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !d.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := d.cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func retry[T any](
	ctx context.Context,
	cfg BackoffConfig,
	rng *rand.Rand,
	target string,
	attemptFn func(ctx context.Context) (T, error),
) (T, error) {
	log := logging.Named("transport")
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := attemptFn(ctx)
		if err == nil {
			return out, nil
		}
		log.Warn().Int("attempt", attempt).Str("addr", target).Err(err).Msg("dial failed")
		if ctx.Err() != nil || !shouldRetry(cfg, attempt) {
			return zero, err
		}
		if err := sleepContext(ctx, NextBackoffDelay(cfg, attempt, rng)); err != nil {
			return zero, err
		}
	}
}

// Listen opens a TCP listener, wrapped in TLS when enabled.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// PeerIdentity returns the verified client certificate identity of a TLS
// stream using CN, then URI, then DNS SAN. Plain streams return "".
func PeerIdentity(conn net.Conn) (string, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", nil
	}
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", nil
	}
	cert := state.PeerCertificates[0]
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v, nil
	}
	if len(cert.URIs) > 0 {
		return strings.TrimSpace(cert.URIs[0].String()), nil
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0]), nil
	}
	return "", nil
}
