package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ipcjson/internal/protocol/session"
	"github.com/danmuck/ipcjson/internal/transport"
	"gopkg.in/yaml.v3"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

var (
	ErrUnknownKeys      = errors.New("config: unknown keys")
	ErrInvalidValue     = errors.New("config: invalid value")
	ErrUnsupportedFile  = errors.New("config: unsupported file extension")
	ErrListenAddrNeeded = errors.New("config: listen_addr required")
)

// Config is the resolved runtime configuration for ipcjsonctl.
type Config struct {
	Name           string
	ListenAddr     string
	Transport      string
	WebSocketPath  string
	AllowedOrigins []string
	MetricsAddr    string
	// AuthToken gates the HTTP surface when non-empty.
	AuthToken      string
	LogLevel       string
	Session        session.Config
	Net            transport.Config
}

func DefaultConfig() Config {
	sess := session.DefaultConfig()
	sess.RequestTimeout = 30 * time.Second
	return Config{
		Name:          "ipcjson",
		ListenAddr:    "127.0.0.1:9470",
		Transport:     TransportTCP,
		WebSocketPath: transport.DefaultWebSocketPath,
		LogLevel:      "info",
		Session:       sess,
		Net:           transport.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrNeeded
	}
	switch c.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("%w: transport %q (expected tcp or websocket)", ErrInvalidValue, c.Transport)
	}
	if c.Transport == TransportWebSocket && !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("%w: websocket_path %q must start with /", ErrInvalidValue, c.WebSocketPath)
	}
	if c.Session.Limits.MaxBodyBytes < 0 {
		return fmt.Errorf("%w: max_body_bytes %d", ErrInvalidValue, c.Session.Limits.MaxBodyBytes)
	}
	return nil
}

// fileConfig is the on-disk shape shared by TOML and YAML. Pointer fields
// distinguish an absent key from a zero value.
type fileConfig struct {
	Name             *string   `toml:"name" yaml:"name"`
	ListenAddr       *string   `toml:"listen_addr" yaml:"listen_addr"`
	Transport        *string   `toml:"transport" yaml:"transport"`
	WebSocketPath    *string   `toml:"websocket_path" yaml:"websocket_path"`
	AllowedOrigins   []string  `toml:"allowed_origins" yaml:"allowed_origins"`
	MetricsAddr      *string   `toml:"metrics_addr" yaml:"metrics_addr"`
	AuthToken        *string   `toml:"auth_token" yaml:"auth_token"`
	SecurityMode     *string   `toml:"security_mode" yaml:"security_mode"`
	RequestTimeout   *string   `toml:"request_timeout" yaml:"request_timeout"`
	WriteTimeout     *string   `toml:"write_timeout" yaml:"write_timeout"`
	ConnectTimeout   *string   `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout *string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	MaxBodyBytes     *int      `toml:"max_body_bytes" yaml:"max_body_bytes"`
	TLS              *tlsFile  `toml:"tls" yaml:"tls"`
	Backoff          *backFile `toml:"backoff" yaml:"backoff"`
	Log              *logFile  `toml:"log" yaml:"log"`
}

type tlsFile struct {
	Enabled            *bool   `toml:"enabled" yaml:"enabled"`
	Mutual             *bool   `toml:"mutual" yaml:"mutual"`
	CertFile           *string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            *string `toml:"key_file" yaml:"key_file"`
	CAFile             *string `toml:"ca_file" yaml:"ca_file"`
	ServerName         *string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify *bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type backFile struct {
	InitialDelay *string  `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   *float64 `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     *string  `toml:"max_delay" yaml:"max_delay"`
	Jitter       *bool    `toml:"jitter" yaml:"jitter"`
	MaxAttempts  *int     `toml:"max_attempts" yaml:"max_attempts"`
}

type logFile struct {
	Level         *string `toml:"level" yaml:"level"`
	ConnectionDir *string `toml:"connection_dir" yaml:"connection_dir"`
}

// Load reads a .toml, .yaml or .yml file and overlays it on DefaultConfig.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", "":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
}

func ParseTOML(data []byte) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
	}
	return raw.resolve()
}

func ParseYAML(data []byte) (Config, error) {
	var raw fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("%w: %v", ErrUnknownKeys, err)
		}
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	return raw.resolve()
}

func (raw fileConfig) resolve() (Config, error) {
	cfg := DefaultConfig()
	setString(&cfg.Name, raw.Name)
	setString(&cfg.ListenAddr, raw.ListenAddr)
	if raw.Transport != nil {
		cfg.Transport = strings.ToLower(strings.TrimSpace(*raw.Transport))
	}
	setString(&cfg.WebSocketPath, raw.WebSocketPath)
	if raw.AllowedOrigins != nil {
		cfg.AllowedOrigins = raw.AllowedOrigins
	}
	setString(&cfg.MetricsAddr, raw.MetricsAddr)
	setString(&cfg.AuthToken, raw.AuthToken)
	if raw.SecurityMode != nil {
		cfg.Net.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(*raw.SecurityMode))
	}

	durations := []durationField{
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Net.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Net.HandshakeTimeout},
	}
	if b := raw.Backoff; b != nil {
		durations = append(durations,
			durationField{"backoff.initial_delay", b.InitialDelay, &cfg.Net.Backoff.InitialDelay},
			durationField{"backoff.max_delay", b.MaxDelay, &cfg.Net.Backoff.MaxDelay},
		)
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, d.key, err)
		}
		*d.dst = v
	}

	if raw.MaxBodyBytes != nil {
		cfg.Session.Limits.MaxBodyBytes = *raw.MaxBodyBytes
	}
	if t := raw.TLS; t != nil {
		setBool(&cfg.Net.TLS.Enabled, t.Enabled)
		setBool(&cfg.Net.TLS.Mutual, t.Mutual)
		setString(&cfg.Net.TLS.CertFile, t.CertFile)
		setString(&cfg.Net.TLS.KeyFile, t.KeyFile)
		setString(&cfg.Net.TLS.CAFile, t.CAFile)
		setString(&cfg.Net.TLS.ServerName, t.ServerName)
		setBool(&cfg.Net.TLS.InsecureSkipVerify, t.InsecureSkipVerify)
	}
	if b := raw.Backoff; b != nil {
		if b.Multiplier != nil {
			cfg.Net.Backoff.Multiplier = *b.Multiplier
		}
		setBool(&cfg.Net.Backoff.Jitter, b.Jitter)
		if b.MaxAttempts != nil {
			cfg.Net.Backoff.MaxAttempts = *b.MaxAttempts
		}
	}
	if l := raw.Log; l != nil {
		setString(&cfg.LogLevel, l.Level)
		setString(&cfg.Session.ConnectionLogDir, l.ConnectionDir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type durationField struct {
	key string
	src *string
	dst *time.Duration
}

// parseDuration accepts Go duration strings; "0" disables the timeout.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
