package session

import (
	"time"

	"github.com/danmuck/ipcjson/internal/protocol/frame"
)

// Config defines per-connection limits and timeouts.
type Config struct {
	// RequestTimeout bounds SendRequest when the caller's ctx has no deadline.
	// Zero waits until the response arrives or the connection terminates.
	RequestTimeout time.Duration
	// WriteTimeout bounds writes that have no caller ctx: responses to peer
	// requests and error packets.
	WriteTimeout time.Duration
	Limits       frame.Limits
	// ConnectionLogDir enables the per-connection wire log when non-empty.
	ConnectionLogDir string
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 0,
		WriteTimeout:   15 * time.Second,
		Limits:         frame.DefaultLimits(),
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout < 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Limits.MaxHeaderBytes <= 0 {
		c.Limits.MaxHeaderBytes = def.Limits.MaxHeaderBytes
	}
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits.MaxBodyBytes = def.Limits.MaxBodyBytes
	}
	return c
}
