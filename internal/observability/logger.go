package observability

import (
	"github.com/danmuck/ipcjson/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger configures process logging for a binary and returns its app logger.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return logging.Named(app).With().Str("app", app).Logger()
}
