package testlog

import (
	"testing"

	"github.com/danmuck/ipcjson/internal/logging"
)

// Start configures test logging and marks the beginning of t in the log.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	l := logging.Named("test")
	l.Debug().Str("test", t.Name()).Msg("start")
}
