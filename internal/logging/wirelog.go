package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxWireLogAttempts = 1000

// WireLog records every JSON body a connection sends or receives, one
// zerolog line per message. All methods are no-ops on a nil *WireLog.
type WireLog struct {
	file *os.File
	log  zerolog.Logger
}

// ConnectionLogDir returns the wire log directory from the environment, or "".
func ConnectionLogDir() string {
	return strings.TrimSpace(os.Getenv(EnvConnectionLogDir))
}

// OpenWireLog creates ipcjson_<name>_<pid>_<timestamp>[_n].log in dir without
// clobbering an existing file.
func OpenWireLog(dir string, name string, now time.Time) (*WireLog, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wire log dir %q: %w", dir, err)
	}
	base := filepath.Join(dir, fmt.Sprintf("ipcjson_%s_%d_%s", sanitizeName(name), os.Getpid(), now.Format("20060102150405")))
	path := base + ".log"
	for n := 1; n <= maxWireLogAttempts; n++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return &WireLog{
				file: f,
				log:  zerolog.New(f).With().Timestamp().Logger(),
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("wire log %q: %w", path, err)
		}
		path = fmt.Sprintf("%s_%d.log", base, n)
	}
	return nil, fmt.Errorf("wire log: no free file name for %q", base)
}

func (w *WireLog) Path() string {
	if w == nil {
		return ""
	}
	return w.file.Name()
}

func (w *WireLog) Sent(body []byte) {
	if w == nil {
		return
	}
	w.log.Log().Str("dir", "send").RawJSON("msg", body).Send()
}

func (w *WireLog) Received(body []byte) {
	if w == nil {
		return
	}
	w.log.Log().Str("dir", "recv").RawJSON("msg", body).Send()
}

func (w *WireLog) Error(err error) {
	if w == nil || err == nil {
		return
	}
	w.log.Log().Str("dir", "error").Err(err).Send()
}

func (w *WireLog) Close() error {
	if w == nil {
		return nil
	}
	return w.file.Close()
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "conn"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
