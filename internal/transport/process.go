package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ipcjson/internal/logging"
	"github.com/rs/zerolog"
)

var ErrProcessPathRequired = errors.New("transport: process path required")

const defaultStopTimeout = 5 * time.Second

// ProcessConfig describes a worker launched with its stdin and stdout as the
// stream.
type ProcessConfig struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
	// StopTimeout bounds how long Close waits after closing stdin before
	// killing the worker.
	StopTimeout time.Duration
}

// ProcessStream reads the worker's stdout and writes its stdin. Worker
// stderr is forwarded to the log line by line.
type ProcessStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	stop    time.Duration
	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessStream, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrProcessPathRequired
	}
	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	log := logging.Named("worker").With().Str("path", cfg.Path).Logger()
	cmd.Stderr = &stderrLog{log: log}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// A plain pipe keeps cmd.Wait from closing the read side under a
	// pending Read; the reader sees io.EOF once the worker exits.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = childOut
	err = cmd.Start()
	_ = childOut.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("worker started")

	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = defaultStopTimeout
	}
	p := &ProcessStream{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
		log.Debug().Int("exit_code", int(p.ExitCode())).Msg("worker exited")
	}()
	return p, nil
}

func (p *ProcessStream) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *ProcessStream) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Done is closed once the worker has exited.
func (p *ProcessStream) Done() <-chan struct{} { return p.done }

func (p *ProcessStream) Pid() int { return p.cmd.Process.Pid }

// ExitCode is -1 while the worker runs.
func (p *ProcessStream) ExitCode() int32 {
	select {
	case <-p.done:
	default:
		return -1
	}
	return exitCode(p.waitErr)
}

// Close closes the worker's stdin, waits up to StopTimeout for it to exit and
// kills it otherwise. A non-zero exit is reported by ExitCode, not Close.
func (p *ProcessStream) Close() error {
	p.closeOnce.Do(func() {
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = err
		}
		timer := time.NewTimer(p.stop)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		_ = p.stdout.Close()
		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) && p.closeErr == nil {
			p.closeErr = p.waitErr
		}
	})
	return p.closeErr
}

func exitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

type stderrLog struct {
	log     zerolog.Logger
	mu      sync.Mutex
	partial []byte
}

func (w *stderrLog) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		if line != "" {
			w.log.Info().Str("stream", "stderr").Msg(line)
		}
	}
	return len(b), nil
}
