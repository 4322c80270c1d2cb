package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/danmuck/ipcjson/internal/protocol/frame"
	"github.com/danmuck/ipcjson/internal/testutil/testlog"
)

const helperEnv = "IPCJSON_TRANSPORT_HELPER"

// TestHelperProcess is the worker side of the process tests. It does nothing
// unless started by startHelper.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "echo":
		fmt.Fprintln(os.Stderr, "helper ready")
		_, _ = io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	case "exit3":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func startHelper(t *testing.T, mode string, stop time.Duration) *ProcessStream {
	t.Helper()
	p, err := StartProcess(context.Background(), ProcessConfig{
		Path:        os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$"},
		Env:         []string{helperEnv + "=" + mode},
		StopTimeout: stop,
	})
	if err != nil {
		t.Fatalf("start helper: %v", err)
	}
	return p
}

func TestProcessStreamCarriesFrames(t *testing.T) {
	testlog.Start(t)
	p := startHelper(t, "echo", 0)
	if p.ExitCode() != -1 {
		t.Fatalf("running worker must report -1")
	}

	body := []byte(`{"type":"event","seq":1,"event":"ping","body":{"t":"ünï"}}`)
	if err := frame.WriteFrame(p, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	fr, err := frame.ReadFrame(p, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(fr.Body) != string(body) {
		t.Fatalf("echo mismatch: %s", fr.Body)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if code := p.ExitCode(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestProcessStreamEOFOnExit(t *testing.T) {
	testlog.Start(t)
	p := startHelper(t, "exit3", 0)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("worker did not exit")
	}
	if _, err := frame.ReadFrame(p, frame.DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exit, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if code := p.ExitCode(); code != 3 {
		t.Fatalf("expected exit 3, got %d", code)
	}
}

func TestProcessStreamKillsAfterStopTimeout(t *testing.T) {
	testlog.Start(t)
	p := startHelper(t, "hang", 100*time.Millisecond)
	start := time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("close took %s", elapsed)
	}
	if code := p.ExitCode(); code == 0 {
		t.Fatalf("killed worker must not report success")
	}
}

func TestStartProcessRequiresPath(t *testing.T) {
	if _, err := StartProcess(context.Background(), ProcessConfig{}); !errors.Is(err, ErrProcessPathRequired) {
		t.Fatalf("expected ErrProcessPathRequired, got %v", err)
	}
}
