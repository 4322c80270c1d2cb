package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ipcjson/internal/protocol"
	"github.com/danmuck/ipcjson/internal/protocol/frame"
	"github.com/danmuck/ipcjson/internal/testutil/pipes"
	"github.com/danmuck/ipcjson/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type testRequest struct {
	DataText     string   `json:"dataText"`
	DataTextList []string `json:"dataTextList"`
}

func (testRequest) Command() string { return "testRequest" }

type testResponse struct {
	RequestText  string `json:"requestText"`
	ResponseText string `json:"responseText"`
}

type testEvent struct {
	DataText  string `json:"dataText"`
	DataInt32 int32  `json:"dataInt32"`
}

func (testEvent) EventName() string { return "testEvent" }

func testRegistry() *protocol.Registry {
	reg := protocol.NewRegistry()
	reg.MustRegisterRequest("testRequest", protocol.New[testRequest]()).
		MustRegisterEvent("testEvent", protocol.New[testEvent]())
	return reg
}

func echoMux() *Mux {
	mux := NewMux()
	mux.HandleFunc("testRequest", func(ctx context.Context, req *protocol.Request) (any, error) {
		args := req.Arguments.(*testRequest)
		return testResponse{RequestText: args.DataText, ResponseText: "この文は、テストです。"}, nil
	})
	return mux
}

// connectedPair runs two connections against each other over in-memory pipes.
func connectedPair(t *testing.T, aOpts, bOpts []Option) (*Connection, *Connection) {
	t.Helper()
	ea, eb := pipes.Pair()
	a := NewDuplex(ea, append([]Option{WithName("a"), WithRegistry(testRegistry())}, aOpts...)...)
	b := NewDuplex(eb, append([]Option{WithName("b"), WithRegistry(testRegistry())}, bOpts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// rawPeer drives the far side of a connection frame by frame.
type rawPeer struct {
	t   *testing.T
	end *pipes.End
	r   *frame.Reader
}

func newRawPeer(t *testing.T, opts ...Option) (*Connection, *rawPeer) {
	t.Helper()
	ea, eb := pipes.Pair()
	c := NewDuplex(ea, append([]Option{WithName("local"), WithRegistry(testRegistry())}, opts...)...)
	peer := &rawPeer{t: t, end: eb, r: frame.NewReader(eb, frame.DefaultLimits())}
	t.Cleanup(func() {
		_ = c.Close()
		_ = eb.Close()
	})
	return c, peer
}

func (p *rawPeer) next() protocol.Envelope {
	p.t.Helper()
	fr, err := p.r.ReadFrame()
	require.NoError(p.t, err)
	env, err := protocol.Decode(fr.Body, testRegistry())
	require.NoError(p.t, err)
	return env
}

func (p *rawPeer) send(env protocol.Envelope) {
	p.t.Helper()
	wire, err := protocol.Encode(env)
	require.NoError(p.t, err)
	p.sendRaw(wire)
}

func (p *rawPeer) sendRaw(wire []byte) {
	p.t.Helper()
	_, err := p.end.Write(wire)
	require.NoError(p.t, err)
}

func startLoop(t *testing.T, c *Connection) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		errc <- c.ProcessMessages(context.Background())
	}()
	return errc
}

func TestCallRoundTripUnicode(t *testing.T) {
	testlog.Start(t)
	a, _ := connectedPair(t, nil, []Option{WithHandler(echoMux())})

	var out testResponse
	err := a.Call(context.Background(), testRequest{DataText: "データテキストを要求する 请输入"}, &out)
	require.NoError(t, err)
	require.Equal(t, "データテキストを要求する 请输入", out.RequestText)
	require.Equal(t, "この文は、テストです。", out.ResponseText)
	require.Empty(t, a.Pending())
}

func TestOutOfOrderResponsesMatchBySeq(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)
	startLoop(t, c)

	type outcome struct {
		text string
		err  error
	}
	results := make(map[string]chan outcome)
	for _, text := range []string{"first", "second"} {
		ch := make(chan outcome, 1)
		results[text] = ch
		go func(text string, ch chan outcome) {
			var out testResponse
			err := c.Call(context.Background(), testRequest{DataText: text}, &out)
			ch <- outcome{text: out.ResponseText, err: err}
		}(text, ch)
	}

	reqA := peer.next().(*protocol.Request)
	reqB := peer.next().(*protocol.Request)
	require.NotEqual(t, reqA.Seq, reqB.Seq)

	for _, req := range []*protocol.Request{reqB, reqA} {
		args := req.Arguments.(*testRequest)
		resp, err := protocol.NewResponse(100+req.Seq, req, testResponse{ResponseText: "answer:" + args.DataText})
		require.NoError(t, err)
		peer.send(&resp)
	}

	for text, ch := range results {
		got := <-ch
		require.NoError(t, got.err)
		require.Equal(t, "answer:"+text, got.text)
	}
}

func TestConcurrentSendsProduceWholeFrames(t *testing.T) {
	testlog.Start(t)
	idle, _ := io.Pipe()
	var wire bytes.Buffer
	c := New(idle, &wire, WithName("concurrent"))
	t.Cleanup(func() { _ = c.Close() })

	const n = 64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return c.Emit(ctx, testEvent{DataText: strings.Repeat("請", i+1), DataInt32: int32(i)})
		})
	}
	require.NoError(t, g.Wait())

	r := frame.NewReader(bytes.NewReader(wire.Bytes()), frame.DefaultLimits())
	seen := make(map[int]bool)
	lastSeq := 0
	for {
		fr, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		env, err := protocol.Decode(fr.Body, testRegistry())
		require.NoError(t, err)
		ev := env.(*protocol.Event)
		require.Greater(t, ev.Seq, lastSeq, "seq must increase on the wire")
		lastSeq = ev.Seq
		seen[int(ev.Body.(*testEvent).DataInt32)] = true
	}
	require.Len(t, seen, n)
}

func TestCloseDrainsPendingWaiters(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)
	errc := startLoop(t, c)

	const m = 5
	var wg sync.WaitGroup
	errs := make(chan error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SendRequest(context.Background(), "testRequest", testRequest{DataText: fmt.Sprint(i)})
			errs <- err
		}(i)
	}
	for i := 0; i < m; i++ {
		peer.next()
	}
	require.Eventually(t, func() bool { return len(c.Pending()) == m }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrConnectionDisposed)
	}
	require.NoError(t, <-errc)
	require.Equal(t, StateDisposed, c.State())
	require.Empty(t, c.Pending())
	require.NoError(t, c.Close(), "close must be idempotent")
}

func TestCleanEOFClosesConnection(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)
	errc := startLoop(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "testRequest", testRequest{})
		errCh <- err
	}()
	peer.next()
	require.NoError(t, peer.end.CloseWrite())

	require.ErrorIs(t, <-errCh, ErrConnectionClosed)
	require.NoError(t, <-errc)
	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Err(), ErrConnectionClosed)

	_, err := c.SendRequest(context.Background(), "testRequest", testRequest{})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCorruptFrameFaultsAndReportsError(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)

	var listened error
	var mu sync.Mutex
	c.AddErrorListener(func(err error) {
		mu.Lock()
		listened = err
		mu.Unlock()
	})
	errc := startLoop(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "testRequest", testRequest{})
		errCh <- err
	}()
	peer.next()
	peer.sendRaw([]byte("Content-Length: BAD\r\n\r\n{}"))

	require.ErrorIs(t, <-errc, frame.ErrInvalidHeader)
	require.ErrorIs(t, <-errCh, frame.ErrInvalidHeader)
	require.Equal(t, StateFaulted, c.State())

	pkt, ok := peer.next().(*protocol.ErrorPacket)
	require.True(t, ok, "expected an error packet after the fault")
	require.Contains(t, pkt.Message, "invalid header")

	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, listened, frame.ErrInvalidHeader)
}

func TestRequestTimeoutAndCancellation(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)
	startLoop(t, c)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.SendRequest(ctx, "testRequest", testRequest{})
		errCh <- err
	}()
	late := peer.next().(*protocol.Request)
	err := <-errCh
	require.ErrorIs(t, err, ErrRequestTimedOut)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, c.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := c.SendRequest(ctx, "testRequest", testRequest{})
		errCh <- err
	}()
	peer.next()
	cancel()
	require.ErrorIs(t, <-errCh, ErrRequestCancelled)

	// The late answer is dropped and the connection keeps working.
	resp, err := protocol.NewResponse(50, late, testResponse{ResponseText: "late"})
	require.NoError(t, err)
	peer.send(&resp)

	go func() {
		var out testResponse
		err := c.Call(context.Background(), testRequest{DataText: "after"}, &out)
		if err == nil && out.ResponseText != "fresh" {
			err = fmt.Errorf("unexpected response %q", out.ResponseText)
		}
		errCh <- err
	}()
	req := peer.next().(*protocol.Request)
	resp, err = protocol.NewResponse(51, req, testResponse{ResponseText: "fresh"})
	require.NoError(t, err)
	peer.send(&resp)
	require.NoError(t, <-errCh)
	require.Equal(t, StateRunning, c.State())
}

func TestConfigRequestTimeoutApplies(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	c, peer := newRawPeer(t, WithConfig(cfg))
	startLoop(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "testRequest", testRequest{})
		errCh <- err
	}()
	peer.next()
	require.ErrorIs(t, <-errCh, ErrRequestTimedOut)
}

func TestUnhandledCommandIsRequestScoped(t *testing.T) {
	testlog.Start(t)
	a, b := connectedPair(t, nil, nil)

	received := make(chan *protocol.Event, 1)
	b.AddEventListener(func(ev *protocol.Event) { received <- ev })

	_, err := a.SendRequest(context.Background(), "nobodyHome", map[string]any{"x": 1})
	var failed *FailedRequestError
	require.ErrorAs(t, err, &failed)
	require.Contains(t, failed.Message, "unhandled command")
	require.Equal(t, "nobodyHome", failed.Command)

	require.NoError(t, a.Emit(context.Background(), testEvent{DataText: "still alive", DataInt32: 76}))
	ev := <-received
	require.Equal(t, int32(76), ev.Body.(*testEvent).DataInt32)
	require.Equal(t, StateRunning, b.State())
}

func TestHandlerErrorsAndPanicsBecomeFailedResponses(t *testing.T) {
	testlog.Start(t)
	mux := NewMux()
	mux.HandleFunc("fails", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, errors.New("disk on fire")
	})
	mux.HandleFunc("panics", func(ctx context.Context, req *protocol.Request) (any, error) {
		panic("kaboom")
	})
	mux.HandleFunc("ok", func(ctx context.Context, req *protocol.Request) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})
	a, b := connectedPair(t, nil, []Option{WithHandler(mux)})

	resp, err := a.SendRequest(context.Background(), "fails", nil)
	var failed *FailedRequestError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "disk on fire", failed.Message)
	require.False(t, resp.Success)

	_, err = a.SendRequest(context.Background(), "panics", nil)
	require.ErrorAs(t, err, &failed)
	require.Contains(t, failed.Message, "kaboom")

	resp, err = a.SendRequest(context.Background(), "ok", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(resp.Body))
	require.Equal(t, StateRunning, b.State())
}

func TestEventListenersIsolatedAndOrdered(t *testing.T) {
	testlog.Start(t)
	a, b := connectedPair(t, nil, nil)

	b.AddEventListener(func(ev *protocol.Event) { panic("bad listener") })
	var mu sync.Mutex
	var names []string
	got := make(chan struct{}, 16)
	b.AddEventListener(func(ev *protocol.Event) {
		mu.Lock()
		names = append(names, ev.Body.(*testEvent).DataText)
		mu.Unlock()
		got <- struct{}{}
	})
	removedCalls := 0
	unsubscribe := b.AddEventListener(func(ev *protocol.Event) { removedCalls++ })
	unsubscribe()
	unsubscribe()

	want := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, name := range want {
		require.NoError(t, a.Emit(context.Background(), testEvent{DataText: name}))
	}
	for range want {
		<-got
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, names)
	require.Zero(t, removedCalls)
}

func TestUnregisteredEventIsGeneric(t *testing.T) {
	testlog.Start(t)
	a, b := connectedPair(t, nil, nil)
	received := make(chan *protocol.Event, 1)
	b.AddEventListener(func(ev *protocol.Event) { received <- ev })

	require.NoError(t, a.SendEvent(context.Background(), "custom", map[string]any{"path": "C:\\ü\\文件.py"}))
	ev := <-received
	generic, ok := ev.Body.(*protocol.GenericEvent)
	require.True(t, ok)
	require.Equal(t, "C:\\ü\\文件.py", generic.Body["path"])
}

func TestCloseAfterReplyDisconnects(t *testing.T) {
	testlog.Start(t)
	mux := NewMux()
	mux.HandleFunc("disconnect", func(ctx context.Context, req *protocol.Request) (any, error) {
		_, ok := ConnectionFromContext(ctx)
		if !ok {
			return nil, errors.New("missing connection")
		}
		CloseAfterReply(ctx)
		return nil, nil
	})
	a, b := connectedPair(t, nil, []Option{WithHandler(mux)})

	_, err := a.SendRequest(context.Background(), "disconnect", nil)
	require.NoError(t, err)

	<-b.Done()
	<-a.Done()
	require.Equal(t, StateDisposed, b.State())
	require.Equal(t, StateClosed, a.State())
	require.False(t, CloseAfterReply(context.Background()))
}

func TestErrorPacketNotifiesListeners(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t)
	got := make(chan error, 1)
	c.AddErrorListener(func(err error) { got <- err })
	startLoop(t, c)

	peer.send(&protocol.ErrorPacket{Seq: 9, Message: "Failed to parse packet"})
	var remote *RemoteError
	require.ErrorAs(t, <-got, &remote)
	require.Equal(t, "Failed to parse packet", remote.Message)
	require.Equal(t, StateRunning, c.State())
}

func TestInvalidPayloadAnsweredWithFailure(t *testing.T) {
	testlog.Start(t)
	c, peer := newRawPeer(t, WithHandler(echoMux()))
	startLoop(t, c)

	peer.sendRaw(frame.AppendFrame(nil, []byte(`{"type":"request","seq":7,"command":"testRequest","arguments":{"dataText":5}}`)))
	resp := peer.next().(*protocol.Response)
	require.Equal(t, 7, resp.RequestSeq)
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "invalid payload")
	require.Equal(t, StateRunning, c.State())
}

func TestLifecycleGuards(t *testing.T) {
	testlog.Start(t)
	c, _ := newRawPeer(t)
	require.Equal(t, StateCreated, c.State())
	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Wait(), ErrConnectionDisposed)
	require.ErrorIs(t, c.SendEvent(context.Background(), "x", nil), ErrConnectionDisposed)
	_, err := c.SendRequest(context.Background(), "testRequest", nil)
	require.ErrorIs(t, err, ErrConnectionDisposed)
	_, err = c.SendRequest(context.Background(), " ", nil)
	require.ErrorIs(t, err, ErrCommandRequired)
	require.ErrorIs(t, c.ProcessMessages(context.Background()), ErrConnectionDisposed)
}

func TestContextCancelStopsLoop(t *testing.T) {
	testlog.Start(t)
	c, _ := newRawPeer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.ProcessMessages(ctx) }()
	cancel()
	require.NoError(t, <-errc)
	require.Equal(t, StateDisposed, c.State())
}

func TestWireLogRecordsTraffic(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConnectionLogDir = dir
	a, _ := connectedPair(t, []Option{WithConfig(cfg)}, []Option{WithHandler(echoMux())})

	require.NoError(t, a.Call(context.Background(), testRequest{DataText: "logged 日本語"}, nil))
	require.NoError(t, a.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "ipcjson_a_"))
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), "logged")
	require.Contains(t, string(data), "send")
	require.Contains(t, string(data), "recv")
}

func TestMuxCommands(t *testing.T) {
	mux := echoMux()
	mux.HandleFunc("ping", func(ctx context.Context, req *protocol.Request) (any, error) { return nil, nil })
	require.Equal(t, []string{"ping", "testRequest"}, mux.Commands())
	require.Panics(t, func() { mux.HandleFunc("", nil) })

	_, err := mux.ServeRequest(context.Background(), &protocol.Request{Command: "nope"})
	require.ErrorIs(t, err, ErrUnhandledCommand)
}

func TestRequestsDispatchedInReceiveOrder(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var order []int
	mux := NewMux()
	mux.HandleFunc("testRequest", func(ctx context.Context, req *protocol.Request) (any, error) {
		mu.Lock()
		order = append(order, req.Seq)
		mu.Unlock()
		return nil, nil
	})
	c, peer := newRawPeer(t, WithHandler(mux))
	startLoop(t, c)

	const n = 500
	var wire []byte
	for i := 1; i <= n; i++ {
		body := fmt.Sprintf(`{"type":"request","seq":%d,"command":"testRequest","arguments":{"dataText":"%d"}}`, i, i)
		wire = frame.AppendFrame(wire, []byte(body))
	}
	go func() { _, _ = peer.end.Write(wire) }()

	for i := 1; i <= n; i++ {
		resp := peer.next().(*protocol.Response)
		require.Equal(t, i, resp.RequestSeq)
		require.True(t, resp.Success)
	}
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, order)
}

func TestEndOfStreamAnswersQueuedRequests(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	mux := NewMux()
	mux.HandleFunc("testRequest", func(ctx context.Context, req *protocol.Request) (any, error) {
		<-release
		return testResponse{RequestText: req.Arguments.(*testRequest).DataText}, nil
	})
	c, peer := newRawPeer(t, WithHandler(mux))
	errc := startLoop(t, c)

	peer.send(&protocol.Request{Seq: 1, Command: "testRequest", Arguments: &testRequest{DataText: "one"}})
	peer.send(&protocol.Request{Seq: 2, Command: "testRequest", Arguments: &testRequest{DataText: "two"}})
	require.NoError(t, peer.end.CloseWrite())
	close(release)

	for _, text := range []string{"one", "two"} {
		resp := peer.next().(*protocol.Response)
		require.True(t, resp.Success)
		var out testResponse
		require.NoError(t, resp.DecodeBody(&out))
		require.Equal(t, text, out.RequestText)
	}
	require.NoError(t, <-errc)
	require.Equal(t, StateClosed, c.State())
}

func TestSendGivesUpOnBlockedWriter(t *testing.T) {
	testlog.Start(t)
	idle, _ := io.Pipe()
	_, stuck := io.Pipe()
	c := New(idle, stuck, WithName("stuck"))
	t.Cleanup(func() { _ = c.Close() })

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := c.SendRequest(ctx, "testRequest", testRequest{DataText: "never read"})
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrRequestTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatalf("send still blocked after its deadline")
	}
	require.Equal(t, StateFaulted, c.State())
	require.Empty(t, c.Pending())
	require.Error(t, c.SendEvent(context.Background(), "after", nil))
}
