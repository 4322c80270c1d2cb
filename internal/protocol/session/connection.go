package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ipcjson/internal/logging"
	"github.com/danmuck/ipcjson/internal/observability"
	"github.com/danmuck/ipcjson/internal/protocol"
	"github.com/danmuck/ipcjson/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateClosed
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further traffic is possible.
func (s State) Terminal() bool {
	return s >= StateClosed
}

type Option func(*Connection)

func WithHandler(h Handler) Option {
	return func(c *Connection) { c.handler = h }
}

// WithRegistry sets the payload types used to decode requests and events.
// The registry is frozen when the connection is built.
func WithRegistry(reg *protocol.Registry) Option {
	return func(c *Connection) { c.registry = reg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

func WithConfig(cfg Config) Option {
	return func(c *Connection) { c.cfg = cfg }
}

// WithCloser replaces the streams closed on termination. By default the
// reader and writer are closed when they implement io.Closer.
func WithCloser(closers ...io.Closer) Option {
	return func(c *Connection) {
		c.closers = closers
		c.closersSet = true
	}
}

// WithName labels logs, metrics and the wire log file. Defaults to a short id.
func WithName(name string) Option {
	return func(c *Connection) { c.name = strings.TrimSpace(name) }
}

// Connection is one ipcjson peer link over a receive stream and a send stream.
type Connection struct {
	id   string
	name string
	cfg  Config
	log  zerolog.Logger
	wire *logging.WireLog

	reader     *frame.Reader
	writer     io.Writer
	closers    []io.Closer
	closersSet bool
	handler    Handler
	registry   *protocol.Registry

	seq      atomic.Int64
	writeMu  chan struct{}
	pending  *pendingTable
	requests *requestQueue
	drained  chan struct{}
	events   listenerSet[EventListener]
	errs     listenerSet[ErrorListener]

	stateMu  sync.Mutex
	state    State
	err      error
	done     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	// ctx scopes handler calls; cancelled on termination.
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

// New builds a connection reading frames from r and writing frames to w.
// r and w may be the same duplex stream.
func New(r io.Reader, w io.Writer, opts ...Option) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		cfg:      DefaultConfig(),
		log:      logging.Named("session"),
		writer:   w,
		writeMu:  make(chan struct{}, 1),
		requests: newRequestQueue(),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.WithDefaults()
	if c.name == "" {
		c.name = c.id[:8]
	}
	if !c.closersSet {
		c.closers = defaultClosers(r, w)
	}
	c.registry.Freeze()
	c.reader = frame.NewReader(r, c.cfg.Limits)
	c.log = c.log.With().Str("conn", c.name).Str("conn_id", c.id).Logger()
	c.pending = newPendingTable(func(n int) {
		observability.SetPendingRequests(c.name, n)
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())

	dir := c.cfg.ConnectionLogDir
	if dir == "" {
		dir = logging.ConnectionLogDir()
	}
	wire, err := logging.OpenWireLog(dir, c.name, time.Now())
	if err != nil {
		c.log.Warn().Err(err).Str("dir", dir).Msg("connection wire log disabled")
	}
	c.wire = wire
	return c
}

// NewDuplex builds a connection over a single read/write stream.
func NewDuplex(rw io.ReadWriter, opts ...Option) *Connection {
	return New(rw, rw, opts...)
}

func (c *Connection) ID() string   { return c.id }
func (c *Connection) Name() string { return c.name }

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Done is closed when the connection reaches a terminal state.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error: ErrConnectionClosed, ErrConnectionDisposed
// or the fault. It is nil while the connection is live.
func (c *Connection) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.err
}

// Pending lists requests awaiting a response, ordered by seq.
func (c *Connection) Pending() []PendingRequest {
	return c.pending.list()
}

// AddEventListener registers fn for every event received and returns a func
// that removes it.
func (c *Connection) AddEventListener(fn EventListener) func() {
	return c.events.add(fn)
}

func (c *Connection) AddErrorListener(fn ErrorListener) func() {
	return c.errs.add(fn)
}

// Start runs the receive loop on its own goroutine.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.markRunning(); err != nil {
		return err
	}
	go func() {
		_ = c.run(ctx)
	}()
	return nil
}

// ProcessMessages runs the receive loop until the stream ends, a frame or
// envelope cannot be decoded, the connection is closed, or ctx is done. It
// returns nil on a clean end of stream or Close and the fault otherwise.
func (c *Connection) ProcessMessages(ctx context.Context) error {
	if err := c.markRunning(); err != nil {
		return err
	}
	return c.run(ctx)
}

// Wait blocks until the receive loop has exited and every in-flight handler
// has returned.
func (c *Connection) Wait() error {
	<-c.loopDone
	c.handlers.Wait()
	return c.Err()
}

// Close disposes the connection: pending requests fail with
// ErrConnectionDisposed and owned streams are closed. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.terminate(StateDisposed, ErrConnectionDisposed)
	return c.closeStreams()
}

// SendRequest sends command to the peer and waits for the matching response.
// A response with success=false is returned together with a
// *FailedRequestError. When ctx ends first the waiter is abandoned and the
// error wraps ErrRequestTimedOut or ErrRequestCancelled.
func (c *Connection) SendRequest(ctx context.Context, command string, args any) (*protocol.Response, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrCommandRequired
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	var w *waiter
	seq, err := c.write(ctx, func(seq int) protocol.Envelope {
		return &protocol.Request{Seq: seq, Command: command, Arguments: args}
	}, func(seq int) error {
		var err error
		w, err = c.pending.add(seq, command, start)
		return err
	}, false)
	if err != nil {
		if w != nil {
			c.pending.remove(seq)
		}
		err = requestError(err)
		c.recordSent(command, start, err)
		return nil, err
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			c.recordSent(command, start, res.err)
			return nil, res.err
		}
		if !res.resp.Success {
			ferr := &FailedRequestError{
				Command:    command,
				RequestSeq: seq,
				Message:    res.resp.Message,
				Body:       res.resp.Body,
			}
			c.recordSent(command, start, ferr)
			return res.resp, ferr
		}
		c.recordSent(command, start, nil)
		return res.resp, nil
	case <-ctx.Done():
		c.pending.remove(seq)
		err := requestError(ctx.Err())
		c.log.Debug().Int("seq", seq).Str("command", command).Err(err).Msg("abandoned pending request")
		c.recordSent(command, start, err)
		return nil, err
	}
}

// Call sends args as a request for args.Command() and decodes the response
// body into result when result is non-nil.
func (c *Connection) Call(ctx context.Context, args protocol.Commander, result any) error {
	resp, err := c.SendRequest(ctx, args.Command(), args)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := resp.DecodeBody(result); err != nil {
		return fmt.Errorf("session: decode %q response: %w", args.Command(), err)
	}
	return nil
}

// SendEvent writes one event frame. No reply is expected.
func (c *Connection) SendEvent(ctx context.Context, name string, body any) error {
	_, err := c.write(ctx, func(seq int) protocol.Envelope {
		return &protocol.Event{Seq: seq, Name: name, Body: body}
	}, nil, false)
	return err
}

func (c *Connection) Emit(ctx context.Context, ev protocol.EventNamer) error {
	return c.SendEvent(ctx, ev.EventName(), ev)
}

func (c *Connection) markRunning() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch c.state {
	case StateCreated:
		c.state = StateRunning
		return nil
	case StateRunning:
		return ErrAlreadyStarted
	default:
		return c.err
	}
}

func (c *Connection) run(ctx context.Context) error {
	defer close(c.loopDone)
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	c.handlers.Add(1)
	go c.dispatchRequests()

	c.log.Debug().Msg("receive loop started")
	for {
		fr, err := c.reader.ReadFrame()
		if err != nil {
			return c.readFailed(err)
		}
		if err := c.dispatch(fr.Body); err != nil {
			return c.fault(err)
		}
	}
}

func (c *Connection) readFailed(err error) error {
	if c.State().Terminal() {
		// Close released the stream under the blocked read.
		return nil
	}
	if err == io.EOF {
		c.drainRequests()
		if !c.terminate(StateClosed, ErrConnectionClosed) && c.State() == StateFaulted {
			return c.Err()
		}
		_ = c.closeStreams()
		return nil
	}
	return c.fault(err)
}

// fault terminates the connection and reports err to the peer in an error
// packet before the streams are closed.
func (c *Connection) fault(err error) error {
	if !c.terminate(StateFaulted, err) {
		return nil
	}
	c.wire.Error(err)
	c.notifyErrors(err)
	go c.reportFault(err)
	return err
}

func (c *Connection) reportFault(cause error) {
	defer func() {
		_ = c.closeStreams()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	_, err := c.write(ctx, func(seq int) protocol.Envelope {
		return &protocol.ErrorPacket{Seq: seq, Message: cause.Error()}
	}, nil, true)
	if err != nil {
		c.log.Debug().Err(err).Msg("error packet not delivered")
	}
}

// terminate moves to a terminal state once, failing every pending waiter.
func (c *Connection) terminate(state State, err error) bool {
	c.stateMu.Lock()
	if c.state.Terminal() {
		c.stateMu.Unlock()
		return false
	}
	prev := c.state
	c.state = state
	c.err = err
	c.stateMu.Unlock()

	c.cancel()
	drained := c.pending.failAll(err)
	close(c.done)
	if prev == StateCreated {
		close(c.loopDone)
	}

	observability.RecordConnectionTerminated(c.name, state.String())
	event := c.log.Info()
	if state == StateFaulted {
		event = c.log.Warn()
	}
	event.Str("state", state.String()).Int("drained", drained).AnErr("cause", err).Msg("connection terminated")
	return true
}

func (c *Connection) closeStreams() error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && !alreadyClosed(err) {
				errs = append(errs, err)
			}
		}
		if err := c.wire.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Connection) dispatch(body []byte) error {
	c.wire.Received(body)
	env, err := protocol.Decode(body, c.registry)
	if env == nil {
		return err
	}
	if err != nil && !errors.Is(err, protocol.ErrInvalidPayload) {
		return err
	}
	observability.RecordFrameRead(c.name, string(env.PacketType()), len(body))

	switch m := env.(type) {
	case *protocol.Response:
		if !c.pending.resolve(m) {
			c.log.Debug().Int("request_seq", m.RequestSeq).Str("command", m.Command).Msg("dropping unmatched response")
		}
	case *protocol.Request:
		if !c.requests.push(queuedRequest{req: m, payloadErr: err}) {
			c.log.Debug().Int("seq", m.Seq).Str("command", m.Command).Msg("dropping request after end of stream")
		}
	case *protocol.Event:
		if err != nil {
			c.log.Warn().Err(err).Str("event", m.Name).Msg("dropping event with undecodable body")
			return nil
		}
		c.handleEvent(m)
	case *protocol.ErrorPacket:
		rerr := &RemoteError{Seq: m.Seq, Message: m.Message}
		c.log.Warn().Int("seq", m.Seq).Str("message", m.Message).Msg("peer reported error")
		c.notifyErrors(rerr)
	}
	return nil
}

func (c *Connection) serveRequest(req *protocol.Request, payloadErr error) {
	hooks := &replyHooks{}
	ctx := context.WithValue(withConnection(c.ctx, c), replyKey{}, hooks)
	result, err := c.invoke(ctx, req, payloadErr)
	c.reply(req, result, err)
	if hooks.closeAfter.Load() {
		_ = c.Close()
	}
}

func (c *Connection) invoke(ctx context.Context, req *protocol.Request, payloadErr error) (result any, err error) {
	if payloadErr != nil {
		return nil, payloadErr
	}
	if c.handler == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledCommand, req.Command)
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("command", req.Command).
				Int("seq", req.Seq).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("request handler panicked")
			result = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.handler.ServeRequest(ctx, req)
}

func (c *Connection) reply(req *protocol.Request, result any, herr error) {
	outcome := observability.OutcomeSuccess
	if herr != nil {
		outcome = observability.OutcomeFailed
		c.log.Debug().Str("command", req.Command).Int("seq", req.Seq).Err(herr).Msg("request failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	_, err := c.write(ctx, func(seq int) protocol.Envelope {
		if herr != nil {
			resp := protocol.NewFailedResponse(seq, req, herr.Error())
			return &resp
		}
		resp, err := protocol.NewResponse(seq, req, result)
		if err != nil {
			outcome = observability.OutcomeFailed
			resp = protocol.NewFailedResponse(seq, req, err.Error())
		}
		return &resp
	}, nil, false)
	if err != nil {
		outcome = observability.OutcomeError
		c.log.Debug().Str("command", req.Command).Int("request_seq", req.Seq).Err(err).Msg("response not delivered")
	}
	observability.RecordRequestHandled(c.name, req.Command, outcome)
}

func (c *Connection) handleEvent(ev *protocol.Event) {
	for _, fn := range c.events.snapshot() {
		c.safeCall("event listener", ev.Name, func() { fn(ev) })
	}
}

func (c *Connection) notifyErrors(err error) {
	for _, fn := range c.errs.snapshot() {
		c.safeCall("error listener", "", func() { fn(err) })
	}
}

func (c *Connection) safeCall(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("listener", kind).
				Str("event", name).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	fn()
}

// write assigns the next seq, encodes the envelope and writes it as a single
// frame under the write lock. register runs after encoding and before the
// write so a waiter exists before its response can arrive. force bypasses the
// terminal-state check for the final error packet.
func (c *Connection) write(
	ctx context.Context,
	build func(seq int) protocol.Envelope,
	register func(seq int) error,
	force bool,
) (int, error) {
	var done <-chan struct{}
	if !force {
		if err := c.sendable(); err != nil {
			return 0, err
		}
		done = c.done
	}
	select {
	case c.writeMu <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		return 0, c.Err()
	}
	defer func() { <-c.writeMu }()
	if !force {
		if err := c.sendable(); err != nil {
			return 0, err
		}
	}

	seq := int(c.seq.Add(1))
	env := build(seq)
	body, err := protocol.Marshal(env)
	if err != nil {
		return seq, err
	}
	if register != nil {
		if err := register(seq); err != nil {
			return seq, err
		}
	}
	if err := c.writeBody(ctx, body); err != nil {
		c.writeFailed(err)
		return seq, err
	}
	c.wire.Sent(body)
	observability.RecordFrameWritten(c.name, string(env.PacketType()), len(body))
	return seq, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// writeBody writes one frame, giving up when ctx ends. Writers without a
// write deadline (pipes, stdio, worker processes) are interrupted by faulting
// the connection and closing its streams.
func (c *Connection) writeBody(ctx context.Context, body []byte) error {
	if d, ok := c.writer.(writeDeadliner); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = d.SetWriteDeadline(deadline)
			defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
		}
		return frame.WriteFrame(c.writer, body)
	}
	if ctx.Done() == nil {
		return frame.WriteFrame(c.writer, body)
	}
	// 0 writing, 1 finished, 2 interrupted; the first transition wins.
	var phase atomic.Int32
	stop := context.AfterFunc(ctx, func() {
		if phase.CompareAndSwap(0, 2) {
			c.writeFailed(fmt.Errorf("interrupted: %w", ctx.Err()))
			_ = c.closeStreams()
		}
	})
	defer stop()
	err := frame.WriteFrame(c.writer, body)
	if !phase.CompareAndSwap(0, 1) {
		return ctx.Err()
	}
	return err
}

// writeFailed faults the connection; a partial frame may be on the wire.
func (c *Connection) writeFailed(err error) {
	werr := fmt.Errorf("session: write: %w", err)
	if c.terminate(StateFaulted, werr) {
		c.wire.Error(werr)
		c.notifyErrors(werr)
		go func() {
			_ = c.closeStreams()
		}()
	}
}

func (c *Connection) sendable() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state.Terminal() {
		return c.err
	}
	return nil
}

func (c *Connection) recordSent(command string, start time.Time, err error) {
	outcome := observability.OutcomeSuccess
	var failed *FailedRequestError
	switch {
	case err == nil:
	case errors.As(err, &failed):
		outcome = observability.OutcomeFailed
	case errors.Is(err, ErrRequestTimedOut):
		outcome = observability.OutcomeTimeout
	case errors.Is(err, ErrRequestCancelled):
		outcome = observability.OutcomeCancelled
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrConnectionDisposed):
		outcome = observability.OutcomeClosed
	default:
		outcome = observability.OutcomeError
	}
	observability.RecordRequestSent(c.name, command, outcome, time.Since(start))
}

func requestError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrRequestTimedOut, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	default:
		return err
	}
}

func defaultClosers(r io.Reader, w io.Writer) []io.Closer {
	var out []io.Closer
	rc, rok := r.(io.Closer)
	if rok {
		out = append(out, rc)
	}
	if wc, ok := w.(io.Closer); ok && !(rok && sameStream(rc, wc)) {
		out = append(out, wc)
	}
	return out
}

func sameStream(a, b io.Closer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func alreadyClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
