package session

import (
	"sync"

	"github.com/danmuck/ipcjson/internal/protocol"
)

type queuedRequest struct {
	req        *protocol.Request
	payloadErr error
}

// requestQueue carries received requests from the receive loop to the
// dispatcher in receive order. It is unbounded so the receive loop never
// blocks behind a slow handler and responses keep resolving.
type requestQueue struct {
	mu     sync.Mutex
	items  []queuedRequest
	closed bool
	ready  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{ready: make(chan struct{}, 1)}
}

func (q *requestQueue) push(item queuedRequest) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return true
}

// close stops intake. Items already queued are still handed out by pop.
func (q *requestQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *requestQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest request. It reports false once the queue is closed
// and empty, or as soon as stop is closed.
func (q *requestQueue) pop(stop <-chan struct{}) (queuedRequest, bool) {
	for {
		select {
		case <-stop:
			return queuedRequest{}, false
		default:
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = queuedRequest{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return queuedRequest{}, false
		}
		select {
		case <-q.ready:
		case <-stop:
			return queuedRequest{}, false
		}
	}
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// dispatchRequests serves queued requests one at a time, so handlers are
// invoked and answered in the order their requests arrived.
func (c *Connection) dispatchRequests() {
	defer c.handlers.Done()
	defer close(c.drained)
	for {
		item, ok := c.requests.pop(c.done)
		if !ok {
			return
		}
		c.serveRequest(item.req, item.payloadErr)
	}
}

// drainRequests runs after the peer ends its send half. Responses can no
// longer arrive, so waiters fail first; requests already received are still
// answered before the streams close.
func (c *Connection) drainRequests() {
	c.pending.failAll(ErrConnectionClosed)
	c.requests.close()
	if n := c.requests.len(); n > 0 {
		c.log.Debug().Int("queued", n).Msg("answering queued requests before close")
	}
	select {
	case <-c.drained:
	case <-c.done:
	}
}
