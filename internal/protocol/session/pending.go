package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ipcjson/internal/protocol"
)

// PendingRequest describes one request awaiting its response.
type PendingRequest struct {
	Seq     int
	Command string
	SentAt  time.Time
}

type result struct {
	resp *protocol.Response
	err  error
}

type waiter struct {
	PendingRequest
	ch chan result
}

// pendingTable maps outgoing request seq to a one-shot waiter.
// Once failed, later adds are rejected with the terminal error.
type pendingTable struct {
	mu       sync.Mutex
	items    map[int]*waiter
	closed   error
	onChange func(n int)
}

func newPendingTable(onChange func(n int)) *pendingTable {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &pendingTable{
		items:    make(map[int]*waiter),
		onChange: onChange,
	}
}

func (p *pendingTable) add(seq int, command string, at time.Time) (*waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	w := &waiter{
		PendingRequest: PendingRequest{Seq: seq, Command: command, SentAt: at},
		ch:             make(chan result, 1),
	}
	p.items[seq] = w
	p.onChange(len(p.items))
	return w, nil
}

// resolve completes the waiter for resp.RequestSeq. Unknown seqs report false.
func (p *pendingTable) resolve(resp *protocol.Response) bool {
	p.mu.Lock()
	w, ok := p.items[resp.RequestSeq]
	if ok {
		delete(p.items, resp.RequestSeq)
		p.onChange(len(p.items))
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- result{resp: resp}
	return true
}

func (p *pendingTable) remove(seq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[seq]; !ok {
		return
	}
	delete(p.items, seq)
	p.onChange(len(p.items))
}

// failAll completes every waiter with err and rejects future adds.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	if p.closed == nil {
		p.closed = err
	}
	items := p.items
	p.items = make(map[int]*waiter)
	p.onChange(0)
	p.mu.Unlock()

	for _, w := range items {
		w.ch <- result{err: err}
	}
	return len(items)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingTable) list() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, w := range p.items {
		out = append(out, w.PendingRequest)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}
