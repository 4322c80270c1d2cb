package session

import (
	"sync"

	"github.com/danmuck/ipcjson/internal/protocol"
)

// EventListener observes events from the peer. Listeners run on the receive
// loop in registration order and must not block.
type EventListener func(ev *protocol.Event)

// ErrorListener observes *RemoteError packets from the peer and the
// connection's own fault, if any.
type ErrorListener func(err error)

type listenerSet[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	items  []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id uint64
	fn F
}

func (s *listenerSet[F]) add(fn F) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.items = append(s.items, listenerEntry[F]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet[F]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.items {
		if e.id == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[F]) snapshot() []F {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]F, len(s.items))
	for i, e := range s.items {
		out[i] = e.fn
	}
	return out
}
