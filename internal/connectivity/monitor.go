// Package connectivity reports whether the remote service is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"sync"
)

// Monitor is the online/offline signal consumed by the sync core.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for transitions. fn is called outside the
	// monitor's lock and must not block for long.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// broadcaster holds the state and subscriber list shared by monitors.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, subs: make(map[int]func(bool))}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// set records the new state and notifies subscribers on a transition.
func (b *broadcaster) set(online bool) {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return
	}
	b.online = online
	subs := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Manual is a Monitor whose state is set by its owner: tests, or a shell
// that forwards browser online/offline events.
type Manual struct {
	*broadcaster
}

func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

var _ Monitor = (*Manual)(nil)
