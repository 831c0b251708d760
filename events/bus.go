package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Listener receives events of the kind it was registered for.
type Listener func(Event)

// SubscriptionID identifies a registered listener.
type SubscriptionID = uuid.UUID

type subscription struct {
	id       SubscriptionID
	listener Listener
}

// Bus fans events out to listeners. A panicking listener is logged and
// skipped; the remaining listeners still run.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger,
	}
}

// Subscribe registers listener for kind and returns its id.
func (b *Bus) Subscribe(kind Kind, listener Listener) SubscriptionID {
	id := uuid.New()
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, listener: listener})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the listener registered under id. It reports whether one was found.
func (b *Bus) Unsubscribe(kind Kind, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the number of listeners registered for kind.
func (b *Bus) Listeners(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Emit delivers ev to every listener of ev.Kind in registration order.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("subscription", s.id.String()),
				zap.String("key", ev.Key),
				zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	s.listener(ev)
}
