// Package events carries "usage arrived for user X" signals from the ingest
// path to in-process subscribers, debounced per user.
package events

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDebounce         = time.Second
	DefaultSubscriberBuffer = 16
)

var (
	ErrBusClosed     = errors.New("bus_closed")
	ErrInvalidUserID = errors.New("invalid_user_id")
)

// Bus debounces Emit calls per user and fans fired events out to every
// subscriber. A slow subscriber drops events instead of blocking the bus;
// an event already buffered for it will be delivered after the dropped one
// was published, so coarse consumers such as cache invalidation stay correct.
type Bus struct {
	mu               sync.Mutex
	log              *zap.Logger
	debounce         time.Duration
	subscriberBuffer int
	pending          map[string]*pendingFire
	subs             map[uint64]*Subscription
	nextID           uint64
	closed           bool
}

type pendingFire struct {
	timer *time.Timer
}

// Subscription receives fired user ids. A subscription created by ForUser
// only sees its own user's events.
type Subscription struct {
	bus    *Bus
	id     uint64
	userID string
	ch     chan string
	once   sync.Once
}

// NewBus returns a bus; debounce <= 0 uses DefaultDebounce.
func NewBus(log *zap.Logger, debounce time.Duration) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Bus{
		log:              log.Named("usage.events"),
		debounce:         debounce,
		subscriberBuffer: DefaultSubscriberBuffer,
		pending:          make(map[string]*pendingFire),
		subs:             make(map[uint64]*Subscription),
	}
}

// Emit schedules a publish for userID after the debounce window, replacing
// any publish already pending for that user.
func (b *Bus) Emit(userID string) {
	if b == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if prev := b.pending[userID]; prev != nil {
		prev.timer.Stop()
	}
	p := &pendingFire{}
	p.timer = time.AfterFunc(b.debounce, func() { b.fire(userID, p) })
	b.pending[userID] = p
}

func (b *Bus) fire(userID string, p *pendingFire) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A replaced timer may still fire if Stop lost the race.
	if b.closed || b.pending[userID] != p {
		return
	}
	delete(b.pending, userID)

	delivered := 0
	for _, sub := range b.subs {
		if sub.userID != "" && sub.userID != userID {
			continue
		}
		select {
		case sub.ch <- userID:
			delivered++
		default:
			b.log.Debug("subscriber buffer full, event dropped",
				zap.String("user_id", userID),
				zap.Uint64("subscription_id", sub.id),
			)
		}
	}
	b.log.Debug("usage event published",
		zap.String("user_id", userID),
		zap.Int("subscribers", delivered),
	)
}

// ForUser subscribes to events fired for userID only.
func (b *Bus) ForUser(userID string) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return b.subscribe(userID)
}

// All subscribes to every fired event.
func (b *Bus) All() (*Subscription, error) {
	return b.subscribe("")
}

func (b *Bus) subscribe(userID string) (*Subscription, error) {
	if b == nil {
		return nil, ErrBusClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id := b.nextID
	b.nextID++
	sub := &Subscription{
		bus:    b,
		id:     id,
		userID: userID,
		ch:     make(chan string, b.subscriberBuffer),
	}
	b.subs[id] = sub
	return sub, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Close cancels every pending publish and closes all subscriptions so their
// readers complete.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for userID, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, userID)
	}
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Pending returns the number of users with a scheduled publish.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (s *Subscription) Events() <-chan string {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}
