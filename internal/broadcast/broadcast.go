// Package broadcast fans session status messages out to per-user
// subscribers.
package broadcast

import (
	"crypto/rand"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/metrics"
)

// Message is the status payload delivered to subscribers.
type Message struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one observer of a user's status. C is never closed;
// consumers stop reading when Done is closed.
type Subscription struct {
	ID     string
	UserID string
	C      <-chan Message

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Broadcaster is safe for concurrent use.
//
//   - Publish never blocks; a full subscriber queue drops the message for
//     that subscriber only.
//   - Messages for one user reach each subscriber in publish order as long
//     as publishes for that user are serialized by the caller.
//   - Unsubscribe is safe under concurrent Publish.
type Broadcaster struct {
	queue   int
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

const defaultQueue = 16

func New(queue int, m *metrics.Metrics) *Broadcaster {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Broadcaster{
		queue:   queue,
		metrics: m,
		subs:    make(map[string]map[string]*Subscription),
	}
}

func (b *Broadcaster) Subscribe(userID string) *Subscription {
	send := make(chan Message, b.queue)
	sub := &Subscription{
		ID:     ulid.MustNew(ulid.Now(), rand.Reader).String(),
		UserID: userID,
		C:      send,
		send:   send,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	byUser := b.subs[userID]
	if byUser == nil {
		byUser = make(map[string]*Subscription)
		b.subs[userID] = byUser
	}
	byUser[sub.ID] = sub
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes the subscription and then signals Done. Unknown or
// already removed subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	byUser := b.subs[sub.UserID]
	_, ok := byUser[sub.ID]
	if ok {
		delete(byUser, sub.ID)
		if len(byUser) == 0 {
			delete(b.subs, sub.UserID)
		}
	}
	b.mu.Unlock()

	sub.close()
	if ok {
		b.metrics.SubscriberRemoved()
	}
}

// Publish delivers msg to every current subscriber of msg.UserID and
// returns how many received it.
func (b *Broadcaster) Publish(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs[msg.UserID] {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.send <- msg:
			delivered++
		default:
			b.metrics.BroadcastDropped()
			log.Printf("[broadcast] dropped %s for %s: subscriber %s queue full", msg.Status, logging.Sanitize(msg.UserID), sub.ID)
		}
	}
	return delivered
}

// Subscribers returns the number of subscriptions for a user.
func (b *Broadcaster) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, byUser := range b.subs {
		for _, sub := range byUser {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
		b.metrics.SubscriberRemoved()
	}
}
