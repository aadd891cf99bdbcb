// Package sessionstate implements the per-user authentication state machine
// of a messaging-client session.
//
// Each user moves through unauthenticated, pending, scanned and ready, with
// error reachable from any active state. Every transition is recorded in a
// per-user ring buffer (50 entries), persisted through a Recorder and
// published to the user's subscribers while the user's lock is held, so
// subscribers see transitions in the order they happened.
package sessionstate

import (
	"log"
	"sync"
	"time"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/broadcast"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/metrics"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/waclient"
)

type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusPending         Status = "pending"
	StatusScanned         Status = "scanned"
	StatusReady           Status = "ready"
	StatusError           Status = "error"
)

// Classified error details. Raw reasons from the runtime are never exposed.
const (
	DetailAuthFailed           = "auth_failed"
	DetailUnexpectedDisconnect = "unexpected_disconnect"
)

// UserSession is the application-level readiness of one user.
type UserSession struct {
	UserID           string    `json:"userId"`
	Status           Status    `json:"status"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	ErrorDetail      string    `json:"errorDetail,omitempty"`
}

// Transition records a single state change.
type Transition struct {
	UserID      string             `json:"userId"`
	From        Status             `json:"from"`
	To          Status             `json:"to"`
	Event       waclient.EventType `json:"event,omitempty"`
	ErrorDetail string             `json:"errorDetail,omitempty"`
	At          time.Time          `json:"at"`
}

type Publisher interface {
	Publish(msg broadcast.Message) int
}

// Recorder persists the latest snapshot of a user's session.
type Recorder interface {
	RecordSession(userID, status, errorDetail string, at time.Time) error
}

// historySize is the number of transitions kept per user.
const historySize = 50

type entry struct {
	mu      sync.Mutex
	session UserSession
	ring    [historySize]Transition
	head    int
	count   int
}

func (e *entry) record(t Transition) {
	e.ring[e.head] = t
	e.head = (e.head + 1) % historySize
	if e.count < historySize {
		e.count++
	}
}

// history returns the transitions in chronological order.
func (e *entry) history() []Transition {
	if e.count == 0 {
		return nil
	}
	result := make([]Transition, e.count)
	if e.count < historySize {
		copy(result, e.ring[:e.count])
	} else {
		n := copy(result, e.ring[e.head:])
		copy(result[n:], e.ring[:e.head])
	}
	return result
}

// Machine is safe for concurrent use. Mutations for one user are mutually
// exclusive; they never block reads or mutations for other users.
type Machine struct {
	pub     Publisher
	rec     Recorder
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Machine. rec may be nil.
func New(pub Publisher, rec Recorder, m *metrics.Metrics) *Machine {
	return &Machine{
		pub:     pub,
		rec:     rec,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

func (m *Machine) lookup(userID string) *entry {
	m.mu.RLock()
	e := m.entries[userID]
	m.mu.RUnlock()
	return e
}

func (m *Machine) getOrCreate(userID string) *entry {
	if e := m.lookup(userID); e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		e = &entry{session: UserSession{UserID: userID, Status: StatusUnauthenticated}}
		m.entries[userID] = e
	}
	return e
}

// next is the transition table. ok is false for events that do not apply in
// the current state.
func next(cur Status, ev waclient.Event) (to Status, detail string, ok bool) {
	switch ev.Type {
	case waclient.EventChallengeIssued:
		if cur == StatusUnauthenticated || cur == StatusError {
			return StatusPending, "", true
		}
	case waclient.EventAuthenticated:
		switch cur {
		case StatusPending, StatusUnauthenticated, StatusError:
			// A restored bundle authenticates without a challenge.
			return StatusScanned, "", true
		}
	case waclient.EventReady:
		switch cur {
		case StatusScanned:
			return StatusReady, "", true
		case StatusReady:
			return StatusReady, "", false
		}
	case waclient.EventAuthFailed:
		switch cur {
		case StatusUnauthenticated, StatusPending, StatusScanned, StatusReady:
			return StatusError, DetailAuthFailed, true
		}
	case waclient.EventDisconnected:
		switch cur {
		case StatusPending, StatusScanned, StatusReady:
			if waclient.IsLogout(ev.Reason) {
				return StatusUnauthenticated, "", true
			}
			return StatusError, DetailUnexpectedDisconnect, true
		}
	}
	return cur, "", false
}

// Apply feeds one client event into the user's state machine. It returns
// the transition and true when the state changed; events that do not
// apply, including ready while already ready, change nothing and emit
// nothing.
func (m *Machine) Apply(ev waclient.Event) (Transition, bool) {
	e := m.getOrCreate(ev.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.session.Status
	to, detail, ok := next(from, ev)
	if !ok {
		if ev.Type != waclient.EventReady || from != StatusReady {
			log.Printf("[state] %s: ignoring %s in %s", logging.Sanitize(ev.UserID), ev.Type, from)
		}
		return Transition{}, false
	}
	if ev.Reason != "" {
		log.Printf("[state] %s: %s reason: %s", logging.Sanitize(ev.UserID), ev.Type, logging.Sanitize(ev.Reason))
	}
	return m.transition(e, to, detail, ev.Type), true
}

// Reset returns the user to unauthenticated, as on account removal. The
// session record is re-initialized, never deleted.
func (m *Machine) Reset(userID string) (Transition, bool) {
	e := m.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status == StatusUnauthenticated && e.session.ErrorDetail == "" {
		return Transition{}, false
	}
	return m.transition(e, StatusUnauthenticated, "", ""), true
}

// transition applies a state change. Caller must hold e.mu.
func (m *Machine) transition(e *entry, to Status, detail string, cause waclient.EventType) Transition {
	now := m.now()
	t := Transition{
		UserID:      e.session.UserID,
		From:        e.session.Status,
		To:          to,
		Event:       cause,
		ErrorDetail: detail,
		At:          now,
	}
	e.session.Status = to
	e.session.ErrorDetail = detail
	e.session.LastTransitionAt = now
	e.record(t)
	m.metrics.Transition(string(to))

	if m.rec != nil {
		if err := m.rec.RecordSession(t.UserID, string(to), detail, now); err != nil {
			log.Printf("[state] %s: record session: %v", logging.Sanitize(t.UserID), err)
		}
	}
	if m.pub != nil {
		m.pub.Publish(broadcast.Message{
			UserID:    t.UserID,
			Status:    string(to),
			Message:   statusMessage(to, detail),
			Timestamp: now,
		})
	}
	log.Printf("[state] %s: %s -> %s", logging.Sanitize(t.UserID), t.From, t.To)
	return t
}

func statusMessage(to Status, detail string) string {
	switch to {
	case StatusPending:
		return "Scan the QR code to link the account"
	case StatusScanned:
		return "Authenticated, waiting for the client to be ready"
	case StatusReady:
		return "Client is ready"
	case StatusError:
		if detail == DetailAuthFailed {
			return "Authentication failed, a new QR code is required"
		}
		return "Client disconnected unexpectedly, a new QR code is required"
	}
	return ""
}

// Get returns the user's current session. Users never seen read as
// unauthenticated.
func (m *Machine) Get(userID string) UserSession {
	e := m.lookup(userID)
	if e == nil {
		return UserSession{UserID: userID, Status: StatusUnauthenticated}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (m *Machine) History(userID string) []Transition {
	e := m.lookup(userID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history()
}

// Load seeds sessions from persisted snapshots without emitting anything.
// Users already known to the machine are left untouched.
func (m *Machine) Load(sessions []UserSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, ok := m.entries[s.UserID]; ok {
			continue
		}
		if !validStatus(s.Status) {
			s.Status = StatusUnauthenticated
			s.ErrorDetail = ""
		}
		m.entries[s.UserID] = &entry{session: s}
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusUnauthenticated, StatusPending, StatusScanned, StatusReady, StatusError:
		return true
	}
	return false
}
