// Package sessions is the session controller: it ties each user's runtime,
// client event stream, state machine and observers together.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/broadcast"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/notify"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/orchestrator"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstate"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/supervisor"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/waclient"
)

// Runtimes is the part of the runtime supervisor the manager drives.
type Runtimes interface {
	Provision(ctx context.Context, userID string) (supervisor.RuntimeHandle, error)
	Stop(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (orchestrator.RuntimeStatus, error)
	EventsURL(ctx context.Context, userID string) (string, error)
	SaveNow(ctx context.Context, userID string) error
	PausePersistence(userID string)
	ResumePersistence(userID string)
	Recover(ctx context.Context) ([]supervisor.RuntimeHandle, error)
	Shutdown()
}

type BundleStore interface {
	Invalidate(ctx context.Context, userID string) error
}

// ErrBusy is returned while another lifecycle operation for the same user
// is in progress.
var ErrBusy = fmt.Errorf("%w: operation in progress", supervisor.ErrConflict)

// Challenge is the latest login challenge of a user. A newer challenge
// replaces the previous one.
type Challenge struct {
	UserID   string    `json:"userId"`
	Token    string    `json:"-"`
	Image    string    `json:"qrCode"`
	IssuedAt time.Time `json:"issuedAt"`
}

type Options struct {
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
}

type pump struct {
	src  waclient.Source
	done chan struct{}
}

type Manager struct {
	runtimes    Runtimes
	store       BundleStore
	machine     *sessionstate.Machine
	broadcaster *broadcast.Broadcaster
	connector   waclient.Connector
	notifier    notify.Notifier
	opts        Options

	mu         sync.Mutex
	busy       map[string]bool
	pumps      map[string]*pump
	challenges map[string]Challenge

	notifyWG sync.WaitGroup
}

func NewManager(
	runtimes Runtimes,
	store BundleStore,
	machine *sessionstate.Machine,
	broadcaster *broadcast.Broadcaster,
	connector waclient.Connector,
	notifier notify.Notifier,
	opts Options,
) *Manager {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Manager{
		runtimes:    runtimes,
		store:       store,
		machine:     machine,
		broadcaster: broadcaster,
		connector:   connector,
		notifier:    notifier,
		opts:        opts,
		busy:        make(map[string]bool),
		pumps:       make(map[string]*pump),
		challenges:  make(map[string]Challenge),
	}
}

func (m *Manager) begin(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[userID] {
		return false
	}
	m.busy[userID] = true
	return true
}

func (m *Manager) end(userID string) {
	m.mu.Lock()
	delete(m.busy, userID)
	m.mu.Unlock()
}

// Provision starts the user's runtime and begins consuming its events.
func (m *Manager) Provision(ctx context.Context, userID string) (supervisor.RuntimeHandle, error) {
	if !m.begin(userID) {
		return supervisor.RuntimeHandle{}, ErrBusy
	}
	defer m.end(userID)

	h, err := m.runtimes.Provision(ctx, userID)
	if err != nil {
		return supervisor.RuntimeHandle{}, err
	}
	if err := m.attach(ctx, userID); err != nil {
		if stopErr := m.runtimes.Stop(context.WithoutCancel(ctx), userID); stopErr != nil {
			log.Printf("[sessions] stop %s after failed attach: %v", logging.Sanitize(userID), stopErr)
		}
		return supervisor.RuntimeHandle{}, err
	}
	return h, nil
}

func (m *Manager) attach(ctx context.Context, userID string) error {
	src, err := m.connector.Connect(ctx, userID, func(ctx context.Context) (string, error) {
		return m.runtimes.EventsURL(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	p := &pump{src: src, done: make(chan struct{})}

	m.mu.Lock()
	old := m.pumps[userID]
	m.pumps[userID] = p
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	go func() {
		defer close(p.done)
		for ev := range src.Events() {
			m.handle(ev)
		}
	}()
	return nil
}

func (p *pump) stop() {
	p.src.Close()
	<-p.done
}

// detach stops consuming the user's events and waits for the event being
// handled, if any.
func (m *Manager) detach(userID string) {
	m.mu.Lock()
	p := m.pumps[userID]
	delete(m.pumps, userID)
	m.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

func (m *Manager) handle(ev waclient.Event) {
	userID := ev.UserID
	t, changed := m.machine.Apply(ev)

	switch ev.Type {
	case waclient.EventChallengeIssued:
		if m.machine.Get(userID).Status == sessionstate.StatusPending {
			m.setChallenge(ev)
		}
	case waclient.EventAuthenticated, waclient.EventReady:
		m.clearChallenge(userID)
	}
	if !changed {
		return
	}

	switch t.To {
	case sessionstate.StatusReady:
		m.runtimes.ResumePersistence(userID)
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
		if err := m.runtimes.SaveNow(ctx, userID); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
			log.Printf("[sessions] %s: save on ready: %v", logging.Sanitize(userID), err)
		}
		cancel()
		m.channelReady(userID)
	case sessionstate.StatusError, sessionstate.StatusUnauthenticated:
		// Auth failure, logout and unexpected disconnects all invalidate
		// the stored credentials; a fresh challenge is required.
		m.clearChallenge(userID)
		m.runtimes.PausePersistence(userID)
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
		if err := m.store.Invalidate(ctx, userID); err != nil {
			log.Printf("[sessions] %s: invalidate bundle: %v", logging.Sanitize(userID), err)
		}
		cancel()
	}
}

func (m *Manager) channelReady(userID string) {
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.NotifyTimeout)
		defer cancel()
		if err := m.notifier.ChannelReady(ctx, userID); err != nil {
			log.Printf("[sessions] %s: channel ready notification: %v", logging.Sanitize(userID), err)
		}
	}()
}

func (m *Manager) setChallenge(ev waclient.Event) {
	img, err := waclient.RenderChallenge(ev.Challenge)
	if err != nil {
		log.Printf("[sessions] %s: %v", logging.Sanitize(ev.UserID), err)
	}
	m.mu.Lock()
	m.challenges[ev.UserID] = Challenge{UserID: ev.UserID, Token: ev.Challenge, Image: img, IssuedAt: ev.At}
	m.mu.Unlock()
}

func (m *Manager) clearChallenge(userID string) {
	m.mu.Lock()
	delete(m.challenges, userID)
	m.mu.Unlock()
}

// Stop stops the user's runtime. The session returns to unauthenticated;
// the stored bundle is kept so the next Provision resumes without a
// challenge.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	if !m.begin(userID) {
		return ErrBusy
	}
	defer m.end(userID)

	m.detach(userID)
	if err := m.runtimes.Stop(ctx, userID); err != nil {
		return err
	}
	m.clearChallenge(userID)
	m.machine.Reset(userID)
	return nil
}

// Remove deletes everything held for the user: runtime, working directory
// and stored bundle. The session record is re-initialized.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	if !m.begin(userID) {
		return ErrBusy
	}
	defer m.end(userID)

	m.detach(userID)
	if err := m.runtimes.Stop(ctx, userID); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
		return err
	}
	if err := m.store.Invalidate(ctx, userID); err != nil {
		return err
	}
	m.clearChallenge(userID)
	m.machine.Reset(userID)
	log.Printf("[sessions] removed %s", logging.Sanitize(userID))
	return nil
}

// Status reports infrastructure liveness of the user's runtime.
func (m *Manager) Status(ctx context.Context, userID string) (orchestrator.RuntimeStatus, error) {
	return m.runtimes.Status(ctx, userID)
}

// SessionState reports application readiness of the user's session.
func (m *Manager) SessionState(userID string) sessionstate.UserSession {
	return m.machine.Get(userID)
}

func (m *Manager) Subscribe(userID string) *broadcast.Subscription {
	return m.broadcaster.Subscribe(userID)
}

func (m *Manager) Unsubscribe(sub *broadcast.Subscription) {
	m.broadcaster.Unsubscribe(sub)
}

// Challenge returns the user's current login challenge, if one is pending.
func (m *Manager) Challenge(userID string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[userID]
	return c, ok
}

func (m *Manager) History(userID string) []sessionstate.Transition {
	return m.machine.History(userID)
}

// Recover restores state after a control-plane restart: persisted session
// snapshots are loaded, runtimes still running are adopted with their event
// streams, and users left without a runtime are reset to unauthenticated.
// Persistence of an adopted runtime stays paused until its session is ready.
func (m *Manager) Recover(ctx context.Context, snapshots []sessionstate.UserSession) error {
	m.machine.Load(snapshots)

	handles, err := m.runtimes.Recover(ctx)
	if err != nil {
		return err
	}
	running := make(map[string]bool, len(handles))
	for _, h := range handles {
		running[h.UserID] = true
		// Only a ready session has credentials worth saving. Anything else
		// may hold a bundle that was invalidated before the restart.
		if m.machine.Get(h.UserID).Status != sessionstate.StatusReady {
			m.runtimes.PausePersistence(h.UserID)
		}
		if err := m.attach(ctx, h.UserID); err != nil {
			log.Printf("[sessions] %s: attach recovered runtime: %v", logging.Sanitize(h.UserID), err)
		}
	}
	for _, s := range snapshots {
		if !running[s.UserID] {
			m.machine.Reset(s.UserID)
		}
	}
	log.Printf("[sessions] recovered %d runtimes, %d session records", len(handles), len(snapshots))
	return nil
}

// Shutdown stops consuming events, performs a final save for every active
// runtime and ends all subscriptions. Runtimes keep running.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pumps := make([]*pump, 0, len(m.pumps))
	for userID, p := range m.pumps {
		pumps = append(pumps, p)
		delete(m.pumps, userID)
	}
	m.mu.Unlock()

	for _, p := range pumps {
		p.stop()
	}
	m.runtimes.Shutdown()
	m.notifyWG.Wait()
	m.broadcaster.Close()
}
