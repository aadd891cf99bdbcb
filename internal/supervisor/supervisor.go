// Package supervisor provisions, inspects and stops the per-user
// messaging-client runtimes and owns their persistence loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/metrics"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/orchestrator"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstore"
)

var (
	// ErrConflict means the user already has a runtime, or one is being
	// provisioned or stopped. Callers should poll Status instead of retrying.
	ErrConflict = errors.New("runtime already exists for user")
	ErrNotFound = errors.New("no runtime for user")
)

// Provisioning stages reported by ProvisionError.
const (
	StageRestore = "restore"
	StageWorkDir = "workdir"
	StageStart   = "start"
)

// ProvisionError reports a failed provisioning attempt. The stored bundle
// is never modified by a failed attempt.
type ProvisionError struct {
	Stage  string
	UserID string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %q: %s: %v", e.UserID, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Store is the part of the session store the supervisor needs.
type Store interface {
	Save(ctx context.Context, userID, dir string) error
	Restore(ctx context.Context, userID string) (string, error)
	NewWorkDir(userID string) (string, error)
}

// RuntimeHandle identifies the live runtime of a user.
type RuntimeHandle struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	WorkDir   string    `json:"-"`
	StartedAt time.Time `json:"startedAt"`
	// Restored is set when the working directory came from a stored bundle.
	Restored bool `json:"restored"`
	// Recovered is set for runtimes adopted after a control-plane restart.
	Recovered bool `json:"recovered,omitempty"`
}

type Options struct {
	Image       string
	MountPath   string
	EventsPort  int
	Env         map[string]string
	Labels      map[string]string
	CPULimit    string
	MemoryLimit string

	SaveInterval time.Duration
	StoreTimeout time.Duration
	StartTimeout time.Duration
	StopTimeout  time.Duration

	Metrics *metrics.Metrics
}

type slotState int

const (
	slotProvisioning slotState = iota
	slotActive
	slotStopping
)

type slot struct {
	state  slotState
	handle RuntimeHandle
	loop   *persistenceLoop
}

// Supervisor is safe for concurrent use. At most one runtime exists per
// user; the reservation in the slot table makes Provision atomic with
// respect to that check.
type Supervisor struct {
	orch  orchestrator.RuntimeOrchestrator
	store Store
	opts  Options

	mu    sync.Mutex
	slots map[string]*slot
}

func New(orch orchestrator.RuntimeOrchestrator, store Store, opts Options) *Supervisor {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 120 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &Supervisor{
		orch:  orch,
		store: store,
		opts:  opts,
		slots: make(map[string]*slot),
	}
}

func (s *Supervisor) reserve(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[userID]; ok {
		return false
	}
	s.slots[userID] = &slot{state: slotProvisioning}
	return true
}

func (s *Supervisor) release(userID string) {
	s.mu.Lock()
	delete(s.slots, userID)
	n := len(s.slots)
	s.mu.Unlock()
	s.opts.Metrics.SetActiveRuntimes(n)
}

func (s *Supervisor) fail(userID, stage string, err error) error {
	s.release(userID)
	s.opts.Metrics.ProvisionFailed(stage)
	log.Printf("[supervisor] provision %s failed at %s: %v", logging.Sanitize(userID), stage, err)
	return &ProvisionError{Stage: stage, UserID: userID, Err: err}
}

// Provision restores the user's stored bundle (or starts from an empty
// working directory when none exists), starts the user's runtime on it and
// begins periodic persistence.
func (s *Supervisor) Provision(ctx context.Context, userID string) (RuntimeHandle, error) {
	if !s.reserve(userID) {
		return RuntimeHandle{}, ErrConflict
	}
	name := orchestrator.RuntimeName(userID)

	// A runtime left over from an earlier process that was not recovered.
	status, err := s.orch.GetRuntimeStatus(ctx, name)
	if err != nil {
		return RuntimeHandle{}, s.fail(userID, StageStart, err)
	}
	if status != orchestrator.StatusMissing {
		s.release(userID)
		return RuntimeHandle{}, ErrConflict
	}

	restoreCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	dir, err := s.store.Restore(restoreCtx, userID)
	cancel()
	restored := true
	if errors.Is(err, sessionstore.ErrNotFound) {
		restored = false
		dir, err = s.store.NewWorkDir(userID)
		if err != nil {
			return RuntimeHandle{}, s.fail(userID, StageWorkDir, err)
		}
	} else if err != nil {
		return RuntimeHandle{}, s.fail(userID, StageRestore, err)
	}

	params := orchestrator.CreateParams{
		Name:        name,
		UserID:      userID,
		Image:       s.opts.Image,
		WorkDir:     dir,
		MountPath:   s.opts.MountPath,
		EventsPort:  s.opts.EventsPort,
		Env:         s.opts.Env,
		Labels:      s.opts.Labels,
		CPULimit:    s.opts.CPULimit,
		MemoryLimit: s.opts.MemoryLimit,
	}
	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	err = s.orch.CreateRuntime(startCtx, params)
	cancel()
	if err != nil {
		os.RemoveAll(dir)
		return RuntimeHandle{}, s.fail(userID, StageStart, err)
	}

	handle := RuntimeHandle{
		UserID:    userID,
		Name:      name,
		WorkDir:   dir,
		StartedAt: time.Now().UTC(),
		Restored:  restored,
	}
	s.activate(handle)
	log.Printf("[supervisor] provisioned %s as %s (restored=%t)", logging.Sanitize(userID), name, restored)
	return handle, nil
}

func (s *Supervisor) activate(handle RuntimeHandle) {
	loop := newPersistenceLoop(handle.UserID, handle.WorkDir, s.opts.SaveInterval, s.opts.StoreTimeout, s.store.Save)

	s.mu.Lock()
	sl := s.slots[handle.UserID]
	sl.state = slotActive
	sl.handle = handle
	sl.loop = loop
	n := len(s.slots)
	s.mu.Unlock()

	loop.start()
	s.opts.Metrics.SetActiveRuntimes(n)
}

// Status inspects the runtime on the backend. It reports ErrNotFound only
// when neither the supervisor nor the backend knows a runtime for the user.
func (s *Supervisor) Status(ctx context.Context, userID string) (orchestrator.RuntimeStatus, error) {
	name := orchestrator.RuntimeName(userID)
	s.mu.Lock()
	sl, tracked := s.slots[userID]
	if tracked && sl.handle.Name != "" {
		name = sl.handle.Name
	}
	s.mu.Unlock()

	status, err := s.orch.GetRuntimeStatus(ctx, name)
	if err != nil {
		return "", err
	}
	if !tracked && status == orchestrator.StatusMissing {
		return "", ErrNotFound
	}
	return status, nil
}

// Stop ends persistence (waiting for an in-flight save, then saving one
// last time unless persistence is paused), removes the runtime and then
// its working directory.
func (s *Supervisor) Stop(ctx context.Context, userID string) error {
	s.mu.Lock()
	sl, ok := s.slots[userID]
	if ok && sl.state != slotActive {
		s.mu.Unlock()
		return ErrConflict
	}
	if ok {
		sl.state = slotStopping
	}
	s.mu.Unlock()

	if !ok {
		return s.stopUntracked(ctx, userID)
	}

	sl.loop.stop(true)

	deleteCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	err := s.orch.DeleteRuntime(deleteCtx, sl.handle.Name)
	cancel()
	s.release(userID)
	if err != nil && !errors.Is(err, orchestrator.ErrRuntimeNotFound) {
		// The runtime may still be using the directory; a later Stop finds
		// it on the backend and cleans up.
		return fmt.Errorf("delete runtime %s: %w", sl.handle.Name, err)
	}

	if err := os.RemoveAll(sl.handle.WorkDir); err != nil {
		log.Printf("[supervisor] remove work dir for %s: %v", logging.Sanitize(userID), err)
	}
	log.Printf("[supervisor] stopped %s", logging.Sanitize(userID))
	return nil
}

// stopUntracked removes a runtime the backend knows but the supervisor does
// not, such as one left by a crashed process.
func (s *Supervisor) stopUntracked(ctx context.Context, userID string) error {
	runtimes, err := s.orch.ListRuntimes(ctx)
	if err != nil {
		return err
	}
	name := orchestrator.RuntimeName(userID)
	for _, rt := range runtimes {
		if rt.Name != name {
			continue
		}
		deleteCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
		err := s.orch.DeleteRuntime(deleteCtx, rt.Name)
		cancel()
		if err != nil && !errors.Is(err, orchestrator.ErrRuntimeNotFound) {
			return fmt.Errorf("delete runtime %s: %w", rt.Name, err)
		}
		if rt.WorkDir != "" {
			os.RemoveAll(rt.WorkDir)
		}
		log.Printf("[supervisor] removed untracked runtime %s", rt.Name)
		return nil
	}
	return ErrNotFound
}

func (s *Supervisor) activeSlot(userID string) (*slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[userID]
	if !ok || sl.state != slotActive {
		return nil, false
	}
	return sl, true
}

// SaveNow saves the user's working directory immediately.
func (s *Supervisor) SaveNow(ctx context.Context, userID string) error {
	sl, ok := s.activeSlot(userID)
	if !ok {
		return ErrNotFound
	}
	return sl.loop.saveNow(ctx)
}

// PausePersistence stops saving the user's working directory until
// ResumePersistence. It returns after any in-flight save finished, so a
// bundle invalidated afterwards is not written back.
func (s *Supervisor) PausePersistence(userID string) {
	if sl, ok := s.activeSlot(userID); ok {
		sl.loop.pause()
	}
}

func (s *Supervisor) ResumePersistence(userID string) {
	if sl, ok := s.activeSlot(userID); ok {
		sl.loop.resume()
	}
}

func (s *Supervisor) Handle(userID string) (RuntimeHandle, bool) {
	sl, ok := s.activeSlot(userID)
	if !ok {
		return RuntimeHandle{}, false
	}
	return sl.handle, true
}

// Active returns the handles of all active runtimes sorted by user.
func (s *Supervisor) Active() []RuntimeHandle {
	s.mu.Lock()
	out := make([]RuntimeHandle, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.state == slotActive {
			out = append(out, sl.handle)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Supervisor) EventsURL(ctx context.Context, userID string) (string, error) {
	sl, ok := s.activeSlot(userID)
	if !ok {
		return "", ErrNotFound
	}
	return s.orch.GetEventsURL(ctx, sl.handle.Name)
}

// Recover adopts runtimes that kept running while the control plane was
// down. Runtimes whose working directory is gone cannot be persisted and
// are left alone.
func (s *Supervisor) Recover(ctx context.Context) ([]RuntimeHandle, error) {
	runtimes, err := s.orch.ListRuntimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}

	var adopted []RuntimeHandle
	for _, rt := range runtimes {
		if rt.UserID == "" || rt.WorkDir == "" || rt.Status == orchestrator.StatusMissing {
			continue
		}
		if _, err := os.Stat(rt.WorkDir); err != nil {
			log.Printf("[supervisor] not adopting %s: work dir unavailable: %v", rt.Name, err)
			continue
		}
		if !s.reserve(rt.UserID) {
			continue
		}
		handle := RuntimeHandle{
			UserID:    rt.UserID,
			Name:      rt.Name,
			WorkDir:   rt.WorkDir,
			StartedAt: time.Now().UTC(),
			Recovered: true,
		}
		s.activate(handle)
		adopted = append(adopted, handle)
		log.Printf("[supervisor] adopted running runtime %s for %s", rt.Name, logging.Sanitize(rt.UserID))
	}
	return adopted, nil
}

// Shutdown stops every persistence loop after a final save. Runtimes keep
// running and are adopted again by Recover on the next start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	var loops []*persistenceLoop
	for _, sl := range s.slots {
		if sl.loop != nil {
			loops = append(loops, sl.loop)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *persistenceLoop) {
			defer wg.Done()
			l.stop(true)
		}(l)
	}
	wg.Wait()
}
