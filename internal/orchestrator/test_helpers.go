package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// FakeOrchestrator is an in-memory RuntimeOrchestrator for tests of the
// packages that drive runtimes.
type FakeOrchestrator struct {
	// CreateHook, when set, runs before a runtime is recorded; a non-nil
	// error fails the create.
	CreateHook func(ctx context.Context, params CreateParams) error
	DeleteHook func(ctx context.Context, name string) error

	mu       sync.Mutex
	runtimes map[string]*fakeRuntime
	created  []CreateParams
	deleted  []string
}

type fakeRuntime struct {
	params CreateParams
	status RuntimeStatus
}

func NewFake() *FakeOrchestrator {
	return &FakeOrchestrator{runtimes: make(map[string]*fakeRuntime)}
}

func (f *FakeOrchestrator) Initialize(context.Context) error { return nil }
func (f *FakeOrchestrator) IsAvailable(context.Context) bool { return true }
func (f *FakeOrchestrator) BackendName() string              { return "fake" }

func (f *FakeOrchestrator) CreateRuntime(ctx context.Context, params CreateParams) error {
	if f.CreateHook != nil {
		if err := f.CreateHook(ctx, params); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runtimes[params.Name]; ok {
		return fmt.Errorf("runtime %s already exists", params.Name)
	}
	f.runtimes[params.Name] = &fakeRuntime{params: params, status: StatusRunning}
	f.created = append(f.created, params)
	return nil
}

func (f *FakeOrchestrator) DeleteRuntime(ctx context.Context, name string) error {
	if f.DeleteHook != nil {
		if err := f.DeleteHook(ctx, name); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runtimes[name]; !ok {
		return ErrRuntimeNotFound
	}
	delete(f.runtimes, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *FakeOrchestrator) GetRuntimeStatus(_ context.Context, name string) (RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.runtimes[name]
	if !ok {
		return StatusMissing, nil
	}
	return rt.status, nil
}

func (f *FakeOrchestrator) ListRuntimes(context.Context) ([]RuntimeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RuntimeInfo, 0, len(f.runtimes))
	for name, rt := range f.runtimes {
		out = append(out, RuntimeInfo{Name: name, UserID: rt.params.UserID, WorkDir: rt.params.WorkDir, Status: rt.status})
	}
	return out, nil
}

func (f *FakeOrchestrator) GetEventsURL(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runtimes[name]; !ok {
		return "", ErrRuntimeNotFound
	}
	return "ws://" + name + "/events", nil
}

// SetStatus overrides the reported status of an existing runtime.
func (f *FakeOrchestrator) SetStatus(name string, status RuntimeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.runtimes[name]; ok {
		rt.status = status
	}
}

// Seed registers a runtime as if it had been created by an earlier process.
func (f *FakeOrchestrator) Seed(params CreateParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtimes[params.Name] = &fakeRuntime{params: params, status: StatusRunning}
}

func (f *FakeOrchestrator) Created() []CreateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreateParams(nil), f.created...)
}

func (f *FakeOrchestrator) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var _ RuntimeOrchestrator = (*FakeOrchestrator)(nil)
