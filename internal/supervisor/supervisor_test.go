package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/crypto"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/database"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/orchestrator"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstore"
)

// blockingStore wraps a real store and lets a test hold Save open.
type blockingStore struct {
	*sessionstore.Store
	saves   atomic.Int32
	block   chan struct{} // when non-nil, the first Save waits on it
	started chan struct{}
	once    sync.Once
}

func (b *blockingStore) Save(ctx context.Context, userID, dir string) error {
	b.saves.Add(1)
	if b.block != nil {
		first := false
		b.once.Do(func() { first = true })
		if first {
			close(b.started)
			<-b.block
		}
	}
	return b.Store.Save(ctx, userID, dir)
}

func newStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	sealer, err := crypto.NewSealer(db, "test")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return sessionstore.New(db, sealer, sessionstore.Options{WorkRoot: t.TempDir()})
}

func newSupervisor(t *testing.T, store Store) (*Supervisor, *orchestrator.FakeOrchestrator) {
	t.Helper()
	orch := orchestrator.NewFake()
	sup := New(orch, store, Options{
		Image:        "whatsapp-client:test",
		MountPath:    "/app/.wwebjs_auth",
		SaveInterval: time.Hour,
	})
	t.Cleanup(sup.Shutdown)
	return sup, orch
}

func TestProvisionFreshUser(t *testing.T) {
	sup, orch := newSupervisor(t, newStore(t))
	h, err := sup.Provision(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if h.Restored {
		t.Error("fresh user must not be marked restored")
	}
	if h.Name != orchestrator.RuntimeName("u1") {
		t.Errorf("Name = %q", h.Name)
	}
	if fi, err := os.Stat(h.WorkDir); err != nil || !fi.IsDir() {
		t.Errorf("work dir missing: %v", err)
	}
	created := orch.Created()
	if len(created) != 1 || created[0].WorkDir != h.WorkDir || created[0].MountPath != "/app/.wwebjs_auth" || created[0].UserID != "u1" {
		t.Errorf("unexpected create params: %+v", created)
	}
	st, err := sup.Status(context.Background(), "u1")
	if err != nil || st != orchestrator.StatusRunning {
		t.Errorf("Status = %q, %v", st, err)
	}
}

func TestConcurrentProvisionOneConflict(t *testing.T) {
	sup, orch := newSupervisor(t, newStore(t))
	gate := make(chan struct{})
	orch.CreateHook = func(ctx context.Context, _ orchestrator.CreateParams) error {
		<-gate
		return nil
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Provision(context.Background(), "u1")
			results <- err
		}()
	}
	// The loser returns without reaching the backend.
	select {
	case err := <-results:
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("first result = %v, want ErrConflict", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no Provision call returned")
	}
	close(gate)
	wg.Wait()
	if err := <-results; err != nil {
		t.Fatalf("winner failed: %v", err)
	}
	if n := len(orch.Created()); n != 1 {
		t.Errorf("created %d runtimes, want 1", n)
	}
}

func TestProvisionAgainIsConflict(t *testing.T) {
	sup, _ := newSupervisor(t, newStore(t))
	if _, err := sup.Provision(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Provision(context.Background(), "u1"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestProvisionStartFailure(t *testing.T) {
	store := newStore(t)
	sup, orch := newSupervisor(t, store)
	orch.CreateHook = func(context.Context, orchestrator.CreateParams) error {
		return errors.New("image pull failed")
	}

	_, err := sup.Provision(context.Background(), "u1")
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Stage != StageStart || perr.UserID != "u1" {
		t.Fatalf("expected start ProvisionError, got %v", err)
	}
	if _, ok := sup.Handle("u1"); ok {
		t.Error("failed provision left a handle")
	}
	if _, err := sup.Status(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status after failure = %v, want ErrNotFound", err)
	}

	// The reservation is released so a retry can succeed.
	orch.CreateHook = nil
	if _, err := sup.Provision(context.Background(), "u1"); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestProvisionRestoresSavedBundle(t *testing.T) {
	store := newStore(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "WAToken1"), []byte("tok"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(context.Background(), "u1", src); err != nil {
		t.Fatal(err)
	}

	sup, _ := newSupervisor(t, store)
	h, err := sup.Provision(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !h.Restored {
		t.Error("expected restored handle")
	}
	data, err := os.ReadFile(filepath.Join(h.WorkDir, "WAToken1"))
	if err != nil || string(data) != "tok" {
		t.Errorf("restored content = %q, %v", data, err)
	}
}

func TestStatusAndStopUnknownUser(t *testing.T) {
	sup, _ := newSupervisor(t, newStore(t))
	if _, err := sup.Status(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status = %v, want ErrNotFound", err)
	}
	if err := sup.Stop(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop = %v, want ErrNotFound", err)
	}
}

func TestStopRemovesRuntimeAndWorkDir(t *testing.T) {
	store := newStore(t)
	sup, orch := newSupervisor(t, store)
	ctx := context.Background()

	h, err := sup.Provision(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.WorkDir, "session"), []byte("state"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := sup.Stop(ctx, "u1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(h.WorkDir); !os.IsNotExist(err) {
		t.Errorf("work dir still exists: %v", err)
	}
	if d := orch.Deleted(); len(d) != 1 || d[0] != h.Name {
		t.Errorf("deleted = %v", d)
	}
	// Stop saves one last time.
	dir, err := store.Restore(ctx, "u1")
	if err != nil {
		t.Fatalf("Restore after Stop: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "session")); string(data) != "state" {
		t.Errorf("final save content = %q", data)
	}
	if err := sup.Stop(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Stop = %v, want ErrNotFound", err)
	}
}

func TestStopWaitsForInFlightSave(t *testing.T) {
	bs := &blockingStore{Store: newStore(t), block: make(chan struct{}), started: make(chan struct{})}
	sup, _ := newSupervisor(t, bs)
	ctx := context.Background()

	h, err := sup.Provision(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.WorkDir, "creds"), []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}

	go sup.SaveNow(ctx, "u1")
	<-bs.started

	stopped := make(chan error, 1)
	go func() { stopped <- sup.Stop(ctx, "u1") }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned during an in-flight save: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := os.Stat(h.WorkDir); err != nil {
		t.Fatalf("work dir removed during an in-flight save: %v", err)
	}

	close(bs.block)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the save finished")
	}

	dir, err := bs.Restore(ctx, "u1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "creds")); string(data) != "v1" {
		t.Errorf("restored %q, want v1", data)
	}
}

func TestPausedPersistenceSkipsSaves(t *testing.T) {
	bs := &blockingStore{Store: newStore(t)}
	sup, _ := newSupervisor(t, bs)
	ctx := context.Background()

	h, err := sup.Provision(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(h.WorkDir, "creds"), []byte("x"), 0600)

	sup.PausePersistence("u1")
	if err := sup.SaveNow(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := sup.Stop(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if n := bs.saves.Load(); n != 0 {
		t.Errorf("saves while paused = %d, want 0", n)
	}
	if _, err := bs.Restore(ctx, "u1"); !errors.Is(err, sessionstore.ErrNotFound) {
		t.Errorf("Restore = %v, want ErrNotFound", err)
	}
}

func TestPeriodicSaveContinuesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	save := func(ctx context.Context, userID, dir string) error {
		if calls.Add(1) == 1 {
			return errors.New("disk full")
		}
		return nil
	}
	l := newPersistenceLoop("u1", t.TempDir(), time.Second, time.Second, save)
	l.start()
	defer l.stop(false)

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("loop stopped after a failed save (calls=%d)", calls.Load())
	}
}

func TestRecoverAdoptsRunningRuntimes(t *testing.T) {
	store := newStore(t)
	sup, orch := newSupervisor(t, store)
	workDir := t.TempDir()
	orch.Seed(orchestrator.CreateParams{Name: orchestrator.RuntimeName("u1"), UserID: "u1", WorkDir: workDir})
	orch.Seed(orchestrator.CreateParams{Name: orchestrator.RuntimeName("u2"), UserID: "u2", WorkDir: filepath.Join(workDir, "gone")})

	adopted, err := sup.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(adopted) != 1 || adopted[0].UserID != "u1" || !adopted[0].Recovered {
		t.Fatalf("adopted = %+v", adopted)
	}
	if _, err := sup.Provision(context.Background(), "u1"); !errors.Is(err, ErrConflict) {
		t.Errorf("Provision of adopted user = %v, want ErrConflict", err)
	}
	// u2 is known to the backend only, so Stop removes it.
	if err := sup.Stop(context.Background(), "u2"); err != nil {
		t.Errorf("Stop untracked = %v", err)
	}
	if active := sup.Active(); len(active) != 1 || active[0].UserID != "u1" {
		t.Errorf("Active = %+v", active)
	}
}

func TestProvisionRefusesUntrackedRuntime(t *testing.T) {
	sup, orch := newSupervisor(t, newStore(t))
	orch.Seed(orchestrator.CreateParams{Name: orchestrator.RuntimeName("u1"), UserID: "u1"})
	if _, err := sup.Provision(context.Background(), "u1"); !errors.Is(err, ErrConflict) {
		t.Errorf("Provision = %v, want ErrConflict", err)
	}
	st, err := sup.Status(context.Background(), "u1")
	if err != nil || st != orchestrator.StatusRunning {
		t.Errorf("Status = %q, %v", st, err)
	}
}
