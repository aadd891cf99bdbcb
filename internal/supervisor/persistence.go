package supervisor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
)

type saveFunc func(ctx context.Context, userID, dir string) error

// persistenceLoop periodically writes a runtime's working directory back to
// the session store. A failed save is logged and retried on the next tick.
type persistenceLoop struct {
	userID   string
	dir      string
	interval time.Duration
	timeout  time.Duration
	save     saveFunc

	// saveMu is held for the whole duration of a save so that stop and
	// pause can wait for an in-flight one.
	saveMu   sync.Mutex
	paused   atomic.Bool
	cron     *cron.Cron
	stopOnce sync.Once
}

func newPersistenceLoop(userID, dir string, interval, timeout time.Duration, save saveFunc) *persistenceLoop {
	logger := cron.PrintfLogger(log.Default())
	return &persistenceLoop{
		userID:   userID,
		dir:      dir,
		interval: interval,
		timeout:  timeout,
		save:     save,
		cron: cron.New(
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			cron.WithLogger(logger),
		),
	}
}

func (l *persistenceLoop) start() {
	l.cron.Schedule(cron.Every(l.interval), cron.FuncJob(l.tick))
	l.cron.Start()
}

func (l *persistenceLoop) tick() {
	if l.paused.Load() {
		return
	}
	l.saveNow(context.Background())
}

// saveNow saves synchronously. It does nothing while the loop is paused.
func (l *persistenceLoop) saveNow(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	if l.paused.Load() {
		return nil
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.save(ctx, l.userID, l.dir); err != nil {
		log.Printf("[persistence] %s: save failed: %v", logging.Sanitize(l.userID), err)
		return err
	}
	return nil
}

// pause stops further saves and returns once any in-flight save finished.
func (l *persistenceLoop) pause() {
	l.paused.Store(true)
	l.saveMu.Lock()
	l.saveMu.Unlock()
}

func (l *persistenceLoop) resume() {
	l.paused.Store(false)
}

// stop ends the schedule, waits for a running tick and, when final is set
// and the loop is not paused, performs one last save. Later calls are no-ops.
func (l *persistenceLoop) stop(final bool) {
	l.stopOnce.Do(func() {
		<-l.cron.Stop().Done()
		if final {
			l.saveNow(context.Background())
		} else {
			l.saveMu.Lock()
			l.saveMu.Unlock()
		}
		l.paused.Store(true)
	})
}
