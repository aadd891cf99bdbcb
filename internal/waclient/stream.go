package waclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
)

// Source delivers the events of one user's runtime in emission order.
// Events is closed once Close returns.
type Source interface {
	Events() <-chan Event
	Close() error
}

// EndpointFunc resolves the current event stream URL of a runtime. It is
// called again before every reconnect since the runtime's address can
// change when it restarts.
type EndpointFunc func(ctx context.Context) (string, error)

type Connector interface {
	Connect(ctx context.Context, userID string, endpoint EndpointFunc) (Source, error)
}

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultBuffer      = 16
	readLimit          = 1 << 20
)

// WSConnector streams runtime events over a websocket, reconnecting with
// capped exponential backoff until the source is closed.
type WSConnector struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Buffer      int
}

func (c *WSConnector) Connect(ctx context.Context, userID string, endpoint EndpointFunc) (Source, error) {
	if endpoint == nil {
		return nil, errors.New("waclient: nil endpoint")
	}
	buffer := c.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &wsStream{
		userID:   userID,
		endpoint: endpoint,
		events:   make(chan Event, buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
		base:     c.BaseBackoff,
		max:      c.MaxBackoff,
	}
	go s.run(streamCtx)
	return s, nil
}

type wsStream struct {
	userID   string
	endpoint EndpointFunc
	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	base     time.Duration
	max      time.Duration

	closeOnce sync.Once
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *wsStream) pause() time.Duration {
	if s.base > 0 {
		return s.base
	}
	return defaultBaseBackoff
}

func (s *wsStream) backoff() retry.Backoff {
	base, limit := s.base, s.max
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	return retry.WithCappedDuration(limit, retry.WithJitterPercent(10, retry.NewExponential(base)))
}

func (s *wsStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	user := logging.Sanitize(s.userID)
	for ctx.Err() == nil {
		var conn *websocket.Conn
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			url, err := s.endpoint(ctx)
			if err != nil {
				return retry.RetryableError(fmt.Errorf("resolve endpoint: %w", err))
			}
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, _, err := websocket.Dial(dialCtx, url, nil)
			if err != nil {
				log.Printf("[waclient] %s: dial %s: %v", user, url, err)
				return retry.RetryableError(err)
			}
			conn = c
			return nil
		})
		if err != nil {
			return
		}

		log.Printf("[waclient] %s: event stream connected", user)
		err = s.read(ctx, conn)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[waclient] %s: event stream lost: %v", user, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pause()):
		}
	}
}

func (s *wsStream) read(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok := ParseFrame(s.userID, data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
