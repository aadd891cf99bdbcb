package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/broadcast"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/middleware"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstate"
)

// AllowedOrigins lists the origin patterns accepted for status streams.
// Empty means same-origin only.
var AllowedOrigins []string

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StreamStatus pushes the user's status changes over a websocket. The
// current state is sent first, then every later transition in order.
func StreamStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: AllowedOrigins,
	})
	if err != nil {
		log.Printf("[status] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	sub := Sessions.Subscribe(userID)
	defer Sessions.Unsubscribe(sub)

	// Client messages are ignored; reading only detects the close.
	ctx := conn.CloseRead(r.Context())

	st := Sessions.SessionState(userID)
	if err := writeMessage(ctx, conn, snapshotMessage(st, time.Now().UTC())); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sub.C:
			if !newerThan(msg, st.LastTransitionAt) {
				continue
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				log.Printf("[status] %s: write: %v", logging.Sanitize(userID), err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}

// snapshotMessage describes the current state. A user without any
// transition yet is reported as of now.
func snapshotMessage(st sessionstate.UserSession, now time.Time) broadcast.Message {
	ts := st.LastTransitionAt
	if ts.IsZero() {
		ts = now
	}
	return broadcast.Message{UserID: st.UserID, Status: string(st.Status), Timestamp: ts}
}

// newerThan reports whether msg happened after the snapshot taken at since.
// Messages queued between Subscribe and the snapshot are already covered by it.
func newerThan(msg broadcast.Message, since time.Time) bool {
	return since.IsZero() || msg.Timestamp.After(since)
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg broadcast.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
