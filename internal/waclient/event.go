// Package waclient turns a messaging-client runtime's event stream into
// typed session events.
package waclient

import (
	"encoding/json"
	"strings"
	"time"
)

type EventType string

const (
	EventChallengeIssued EventType = "challenge-issued"
	EventAuthenticated   EventType = "authenticated"
	EventReady           EventType = "ready"
	EventAuthFailed      EventType = "auth-failed"
	EventDisconnected    EventType = "disconnected"
)

// Event is one lifecycle event of a user's client session. Challenge is set
// for EventChallengeIssued; Reason for EventAuthFailed and EventDisconnected.
type Event struct {
	UserID    string
	Type      EventType
	Challenge string
	Reason    string
	At        time.Time
}

// IsLogout reports whether a disconnect reason means the user logged out
// deliberately.
func IsLogout(reason string) bool {
	return strings.EqualFold(strings.TrimSpace(reason), "logout")
}

// frame is the JSON message pushed by the runtime. The client inside the
// runtime forwards its native event names; the canonical names are
// accepted too.
type frame struct {
	Event   string `json:"event"`
	Type    string `json:"type"`
	Data    string `json:"data"`
	QR      string `json:"qr"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	At      int64  `json:"timestamp"`
}

var frameTypes = map[string]EventType{
	"qr":                         EventChallengeIssued,
	string(EventChallengeIssued): EventChallengeIssued,
	"authenticated":              EventAuthenticated,
	"ready":                      EventReady,
	"auth_failure":               EventAuthFailed,
	string(EventAuthFailed):      EventAuthFailed,
	"disconnected":               EventDisconnected,
}

// ParseFrame decodes one runtime frame. It returns false for malformed
// frames and event names that carry no session lifecycle meaning.
func ParseFrame(userID string, data []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, false
	}
	name := f.Event
	if name == "" {
		name = f.Type
	}
	typ, ok := frameTypes[strings.ToLower(name)]
	if !ok {
		return Event{}, false
	}

	ev := Event{UserID: userID, Type: typ, At: time.Now().UTC()}
	if f.At > 0 {
		ev.At = time.UnixMilli(f.At).UTC()
	}
	switch typ {
	case EventChallengeIssued:
		ev.Challenge = firstNonEmpty(f.QR, f.Data)
		if ev.Challenge == "" {
			return Event{}, false
		}
	case EventAuthFailed, EventDisconnected:
		ev.Reason = firstNonEmpty(f.Reason, f.Message, f.Data)
	}
	return ev, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
