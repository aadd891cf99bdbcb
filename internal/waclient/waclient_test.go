package waclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantOK    bool
		wantType  EventType
		challenge string
		reason    string
	}{
		{"native qr", `{"event":"qr","data":"2@abc"}`, true, EventChallengeIssued, "2@abc", ""},
		{"canonical challenge", `{"type":"challenge-issued","qr":"2@def"}`, true, EventChallengeIssued, "2@def", ""},
		{"qr without token", `{"event":"qr"}`, false, "", "", ""},
		{"authenticated", `{"event":"authenticated"}`, true, EventAuthenticated, "", ""},
		{"ready", `{"event":"READY"}`, true, EventReady, "", ""},
		{"auth failure", `{"event":"auth_failure","message":"bad session"}`, true, EventAuthFailed, "", "bad session"},
		{"disconnected", `{"event":"disconnected","reason":"LOGOUT"}`, true, EventDisconnected, "", "LOGOUT"},
		{"unknown", `{"event":"message","data":"hi"}`, false, "", "", ""},
		{"malformed", `not json`, false, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ParseFrame("u1", []byte(tt.frame))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.UserID != "u1" || ev.Type != tt.wantType || ev.Challenge != tt.challenge || ev.Reason != tt.reason {
				t.Errorf("unexpected event: %+v", ev)
			}
			if ev.At.IsZero() {
				t.Error("event time not set")
			}
		})
	}
}

func TestParseFrameTimestamp(t *testing.T) {
	ev, ok := ParseFrame("u1", []byte(`{"event":"ready","timestamp":1700000000000}`))
	if !ok {
		t.Fatal("expected frame to parse")
	}
	if !ev.At.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("At = %v", ev.At)
	}
}

func TestIsLogout(t *testing.T) {
	for _, r := range []string{"logout", "LOGOUT", " Logout "} {
		if !IsLogout(r) {
			t.Errorf("IsLogout(%q) = false", r)
		}
	}
	for _, r := range []string{"", "NAVIGATION", "conflict", "logged out"} {
		if IsLogout(r) {
			t.Errorf("IsLogout(%q) = true", r)
		}
	}
}

func TestRenderChallenge(t *testing.T) {
	url, err := RenderChallenge("2@token,key,secret")
	if err != nil {
		t.Fatalf("RenderChallenge: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected data URL prefix: %.40s", url)
	}
}

// eventServer serves the given frames on every connection, then closes it.
func eventServer(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := conns.Add(1)
		for _, f := range frames {
			f = strings.ReplaceAll(f, "$N", string(rune('0'+n)))
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestWSConnectorDeliversEventsInOrder(t *testing.T) {
	srv, _ := eventServer(t,
		`{"event":"qr","data":"tok-$N"}`,
		`{"event":"noise"}`,
		`{"event":"authenticated"}`,
		`{"event":"ready"}`,
	)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := &WSConnector{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	src, err := c.Connect(context.Background(), "u1", func(context.Context) (string, error) { return wsURL, nil })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Close()

	want := []EventType{EventChallengeIssued, EventAuthenticated, EventReady}
	for i, typ := range want {
		select {
		case ev := <-src.Events():
			if ev.Type != typ {
				t.Fatalf("event %d = %s, want %s", i, ev.Type, typ)
			}
			if i == 0 && ev.Challenge != "tok-1" {
				t.Errorf("challenge = %q, want tok-1", ev.Challenge)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestWSConnectorReconnects(t *testing.T) {
	srv, conns := eventServer(t, `{"event":"qr","data":"tok-$N"}`)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var resolves atomic.Int32
	c := &WSConnector{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	src, err := c.Connect(context.Background(), "u1", func(context.Context) (string, error) {
		resolves.Add(1)
		return wsURL, nil
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, want := range []string{"tok-1", "tok-2"} {
		select {
		case ev := <-src.Events():
			if ev.Challenge != want {
				t.Fatalf("challenge = %q, want %q", ev.Challenge, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for range src.Events() {
	}
	if conns.Load() < 2 || resolves.Load() < 2 {
		t.Errorf("expected reconnects, conns=%d resolves=%d", conns.Load(), resolves.Load())
	}
}

func TestWSConnectorCloseWhileUnreachable(t *testing.T) {
	c := &WSConnector{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	src, err := c.Connect(context.Background(), "u1", func(context.Context) (string, error) {
		return "ws://127.0.0.1:1/events", nil
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		src.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if _, ok := <-src.Events(); ok {
		t.Error("expected events channel to be closed")
	}
}
