package clients

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/any-hub/offline-hub/internal/logging"
)

func drain(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	default:
		t.Fatalf("expected pending event for client %s", c.ID())
		return Event{}
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub(logging.Discard())
	a := hub.Register("/")
	b := hub.Register("/map")

	delivered := hub.Broadcast("OFFLINE_SYNC_COMPLETE", map[string]int{"syncedCount": 2})
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	for _, c := range []*Client{a, b} {
		ev := drain(t, c)
		if ev.Type != "OFFLINE_SYNC_COMPLETE" || string(ev.Data) != `{"syncedCount":2}` {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := hub.Register("/")
	hub.Unregister(c.ID())
	hub.Unregister(c.ID())

	if _, ok := <-c.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	if hub.Count() != 0 {
		t.Fatalf("expected empty hub")
	}
	if hub.Broadcast("X", nil) != 0 {
		t.Fatalf("no clients should receive broadcasts")
	}
}

func TestClaimUpdatesControllerAndBroadcasts(t *testing.T) {
	hub := NewHub(logging.Discard())
	early := hub.Register("/")

	if n := hub.Claim("v2"); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	ev := drain(t, early)
	if ev.Type != MessageControllerChange {
		t.Fatalf("unexpected event type %s", ev.Type)
	}
	late := hub.Register("/late")
	for _, info := range hub.List() {
		if info.Controller != "v2" {
			t.Fatalf("client %s not controlled by v2", info.ID)
		}
	}
	_ = late
}

func TestOpenWindowFocusesMatchingClient(t *testing.T) {
	hub := NewHub(logging.Discard())
	home := hub.Register("/")
	alerts := hub.Register("/alerts")

	res := hub.OpenWindow("/alerts")
	if res.Action != "focus" || res.ClientID != alerts.ID() {
		t.Fatalf("expected focus on alerts client, got %+v", res)
	}
	ev := drain(t, alerts)
	if ev.Type != MessageFocus {
		t.Fatalf("expected FOCUS, got %s", ev.Type)
	}
	select {
	case ev := <-home.Events():
		t.Fatalf("home client must not receive %s", ev.Type)
	default:
	}
}

func TestOpenWindowNavigatesWhenNoMatch(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := hub.Register("/")

	res := hub.OpenWindow("/alerts/42")
	if res.Action != "navigate" || res.ClientID != c.ID() {
		t.Fatalf("expected navigate, got %+v", res)
	}
	ev := drain(t, c)
	var payload map[string]string
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != MessageNavigate || payload["url"] != "/alerts/42" {
		t.Fatalf("unexpected navigate event %+v", payload)
	}
	if hub.List()[0].URL != "/alerts/42" {
		t.Fatalf("expected client url to follow navigation")
	}
}

func TestOpenWindowWithoutClients(t *testing.T) {
	hub := NewHub(logging.Discard())
	res := hub.OpenWindow("")
	if res.Action != "none" || res.URL != "/" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := hub.Register("/")
	for i := 0; i < defaultBuffer; i++ {
		hub.Broadcast("X", i)
	}
	if n := hub.Broadcast("X", "overflow"); n != 0 {
		t.Fatalf("expected overflow to be dropped, delivered=%d", n)
	}
	if len(c.Events()) != defaultBuffer {
		t.Fatalf("unexpected buffered count %d", len(c.Events()))
	}
}

func TestWriteEventFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	if err := WriteEvent(w, Event{Type: "NOTIFICATION", Data: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "event: NOTIFICATION\ndata: {\"a\":1}\n\n" {
		t.Fatalf("unexpected frame %q", buf.String())
	}
}
