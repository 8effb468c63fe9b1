package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/platform/websocket"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestNew(t *testing.T) {
	h, e := uuid.New(), uuid.New()
	ev := New(IntakeQueued, h, e, map[string]int{"position": 3})

	if ev.ID == "" || ev.Type != IntakeQueued || ev.HospitalID != h.String() || ev.EntityID != e.String() {
		t.Errorf("unexpected event %+v", ev)
	}
	var data map[string]int
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["position"] != 3 {
		t.Errorf("unexpected payload %s", ev.Data)
	}

	if ev := New(QueueCleared, h, uuid.Nil, nil); ev.EntityID != "" || ev.Data != nil {
		t.Errorf("expected empty entity and data, got %+v", ev)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("down")}
	err := Multi{ok, bad}.Publish(context.Background(), Event{Type: AlertCreated})

	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Error("expected every publisher to be called")
	}
}

func TestEmit_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	Emit(context.Background(), &recordingPublisher{err: errors.New("down")}, zerolog.New(&buf), Event{Type: IntakeQueued})

	if !strings.Contains(buf.String(), "event publish failed") {
		t.Errorf("expected warning log, got %s", buf.String())
	}

	// nil publisher is tolerated
	Emit(context.Background(), nil, zerolog.Nop(), Event{})
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Publish(context.Background(), Event{}); err != nil {
		t.Fatal(err)
	}
}

func TestSubject(t *testing.T) {
	ev := Event{Type: IntakeQueued, HospitalID: "h1"}
	if got := subject("careline", ev); got != "careline.intake.queued.h1" {
		t.Errorf("unexpected subject %s", got)
	}
	if got := subject("", Event{Type: AlertCreated}); got != "alert.created" {
		t.Errorf("unexpected subject %s", got)
	}
}

func TestTopicFor(t *testing.T) {
	h := uuid.NewString()
	tests := []struct {
		typ  string
		want string
	}{
		{IntakeQueued, websocket.QueueTopic(h)},
		{IntakeCompleted, websocket.QueueTopic(h)},
		{QueueCleared, websocket.QueueTopic(h)},
		{AlertCreated, websocket.AlertsTopic(h)},
		{AlertStatusChanged, websocket.AlertsTopic(h)},
		{"other", ""},
	}
	for _, tt := range tests {
		if got := topicFor(Event{Type: tt.typ, HospitalID: h}); got != tt.want {
			t.Errorf("topicFor(%s) = %q, want %q", tt.typ, got, tt.want)
		}
	}
	if topicFor(Event{Type: IntakeQueued}) != "" {
		t.Error("events without hospital have no topic")
	}
}

func TestHubPublisher_Broadcasts(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	h := uuid.New()
	client := &websocket.Client{ID: "c", Topics: []string{websocket.QueueTopic(h.String())}, Send: make(chan []byte, 1)}
	hub.Register(client)

	entry := uuid.New()
	if err := NewHubPublisher(hub).Publish(context.Background(), New(IntakeQueued, h, entry, nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-client.Send:
		var got websocket.Event
		json.Unmarshal(data, &got)
		if got.Type != IntakeQueued || got.EntityID != entry.String() {
			t.Errorf("unexpected frame %+v", got)
		}
	default:
		t.Fatal("expected a frame on the queue topic")
	}
}

func TestNewNATSPublisher_ConnectFailure(t *testing.T) {
	cfg := DefaultNATSConfig("nats://127.0.0.1:1")
	cfg.MaxReconnects = 0
	cfg.ConnectTimeout = 200 * time.Millisecond
	if _, err := NewNATSPublisher(cfg, zerolog.Nop()); err == nil {
		t.Error("expected connection error")
	}
}
