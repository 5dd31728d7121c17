package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventDecodeRejectsUnknownFields(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"type":"message_edited","payload":{"id":"m1","content":"x","pinned":true}}`), &ev); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var p EditMessagePayload
	err := ev.Decode(&p)
	if err == nil || !strings.Contains(err.Error(), "pinned") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestEventDecodeEmptyPayload(t *testing.T) {
	ev := Event{Type: TypePing}
	var p PingPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode empty ping: %v", err)
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	ev, err := NewEvent(TypeMessageDeleted, DeletedPayload{ID: "m1", RoomID: "r1"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	var got DeletedPayload
	if err := ev.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "m1" || got.RoomID != "r1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestMessageRecordExpired(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	m := MessageRecord{CreatedAt: created, ExpiresAt: created.Add(600 * time.Second)}
	if m.Expired(created.Add(599 * time.Second)) {
		t.Fatal("message should be live before expiry")
	}
	if !m.Expired(created.Add(600 * time.Second)) {
		t.Fatal("message should be expired at expiresAt")
	}
}
