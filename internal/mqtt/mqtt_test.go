package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/heating-controller/internal/logic"
)

func TestFormatPayload(t *testing.T) {
	event := logic.Event{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Room:      "enum.rooms.office",
		Type:      logic.EventEngineOn,
		State:     logic.StateOn,
		Source:    "ai",
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"heating":{"timestamp":"2026-02-02T22:18:12Z","room":"office","event":"ENGINE_ON","state":"ON","source":"ai"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	event := logic.Event{
		Timestamp: time.Date(2026, 2, 2, 23, 18, 12, 0, loc),
		Room:      "hall",
		Type:      logic.EventEngineOff,
		State:     logic.StateOff,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Heating.Timestamp != "2026-02-02T22:18:12Z" {
		t.Errorf("unexpected timestamp: %s", parsed.Heating.Timestamp)
	}
	if parsed.Heating.Source != "" {
		t.Errorf("expected empty source, got %s", parsed.Heating.Source)
	}
}

func TestFormatCommandAndTarget(t *testing.T) {
	if got := string(FormatCommand(true)); got != "ON" {
		t.Errorf("FormatCommand(true) = %s", got)
	}
	if got := string(FormatCommand(false)); got != "OFF" {
		t.Errorf("FormatCommand(false) = %s", got)
	}

	payload, err := FormatTarget(logic.TempTarget{Temp: 21.5, Until: "09:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != `{"temp":21.5,"until":"09:00"}` {
		t.Errorf("unexpected target payload: %s", payload)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-03T10:30:45Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     "RECONNECTED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "HEARTBEAT", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload not passed through: %s", payload)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{CommandTopic("enum.rooms.office"), "heating/office/engine/set"},
		{CommandTopic("office"), "heating/office/engine/set"},
		{TargetTopic("hall"), "heating/hall/target"},
		{RoomTopic("hall", "temperature"), "heating/hall/temperature"},
		{TopicEvents, "heating/events"},
		{TopicSystem, "heating/system"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}

	subs := Subscriptions()
	if len(subs) != 7 {
		t.Fatalf("expected 7 subscriptions, got %d", len(subs))
	}
	for _, s := range subs {
		if s == TopicEvents || s == TopicSystem {
			t.Errorf("controller must not subscribe to its own output %s", s)
		}
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	event := logic.Event{Room: "enum.rooms.office", Type: logic.EventEngineOn, State: logic.StateOn}

	if err := f.PublishCommand("enum.rooms.office", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.PublishCommand("enum.rooms.hall", false)
	f.PublishCommand("enum.rooms.office", false)
	f.PublishTarget("enum.rooms.office", logic.TempTarget{Temp: 20, Until: "24:00"})
	f.PublishEvent(event)
	f.PublishSystem(SystemEvent{Event: "STARTUP"})

	if len(f.Commands) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(f.Commands))
	}
	last, ok := f.LastCommand("enum.rooms.office")
	if !ok || last.On {
		t.Errorf("expected last office command OFF, got %+v", last)
	}
	if _, ok := f.LastCommand("enum.rooms.kitchen"); ok {
		t.Error("unexpected command for kitchen")
	}
	if f.Targets["enum.rooms.office"].Temp != 20 {
		t.Errorf("unexpected target: %+v", f.Targets["enum.rooms.office"])
	}
	if len(f.Events) != 1 || len(f.Payloads) != 1 {
		t.Errorf("expected 1 event, got %d", len(f.Events))
	}
	if len(f.SystemEvents) != 1 || len(f.SystemPayloads) != 1 {
		t.Errorf("expected 1 system event, got %d", len(f.SystemEvents))
	}

	f.Reset()
	if len(f.Commands) != 0 || len(f.Targets) != 0 || len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("reset did not clear recorded messages")
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.PublishCommand("office", true); err == nil {
		t.Error("expected command error")
	}
	if err := f.PublishTarget("office", logic.TempTarget{}); err == nil {
		t.Error("expected target error")
	}
	if err := f.PublishEvent(logic.Event{}); err == nil {
		t.Error("expected event error")
	}
	if err := f.PublishSystem(SystemEvent{}); err == nil {
		t.Error("expected system error")
	}
	if len(f.Commands) != 0 || len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes must not be recorded")
	}

	f.Close()
	if !f.Closed {
		t.Error("expected Closed")
	}
}
