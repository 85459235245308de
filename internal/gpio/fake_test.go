package gpio

import (
	"errors"
	"testing"
)

func TestFakeWriterSet(t *testing.T) {
	f := NewFakeWriter("office", "hall")

	writes := []Write{
		{Room: "office", On: true},
		{Room: "enum.rooms.hall", On: true},
		{Room: "office", On: false},
	}
	for _, w := range writes {
		if err := f.Set(w.Room, w.On); err != nil {
			t.Fatalf("Set(%s, %v): unexpected error: %v", w.Room, w.On, err)
		}
	}

	if len(f.Writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(f.Writes))
	}
	if f.Writes[1].Room != "enum.rooms.hall" {
		t.Errorf("writes should use canonical ids, got %s", f.Writes[1].Room)
	}
	if on, ok := f.State("office"); !ok || on {
		t.Errorf("office: expected (false, true), got (%v, %v)", on, ok)
	}
	if on, ok := f.State("hall"); !ok || !on {
		t.Errorf("hall: expected (true, true), got (%v, %v)", on, ok)
	}
}

func TestFakeWriterUnknownRoom(t *testing.T) {
	f := NewFakeWriter("office")

	err := f.Set("kitchen", true)
	if !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("expected ErrUnknownRoom, got %v", err)
	}
	if len(f.Writes) != 0 {
		t.Error("rejected write must not be recorded")
	}
}

func TestFakeWriterAcceptsAnyRoom(t *testing.T) {
	f := NewFakeWriter()
	if err := f.Set("kitchen", true); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeWriterError(t *testing.T) {
	f := NewFakeWriter()
	f.SetError = errors.New("simulated error")

	err := f.Set("office", true)
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeWriterClose(t *testing.T) {
	f := NewFakeWriter()
	f.Set("office", true)

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
	if on, _ := f.State("office"); on {
		t.Error("close should switch relays off")
	}
}

func TestFakeWriterReset(t *testing.T) {
	f := NewFakeWriter()
	f.Set("office", true)
	f.Close()

	f.Reset()

	if len(f.Writes) != 0 || f.Closed {
		t.Error("reset did not clear state")
	}
	if _, ok := f.State("office"); ok {
		t.Error("reset did not clear states")
	}
}
