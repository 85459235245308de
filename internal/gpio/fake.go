package gpio

import (
	"fmt"
	"sync"

	"github.com/sweeney/heating-controller/internal/schedule"
)

// Write is a recorded relay change.
type Write struct {
	Room string
	On   bool
}

// FakeWriter is a test double that records relay writes.
type FakeWriter struct {
	mu    sync.Mutex
	rooms map[string]bool

	// States holds the last value written per room.
	States map[string]bool

	// Writes contains every Set call in order.
	Writes []Write

	// SetError, if set, will be returned by Set()
	SetError error

	// Closed tracks if Close was called
	Closed bool
}

var _ Writer = (*FakeWriter)(nil)

// NewFakeWriter creates a FakeWriter with relays for rooms. With no rooms
// every room is accepted.
func NewFakeWriter(rooms ...string) *FakeWriter {
	f := &FakeWriter{States: make(map[string]bool)}
	if len(rooms) > 0 {
		f.rooms = make(map[string]bool, len(rooms))
		for _, r := range rooms {
			f.rooms[schedule.CanonicalRoom(r)] = true
		}
	}
	return f
}

// Set records the write.
func (f *FakeWriter) Set(room string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SetError != nil {
		return f.SetError
	}
	room = schedule.CanonicalRoom(room)
	if f.rooms != nil && !f.rooms[room] {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	f.States[room] = on
	f.Writes = append(f.Writes, Write{Room: room, On: on})
	return nil
}

// State returns the last value written for room.
func (f *FakeWriter) State(room string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok := f.States[schedule.CanonicalRoom(room)]
	return on, ok
}

// Close switches every relay off and marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for room := range f.States {
		f.States[room] = false
	}
	f.Closed = true
	return nil
}

// Reset clears recorded writes.
func (f *FakeWriter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States = make(map[string]bool)
	f.Writes = nil
	f.Closed = false
	f.SetError = nil
}
