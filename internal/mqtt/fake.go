package mqtt

import (
	"github.com/sweeney/heating-controller/internal/logic"
)

// Command is a recorded actuator command.
type Command struct {
	Room string
	On   bool
}

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	// Commands contains every actuator command in order.
	Commands []Command

	// Targets holds the last published target per room.
	Targets map[string]logic.TempTarget

	// Events contains all transition events that were published.
	Events []logic.Event

	// Payloads contains the JSON payloads of Events.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, is returned by PublishCommand, PublishTarget and PublishEvent.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Targets: make(map[string]logic.TempTarget)}
}

func (f *FakePublisher) PublishCommand(room string, on bool) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Commands = append(f.Commands, Command{Room: room, On: on})
	return nil
}

func (f *FakePublisher) PublishTarget(room string, target logic.TempTarget) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Targets[room] = target
	return nil
}

func (f *FakePublisher) PublishEvent(event logic.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// LastCommand returns the most recent command for room.
func (f *FakePublisher) LastCommand(room string) (Command, bool) {
	for i := len(f.Commands) - 1; i >= 0; i-- {
		if f.Commands[i].Room == room {
			return f.Commands[i], true
		}
	}
	return Command{}, false
}

// Reset clears recorded messages and injected errors.
func (f *FakePublisher) Reset() {
	f.Commands = nil
	f.Targets = make(map[string]logic.TempTarget)
	f.Events = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
