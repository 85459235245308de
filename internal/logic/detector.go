package logic

import (
	"sort"
	"time"
)

// Detector tracks the commanded actuator state of every room and detects
// transitions. Hold decisions never change state.
type Detector struct {
	rooms         map[string]State
	startTime     time.Time
	eventCounts   EventCounts
	lastHeartbeat time.Time
}

// NewDetector creates a new transition detector.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(startTime time.Time) *Detector {
	return &Detector{
		rooms:         make(map[string]State),
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Observe records the actuator state reported by the room (e.g. a relay
// read-back) without emitting an event. It establishes the baseline for a
// room the first time it is seen.
func (d *Detector) Observe(room string, on bool) {
	d.rooms[room] = boolToState(on)
}

// Process applies a decision and returns an event if it changed the
// commanded state of the room, nil otherwise.
func (d *Detector) Process(input Input) *Event {
	if input.Decision == Hold {
		return nil
	}
	newState := StateOff
	if input.Decision == Activate {
		newState = StateOn
	}

	old, known := d.rooms[input.Room]
	d.rooms[input.Room] = newState
	if known && old == newState {
		return nil
	}

	event := &Event{
		Timestamp: input.Time,
		Room:      input.Room,
		Type:      eventTypeForState(newState),
		State:     newState,
		Source:    input.Source,
	}
	switch event.Type {
	case EventEngineOn:
		d.eventCounts.On++
	case EventEngineOff:
		d.eventCounts.Off++
	}
	return event
}

func boolToState(b bool) State {
	if b {
		return StateOn
	}
	return StateOff
}

func eventTypeForState(s State) EventType {
	if s == StateOn {
		return EventEngineOn
	}
	return EventEngineOff
}

// State returns the last known state for a room.
func (d *Detector) State(room string) (State, bool) {
	s, ok := d.rooms[room]
	return s, ok
}

// Rooms returns the rooms seen so far, sorted.
func (d *Detector) Rooms() []string {
	out := make([]string, 0, len(d.rooms))
	for r := range d.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// EventCountsSnapshot returns the transition counts since startup.
func (d *Detector) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
