// Package logic contains pure business logic for room heating/cooling decisions.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Mode selects whether the installation heats or cools.
type Mode int

const (
	ModeHeating Mode = 0
	ModeCooling Mode = 1
)

func (m Mode) String() string {
	if m == ModeCooling {
		return "cooling"
	}
	return "heating"
}

// Decision is the outcome of one control evaluation for one room.
type Decision int

const (
	// Hold leaves the actuator in whatever state it was last commanded to.
	Hold Decision = iota
	Activate
	Deactivate
)

func (d Decision) String() string {
	switch d {
	case Activate:
		return "ON"
	case Deactivate:
		return "OFF"
	default:
		return "HOLD"
	}
}

// Until sentinels for TempTarget.
const (
	UntilBoost    = "boost"
	UntilPause    = "pause"
	UntilEndOfDay = "24:00"
)

// TempTarget is the resolved target temperature for a room and the HH:MM
// time (or sentinel) until which it is valid.
type TempTarget struct {
	Temp  float64 `json:"temp"`
	Until string  `json:"until"`
}

// State represents the logical state of a room's actuator.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// EventType represents an actuator transition event.
type EventType string

const (
	EventEngineOn  EventType = "ENGINE_ON"
	EventEngineOff EventType = "ENGINE_OFF"
)

// Event represents an actuator transition to be published.
type Event struct {
	Timestamp time.Time
	Room      string
	Type      EventType
	State     State
	// Source names the strategy that produced the decision ("classic", "ai", "weather").
	Source string
}

// Input is a single applied decision for one room.
type Input struct {
	Room     string
	Decision Decision
	Source   string
	Time     time.Time
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	On  int
	Off int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
