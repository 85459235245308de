// Package mqtt connects the controller to the broker: room readings and
// overrides come in, actuator commands, targets and events go out.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/schedule"
)

// TopicPrefix is the root of every topic the controller uses.
const TopicPrefix = "heating"

// Fixed topics.
const (
	TopicEvents   = TopicPrefix + "/events"
	TopicSystem   = TopicPrefix + "/system"
	TopicAbsence  = TopicPrefix + "/absence/until"
	TopicOutside  = TopicPrefix + "/weather/outside"
	TopicAllBoost = TopicPrefix + "/all/boost"
	TopicAllPause = TopicPrefix + "/all/pause"
)

// Per-room topic suffixes.
const (
	suffixTemperature = "temperature"
	suffixHumidity    = "humidity"
	suffixEngineState = "engine/state"
	suffixEngineSet   = "engine/set"
	suffixTarget      = "target"
	suffixBoost       = "boost"
	suffixPause       = "pause"
)

// RoomTopic returns the topic of a per-room value. room may be short or
// canonical.
func RoomTopic(room, suffix string) string {
	return TopicPrefix + "/" + schedule.ShortRoom(room) + "/" + suffix
}

// CommandTopic is where the actuator command of room is published.
func CommandTopic(room string) string { return RoomTopic(room, suffixEngineSet) }

// TargetTopic is where the resolved target of room is published.
func TargetTopic(room string) string { return RoomTopic(room, suffixTarget) }

// Subscriptions lists the topic filters the controller consumes.
func Subscriptions() []string {
	return []string{
		TopicPrefix + "/+/" + suffixTemperature,
		TopicPrefix + "/+/" + suffixHumidity,
		TopicPrefix + "/+/" + suffixEngineState,
		TopicPrefix + "/+/" + suffixBoost,
		TopicPrefix + "/+/" + suffixPause,
		TopicAbsence,
		TopicOutside,
	}
}

// Publisher sends controller output to the broker.
type Publisher interface {
	// PublishCommand sends the actuator command of room (retained).
	PublishCommand(room string, on bool) error

	// PublishTarget sends the resolved target of room (retained).
	PublishTarget(room string, target logic.TempTarget) error

	// PublishEvent sends an actuator transition.
	PublishEvent(event logic.Event) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the message published for an actuator transition.
type Payload struct {
	Heating EventPayload `json:"heating"`
}

// EventPayload contains the transition details.
type EventPayload struct {
	Timestamp string `json:"timestamp"`
	Room      string `json:"room"`
	Event     string `json:"event"`
	State     string `json:"state"`
	Source    string `json:"source,omitempty"`
}

// FormatPayload creates the JSON payload for a transition event.
func FormatPayload(event logic.Event) ([]byte, error) {
	return json.Marshal(Payload{
		Heating: EventPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Room:      schedule.ShortRoom(event.Room),
			Event:     string(event.Type),
			State:     string(event.State),
			Source:    event.Source,
		},
	})
}

// FormatCommand returns the payload of an actuator command.
func FormatCommand(on bool) []byte {
	if on {
		return []byte(logic.StateOn)
	}
	return []byte(logic.StateOff)
}

// FormatTarget returns the payload of a resolved target.
func FormatTarget(t logic.TempTarget) ([]byte, error) {
	return json.Marshal(t)
}

// SystemPayload is used for simple events (LWT, RECONNECTED) that don't
// carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
