package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/heating-controller/internal/engine"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Mode          string       `json:"mode"`
	Ready         bool         `json:"ready"`
	AIEnabled     bool         `json:"ai_enabled"`
	Weather       string       `json:"weather,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	LastTick      string       `json:"last_tick,omitempty"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Rooms         []RoomJSON   `json:"rooms"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	EngineOn  int `json:"engine_on"`
	EngineOff int `json:"engine_off"`
}

// RoomJSON is the JSON representation of one room.
type RoomJSON struct {
	Room        string   `json:"room"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Target      float64  `json:"target"`
	Until       string   `json:"until"`
	Engine      string   `json:"engine"`
	Decision    string   `json:"decision"`
	Source      string   `json:"source,omitempty"`
	Boosted     bool     `json:"boosted,omitempty"`
	Paused      bool     `json:"paused,omitempty"`
	Skipped     string   `json:"skipped,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	UpdateIntervalMs int64  `json:"update_interval_ms"`
	HeartbeatMs      int64  `json:"heartbeat_ms"`
	Broker           string `json:"broker"`
	HTTPPort         string `json:"http_port"`
	Database         string `json:"database,omitempty"`
	WSBroker         string `json:"ws_broker,omitempty"`
}

// NewRoomJSON converts a room status for output.
func NewRoomJSON(r engine.RoomStatus) RoomJSON {
	state := "OFF"
	if r.EngineOn {
		state = "ON"
	}
	return RoomJSON{
		Room:        r.Room,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Target:      r.Target.Temp,
		Until:       r.Target.Until,
		Engine:      state,
		Decision:    r.Decision,
		Source:      r.Source,
		Boosted:     r.Boosted,
		Paused:      r.Paused,
		Skipped:     r.Skipped,
	}
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Mode:          snap.Config.Mode.String(),
		Ready:         snap.Ready(),
		AIEnabled:     snap.AIEnabled,
		Weather:       snap.Weather,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			EngineOn:  snap.Counts.On,
			EngineOff: snap.Counts.Off,
		},
		Rooms: make([]RoomJSON, 0, len(snap.Rooms)),
		Config: ConfigJSON{
			UpdateIntervalMs: snap.Config.UpdateIntervalMs,
			HeartbeatMs:      snap.Config.HeartbeatMs,
			Broker:           snap.Config.Broker,
			HTTPPort:         snap.Config.HTTPPort,
			Database:         snap.Config.Database,
			WSBroker:         snap.Config.WSBroker,
		},
	}
	if snap.Ready() {
		inner.LastTick = snap.LastTick.UTC().Format(time.RFC3339)
	}
	for _, r := range snap.Rooms {
		inner.Rooms = append(inner.Rooms, NewRoomJSON(r))
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
