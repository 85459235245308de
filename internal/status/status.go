// Package status provides a thread-safe status tracker for the heating controller.
// It is read by HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/heating-controller/internal/engine"
	"github.com/sweeney/heating-controller/internal/logic"
)

// NetworkInfo contains network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Mode             logic.Mode
	UpdateIntervalMs int64
	HeartbeatMs      int64
	Broker           string
	HTTPPort         string
	Database         string
	WSBroker         string // Websocket broker URL for browser MQTT (empty = disabled)
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Rooms         []engine.RoomStatus
	Counts        logic.EventCounts
	AIEnabled     bool
	Weather       string
	LastTick      time.Time
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether at least one tick has completed.
func (s Snapshot) Ready() bool {
	return !s.LastTick.IsZero()
}

// Room returns the status of room by short name.
func (s Snapshot) Room(name string) (engine.RoomStatus, bool) {
	for _, r := range s.Rooms {
		if r.Room == name {
			return r, true
		}
	}
	return engine.RoomStatus{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the outcome of a tick.
// Called from runLoop on every tick.
func (t *Tracker) Update(at time.Time, rooms []engine.RoomStatus, counts logic.EventCounts, aiEnabled bool, weather string) {
	t.mu.Lock()
	t.snap.LastTick = at
	t.snap.Rooms = rooms
	t.snap.Counts = counts
	t.snap.AIEnabled = aiEnabled
	t.snap.Weather = weather
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Rooms = append([]engine.RoomStatus(nil), t.snap.Rooms...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
