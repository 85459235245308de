package mqtt

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/heating-controller/internal/schedule"
)

// ErrUnknownTopic is returned for messages on topics the controller ignores.
var ErrUnknownTopic = errors.New("mqtt: unknown topic")

// ErrNotFinite is returned for numeric payloads such as NaN or Inf.
var ErrNotFinite = errors.New("mqtt: reading is not finite")

const absenceLayout = "2006-01-02 15:04"

// Readings holds the latest values received from the broker. It is safe for
// concurrent use. Room keys are canonical ids.
type Readings struct {
	mu  sync.RWMutex
	loc *time.Location

	temps    map[string]float64
	humidity map[string]float64
	engine   map[string]bool
	boost    map[string]time.Time
	pause    map[string]time.Time
	boostAll time.Time
	pauseAll time.Time
	absence  time.Time
	outside  *float64
}

// NewReadings creates an empty store. loc is used for absence times without
// a zone; nil means time.Local.
func NewReadings(loc *time.Location) *Readings {
	if loc == nil {
		loc = time.Local
	}
	return &Readings{
		loc:      loc,
		temps:    make(map[string]float64),
		humidity: make(map[string]float64),
		engine:   make(map[string]bool),
		boost:    make(map[string]time.Time),
		pause:    make(map[string]time.Time),
	}
}

// HandleMessage applies one message. now is taken as the activation time of
// boost and pause overrides.
func (r *Readings) HandleMessage(topic string, payload []byte, now time.Time) error {
	value := strings.TrimSpace(string(payload))

	switch topic {
	case TopicAbsence:
		return r.setAbsence(value)
	case TopicOutside:
		if value == "" {
			r.mu.Lock()
			r.outside = nil
			r.mu.Unlock()
			return nil
		}
		v, err := parseReading(value)
		if err != nil {
			return fmt.Errorf("outside temperature %q: %w", value, err)
		}
		r.mu.Lock()
		r.outside = &v
		r.mu.Unlock()
		return nil
	case TopicAllBoost:
		return r.setGlobal(&r.boostAll, value, now)
	case TopicAllPause:
		return r.setGlobal(&r.pauseAll, value, now)
	}

	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/")
	if !ok {
		return ErrUnknownTopic
	}
	short, suffix, ok := strings.Cut(rest, "/")
	if !ok || short == "" {
		return ErrUnknownTopic
	}
	room := schedule.CanonicalRoom(short)

	switch suffix {
	case suffixTemperature, suffixHumidity:
		v, err := parseReading(value)
		if err != nil {
			return fmt.Errorf("%s %s %q: %w", short, suffix, value, err)
		}
		r.mu.Lock()
		if suffix == suffixTemperature {
			r.temps[room] = v
		} else {
			r.humidity[room] = v
		}
		r.mu.Unlock()
	case suffixEngineState:
		on, err := ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s engine state: %w", short, err)
		}
		r.mu.Lock()
		r.engine[room] = on
		r.mu.Unlock()
	case suffixBoost, suffixPause:
		on, err := ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s %s: %w", short, suffix, err)
		}
		m := r.boost
		if suffix == suffixPause {
			m = r.pause
		}
		r.mu.Lock()
		if on {
			m[room] = now
		} else {
			delete(m, room)
		}
		r.mu.Unlock()
	default:
		return ErrUnknownTopic
	}
	return nil
}

func parseReading(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

func (r *Readings) setGlobal(dst *time.Time, value string, now time.Time) error {
	on, err := ParseBool(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		*dst = now
	} else {
		*dst = time.Time{}
	}
	return nil
}

func (r *Readings) setAbsence(value string) error {
	var t time.Time
	switch strings.ToLower(value) {
	case "", "none", "off", "false":
	default:
		var err error
		t, err = time.Parse(time.RFC3339, value)
		if err != nil {
			t, err = time.ParseInLocation(absenceLayout, value, r.loc)
		}
		if err != nil {
			return fmt.Errorf("absence until %q: not RFC3339 or %q", value, absenceLayout)
		}
	}
	r.mu.Lock()
	r.absence = t
	r.mu.Unlock()
	return nil
}

// ParseBool accepts ON/OFF, true/false and 1/0 in any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// Temperature returns the last temperature of room.
func (r *Readings) Temperature(room string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.temps[schedule.CanonicalRoom(room)]
	return v, ok
}

// Humidity returns the last humidity of room, or nil.
func (r *Readings) Humidity(room string) *float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.humidity[schedule.CanonicalRoom(room)]; ok {
		return &v
	}
	return nil
}

// EngineState returns the last reported actuator state of room.
func (r *Readings) EngineState(room string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.engine[schedule.CanonicalRoom(room)]
	return v, ok
}

// OutsideTemperature returns the last weather reading, or nil.
func (r *Readings) OutsideTemperature() *float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.outside == nil {
		return nil
	}
	v := *r.outside
	return &v
}

// Boost returns when a boost of room was activated.
func (r *Readings) Boost(room string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.boost[schedule.CanonicalRoom(room)]
	return t, ok
}

// Pause returns when a pause of room was activated.
func (r *Readings) Pause(room string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.pause[schedule.CanonicalRoom(room)]
	return t, ok
}

// BoostAll returns when the global boost was activated.
func (r *Readings) BoostAll() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.boostAll, !r.boostAll.IsZero()
}

// PauseAll returns when the global pause was activated.
func (r *Readings) PauseAll() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pauseAll, !r.pauseAll.IsZero()
}

// AbsenceUntil returns the configured end of absence.
func (r *Readings) AbsenceUntil() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.absence, !r.absence.IsZero()
}

// ClearBoost removes the boost of room.
func (r *Readings) ClearBoost(room string) {
	r.mu.Lock()
	delete(r.boost, schedule.CanonicalRoom(room))
	r.mu.Unlock()
}

// ClearPause removes the pause of room.
func (r *Readings) ClearPause(room string) {
	r.mu.Lock()
	delete(r.pause, schedule.CanonicalRoom(room))
	r.mu.Unlock()
}

// ClearBoostAll removes the global boost.
func (r *Readings) ClearBoostAll() {
	r.mu.Lock()
	r.boostAll = time.Time{}
	r.mu.Unlock()
}

// ClearPauseAll removes the global pause.
func (r *Readings) ClearPauseAll() {
	r.mu.Lock()
	r.pauseAll = time.Time{}
	r.mu.Unlock()
}

// Rooms returns every room with a temperature reading, sorted.
func (r *Readings) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.temps))
	for room := range r.temps {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
