// Package history turns a stream of per-room temperature measurements into
// heating cycles, thermal profiles and training data.
package history

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/clock"
)

const (
	// DrainWindow is how long measurements are still collected after the
	// actuator stops, to observe overshoot.
	DrainWindow = 30 * time.Minute
	// MaxCyclesPerRoom bounds the stored cycles; the oldest is evicted first.
	MaxCyclesPerRoom = 100
	// ProfileWindow is the number of recent cycles a profile averages over.
	ProfileWindow = 20
	// MinMeasurements is the smallest cycle that is kept.
	MinMeasurements = 5
	// FullConfidenceCycles is the cycle count at which confidence reaches 1.
	FullConfidenceCycles = 20
	// PredictionHorizon is the look-ahead of training labels.
	PredictionHorizon = 30 * time.Minute

	recentRateLookback = 3
	overshootFlag      = 0.1
	saveTimeout        = 30 * time.Second
)

type openCycle struct {
	phase        Phase
	start        time.Time
	measurements []Measurement
	deadline     time.Time
	timer        Timer
}

// Service owns cycles and profiles for every room. It is safe for concurrent
// use; drain completion runs on timer goroutines.
type Service struct {
	mu       sync.Mutex
	open     map[string]*openCycle
	cycles   map[string][]Cycle
	profiles map[string]Profile
	trained  map[string]time.Time

	saver     Saver
	logger    *zap.Logger
	clock     clock.Clock
	afterFunc AfterFunc
	onCycle   func(Cycle)
	saves     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to timestamp measurements.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAfterFunc replaces time.AfterFunc for drain completion.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Service) { s.afterFunc = f }
}

// WithCycleHook registers f to be called for every kept cycle. It runs
// outside the service lock.
func WithCycleHook(f func(Cycle)) Option {
	return func(s *Service) { s.onCycle = f }
}

// NewService creates a history service. saver may be nil.
func NewService(saver Saver, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		open:     make(map[string]*openCycle),
		cycles:   make(map[string][]Cycle),
		profiles: make(map[string]Profile),
		trained:  make(map[string]time.Time),
		saver:    saver,
		logger:   logger,
		clock:    clock.RealClock{},
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordMeasurement feeds one sample into the room's state machine.
// humidity and outside may be nil.
func (s *Service) RecordMeasurement(room string, temp, target float64, engineOn bool, humidity, outside *float64) {
	if !finite(temp) || !finite(target) {
		s.logger.Debug("non-finite measurement dropped", zap.String("room", room),
			zap.Float64("temp", temp), zap.Float64("target", target))
		return
	}
	if humidity != nil && !finite(*humidity) {
		humidity = nil
	}
	if outside != nil && !finite(*outside) {
		outside = nil
	}
	now := s.clock.Now()
	m := Measurement{
		Timestamp:          now,
		Temperature:        temp,
		TargetTemperature:  target,
		Humidity:           humidity,
		OutsideTemperature: outside,
		EngineState:        engineOn,
	}

	s.mu.Lock()
	var done *Cycle
	oc := s.open[room]
	if oc != nil && oc.phase == PhaseDraining && !now.Before(oc.deadline) {
		done = s.completeLocked(room, oc)
		oc = nil
	}

	switch {
	case oc == nil:
		if engineOn {
			s.open[room] = &openCycle{phase: PhaseHeating, start: now, measurements: []Measurement{m}}
			s.logger.Debug("cycle started", zap.String("room", room), zap.Float64("temp", temp))
		}
	case oc.phase == PhaseHeating && !engineOn:
		oc.measurements = append(oc.measurements, m)
		oc.phase = PhaseDraining
		oc.deadline = now.Add(DrainWindow)
		oc.timer = s.afterFunc(DrainWindow, func() { s.completeDrain(room, oc) })
		s.logger.Debug("actuator stopped, tracking overshoot", zap.String("room", room))
	default:
		oc.measurements = append(oc.measurements, m)
	}
	s.mu.Unlock()

	s.notify(done)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (s *Service) completeDrain(room string, oc *openCycle) {
	s.mu.Lock()
	var done *Cycle
	if s.open[room] == oc && oc.phase == PhaseDraining {
		done = s.completeLocked(room, oc)
	}
	s.mu.Unlock()
	s.notify(done)
}

// Sweep completes every drain whose window has elapsed and returns how many
// cycles were closed (kept or discarded).
func (s *Service) Sweep() int {
	now := s.clock.Now()
	var done []*Cycle
	n := 0

	s.mu.Lock()
	for room, oc := range s.open {
		if oc.phase != PhaseDraining || now.Before(oc.deadline) {
			continue
		}
		n++
		if c := s.completeLocked(room, oc); c != nil {
			done = append(done, c)
		}
	}
	s.mu.Unlock()

	for _, c := range done {
		s.notify(c)
	}
	return n
}

func (s *Service) notify(c *Cycle) {
	if c != nil && s.onCycle != nil {
		s.onCycle(*c)
	}
}

// completeLocked closes the open cycle of room. It returns the stored cycle,
// or nil when the cycle was discarded.
func (s *Service) completeLocked(room string, oc *openCycle) *Cycle {
	delete(s.open, room)
	if oc.timer != nil {
		oc.timer.Stop()
	}

	if len(oc.measurements) < MinMeasurements {
		s.logger.Debug("discarding short cycle",
			zap.String("room", room),
			zap.Int("measurements", len(oc.measurements)))
		return nil
	}
	c, ok := analyze(room, oc.start, oc.measurements)
	if !ok {
		return nil
	}

	cycles := append(s.cycles[room], c)
	if len(cycles) > MaxCyclesPerRoom {
		cycles = cycles[len(cycles)-MaxCyclesPerRoom:]
	}
	s.cycles[room] = cycles

	s.logger.Info("cycle completed",
		zap.String("room", room),
		zap.String("cycle", c.ID),
		zap.Float64("duration_min", c.Duration),
		zap.Float64("start_temp", c.StartTemp),
		zap.Float64("max_temp", c.MaxTemp),
		zap.Float64("overshoot", c.Overshoot))

	s.updateProfileLocked(room)
	s.persistLocked()
	return &c
}

func analyze(room string, start time.Time, ms []Measurement) (Cycle, bool) {
	var heating, cooling []Measurement
	for _, m := range ms {
		if m.EngineState {
			heating = append(heating, m)
		} else {
			cooling = append(cooling, m)
		}
	}
	if len(heating) == 0 {
		return Cycle{}, false
	}

	last := ms[len(ms)-1]
	c := Cycle{
		ID:           uuid.NewString(),
		Room:         room,
		StartTime:    start,
		EndTime:      last.Timestamp,
		Measurements: ms,
		Duration:     last.Timestamp.Sub(start).Minutes(),
		StartTemp:    heating[0].Temperature,
		TargetTemp:   heating[0].TargetTemperature,
		EndTemp:      last.Temperature,
		MaxTemp:      math.Inf(-1),
		HeatingRate:  ratePerHour(heating),
		CooldownRate: ratePerHour(cooling),
	}
	for i, m := range ms {
		if !m.EngineState && i > 0 {
			c.EndTemp = ms[i-1].Temperature
			break
		}
	}

	var outsideSum float64
	var outsideN int
	for _, m := range ms {
		c.MaxTemp = math.Max(c.MaxTemp, m.Temperature)
		if m.OutsideTemperature != nil {
			outsideSum += *m.OutsideTemperature
			outsideN++
		}
	}
	c.Overshoot = math.Max(0, c.MaxTemp-c.TargetTemp)
	if outsideN > 0 {
		avg := outsideSum / float64(outsideN)
		c.AvgOutsideTemp = &avg
	}
	return c, true
}

// ratePerHour is the temperature change between the first and last sample
// divided by the elapsed hours, 0 when undefined.
func ratePerHour(ms []Measurement) float64 {
	if len(ms) < 2 {
		return 0
	}
	first, last := ms[0], ms[len(ms)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours <= 0 {
		return 0
	}
	return (last.Temperature - first.Temperature) / hours
}

func (s *Service) updateProfileLocked(room string) {
	cycles := s.cycles[room]
	if len(cycles) == 0 {
		return
	}
	recent := cycles
	if len(recent) > ProfileWindow {
		recent = recent[len(recent)-ProfileWindow:]
	}

	var heating, cooldown, overshoot, duration float64
	for _, c := range recent {
		heating += c.HeatingRate
		cooldown += c.CooldownRate
		overshoot += c.Overshoot
		duration += c.Duration
	}
	n := float64(len(recent))
	p := Profile{
		Room:             room,
		LastUpdated:      s.clock.Now(),
		AvgHeatingRate:   heating / n,
		AvgCooldownRate:  math.Abs(cooldown / n),
		ThermalInertia:   duration / n * 0.63,
		TypicalOvershoot: overshoot / n,
		CycleCount:       len(cycles),
		Confidence:       math.Min(1, float64(len(cycles))/FullConfidenceCycles),
	}
	s.profiles[room] = p

	s.logger.Info("profile updated",
		zap.String("room", room),
		zap.Float64("heating_rate", p.AvgHeatingRate),
		zap.Float64("cooldown_rate", p.AvgCooldownRate),
		zap.Float64("overshoot", p.TypicalOvershoot),
		zap.Float64("confidence", p.Confidence))
}

func (s *Service) persistLocked() {
	if s.saver == nil {
		return
	}
	data := s.exportLocked()
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.saver.SaveHistory(ctx, data); err != nil {
			s.logger.Error("failed to persist history", zap.Error(err))
		}
	}()
}

// Phase returns the cycle-detection phase of room.
func (s *Service) Phase(room string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oc, ok := s.open[room]; ok {
		return oc.phase
	}
	return PhaseIdle
}

// Profile returns the thermal profile of room, if any cycle was recorded.
func (s *Service) Profile(room string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[room]
	return p, ok
}

// CycleCount returns the number of stored cycles for room.
func (s *Service) CycleCount(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cycles[room])
}

// Rooms returns every room with stored cycles, sorted.
func (s *Service) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cycles))
	for r := range s.cycles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// MarkTrained records when a model for room was last trained, so that it
// is carried in exported history.
func (s *Service) MarkTrained(room string, at time.Time) {
	s.mu.Lock()
	s.trained[room] = at
	s.mu.Unlock()
}

// LastTrained returns the recorded training time of room.
func (s *Service) LastTrained(room string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trained[room]
	return t, ok
}

// GenerateTrainingData derives supervised examples from every stored cycle
// of room. Heating-phase samples without a sample PredictionHorizon later in
// the same cycle yield nothing.
func (s *Service) GenerateTrainingData(room string) []TrainingPoint {
	s.mu.Lock()
	cycles := append([]Cycle(nil), s.cycles[room]...)
	s.mu.Unlock()

	var out []TrainingPoint
	for _, c := range cycles {
		var heating []Measurement
		for _, m := range c.Measurements {
			if m.EngineState {
				heating = append(heating, m)
			}
		}
		offset := math.Max(0, c.Overshoot)

		for i := 0; i < len(heating)-1; i++ {
			cur := heating[i]
			future, ok := firstAtOrAfter(c.Measurements, cur.Timestamp.Add(PredictionHorizon))
			if !ok {
				continue
			}
			from := i - recentRateLookback
			if from < 0 {
				from = 0
			}
			out = append(out, TrainingPoint{
				CurrentTemp:       cur.Temperature,
				TargetTemp:        cur.TargetTemperature,
				TempDifference:    cur.TargetTemperature - cur.Temperature,
				HeatingDuration:   cur.Timestamp.Sub(c.StartTime).Minutes(),
				RecentHeatingRate: ratePerHour(heating[from : i+1]),
				OutsideTemp:       cur.OutsideTemperature,
				TimeOfDay:         cur.Timestamp.Hour(),
				DayOfWeek:         int(cur.Timestamp.Weekday()),
				FutureTempChange:  future.Temperature - cur.Temperature,
				WillOvershoot:     c.Overshoot > overshootFlag,
				OptimalStopOffset: offset,
			})
		}
	}

	s.logger.Debug("generated training data", zap.String("room", room), zap.Int("points", len(out)))
	return out
}

func firstAtOrAfter(ms []Measurement, t time.Time) (Measurement, bool) {
	for _, m := range ms {
		if !m.Timestamp.Before(t) {
			return m, true
		}
	}
	return Measurement{}, false
}

// ExportHistory returns a snapshot of all stored cycles and profiles.
func (s *Service) ExportHistory() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportLocked()
}

func (s *Service) exportLocked() Data {
	data := Data{Version: DataVersion, Rooms: make(map[string]RoomData, len(s.cycles))}
	for room, cycles := range s.cycles {
		rd := RoomData{Cycles: append([]Cycle(nil), cycles...)}
		if p, ok := s.profiles[room]; ok {
			rd.Profile = &p
		}
		if t, ok := s.trained[room]; ok {
			rd.ModelLastTrained = &t
		}
		data.Rooms[room] = rd
	}
	return data
}

// LoadHistory restores cycles and profiles, replacing those of the rooms
// present in data.
func (s *Service) LoadHistory(data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room, rd := range data.Rooms {
		if rd.Cycles != nil {
			cycles := rd.Cycles
			if len(cycles) > MaxCyclesPerRoom {
				cycles = cycles[len(cycles)-MaxCyclesPerRoom:]
			}
			s.cycles[room] = append([]Cycle(nil), cycles...)
		}
		if rd.Profile != nil {
			s.profiles[room] = *rd.Profile
		}
		if rd.ModelLastTrained != nil {
			s.trained[room] = *rd.ModelLastTrained
		}
	}
	s.logger.Info("history loaded", zap.Int("rooms", len(data.Rooms)), zap.String("version", data.Version))
}

// RoomStatistics summarises room, or reports false if it has no cycles.
func (s *Service) RoomStatistics(room string) (Statistics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cycles := s.cycles[room]
	if len(cycles) == 0 {
		return Statistics{}, false
	}
	p := s.profiles[room]
	return Statistics{
		CycleCount:     len(cycles),
		AvgOvershoot:   p.TypicalOvershoot,
		AvgHeatingRate: p.AvgHeatingRate,
		Confidence:     p.Confidence,
	}, true
}

// Clear drops all open cycles, stored cycles and profiles.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, oc := range s.open {
		if oc.timer != nil {
			oc.timer.Stop()
		}
	}
	s.open = make(map[string]*openCycle)
	s.cycles = make(map[string][]Cycle)
	s.profiles = make(map[string]Profile)
	s.trained = make(map[string]time.Time)
	s.logger.Info("history cleared")
}

// Close stops pending drain timers and waits for in-flight saves.
// Open cycles are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	for _, oc := range s.open {
		if oc.timer != nil {
			oc.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.saves.Wait()
}
