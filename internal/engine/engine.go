// Package engine runs the per-tick control loop: it resolves the target of
// every room, asks the controller for a decision and applies it to the
// actuators.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/heating-controller/internal/aicontrol"
	"github.com/sweeney/heating-controller/internal/clock"
	"github.com/sweeney/heating-controller/internal/gpio"
	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/metrics"
	"github.com/sweeney/heating-controller/internal/schedule"
)

// SourceWeather marks decisions forced by the weather gate.
const SourceWeather = "weather"

// untilExpired is written as the stored until of a room whose override
// expired, so the next seeding falls back to the default.
const untilExpired = "00:00"

// warnInterval throttles repeated warnings about a room.
const warnInterval = 10 * time.Minute

// Sensors supplies room readings.
type Sensors interface {
	Temperature(room string) (float64, bool)
	Humidity(room string) *float64
	// EngineState returns the actuator state reported by the room, if any.
	EngineState(room string) (bool, bool)
	OutsideTemperature() *float64
}

// Overrides supplies boost, pause and absence actions. Activation times are
// compared against the configured intervals; expired actions are cleared.
type Overrides interface {
	Boost(room string) (time.Time, bool)
	Pause(room string) (time.Time, bool)
	BoostAll() (time.Time, bool)
	PauseAll() (time.Time, bool)
	AbsenceUntil() (time.Time, bool)
	ClearBoost(room string)
	ClearPause(room string)
	ClearBoostAll()
	ClearPauseAll()
}

// TargetStore persists the resolved target of every room.
type TargetStore interface {
	// Target returns nil when nothing is stored for room.
	Target(ctx context.Context, room string) (*logic.TempTarget, error)
	SetTarget(ctx context.Context, room string, t logic.TempTarget) error
}

// Publisher announces targets, commands and transitions.
type Publisher interface {
	PublishCommand(room string, on bool) error
	PublishTarget(room string, target logic.TempTarget) error
	PublishEvent(event logic.Event) error
}

// Config holds the engine settings.
type Config struct {
	// Rooms are canonical room ids, evaluated in order.
	Rooms         []string
	BoostInterval time.Duration
	PauseInterval time.Duration
	Weather       logic.WeatherConfig
	// Location is the zone of schedule times. nil means time.Local.
	Location *time.Location
}

// RoomStatus is the outcome of the last evaluation of a room.
type RoomStatus struct {
	Room        string           `json:"room"`
	Temperature *float64         `json:"temperature,omitempty"`
	Humidity    *float64         `json:"humidity,omitempty"`
	Target      logic.TempTarget `json:"target"`
	Decision    string           `json:"decision"`
	Source      string           `json:"source,omitempty"`
	EngineOn    bool             `json:"engineOn"`
	Boosted     bool             `json:"boosted"`
	Paused      bool             `json:"paused"`
	Skipped     string           `json:"skipped,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for tick times and override expiry.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics sets the collectors updated on every tick.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRelays drives relays in addition to publishing commands. Rooms without
// a relay are ignored.
func WithRelays(w gpio.Writer) Option {
	return func(e *Engine) { e.relays = w }
}

// Engine evaluates all rooms once per tick. Tick must not be called
// concurrently with itself; the status accessors are safe from any goroutine.
type Engine struct {
	rooms         []string
	boostInterval time.Duration
	pauseInterval time.Duration
	loc           *time.Location

	sensors   Sensors
	overrides Overrides
	targets   TargetStore
	publisher Publisher
	relays    gpio.Writer
	periods   *schedule.Service
	ai        *aicontrol.Controller
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     clock.Clock

	mu       sync.RWMutex
	gate     *logic.WeatherGate
	detector *logic.Detector
	status   map[string]RoomStatus
	warns    map[string]*rate.Sometimes

	retraining atomic.Bool
	background sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, sensors Sensors, overrides Overrides, targets TargetStore, publisher Publisher,
	periods *schedule.Service, ai *aicontrol.Controller, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		boostInterval: cfg.BoostInterval,
		pauseInterval: cfg.PauseInterval,
		loc:           cfg.Location,
		sensors:       sensors,
		overrides:     overrides,
		targets:       targets,
		publisher:     publisher,
		periods:       periods,
		ai:            ai,
		logger:        logger,
		clock:         clock.RealClock{},
		gate:          logic.NewWeatherGate(cfg.Weather),
		status:        make(map[string]RoomStatus),
		warns:         make(map[string]*rate.Sometimes),
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	for _, r := range cfg.Rooms {
		e.rooms = append(e.rooms, schedule.CanonicalRoom(r))
	}
	for _, opt := range opts {
		opt(e)
	}
	e.detector = logic.NewDetector(e.clock.Now())
	return e
}

// SetWeather replaces the weather gate configuration. It takes effect on
// the next tick.
func (e *Engine) SetWeather(cfg logic.WeatherConfig) {
	e.mu.Lock()
	e.gate = logic.NewWeatherGate(cfg)
	e.mu.Unlock()
}

// WeatherDescription describes the active weather rule.
func (e *Engine) WeatherDescription() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gate.Description()
}

type tickState struct {
	now     time.Time
	hhmm    string
	paused  map[string]bool
	boosted map[string]bool
	absent  bool
	outside *float64
	gate    logic.Gate
}

// Tick evaluates every room once.
func (e *Engine) Tick(ctx context.Context) {
	start := e.clock.Now()
	now := start.In(e.loc)

	ts := tickState{
		now:     now,
		hhmm:    schedule.ClockString(now),
		paused:  e.roomOverrides(ctx, now, e.overrides.Pause, e.overrides.ClearPause, e.pauseInterval, "pause"),
		boosted: e.roomOverrides(ctx, now, e.overrides.Boost, e.overrides.ClearBoost, e.boostInterval, "boost"),
		outside: e.sensors.OutsideTemperature(),
	}
	if e.globalOverride(now, e.overrides.PauseAll, e.overrides.ClearPauseAll, e.pauseInterval, "pauseAll") {
		for _, room := range e.rooms {
			ts.paused[room] = true
		}
	}
	if until, ok := e.overrides.AbsenceUntil(); ok && now.Before(until) {
		ts.absent = true
	}
	if e.globalOverride(now, e.overrides.BoostAll, e.overrides.ClearBoostAll, e.boostInterval, "boostAll") {
		for _, room := range e.rooms {
			ts.boosted[room] = true
		}
	}

	e.mu.RLock()
	ts.gate = e.gate.ShouldAllowOperation(ts.outside)
	e.mu.RUnlock()
	if ts.gate == logic.GateBlock {
		e.logger.Debug("weather gate blocks operation", zap.Float64p("outside", ts.outside))
	}

	for _, room := range e.rooms {
		if ctx.Err() != nil {
			return
		}
		st := e.evaluate(ctx, room, ts)
		e.mu.Lock()
		e.status[room] = st
		e.mu.Unlock()
	}

	if n := e.ai.History().Sweep(); n > 0 {
		e.logger.Debug("completed drained cycles", zap.Int("count", n))
	}
	e.retrain(ctx)
	e.metrics.ObserveTick(e.clock.Since(start))
}

// roomOverrides returns the rooms whose override is active at now. Expired
// overrides are cleared and the stored until of the room is reset.
func (e *Engine) roomOverrides(ctx context.Context, now time.Time, get func(string) (time.Time, bool),
	reset func(string), interval time.Duration, name string) map[string]bool {
	active := make(map[string]bool)
	for _, room := range e.rooms {
		at, ok := get(room)
		if !ok {
			continue
		}
		if now.Sub(at) < interval {
			active[room] = true
			continue
		}
		reset(room)
		e.expireTarget(ctx, room)
		e.logger.Info("override expired", zap.String("room", room), zap.String("action", name))
	}
	return active
}

func (e *Engine) globalOverride(now time.Time, get func() (time.Time, bool), reset func(), interval time.Duration, name string) bool {
	at, ok := get()
	if !ok {
		return false
	}
	if now.Sub(at) < interval {
		e.logger.Info("global override active", zap.String("action", name))
		return true
	}
	reset()
	e.logger.Info("global override expired", zap.String("action", name))
	return false
}

func (e *Engine) expireTarget(ctx context.Context, room string) {
	t := e.ai.Base().DefaultTarget()
	if stored, err := e.targets.Target(ctx, room); err == nil && stored != nil {
		t.Temp = stored.Temp
	}
	t.Until = untilExpired
	if err := e.targets.SetTarget(ctx, room, t); err != nil {
		e.logger.Error("failed to reset target", zap.String("room", room), zap.Error(err))
	}
}

func (e *Engine) evaluate(ctx context.Context, room string, ts tickState) RoomStatus {
	short := schedule.ShortRoom(room)
	st := RoomStatus{
		Room:      short,
		Decision:  logic.Hold.String(),
		Boosted:   ts.boosted[room],
		Paused:    ts.paused[room],
		UpdatedAt: ts.now,
	}

	stored, err := e.targets.Target(ctx, room)
	if err != nil {
		e.logger.Warn("failed to read stored target", zap.String("room", room), zap.Error(err))
		stored = nil
	}
	seeded := e.ai.Base().SeedTarget(stored, ts.hhmm)
	target := e.periods.CalculateTemperatureForRoom(room, ts.now, st.Paused, st.Boosted, ts.absent, seeded)
	st.Target = target

	if err := e.targets.SetTarget(ctx, room, target); err != nil {
		e.logger.Error("failed to store target", zap.String("room", room), zap.Error(err))
	}
	if err := e.publisher.PublishTarget(room, target); err != nil {
		e.logger.Warn("failed to publish target", zap.String("room", room), zap.Error(err))
	}

	st.EngineOn = e.engineState(room)

	current, ok := e.sensors.Temperature(room)
	if !ok {
		st.Skipped = "no temperature"
		e.metrics.Skipped("no_temperature")
		e.warnf(room, "no temperature reading, skipping room")
		return st
	}
	humidity := e.sensors.Humidity(room)
	st.Temperature = &current
	st.Humidity = humidity
	e.metrics.Temperatures(short, current, target.Temp)

	var res aicontrol.Result
	if ts.gate == logic.GateBlock {
		res = aicontrol.Result{Decision: logic.Deactivate, Source: SourceWeather}
	} else {
		rc := e.ai.Context(room, ts.outside)
		rc.LastEngineState = st.EngineOn
		res = e.ai.Decide(current, target.Temp, humidity, &rc)
	}
	st.Decision = res.Decision.String()
	st.Source = res.Source
	e.metrics.Decision(short, res.Decision.String(), res.Source)

	e.logger.Debug("room evaluated",
		zap.String("room", room),
		zap.Float64("current", current),
		zap.Float64("target", target.Temp),
		zap.String("until", target.Until),
		zap.Stringer("decision", res.Decision),
		zap.String("source", res.Source))

	if res.Decision == logic.Hold {
		return st
	}

	on := res.Decision == logic.Activate
	e.apply(room, on)
	st.EngineOn = on
	e.metrics.EngineState(short, on)

	e.mu.Lock()
	event := e.detector.Process(logic.Input{Room: room, Decision: res.Decision, Source: res.Source, Time: ts.now})
	e.mu.Unlock()
	if event != nil {
		e.logger.Info("engine transition",
			zap.String("room", room),
			zap.String("state", string(event.State)),
			zap.String("source", event.Source))
		if err := e.publisher.PublishEvent(*event); err != nil {
			e.logger.Warn("failed to publish event", zap.String("room", room), zap.Error(err))
		}
	}
	return st
}

// engineState prefers the state reported by the room over the last command.
func (e *Engine) engineState(room string) bool {
	if on, ok := e.sensors.EngineState(room); ok {
		return on
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, _ := e.detector.State(room)
	return s == logic.StateOn
}

func (e *Engine) apply(room string, on bool) {
	if err := e.publisher.PublishCommand(room, on); err != nil {
		e.logger.Warn("failed to publish command", zap.String("room", room), zap.Bool("on", on), zap.Error(err))
	}
	if e.relays == nil {
		return
	}
	if err := e.relays.Set(room, on); err != nil && !errors.Is(err, gpio.ErrUnknownRoom) {
		e.logger.Error("failed to set relay", zap.String("room", room), zap.Bool("on", on), zap.Error(err))
	}
}

func (e *Engine) warnf(room, msg string) {
	e.mu.Lock()
	s, ok := e.warns[room]
	if !ok {
		s = &rate.Sometimes{Interval: warnInterval}
		e.warns[room] = s
	}
	e.mu.Unlock()
	s.Do(func() { e.logger.Warn(msg, zap.String("room", room)) })
}

// retrain starts a background retrain sweep unless one is running.
func (e *Engine) retrain(ctx context.Context) {
	if !e.ai.IsAIEnabled() || !e.retraining.CompareAndSwap(false, true) {
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer e.retraining.Store(false)
		if rooms := e.ai.CheckAndRetrain(ctx); len(rooms) > 0 {
			e.logger.Info("models retrained", zap.Strings("rooms", rooms))
		}
	}()
}

// Wait blocks until background work started by Tick has finished.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Rooms returns the last status of every room in evaluation order. Rooms
// not evaluated yet are omitted.
func (e *Engine) Rooms() []RoomStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RoomStatus, 0, len(e.rooms))
	for _, room := range e.rooms {
		if st, ok := e.status[room]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Room returns the last status of room.
func (e *Engine) Room(room string) (RoomStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.status[schedule.CanonicalRoom(room)]
	return st, ok
}

// Counts returns the transitions published since startup.
func (e *Engine) Counts() logic.EventCounts {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.detector.EventCountsSnapshot()
}

// Heartbeat returns heartbeat data when interval has elapsed since the last one.
func (e *Engine) Heartbeat(now time.Time, interval time.Duration) *logic.HeartbeatData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.CheckHeartbeat(now, interval)
}
