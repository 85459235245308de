// Package aicontrol arbitrates between classic hysteresis and model-assisted
// control. Every measurement it sees feeds the history service, so rooms keep
// learning while prediction is switched off.
package aicontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/clock"
	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/predict"
)

// Decision sources.
const (
	SourceClassic = "classic"
	SourceAI      = "ai"
)

const (
	// PredictionTTL is how long a cached prediction is served.
	PredictionTTL = 5 * time.Second
	// RecentWindow is the span of the trailing temperature ring.
	RecentWindow = 15 * time.Minute
)

var (
	ErrAIDisabled     = errors.New("aicontrol: AI is disabled")
	ErrNoTrainingData = errors.New("aicontrol: no training data")
)

// Config combines the hysteresis settings with the learning knobs.
type Config struct {
	logic.Config

	EnableAI            bool
	ConfidenceThreshold float64
	MinTrainingData     int
	TrainingEpochs      int
	LearningRate        float64
	AutoRetrain         bool
	RetrainInterval     time.Duration
	Seed                uint64
}

// DefaultConfig returns the stock learning settings on top of base.
func DefaultConfig(base logic.Config) Config {
	return Config{
		Config:              base,
		ConfidenceThreshold: 0.7,
		MinTrainingData:     50,
		TrainingEpochs:      100,
		LearningRate:        0.001,
		AutoRetrain:         true,
		RetrainInterval:     24 * time.Hour,
		Seed:                1,
	}
}

// Validate checks the learning settings.
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("aicontrol: confidence threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.MinTrainingData < 1 {
		return errors.New("aicontrol: minTrainingData must be positive")
	}
	if c.TrainingEpochs < 1 {
		return errors.New("aicontrol: trainingEpochs must be positive")
	}
	if c.LearningRate <= 0 {
		return errors.New("aicontrol: learningRate must be positive")
	}
	if c.AutoRetrain && c.RetrainInterval <= 0 {
		return errors.New("aicontrol: retrainInterval must be positive")
	}
	return nil
}

func (c Config) predictorConfig() predict.Config {
	pc := predict.DefaultConfig()
	pc.MinTrainingData = c.MinTrainingData
	pc.Epochs = c.TrainingEpochs
	pc.LearningRate = c.LearningRate
	if c.Seed != 0 {
		pc.Seed = c.Seed
	}
	return pc
}

// Context is the live state of a room passed along with a decision request.
type Context struct {
	Room string
	// HeatingDuration is minutes since the actuator last turned on.
	HeatingDuration float64
	// RecentRate is °C per hour over the trailing window.
	RecentRate      float64
	OutsideTemp     *float64
	LastEngineState bool
}

// Result is a decision and the strategy that produced it.
type Result struct {
	Decision logic.Decision
	Source   string
}

// RoomStatus describes the learning state of one room.
type RoomStatus struct {
	Model      predict.Info        `json:"model"`
	Statistics *history.Statistics `json:"statistics,omitempty"`
}

// Status is a snapshot of the controller.
type Status struct {
	Enabled bool                  `json:"enabled"`
	Rooms   map[string]RoomStatus `json:"rooms"`
}

type sample struct {
	at   time.Time
	temp float64
}

type cached struct {
	pred predict.Prediction
	at   time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithTrainingHook registers f to be called after every training attempt
// that was not refused.
func WithTrainingHook(f func(room string, err error)) Option {
	return func(ctl *Controller) { ctl.onTrain = f }
}

// Controller wraps a logic.Controller with learned control.
type Controller struct {
	base    *logic.Controller
	cfg     Config
	history *history.Service
	store   predict.ModelStore
	clock   clock.Clock
	logger  *zap.Logger
	onTrain func(room string, err error)

	mu           sync.Mutex
	predictor    *predict.Predictor
	enabled      bool
	engineStates map[string]bool
	heatingStart map[string]time.Time
	recent       map[string][]sample
	cache        map[string]cached
	refreshing   map[string]bool
	lastRetrain  time.Time

	refreshes sync.WaitGroup
}

// NewController creates a controller. hist must not be nil; store may be.
func NewController(cfg Config, hist *history.Service, store predict.ModelStore, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		base:         logic.NewController(cfg.Config),
		cfg:          cfg,
		history:      hist,
		store:        store,
		clock:        clock.RealClock{},
		logger:       logger,
		engineStates: make(map[string]bool),
		heatingStart: make(map[string]time.Time),
		recent:       make(map[string][]sample),
		cache:        make(map[string]cached),
		refreshing:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastRetrain = c.clock.Now()
	c.SetAIEnabled(cfg.EnableAI)
	return c
}

// Base returns the wrapped hysteresis controller.
func (c *Controller) Base() *logic.Controller {
	return c.base
}

// History returns the history service.
func (c *Controller) History() *history.Service {
	return c.history
}

// SetAIEnabled creates or drops the predictor.
func (c *Controller) SetAIEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	switch {
	case enabled && c.predictor == nil:
		c.predictor = predict.NewPredictor(c.cfg.predictorConfig(), c.store, c.clock, c.logger.Named("predict"))
		c.logger.Info("AI control enabled")
	case !enabled && c.predictor != nil:
		c.predictor.Dispose()
		c.predictor = nil
		c.cache = make(map[string]cached)
		c.logger.Info("AI control disabled")
	}
}

// IsAIEnabled reports whether model-assisted control is active.
func (c *Controller) IsAIEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.predictor != nil
}

func (c *Controller) currentPredictor() *predict.Predictor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return nil
	}
	return c.predictor
}

// ShouldActivate returns the decision only.
func (c *Controller) ShouldActivate(current, target float64, humidity *float64, rc *Context) logic.Decision {
	return c.Decide(current, target, humidity, rc).Decision
}

// Decide records the measurement when rc is given and returns the decision
// for the room. It falls back to classic hysteresis whenever the room has
// no usable model or prediction.
func (c *Controller) Decide(current, target float64, humidity *float64, rc *Context) Result {
	if rc != nil {
		c.record(rc.Room, current, target, rc.LastEngineState, humidity, rc.OutsideTemp)
	}

	classic := Result{Decision: c.base.ShouldActivate(current, target, humidity), Source: SourceClassic}

	p := c.currentPredictor()
	if p == nil || rc == nil {
		return classic
	}
	profile, ok := c.history.Profile(rc.Room)
	if !ok || profile.Confidence < c.cfg.ConfidenceThreshold || !p.IsModelReady(rc.Room) {
		return classic
	}

	c.refresh(p, predict.Input{
		Room:            rc.Room,
		CurrentTemp:     current,
		TargetTemp:      target,
		HeatingDuration: rc.HeatingDuration,
		RecentRate:      rc.RecentRate,
		Profile:         &profile,
		OutsideTemp:     rc.OutsideTemp,
	})

	d, ok := c.aiDecision(rc.Room, current, target, humidity)
	if !ok {
		return classic
	}
	c.logger.Debug("AI decision",
		zap.String("room", rc.Room),
		zap.Stringer("decision", d),
		zap.Stringer("classic", classic.Decision))
	return Result{Decision: d, Source: SourceAI}
}

func (c *Controller) aiDecision(room string, current, target float64, humidity *float64) (logic.Decision, bool) {
	if c.base.Mode() == logic.ModeCooling && c.base.HumidityTooHigh(humidity) {
		return logic.Deactivate, true
	}

	c.mu.Lock()
	entry, ok := c.cache[room]
	c.mu.Unlock()
	if !ok || entry.pred.Confidence < c.cfg.ConfidenceThreshold {
		return logic.Hold, false
	}

	diff := target - current
	if c.base.Mode() == logic.ModeCooling {
		diff = current - target
	}
	switch {
	case diff < 0:
		return logic.Deactivate, true
	case diff > 2*c.cfg.StartStopDifference:
		return logic.Activate, true
	case entry.pred.ShouldStopHeating:
		return logic.Deactivate, true
	case diff <= entry.pred.StopOffset:
		return logic.Deactivate, true
	default:
		return logic.Activate, true
	}
}

// refresh starts a background prediction for the room unless a fresh one is
// cached or one is already running.
func (c *Controller) refresh(p *predict.Predictor, in predict.Input) {
	now := c.clock.Now()
	c.mu.Lock()
	if e, ok := c.cache[in.Room]; ok && now.Sub(e.at) < PredictionTTL {
		c.mu.Unlock()
		return
	}
	if c.refreshing[in.Room] {
		c.mu.Unlock()
		return
	}
	c.refreshing[in.Room] = true
	c.refreshes.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.refreshes.Done()
		pred, ok := p.Predict(in)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.refreshing[in.Room] = false
		if ok {
			c.cache[in.Room] = cached{pred: pred, at: c.clock.Now()}
		}
	}()
}

func (c *Controller) record(room string, temp, target float64, engineOn bool, humidity, outside *float64) {
	now := c.clock.Now()

	c.mu.Lock()
	was := c.engineStates[room]
	c.engineStates[room] = engineOn
	switch {
	case engineOn && !was:
		c.heatingStart[room] = now
	case !engineOn:
		delete(c.heatingStart, room)
	}
	ring := append(c.recent[room], sample{at: now, temp: temp})
	cutoff := now.Add(-RecentWindow)
	i := 0
	for i < len(ring) && !ring[i].at.After(cutoff) {
		i++
	}
	c.recent[room] = ring[i:]
	c.mu.Unlock()

	c.history.RecordMeasurement(room, temp, target, engineOn, humidity, outside)
}

// Context builds the live context of room from tracked state.
func (c *Controller) Context(room string, outside *float64) Context {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	rc := Context{Room: room, OutsideTemp: outside, LastEngineState: c.engineStates[room]}
	if start, ok := c.heatingStart[room]; ok {
		rc.HeatingDuration = now.Sub(start).Minutes()
	}
	if ring := c.recent[room]; len(ring) >= 2 {
		first, last := ring[0], ring[len(ring)-1]
		if hours := last.at.Sub(first.at).Hours(); hours > 0 {
			rc.RecentRate = (last.temp - first.temp) / hours
		}
	}
	return rc
}

// TrainModel trains the model of room from its recorded history. Refusals
// by the predictor are returned unwrapped.
func (c *Controller) TrainModel(ctx context.Context, room string) error {
	p := c.currentPredictor()
	if p == nil {
		return ErrAIDisabled
	}
	points := c.history.GenerateTrainingData(room)
	if len(points) == 0 {
		return ErrNoTrainingData
	}

	err := p.TrainModel(ctx, room, points)
	if refused(err) {
		return err
	}
	if err == nil {
		c.history.MarkTrained(room, c.clock.Now())
	}
	if c.onTrain != nil {
		c.onTrain(room, err)
	}
	return err
}

func refused(err error) bool {
	return errors.Is(err, predict.ErrInsufficientData) ||
		errors.Is(err, predict.ErrTrainingInProgress) ||
		errors.Is(err, predict.ErrRetrainTooSoon)
}

// CheckAndRetrain retrains every room with enough cycles once per retrain
// interval. It returns the rooms that were trained successfully.
func (c *Controller) CheckAndRetrain(ctx context.Context) []string {
	if !c.cfg.AutoRetrain || c.currentPredictor() == nil {
		return nil
	}
	now := c.clock.Now()
	c.mu.Lock()
	if now.Sub(c.lastRetrain) < c.cfg.RetrainInterval {
		c.mu.Unlock()
		return nil
	}
	c.lastRetrain = now
	c.mu.Unlock()

	c.logger.Info("checking models for retraining")
	var trained []string
	for _, room := range c.history.Rooms() {
		if c.history.CycleCount(room) < c.cfg.MinTrainingData {
			continue
		}
		err := c.TrainModel(ctx, room)
		switch {
		case err == nil:
			trained = append(trained, room)
		case refused(err), errors.Is(err, ErrNoTrainingData):
			c.logger.Debug("retrain skipped", zap.String("room", room), zap.Error(err))
		default:
			c.logger.Error("retrain failed", zap.String("room", room), zap.Error(err))
		}
	}
	return trained
}

// LoadHistory restores learned history.
func (c *Controller) LoadHistory(data history.Data) {
	c.history.LoadHistory(data)
}

// LoadModels restores stored models for rooms. Missing models are skipped.
func (c *Controller) LoadModels(ctx context.Context, rooms []string) int {
	p := c.currentPredictor()
	if p == nil {
		return 0
	}
	n := 0
	for _, room := range rooms {
		err := p.LoadModel(ctx, room)
		switch {
		case err == nil:
			n++
		case errors.Is(err, predict.ErrModelNotFound):
			c.logger.Debug("no stored model", zap.String("room", room))
		default:
			c.logger.Warn("failed to load model", zap.String("room", room), zap.Error(err))
		}
	}
	return n
}

// RoomStatistics summarises the learning progress of room.
func (c *Controller) RoomStatistics(room string) (history.Statistics, bool) {
	return c.history.RoomStatistics(room)
}

// ModelInfo describes the model of room. It is empty while AI is disabled.
func (c *Controller) ModelInfo(room string) predict.Info {
	if p := c.currentPredictor(); p != nil {
		return p.ModelInfo(room)
	}
	return predict.Info{}
}

// Status reports readiness and statistics for every room with history.
func (c *Controller) Status() Status {
	st := Status{Enabled: c.IsAIEnabled(), Rooms: make(map[string]RoomStatus)}
	for _, room := range c.history.Rooms() {
		rs := RoomStatus{Model: c.ModelInfo(room)}
		if stats, ok := c.history.RoomStatistics(room); ok {
			rs.Statistics = &stats
		}
		st.Rooms[room] = rs
	}
	return st
}

// Dispose drops models and live tracking and waits for pending refreshes.
func (c *Controller) Dispose() {
	c.refreshes.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.predictor != nil {
		c.predictor.Dispose()
	}
	c.engineStates = make(map[string]bool)
	c.heatingStart = make(map[string]time.Time)
	c.recent = make(map[string][]sample)
	c.cache = make(map[string]cached)
	c.refreshing = make(map[string]bool)
}
