// Package predict trains and queries one small regression network per room
// to forecast short-horizon temperature change and the best point to stop
// heating before the target is reached.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/clock"
	"github.com/sweeney/heating-controller/internal/history"
)

// Training refusals. None of them indicate a fault.
var (
	ErrInsufficientData   = errors.New("predict: insufficient training data")
	ErrTrainingInProgress = errors.New("predict: training already in progress")
	ErrRetrainTooSoon     = errors.New("predict: retrained too recently")
)

// MinRetrainInterval is the shortest time between two runs for one room.
const MinRetrainInterval = time.Hour

// DefaultConfidence is reported when no thermal profile is available.
const DefaultConfidence = 0.5

const validationSplit = 0.2

// Layer widths from input to output.
var architecture = []int{NumFeatures, 32, 24, 16, NumOutputs}

// Config holds predictor tuning.
type Config struct {
	MinTrainingData int
	Epochs          int
	LearningRate    float64
	BatchSize       int
	Seed            uint64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MinTrainingData: 50,
		Epochs:          100,
		LearningRate:    0.001,
		BatchSize:       32,
		Seed:            1,
	}
}

// Input is the live state of a room at prediction time.
type Input struct {
	Room            string
	CurrentTemp     float64
	TargetTemp      float64
	HeatingDuration float64 // minutes
	RecentRate      float64 // °C per hour
	Profile         *history.Profile
	OutsideTemp     *float64
}

// Prediction is the model's view of the next hour.
type Prediction struct {
	PredictedTempIn30Min float64 `json:"predictedTempIn30Min"`
	PredictedTempIn60Min float64 `json:"predictedTempIn60Min"`
	ShouldStopHeating    bool    `json:"shouldStopHeating"`
	StopOffset           float64 `json:"stopOffset"`
	Confidence           float64 `json:"confidence"`
}

// Info describes the model state of a room.
type Info struct {
	Ready       bool       `json:"ready"`
	Training    bool       `json:"training"`
	LastTrained *time.Time `json:"lastTrained,omitempty"`
}

type model struct {
	net   *Network
	stats Stats
}

// Predictor owns the per-room models.
type Predictor struct {
	cfg    Config
	store  ModelStore
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	models      map[string]*model
	training    map[string]bool
	lastTrained map[string]time.Time
}

// NewPredictor creates a predictor. store may be nil, in which case models
// live only in memory.
func NewPredictor(cfg Config, store ModelStore, clk clock.Clock, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Predictor{
		cfg:         cfg,
		store:       store,
		clock:       clk,
		logger:      logger,
		models:      make(map[string]*model),
		training:    make(map[string]bool),
		lastTrained: make(map[string]time.Time),
	}
}

// TrainModel fits a fresh network for room and swaps it in on success.
// A failed run leaves the previous model in service.
func (p *Predictor) TrainModel(ctx context.Context, room string, points []history.TrainingPoint) error {
	if err := p.begin(room, len(points)); err != nil {
		p.logger.Debug("training refused", zap.String("room", room), zap.Error(err))
		return err
	}
	defer func() {
		p.mu.Lock()
		p.training[room] = false
		p.mu.Unlock()
	}()

	p.logger.Info("training model", zap.String("room", room), zap.Int("samples", len(points)))

	X := make([][]float64, len(points))
	Y := make([][]float64, len(points))
	for i, pt := range points {
		X[i] = pointFeatures(pt)
		Y[i] = pointTargets(pt)
	}
	stats := ComputeStats(X)
	for _, x := range X {
		stats.Apply(x)
	}

	rng := rand.New(rand.NewPCG(p.cfg.Seed, uint64(len(points))))
	trainX, trainY, valX, valY := shuffleAndSplit(X, Y, validationSplit, rng)
	net := NewNetwork(architecture, rng)
	loss, err := net.Train(ctx, trainX, trainY, TrainConfig{
		Epochs:       p.cfg.Epochs,
		BatchSize:    p.cfg.BatchSize,
		LearningRate: p.cfg.LearningRate,
		OnEpoch: func(epoch int, loss float64) {
			if epoch%10 == 0 {
				p.logger.Debug("epoch", zap.String("room", room), zap.Int("epoch", epoch), zap.Float64("loss", loss))
			}
		},
	}, rng)
	if err != nil {
		p.logger.Error("training failed", zap.String("room", room), zap.Error(err))
		return fmt.Errorf("train %s: %w", room, err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		p.logger.Error("training diverged", zap.String("room", room))
		return fmt.Errorf("train %s: loss diverged", room)
	}
	valLoss := net.Loss(valX, valY)

	now := p.clock.Now()
	p.logger.Info("training completed",
		zap.String("room", room),
		zap.Float64("loss", loss),
		zap.Float64("val_loss", valLoss))

	if p.store != nil {
		snap := Snapshot{Room: room, Network: net, Stats: stats, TrainedAt: now, Loss: loss, Samples: len(points)}
		if err := p.store.SaveModel(ctx, room, snap); err != nil {
			p.logger.Error("failed to save model", zap.String("room", room), zap.Error(err))
		}
	}

	p.mu.Lock()
	p.models[room] = &model{net: net, stats: stats}
	p.lastTrained[room] = now
	p.mu.Unlock()
	return nil
}

func (p *Predictor) begin(room string, n int) error {
	if n < p.cfg.MinTrainingData {
		return ErrInsufficientData
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.training[room] {
		return ErrTrainingInProgress
	}
	if last, ok := p.lastTrained[room]; ok && p.clock.Since(last) < MinRetrainInterval {
		return ErrRetrainTooSoon
	}
	p.training[room] = true
	return nil
}

// Predict runs the room's model on live inputs. It reports false when no
// model exists or inference produced an unusable value.
func (p *Predictor) Predict(in Input) (Prediction, bool) {
	p.mu.RLock()
	m := p.models[in.Room]
	p.mu.RUnlock()
	if m == nil {
		p.logger.Debug("no model available", zap.String("room", in.Room))
		return Prediction{}, false
	}

	now := p.clock.Now()
	x := features(in.CurrentTemp, in.TargetTemp, in.HeatingDuration, in.RecentRate, in.OutsideTemp, now.Hour(), int(now.Weekday()))
	out := m.net.Forward(m.stats.Apply(x))
	if len(out) != NumOutputs {
		p.logger.Error("prediction failed", zap.String("room", in.Room), zap.Int("outputs", len(out)))
		return Prediction{}, false
	}
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			p.logger.Error("prediction failed", zap.String("room", in.Room), zap.String("reason", "non-finite output"))
			return Prediction{}, false
		}
	}

	diff := in.TargetTemp - in.CurrentTemp
	offset := out[2]
	pred := Prediction{
		PredictedTempIn30Min: in.CurrentTemp + out[0],
		PredictedTempIn60Min: in.CurrentTemp + out[1],
		ShouldStopHeating:    diff > 0 && diff <= offset,
		StopOffset:           offset,
		Confidence:           DefaultConfidence,
	}
	if in.Profile != nil {
		pred.Confidence = in.Profile.Confidence
	}

	p.logger.Debug("prediction",
		zap.String("room", in.Room),
		zap.Float64("current", in.CurrentTemp),
		zap.Float64("target", in.TargetTemp),
		zap.Float64("in_30m", pred.PredictedTempIn30Min),
		zap.Float64("stop_offset", offset),
		zap.Bool("should_stop", pred.ShouldStopHeating))
	return pred, true
}

// LoadModel restores the model of room from the store.
func (p *Predictor) LoadModel(ctx context.Context, room string) error {
	if p.store == nil {
		return ErrModelNotFound
	}
	snap, err := p.store.LoadModel(ctx, room)
	if err != nil {
		return err
	}
	if snap.Network == nil || len(snap.Network.Layers) == 0 {
		return fmt.Errorf("load %s: empty network", room)
	}
	if err := checkShape(snap.Network); err != nil {
		return fmt.Errorf("load %s: %w", room, err)
	}

	p.mu.Lock()
	p.models[room] = &model{net: snap.Network, stats: snap.Stats}
	if !snap.TrainedAt.IsZero() {
		p.lastTrained[room] = snap.TrainedAt
	}
	p.mu.Unlock()
	p.logger.Info("model loaded", zap.String("room", room), zap.Time("trained_at", snap.TrainedAt))
	return nil
}

// checkShape rejects networks that cannot take the model features or do not
// produce the model outputs.
func checkShape(n *Network) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if in := n.Sizes[0]; in != NumFeatures {
		return fmt.Errorf("%w: input width %d, want %d", ErrShapeMismatch, in, NumFeatures)
	}
	if out := n.Sizes[len(n.Sizes)-1]; out != NumOutputs {
		return fmt.Errorf("%w: output width %d, want %d", ErrShapeMismatch, out, NumOutputs)
	}
	return nil
}

// IsModelReady reports whether room has a model that is not being retrained.
func (p *Predictor) IsModelReady(room string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.models[room] != nil && !p.training[room]
}

// ModelInfo describes the model state of room.
func (p *Predictor) ModelInfo(room string) Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := Info{Ready: p.models[room] != nil, Training: p.training[room]}
	if t, ok := p.lastTrained[room]; ok {
		info.LastTrained = &t
	}
	return info
}

// Dispose drops every model and all training bookkeeping.
func (p *Predictor) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for room := range p.models {
		p.logger.Debug("model disposed", zap.String("room", room))
	}
	p.models = make(map[string]*model)
	p.training = make(map[string]bool)
	p.lastTrained = make(map[string]time.Time)
}
