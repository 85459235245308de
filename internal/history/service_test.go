package history

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/clock"
)

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeTimers captures scheduled drain completions so tests can fire them.
type fakeTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (f *fakeTimers) after(_ time.Duration, fn func()) Timer {
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	return fakeTimer{}
}

func (f *fakeTimers) fire() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type harness struct {
	clk    *clock.MockClock
	timers *fakeTimers
	svc    *Service
}

var monday8am = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func newHarness(saver Saver, opts ...Option) *harness {
	h := &harness{clk: clock.NewMockClock(monday8am), timers: &fakeTimers{}}
	opts = append([]Option{WithClock(h.clk), WithAfterFunc(h.timers.after)}, opts...)
	h.svc = NewService(saver, zap.NewNop(), opts...)
	return h
}

// record stores one measurement at the current mock time, then advances the
// clock by ten minutes.
func (h *harness) record(room string, temp, target float64, on bool) {
	h.svc.RecordMeasurement(room, temp, target, on, nil, nil)
	h.clk.Add(10 * time.Minute)
}

// cycle records onTemps with the actuator on, then drainTemps with it off.
func (h *harness) cycle(room string, target float64, onTemps, drainTemps []float64) {
	for _, temp := range onTemps {
		h.record(room, temp, target, true)
	}
	for _, temp := range drainTemps {
		h.record(room, temp, target, false)
	}
}

func TestCycleLifecycle(t *testing.T) {
	var mu sync.Mutex
	var saved []Data
	saver := SaverFunc(func(_ context.Context, d Data) error {
		mu.Lock()
		saved = append(saved, d)
		mu.Unlock()
		return nil
	})
	h := newHarness(saver)

	assert.Equal(t, PhaseIdle, h.svc.Phase("kitchen"))
	h.record("kitchen", 19, 20, true)
	assert.Equal(t, PhaseHeating, h.svc.Phase("kitchen"))
	h.cycle("kitchen", 20, []float64{19.5, 20, 20.5}, []float64{21})
	assert.Equal(t, PhaseDraining, h.svc.Phase("kitchen"))
	h.record("kitchen", 20.8, 20, false)
	assert.Equal(t, 0, h.svc.CycleCount("kitchen"), "cycle must stay open while draining")

	h.timers.fire()
	h.svc.Close()

	assert.Equal(t, PhaseIdle, h.svc.Phase("kitchen"))
	require.Equal(t, 1, h.svc.CycleCount("kitchen"))

	data := h.svc.ExportHistory()
	c := data.Rooms["kitchen"].Cycles[0]
	assert.NotEmpty(t, c.ID)
	assert.Len(t, c.Measurements, 6)
	assert.Equal(t, 19.0, c.StartTemp)
	assert.Equal(t, 20.5, c.EndTemp)
	assert.Equal(t, 21.0, c.MaxTemp)
	assert.InDelta(t, 1.0, c.Overshoot, 1e-9)
	assert.InDelta(t, 50, c.Duration, 1e-9)
	assert.InDelta(t, 3.0, c.HeatingRate, 1e-9)
	assert.InDelta(t, -1.2, c.CooldownRate, 1e-9)
	assert.Nil(t, c.AvgOutsideTemp)

	p, ok := h.svc.Profile("kitchen")
	require.True(t, ok)
	assert.Equal(t, 1, p.CycleCount)
	assert.InDelta(t, 0.05, p.Confidence, 1e-9)
	assert.InDelta(t, 31.5, p.ThermalInertia, 1e-9)
	assert.InDelta(t, 1.2, p.AvgCooldownRate, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 1)
	assert.Equal(t, DataVersion, saved[0].Version)
	assert.Len(t, saved[0].Rooms["kitchen"].Cycles, 1)
}

func TestShortCycleDiscarded(t *testing.T) {
	called := false
	h := newHarness(SaverFunc(func(context.Context, Data) error {
		called = true
		return nil
	}))
	h.cycle("kitchen", 20, []float64{19, 19.5, 20}, []float64{20.4})
	h.timers.fire()
	h.svc.Close()

	assert.Equal(t, PhaseIdle, h.svc.Phase("kitchen"))
	assert.Equal(t, 0, h.svc.CycleCount("kitchen"))
	_, ok := h.svc.Profile("kitchen")
	assert.False(t, ok)
	_, ok = h.svc.RoomStatistics("kitchen")
	assert.False(t, ok)
	assert.False(t, called)
}

func TestIdleIgnoresEngineOff(t *testing.T) {
	h := newHarness(nil)
	for i := 0; i < 10; i++ {
		h.record("kitchen", 20, 20, false)
	}
	assert.Equal(t, PhaseIdle, h.svc.Phase("kitchen"))
	assert.Zero(t, h.svc.Sweep())
}

func TestOutsideTemperatureAveraged(t *testing.T) {
	h := newHarness(nil)
	for i, out := range []float64{4, 6, 8, 10, 12} {
		o := out
		h.svc.RecordMeasurement("kitchen", 19+float64(i)*0.5, 20, i < 4, nil, &o)
		h.clk.Add(10 * time.Minute)
	}
	h.timers.fire()

	c := h.svc.ExportHistory().Rooms["kitchen"].Cycles[0]
	require.NotNil(t, c.AvgOutsideTemp)
	assert.InDelta(t, 8, *c.AvgOutsideTemp, 1e-9)
}

func TestSweepCompletesElapsedDrain(t *testing.T) {
	h := newHarness(nil)
	h.cycle("kitchen", 20, []float64{19, 19.5, 20, 20.5}, []float64{21, 20.8})

	assert.Zero(t, h.svc.Sweep(), "drain window has not elapsed yet")
	h.clk.Add(DrainWindow)
	assert.Equal(t, 1, h.svc.Sweep())
	assert.Equal(t, 1, h.svc.CycleCount("kitchen"))

	// The timer that was scheduled earlier must not close anything again.
	h.timers.fire()
	assert.Equal(t, 1, h.svc.CycleCount("kitchen"))
}

func TestMeasurementAfterDrainWindowStartsNewCycle(t *testing.T) {
	h := newHarness(nil)
	h.cycle("kitchen", 20, []float64{19, 19.5, 20, 20.5}, []float64{21, 20.8})
	h.clk.Add(DrainWindow)

	h.record("kitchen", 19.2, 20, true)
	assert.Equal(t, 1, h.svc.CycleCount("kitchen"))
	assert.Equal(t, PhaseHeating, h.svc.Phase("kitchen"))
}

func TestEngineOnWhileDrainingAppends(t *testing.T) {
	h := newHarness(nil)
	h.cycle("kitchen", 20, []float64{19, 19.5, 20}, []float64{20.6})
	h.record("kitchen", 20.4, 20, true)
	assert.Equal(t, PhaseDraining, h.svc.Phase("kitchen"))
	h.record("kitchen", 20.3, 20, false)
	h.timers.fire()

	require.Equal(t, 1, h.svc.CycleCount("kitchen"))
	assert.Len(t, h.svc.ExportHistory().Rooms["kitchen"].Cycles[0].Measurements, 6)
}

func TestConfidenceMonotonicAndCapped(t *testing.T) {
	h := newHarness(nil)
	prev := 0.0
	for n := 1; n <= 25; n++ {
		h.cycle("bed", 20, []float64{19, 19.5, 20, 20.5}, []float64{20.7})
		h.timers.fire()

		p, ok := h.svc.Profile("bed")
		require.True(t, ok)
		assert.Equal(t, n, p.CycleCount)
		want := float64(n) / 20
		if n > 20 {
			want = 1
		}
		assert.InDelta(t, want, p.Confidence, 1e-9, "after %d cycles", n)
		assert.GreaterOrEqual(t, p.Confidence, prev)
		prev = p.Confidence
	}
}

func TestCyclesBoundedOldestEvicted(t *testing.T) {
	var ids []string
	h := newHarness(nil, WithCycleHook(func(c Cycle) { ids = append(ids, c.ID) }))
	for i := 0; i < MaxCyclesPerRoom+5; i++ {
		h.cycle("bed", 20, []float64{19, 19.5, 20, 20.5}, []float64{20.7})
		h.timers.fire()
	}

	require.Len(t, ids, MaxCyclesPerRoom+5)
	cycles := h.svc.ExportHistory().Rooms["bed"].Cycles
	require.Len(t, cycles, MaxCyclesPerRoom)
	assert.Equal(t, ids[5], cycles[0].ID)
	assert.Equal(t, ids[len(ids)-1], cycles[len(cycles)-1].ID)
}

func TestGenerateTrainingData(t *testing.T) {
	h := newHarness(nil)
	h.cycle("office", 20,
		[]float64{18, 18.5, 19, 19.5, 20, 20.5},
		[]float64{21, 21.2})
	h.timers.fire()

	pts := h.svc.GenerateTrainingData("office")
	require.Len(t, pts, 5)

	assert.Equal(t, 18.0, pts[0].CurrentTemp)
	assert.Equal(t, 2.0, pts[0].TempDifference)
	assert.Equal(t, 0.0, pts[0].HeatingDuration)
	assert.Equal(t, 0.0, pts[0].RecentHeatingRate)
	assert.InDelta(t, 1.5, pts[0].FutureTempChange, 1e-9)
	assert.Equal(t, 8, pts[0].TimeOfDay)
	assert.Equal(t, int(time.Monday), pts[0].DayOfWeek)

	assert.InDelta(t, 3.0, pts[1].RecentHeatingRate, 1e-9)
	assert.InDelta(t, 40, pts[4].HeatingDuration, 1e-9)
	assert.InDelta(t, 3.0, pts[4].RecentHeatingRate, 1e-9)
	assert.InDelta(t, 1.2, pts[4].FutureTempChange, 1e-9)

	for _, p := range pts {
		assert.True(t, p.WillOvershoot)
		assert.InDelta(t, 1.2, p.OptimalStopOffset, 1e-9)
	}

	assert.Empty(t, h.svc.GenerateTrainingData("unknown"))
}

func TestExportLoadRoundTrip(t *testing.T) {
	h := newHarness(nil)
	h.cycle("kitchen", 20, []float64{19, 19.5, 20, 20.5}, []float64{21})
	h.timers.fire()
	h.svc.MarkTrained("kitchen", monday8am)

	raw, err := json.Marshal(h.svc.ExportHistory())
	require.NoError(t, err)
	var data Data
	require.NoError(t, json.Unmarshal(raw, &data))

	other := NewService(nil, nil)
	other.LoadHistory(data)

	want, _ := h.svc.RoomStatistics("kitchen")
	got, ok := other.RoomStatistics("kitchen")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"kitchen"}, other.Rooms())
	trained, ok := other.LastTrained("kitchen")
	require.True(t, ok)
	assert.True(t, trained.Equal(monday8am))
}

func TestNonFiniteMeasurementsDropped(t *testing.T) {
	h := newHarness(nil)
	nan, inf := math.NaN(), math.Inf(1)
	h.record("kitchen", 19, 20, true)
	h.record("kitchen", nan, 20, true)
	h.cycle("kitchen", 20, []float64{19.5, 20, 20.5}, []float64{21})
	h.svc.RecordMeasurement("kitchen", math.Inf(-1), 20, false, nil, nil)
	h.svc.RecordMeasurement("kitchen", 20.9, 20, false, &nan, &inf)
	h.timers.fire()
	h.svc.Close()

	require.Equal(t, 1, h.svc.CycleCount("kitchen"))
	c := h.svc.ExportHistory().Rooms["kitchen"].Cycles[0]
	assert.Len(t, c.Measurements, 6)
	assert.Nil(t, c.Measurements[5].Humidity)
	assert.Nil(t, c.Measurements[5].OutsideTemperature)
	assert.Nil(t, c.AvgOutsideTemp)

	p, ok := h.svc.Profile("kitchen")
	require.True(t, ok)
	assert.False(t, math.IsNaN(p.ThermalInertia))
	assert.False(t, math.IsNaN(p.AvgCooldownRate))

	_, err := json.Marshal(h.svc.ExportHistory())
	assert.NoError(t, err)
}

func TestSaveFailureSwallowed(t *testing.T) {
	h := newHarness(SaverFunc(func(context.Context, Data) error {
		return errors.New("disk full")
	}))
	h.cycle("kitchen", 20, []float64{19, 19.5, 20, 20.5}, []float64{21})
	h.timers.fire()
	h.svc.Close()
	assert.Equal(t, 1, h.svc.CycleCount("kitchen"))
}

func TestClear(t *testing.T) {
	h := newHarness(nil)
	h.cycle("kitchen", 20, []float64{19, 19.5, 20, 20.5}, []float64{21})
	h.timers.fire()
	h.record("kitchen", 19, 20, true)

	h.svc.Clear()
	assert.Equal(t, PhaseIdle, h.svc.Phase("kitchen"))
	assert.Empty(t, h.svc.Rooms())
	_, ok := h.svc.Profile("kitchen")
	assert.False(t, ok)
}
