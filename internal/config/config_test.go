package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/schedule"
)

const sample = `
mode: heating
defaultTemperature: 19.5
startStopDifference: 0.3
updateInterval: 30s
boostInterval: 45m
weather:
  enabled: true
  heatingThreshold: 14
ai:
  enabled: true
  confidenceThreshold: 0.8
  retrainInterval: 12h
rooms:
  - name: office
    gpioPin: 17
  - name: enum.rooms.kitchen
periods:
  - room: office
    from: "07:00"
    until: "09:00"
    temp: 21
    days: [mon, tue, Wednesday]
  - room: kitchen
    from: "18:00"
    until: "22:00"
    temp: 20
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, logic.ModeHeating, cfg.Mode)
	assert.Equal(t, 19.5, cfg.DefaultTemperature)
	assert.Equal(t, 0.3, cfg.StartStopDifference)
	assert.Equal(t, 70.0, cfg.StopCoolingIfHumIsHigherThan)
	assert.Equal(t, 30*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 45*time.Minute, cfg.BoostInterval)
	assert.Equal(t, 30*time.Minute, cfg.PauseInterval)

	assert.Equal(t, logic.WeatherConfig{Enabled: true, Mode: logic.ModeHeating, HeatingThreshold: 14, CoolingThreshold: 20}, cfg.WeatherGate())

	ac := cfg.AIControl()
	assert.True(t, ac.EnableAI)
	assert.Equal(t, 0.8, ac.ConfidenceThreshold)
	assert.Equal(t, 50, ac.MinTrainingData)
	assert.Equal(t, 12*time.Hour, ac.RetrainInterval)
	assert.Equal(t, cfg.Logic(), ac.Config)

	assert.Equal(t, []string{"enum.rooms.office", "enum.rooms.kitchen"}, cfg.RoomNames())
	require.NotNil(t, cfg.Rooms[0].GPIOPin)
	assert.Equal(t, 17, *cfg.Rooms[0].GPIOPin)
	assert.Nil(t, cfg.Rooms[1].GPIOPin)

	require.Len(t, cfg.Periods, 2)
	assert.Equal(t, schedule.Period{
		Room:    "office",
		From:    "07:00",
		Until:   "09:00",
		Heating: true,
		Temp:    21,
		Days:    [7]bool{true, true, true},
	}, cfg.Periods[0])
	assert.Equal(t, schedule.EveryDay, cfg.Periods[1].Days)
}

func TestParseCoolingDefaultsPeriodMode(t *testing.T) {
	cfg, err := Parse([]byte(`
mode: cooling
rooms: [{name: office}]
periods:
  - {room: office, from: "12:00", until: "15:00", temp: 24}
  - {room: office, from: "15:00", until: "16:00", temp: 24, heating: true}
`))
	require.NoError(t, err)
	assert.Equal(t, logic.ModeCooling, cfg.Mode)
	assert.False(t, cfg.Periods[0].Heating)
	assert.True(t, cfg.Periods[1].Heating)
}

func TestParseKeepsMalformedTimes(t *testing.T) {
	cfg, err := Parse([]byte(`
rooms: [{name: office}]
periods:
  - {room: office, from: "7:5", until: "nonsense", temp: 21}
`))
	require.NoError(t, err)
	assert.Equal(t, "7:5", cfg.Periods[0].From)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "rooms: [unterminated"},
		{"unknown mode", "mode: venting\nrooms: [{name: a}]"},
		{"no rooms", "mode: heating"},
		{"duplicate room", "rooms: [{name: a}, {name: enum.rooms.a}]"},
		{"duplicate pin", "rooms: [{name: a, gpioPin: 4}, {name: b, gpioPin: 4}]"},
		{"negative pin", "rooms: [{name: a, gpioPin: -1}]"},
		{"unknown day", "rooms: [{name: a}]\nperiods: [{room: a, from: '01:00', until: '02:00', days: [funday]}]"},
		{"unknown period room", "rooms: [{name: a}]\nperiods: [{room: b, from: '01:00', until: '02:00'}]"},
		{"zero interval", "updateInterval: 0s\nrooms: [{name: a}]"},
		{"bad threshold", "ai: {confidenceThreshold: 2}\nrooms: [{name: a}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Rooms, 2)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(c *Config) { reloaded <- c })
	}()

	updated := sample + "  - {room: office, from: '22:00', until: '23:00', temp: 17}\n"
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	var got *Config
	for got == nil {
		select {
		case c := <-reloaded:
			if len(c.Periods) == 3 {
				got = c
			}
		case <-tick.C:
			// Invalid content in between must not be delivered.
			require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("rooms: ["), 0o644))
			require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
	assert.Equal(t, 17.0, got.Periods[2].Temp)

	cancel()
	assert.NoError(t, <-done)
}
