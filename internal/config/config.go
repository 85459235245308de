// Package config loads the controller configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/heating-controller/internal/aicontrol"
	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/schedule"
)

// Room maps a room name to its relay line. GPIOPin is nil for rooms whose
// actuator is driven over MQTT only.
type Room struct {
	Name    string `yaml:"name" json:"name"`
	GPIOPin *int   `yaml:"gpioPin,omitempty" json:"gpioPin,omitempty"`
}

// WeatherConfig is the weather gate section.
type WeatherConfig struct {
	Enabled          bool    `yaml:"enabled"`
	HeatingThreshold float64 `yaml:"heatingThreshold"`
	CoolingThreshold float64 `yaml:"coolingThreshold"`
}

// AIConfig is the learned-control section.
type AIConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	MinTrainingData     int           `yaml:"minTrainingData"`
	TrainingEpochs      int           `yaml:"trainingEpochs"`
	LearningRate        float64       `yaml:"learningRate"`
	AutoRetrain         bool          `yaml:"autoRetrain"`
	RetrainInterval     time.Duration `yaml:"retrainInterval"`
	ModelDir            string        `yaml:"modelDir"`
}

// PeriodConfig is a period as written in the file. Days are short English
// weekday names; an empty list means every day.
type PeriodConfig struct {
	Room    string   `yaml:"room"`
	From    string   `yaml:"from"`
	Until   string   `yaml:"until"`
	Heating *bool    `yaml:"heating"`
	Temp    float64  `yaml:"temp"`
	Days    []string `yaml:"days"`
}

// Config is the validated controller configuration.
type Config struct {
	Mode                         logic.Mode
	DefaultTemperature           float64
	StartStopDifference          float64
	StopCoolingIfHumIsHigherThan float64
	UpdateInterval               time.Duration
	BoostInterval                time.Duration
	PauseInterval                time.Duration
	Weather                      WeatherConfig
	AI                           AIConfig
	Rooms                        []Room
	Periods                      []schedule.Period
}

type file struct {
	Mode                         string         `yaml:"mode"`
	DefaultTemperature           float64        `yaml:"defaultTemperature"`
	StartStopDifference          float64        `yaml:"startStopDifference"`
	StopCoolingIfHumIsHigherThan float64        `yaml:"stopCoolingIfHumIsHigherThan"`
	UpdateInterval               time.Duration  `yaml:"updateInterval"`
	BoostInterval                time.Duration  `yaml:"boostInterval"`
	PauseInterval                time.Duration  `yaml:"pauseInterval"`
	Weather                      WeatherConfig  `yaml:"weather"`
	AI                           AIConfig       `yaml:"ai"`
	Rooms                        []Room         `yaml:"rooms"`
	Periods                      []PeriodConfig `yaml:"periods"`
}

func defaults() file {
	return file{
		Mode:                         "heating",
		DefaultTemperature:           20,
		StartStopDifference:          0.5,
		StopCoolingIfHumIsHigherThan: 70,
		UpdateInterval:               time.Minute,
		BoostInterval:                30 * time.Minute,
		PauseInterval:                30 * time.Minute,
		Weather: WeatherConfig{
			HeatingThreshold: 15,
			CoolingThreshold: 20,
		},
		AI: AIConfig{
			ConfidenceThreshold: 0.7,
			MinTrainingData:     50,
			TrainingEpochs:      100,
			LearningRate:        0.001,
			AutoRetrain:         true,
			RetrainInterval:     24 * time.Hour,
		},
	}
}

var weekdays = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// Parse decodes and validates a YAML document. Missing keys take defaults.
func Parse(data []byte) (*Config, error) {
	f := defaults()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		DefaultTemperature:           f.DefaultTemperature,
		StartStopDifference:          f.StartStopDifference,
		StopCoolingIfHumIsHigherThan: f.StopCoolingIfHumIsHigherThan,
		UpdateInterval:               f.UpdateInterval,
		BoostInterval:                f.BoostInterval,
		PauseInterval:                f.PauseInterval,
		Weather:                      f.Weather,
		AI:                           f.AI,
		Rooms:                        f.Rooms,
	}
	switch strings.ToLower(f.Mode) {
	case "heating", "0":
		cfg.Mode = logic.ModeHeating
	case "cooling", "1":
		cfg.Mode = logic.ModeCooling
	default:
		return nil, fmt.Errorf("parse config: unknown mode %q", f.Mode)
	}

	for i, pc := range f.Periods {
		p, err := pc.period(cfg.Mode)
		if err != nil {
			return nil, fmt.Errorf("parse config: period %d: %w", i, err)
		}
		cfg.Periods = append(cfg.Periods, p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (pc PeriodConfig) period(mode logic.Mode) (schedule.Period, error) {
	p := schedule.Period{
		Room:  pc.Room,
		From:  pc.From,
		Until: pc.Until,
		Temp:  pc.Temp,
	}
	if pc.Heating != nil {
		p.Heating = *pc.Heating
	} else {
		p.Heating = mode == logic.ModeHeating
	}
	if len(pc.Days) == 0 {
		p.Days = schedule.EveryDay
		return p, nil
	}
	for _, d := range pc.Days {
		key := strings.ToLower(d)
		if len(key) > 3 {
			key = key[:3]
		}
		i, ok := weekdays[key]
		if !ok {
			return p, fmt.Errorf("unknown day %q", d)
		}
		p.Days[i] = true
	}
	return p, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings. Malformed period times are not errors; they
// are corrected or skipped at evaluation time.
func (c *Config) Validate() error {
	if err := c.Logic().Validate(); err != nil {
		return err
	}
	if c.UpdateInterval <= 0 {
		return errors.New("config: updateInterval must be positive")
	}
	if c.BoostInterval <= 0 || c.PauseInterval <= 0 {
		return errors.New("config: boostInterval and pauseInterval must be positive")
	}
	if err := c.AIControl().Validate(); err != nil {
		return err
	}
	if len(c.Rooms) == 0 {
		return errors.New("config: no rooms configured")
	}

	names := make(map[string]bool)
	pins := make(map[int]string)
	for _, r := range c.Rooms {
		if r.Name == "" {
			return errors.New("config: room without name")
		}
		short := schedule.ShortRoom(r.Name)
		if names[short] {
			return fmt.Errorf("config: duplicate room %q", short)
		}
		names[short] = true
		if r.GPIOPin == nil {
			continue
		}
		if *r.GPIOPin < 0 {
			return fmt.Errorf("config: room %q: invalid gpio pin %d", short, *r.GPIOPin)
		}
		if other, ok := pins[*r.GPIOPin]; ok {
			return fmt.Errorf("config: gpio pin %d used by %q and %q", *r.GPIOPin, other, short)
		}
		pins[*r.GPIOPin] = short
	}
	for i, p := range c.Periods {
		if !names[schedule.ShortRoom(p.Room)] {
			return fmt.Errorf("config: period %d: unknown room %q", i, p.Room)
		}
	}
	return nil
}

// Logic returns the hysteresis controller settings.
func (c *Config) Logic() logic.Config {
	return logic.Config{
		Mode:                         c.Mode,
		DefaultTemperature:           c.DefaultTemperature,
		StartStopDifference:          c.StartStopDifference,
		StopCoolingIfHumIsHigherThan: c.StopCoolingIfHumIsHigherThan,
	}
}

// WeatherGate returns the weather gate settings.
func (c *Config) WeatherGate() logic.WeatherConfig {
	return logic.WeatherConfig{
		Enabled:          c.Weather.Enabled,
		Mode:             c.Mode,
		HeatingThreshold: c.Weather.HeatingThreshold,
		CoolingThreshold: c.Weather.CoolingThreshold,
	}
}

// AIControl returns the learned-control settings.
func (c *Config) AIControl() aicontrol.Config {
	ac := aicontrol.DefaultConfig(c.Logic())
	ac.EnableAI = c.AI.Enabled
	ac.ConfidenceThreshold = c.AI.ConfidenceThreshold
	ac.MinTrainingData = c.AI.MinTrainingData
	ac.TrainingEpochs = c.AI.TrainingEpochs
	ac.LearningRate = c.AI.LearningRate
	ac.AutoRetrain = c.AI.AutoRetrain
	ac.RetrainInterval = c.AI.RetrainInterval
	return ac
}

// RoomNames returns the canonical ids of the configured rooms, in order.
func (c *Config) RoomNames() []string {
	out := make([]string, len(c.Rooms))
	for i, r := range c.Rooms {
		out[i] = schedule.CanonicalRoom(r.Name)
	}
	return out
}
