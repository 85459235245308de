package logic

import "fmt"

// Gate is the weather gate's opinion on whether to operate at all.
type Gate int

const (
	// GateNoOpinion means weather gating is disabled.
	GateNoOpinion Gate = iota
	GateAllow
	GateBlock
)

func (g Gate) String() string {
	switch g {
	case GateAllow:
		return "allow"
	case GateBlock:
		return "block"
	default:
		return "none"
	}
}

// WeatherConfig configures outside-temperature gating.
type WeatherConfig struct {
	Enabled bool
	Mode    Mode
	// HeatingThreshold: heating only runs while outside is below it.
	HeatingThreshold float64
	// CoolingThreshold: cooling only runs while outside is above it.
	CoolingThreshold float64
}

// WeatherGate blocks operation when the outside temperature makes it pointless.
type WeatherGate struct {
	cfg WeatherConfig
}

// NewWeatherGate creates a weather gate.
func NewWeatherGate(cfg WeatherConfig) *WeatherGate {
	return &WeatherGate{cfg: cfg}
}

// ShouldAllowOperation evaluates the gate. A missing reading fails open.
func (w *WeatherGate) ShouldAllowOperation(outside *float64) Gate {
	if !w.cfg.Enabled {
		return GateNoOpinion
	}
	if outside == nil {
		return GateAllow
	}
	var ok bool
	if w.cfg.Mode == ModeHeating {
		ok = *outside < w.cfg.HeatingThreshold
	} else {
		ok = *outside > w.cfg.CoolingThreshold
	}
	if ok {
		return GateAllow
	}
	return GateBlock
}

// Threshold returns the threshold for the configured mode.
func (w *WeatherGate) Threshold() float64 {
	if w.cfg.Mode == ModeHeating {
		return w.cfg.HeatingThreshold
	}
	return w.cfg.CoolingThreshold
}

// Description returns a human-readable rule for the status page.
func (w *WeatherGate) Description() string {
	if !w.cfg.Enabled {
		return "Weather control disabled"
	}
	if w.cfg.Mode == ModeHeating {
		return fmt.Sprintf("Heating only allowed if outside temperature below %g°C", w.Threshold())
	}
	return fmt.Sprintf("Cooling only allowed if outside temperature above %g°C", w.Threshold())
}

// UpdateConfig replaces the configuration. Not safe for use concurrently
// with ShouldAllowOperation; callers swap gates between ticks.
func (w *WeatherGate) UpdateConfig(cfg WeatherConfig) {
	w.cfg = cfg
}
