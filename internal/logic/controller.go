package logic

import (
	"errors"
	"fmt"
)

// Sentinel temperatures used to drive an actuator fully on or fully off.
const (
	boostSentinel = 100
	pauseSentinel = -100
)

// Config holds the hysteresis controller settings.
type Config struct {
	Mode                         Mode
	DefaultTemperature           float64
	StartStopDifference          float64
	StopCoolingIfHumIsHigherThan float64
}

// Validate checks that the configuration can drive a controller.
func (c Config) Validate() error {
	if c.Mode != ModeHeating && c.Mode != ModeCooling {
		return fmt.Errorf("logic: invalid mode %d", c.Mode)
	}
	if c.StartStopDifference < 0 {
		return errors.New("logic: startStopDifference must not be negative")
	}
	return nil
}

// Controller makes classic hysteresis decisions. It holds no state besides
// its configuration and is safe for concurrent use.
type Controller struct {
	cfg Config
}

// NewController creates a hysteresis controller.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Mode returns the heating/cooling mode.
func (c *Controller) Mode() Mode {
	return c.cfg.Mode
}

// BoostTemperature returns the sentinel target that keeps the actuator on.
func (c *Controller) BoostTemperature() float64 {
	if c.cfg.Mode == ModeHeating {
		return boostSentinel
	}
	return pauseSentinel
}

// PauseTemperature returns the sentinel target that keeps the actuator off.
func (c *Controller) PauseTemperature() float64 {
	if c.cfg.Mode == ModeHeating {
		return pauseSentinel
	}
	return boostSentinel
}

// ShouldActivate decides whether the actuator should be switched on, off, or
// left alone. humidity may be nil when no sensor is present.
func (c *Controller) ShouldActivate(current, target float64, humidity *float64) Decision {
	if c.cfg.Mode == ModeHeating {
		return c.heating(current, target)
	}
	return c.cooling(current, target, humidity)
}

func (c *Controller) heating(current, target float64) Decision {
	if current < target-c.cfg.StartStopDifference {
		return Activate
	}
	if current > target+c.cfg.StartStopDifference {
		return Deactivate
	}
	return Hold
}

func (c *Controller) cooling(current, target float64, humidity *float64) Decision {
	// Condensation guard: humid air always stops cooling.
	if c.HumidityTooHigh(humidity) {
		return Deactivate
	}
	if current < target-c.cfg.StartStopDifference {
		return Deactivate
	}
	if current > target+c.cfg.StartStopDifference {
		return Activate
	}
	return Hold
}

// HumidityTooHigh reports whether cooling must stop because of humidity.
// Always false in heating mode.
func (c *Controller) HumidityTooHigh(humidity *float64) bool {
	return c.cfg.Mode == ModeCooling && humidity != nil && *humidity > c.cfg.StopCoolingIfHumIsHigherThan
}

// NewTarget builds a TempTarget.
func (c *Controller) NewTarget(temp float64, until string) TempTarget {
	return TempTarget{Temp: temp, Until: until}
}

// DefaultTarget returns the default temperature valid until the end of the day.
func (c *Controller) DefaultTarget() TempTarget {
	return c.NewTarget(c.cfg.DefaultTemperature, UntilEndOfDay)
}

// IsValidTargetUntil reports whether a stored until value is still usable at
// now (HH:MM). Empty values and the boost/pause sentinels are never valid.
func (c *Controller) IsValidTargetUntil(until, now string) bool {
	if until == "" {
		return false
	}
	if until == UntilBoost || until == UntilPause {
		return false
	}
	return until >= now
}

// ShouldUseDefaultTemperature reports whether a stored target is stale and
// the default should be used instead.
func (c *Controller) ShouldUseDefaultTemperature(temp *float64, until, now string) bool {
	if temp == nil {
		return true
	}
	return !c.IsValidTargetUntil(until, now)
}

// SeedTarget returns the stored target if it is still valid at now, the
// default target otherwise. stored may be nil when nothing was persisted.
func (c *Controller) SeedTarget(stored *TempTarget, now string) TempTarget {
	if stored == nil {
		return c.DefaultTarget()
	}
	temp := stored.Temp
	if c.ShouldUseDefaultTemperature(&temp, stored.Until, now) {
		return c.DefaultTarget()
	}
	return *stored
}
