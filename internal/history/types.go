package history

import (
	"context"
	"time"
)

// DataVersion is written into every exported Data blob.
const DataVersion = "1.0.0"

// Phase is the cycle-detection state of one room.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHeating
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseHeating:
		return "heating"
	case PhaseDraining:
		return "draining"
	default:
		return "idle"
	}
}

// Measurement is one temperature sample tagged with the actuator state.
type Measurement struct {
	Timestamp          time.Time `json:"timestamp"`
	Temperature        float64   `json:"temperature"`
	TargetTemperature  float64   `json:"targetTemperature"`
	Humidity           *float64  `json:"humidity,omitempty"`
	OutsideTemperature *float64  `json:"outsideTemperature,omitempty"`
	EngineState        bool      `json:"engineState"`
}

// Cycle is one closed heating or cooling excursion.
type Cycle struct {
	ID           string        `json:"id"`
	Room         string        `json:"room"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Measurements []Measurement `json:"measurements"`

	// Duration is in minutes.
	Duration   float64 `json:"duration"`
	StartTemp  float64 `json:"startTemp"`
	EndTemp    float64 `json:"endTemp"`
	TargetTemp float64 `json:"targetTemp"`
	MaxTemp    float64 `json:"maxTemp"`
	Overshoot  float64 `json:"overshoot"`
	// Rates are in °C per hour.
	HeatingRate    float64  `json:"heatingRate"`
	CooldownRate   float64  `json:"cooldownRate"`
	AvgOutsideTemp *float64 `json:"avgOutsideTemp,omitempty"`
}

// Profile is the rolling thermal summary of a room.
type Profile struct {
	Room             string    `json:"room"`
	LastUpdated      time.Time `json:"lastUpdated"`
	AvgHeatingRate   float64   `json:"avgHeatingRate"`
	AvgCooldownRate  float64   `json:"avgCooldownRate"`
	ThermalInertia   float64   `json:"thermalInertia"`
	TypicalOvershoot float64   `json:"typicalOvershoot"`
	CycleCount       int       `json:"cycleCount"`
	Confidence       float64   `json:"confidence"`
}

// TrainingPoint is one supervised example derived from a closed cycle.
type TrainingPoint struct {
	CurrentTemp       float64  `json:"currentTemp"`
	TargetTemp        float64  `json:"targetTemp"`
	TempDifference    float64  `json:"tempDifference"`
	HeatingDuration   float64  `json:"heatingDuration"`
	RecentHeatingRate float64  `json:"recentHeatingRate"`
	OutsideTemp       *float64 `json:"outsideTemp,omitempty"`
	TimeOfDay         int      `json:"timeOfDay"`
	DayOfWeek         int      `json:"dayOfWeek"`

	FutureTempChange  float64 `json:"futureTempChange"`
	WillOvershoot     bool    `json:"willOvershoot"`
	OptimalStopOffset float64 `json:"optimalStopOffset"`
}

// RoomData is the persisted state of one room.
type RoomData struct {
	Cycles           []Cycle    `json:"cycles"`
	Profile          *Profile   `json:"profile,omitempty"`
	ModelLastTrained *time.Time `json:"modelLastTrained,omitempty"`
}

// Data is the exported history of every room.
type Data struct {
	Version string              `json:"version"`
	Rooms   map[string]RoomData `json:"rooms"`
}

// Statistics summarises a room's learning progress.
type Statistics struct {
	CycleCount     int     `json:"cycleCount"`
	AvgOvershoot   float64 `json:"avgOvershoot"`
	AvgHeatingRate float64 `json:"avgHeatingRate"`
	Confidence     float64 `json:"confidence"`
}

// Saver durably stores exported history.
type Saver interface {
	SaveHistory(ctx context.Context, data Data) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, data Data) error

func (f SaverFunc) SaveHistory(ctx context.Context, data Data) error {
	return f(ctx, data)
}

// Timer is the subset of *time.Timer the service needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d.
type AfterFunc func(d time.Duration, f func()) Timer
