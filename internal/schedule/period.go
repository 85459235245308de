package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/logic"
)

// Period is a configured schedule rule for one room.
type Period struct {
	Room    string  `yaml:"room" json:"room"`
	From    string  `yaml:"from" json:"from"`
	Until   string  `yaml:"until" json:"until"`
	Heating bool    `yaml:"heating" json:"heating"`
	Temp    float64 `yaml:"temp" json:"temp"`
	// Days is indexed Monday = 0 through Sunday = 6.
	Days [7]bool `yaml:"days" json:"days"`
}

// EveryDay is a convenience value for Period.Days.
var EveryDay = [7]bool{true, true, true, true, true, true, true}

// Service resolves target temperatures for rooms. The period list may be
// replaced at any time from another goroutine.
type Service struct {
	mu      sync.Mutex
	periods []Period
	ctrl    *logic.Controller
	logger  *zap.Logger
}

// NewService creates a period service. The periods are copied and their room
// fields canonicalised; list order is preserved.
func NewService(periods []Period, ctrl *logic.Controller, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{ctrl: ctrl, logger: logger}
	s.UpdatePeriods(periods)
	return s
}

// UpdatePeriods replaces the period list.
func (s *Service) UpdatePeriods(periods []Period) {
	cp := make([]Period, len(periods))
	for i, p := range periods {
		p.Room = CanonicalRoom(p.Room)
		cp[i] = p
	}
	s.mu.Lock()
	s.periods = cp
	s.mu.Unlock()
}

// AllPeriods returns a copy of the configured periods.
func (s *Service) AllPeriods() []Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Period, len(s.periods))
	copy(out, s.periods)
	return out
}

// PeriodsForRoom returns copies of the periods belonging to room, in
// configuration order. room may be short or canonical.
func (s *Service) PeriodsForRoom(room string) []Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Period
	for _, p := range s.periods {
		if p.Room == CanonicalRoom(room) {
			out = append(out, p)
		}
	}
	return out
}

// ValidatePeriod checks p without correcting it.
func (s *Service) ValidatePeriod(p Period) bool {
	return IsPeriodValid(&p, false)
}

// CorrectPeriod zero-pads the times of p in place.
func (s *Service) CorrectPeriod(p *Period) {
	p.From = CorrectTime(p.From)
	p.Until = CorrectTime(p.Until)
}

// CalculateTemperatureForRoom resolves the target for room at now.
// Priority is pause, then boost, then absence (which keeps current), then
// the configured periods.
func (s *Service) CalculateTemperatureForRoom(room string, now time.Time, paused, boosted, absent bool, current logic.TempTarget) logic.TempTarget {
	if paused {
		return s.ctrl.NewTarget(s.ctrl.PauseTemperature(), logic.UntilPause)
	}
	if boosted {
		return s.ctrl.NewTarget(s.ctrl.BoostTemperature(), logic.UntilBoost)
	}
	if absent {
		return current
	}
	return s.fromPeriods(room, now, current)
}

func (s *Service) fromPeriods(room string, now time.Time, current logic.TempTarget) logic.TempTarget {
	hhmm := ClockString(now)
	day := Weekday(now)
	id := CanonicalRoom(room)
	heating := s.ctrl.Mode() == logic.ModeHeating

	s.mu.Lock()
	defer s.mu.Unlock()

	target := current
	for i := range s.periods {
		p := &s.periods[i]
		if p.Room != id || p.Heating != heating {
			continue
		}
		// A later period today bounds how long the running target is valid.
		if p.From > hhmm && p.From < target.Until {
			target.Until = p.From
		}
		if target.Until > hhmm && target.Until != logic.UntilEndOfDay {
			continue
		}
		wasValid := IsPeriodValid(p, false)
		if IsCurrentPeriodAt(p, hhmm, day) {
			target = s.ctrl.NewTarget(p.Temp, p.Until)
		} else if !wasValid && !IsPeriodValid(p, false) {
			s.logger.Warn("ignoring invalid period",
				zap.String("room", p.Room),
				zap.String("from", p.From),
				zap.String("until", p.Until))
		}
	}
	return target
}
