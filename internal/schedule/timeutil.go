// Package schedule resolves per-room target temperatures from configured
// periods and transient overrides.
//
// Times of day are HH:MM strings compared lexically, so a period whose
// from is later than its until never matches. Periods do not span midnight.
package schedule

import (
	"regexp"
	"strings"
	"time"
)

// RoomPrefix is prepended to short room names to form canonical room ids.
const RoomPrefix = "enum.rooms."

var timeRegex = regexp.MustCompile(`^(?:0?[0-9]|1[0-9]|2[0-3]):[0-5][0-9]$`)

// IsValidTimeString reports whether s looks like H:MM or HH:MM.
func IsValidTimeString(s string) bool {
	return timeRegex.MatchString(s)
}

// CorrectTime zero-pads both parts of an H:M style string. Anything that does
// not split into exactly two parts is returned unchanged.
func CorrectTime(s string) string {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return s
	}
	for i, p := range parts {
		for len(p) < 2 {
			p = "0" + p
		}
		parts[i] = p
	}
	return parts[0] + ":" + parts[1]
}

// IsPeriodValid validates From and Until. With autoCorrect set an invalid
// period is corrected in place once and validated again.
func IsPeriodValid(p *Period, autoCorrect bool) bool {
	if IsValidTimeString(p.From) && IsValidTimeString(p.Until) {
		return true
	}
	if !autoCorrect {
		return false
	}
	p.From = CorrectTime(p.From)
	p.Until = CorrectTime(p.Until)
	return IsValidTimeString(p.From) && IsValidTimeString(p.Until)
}

// IsPeriodActiveOnDay reports whether the period runs on day (Monday = 0).
func IsPeriodActiveOnDay(p *Period, day int) bool {
	if day < 0 || day > 6 {
		return false
	}
	return p.Days[day]
}

// IsCurrentPeriod reports whether p governs the instant now.
func IsCurrentPeriod(p *Period, now time.Time) bool {
	return IsCurrentPeriodAt(p, ClockString(now), Weekday(now))
}

// IsCurrentPeriodAt is IsCurrentPeriod for an explicit HH:MM time and weekday.
func IsCurrentPeriodAt(p *Period, hhmm string, weekday int) bool {
	if !IsPeriodValid(p, true) {
		return false
	}
	if !IsPeriodActiveOnDay(p, weekday) {
		return false
	}
	return hhmm >= p.From && hhmm <= p.Until
}

// ClockString formats t as HH:MM in its own location.
func ClockString(t time.Time) string {
	return t.Format("15:04")
}

// Weekday returns the day of week of t with Monday = 0 and Sunday = 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// TimestampMinusInterval returns now minus the given number of minutes.
func TimestampMinusInterval(now time.Time, minutes float64) time.Time {
	return now.Add(-time.Duration(minutes * float64(time.Minute)))
}

// CanonicalRoom converts a short room name into its canonical id.
// Canonical ids are returned unchanged.
func CanonicalRoom(room string) string {
	if strings.HasPrefix(room, RoomPrefix) {
		return room
	}
	return RoomPrefix + room
}

// ShortRoom returns the last dot-separated segment of a room id.
func ShortRoom(room string) string {
	if i := strings.LastIndex(room, "."); i >= 0 {
		return room[i+1:]
	}
	return room
}
