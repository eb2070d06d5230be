// Package schedule computes the next wake time from device health and the
// configured working windows. NextWake is pure and deterministic.
package schedule

import (
	"time"

	"github.com/mrhat-cam/sentinel/internal/config"
	"github.com/mrhat-cam/sentinel/internal/health"
)

// Mode is the schedule mode attached to a decision.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModePowerSave Mode = "POWER_SAVE"
	ModeHold      Mode = "HOLD" // skip capture/transmit at the coming wake
)

// Decision is the outcome of one scheduling step. It lives for exactly one
// cycle; the only durable copy is the platform wake timer.
type Decision struct {
	WakeAt time.Time `json:"wake_at"`
	Mode   Mode      `json:"mode"`
}

// Window is a working window within the day.
type Window struct {
	Period   time.Duration // capture interval while the window is active
	Off      bool          // true disables capture for the whole window
	StartSec int           // seconds since midnight, inclusive
	EndSec   int           // exclusive
}

// Policy carries the scheduling inputs derived from the device policy.
type Policy struct {
	Base            time.Duration
	PowerSaveFactor float64
	CriticalFactor  float64
	Min             time.Duration
	Max             time.Duration
	Windows         []Window
}

// FromConfig converts the device policy into a schedule policy. The timing
// table must already be validated.
func FromConfig(p *config.Policy) (Policy, error) {
	sp := Policy{
		Base:            p.BaseInterval(),
		PowerSaveFactor: p.PowerSaveFactor,
		CriticalFactor:  p.CriticalFactor,
		Min:             p.MinInterval(),
		Max:             p.MaxInterval(),
	}
	for _, w := range p.Timing {
		start, err := config.ParseClock(w.Start)
		if err != nil {
			return Policy{}, err
		}
		end, err := config.ParseClock(w.End)
		if err != nil {
			return Policy{}, err
		}
		sp.Windows = append(sp.Windows, Window{
			Period:   time.Duration(w.PeriodSec) * time.Second,
			Off:      w.Off(),
			StartSec: start,
			EndSec:   end,
		})
	}
	return sp, nil
}

// rule is one row of the health decision table.
type rule struct {
	factor func(Policy) float64
	mode   Mode
}

var rules = map[health.Class]rule{
	health.Healthy:  {func(Policy) float64 { return 1 }, ModeNormal},
	health.LowPower: {func(p Policy) float64 { return p.PowerSaveFactor }, ModePowerSave},
	health.Critical: {func(p Policy) float64 { return p.CriticalFactor }, ModeHold},
}

// NextWake computes the next wake time. The result is always strictly after
// now and never more than Max in the future. last is the previous cycle's
// decision, or nil on the first cycle.
func (p Policy) NextWake(now time.Time, class health.Class, last *Decision) Decision {
	r, ok := rules[class]
	if !ok {
		// Unknown classification: schedule cautiously.
		r = rules[health.LowPower]
	}

	base := p.Base
	if len(p.Windows) > 0 {
		w, active := p.windowAt(now)
		switch {
		case active && w.Off:
			// Hold until the off window ends.
			return Decision{WakeAt: p.bound(now, clockToday(now, w.EndSec)), Mode: ModeHold}
		case !active:
			// Gap in the timing table: hold until the next window opens.
			return Decision{WakeAt: p.bound(now, p.nextStart(now)), Mode: ModeHold}
		case w.Period > 0:
			base = w.Period
		}
	}

	factor := r.factor(p)
	if last != nil && last.Mode == ModeHold && class == health.Critical {
		// Still critical after a hold: back off one step harder.
		factor *= 2
	}

	interval := time.Duration(float64(base) * factor)
	return Decision{WakeAt: p.bound(now, now.Add(interval)), Mode: r.mode}
}

// OffAt reports whether capture is disabled at t by the timing table, either
// inside an off window or in a gap between windows.
func (p Policy) OffAt(t time.Time) bool {
	if len(p.Windows) == 0 {
		return false
	}
	w, active := p.windowAt(t)
	return !active || w.Off
}

// bound clamps target into (now, now+Max], respecting the Min interval.
func (p Policy) bound(now, target time.Time) time.Time {
	min := now.Add(p.Min)
	max := now.Add(p.Max)
	if target.Before(min) {
		target = min
	}
	if target.After(max) {
		target = max
	}
	return target
}

// windowAt returns the window containing t's time of day, if any.
func (p Policy) windowAt(t time.Time) (Window, bool) {
	sec := secondOfDay(t)
	for _, w := range p.Windows {
		if sec >= w.StartSec && sec < w.EndSec {
			return w, true
		}
	}
	return Window{}, false
}

// nextStart returns the earliest window start after t, today or tomorrow.
func (p Policy) nextStart(t time.Time) time.Time {
	sec := secondOfDay(t)
	todayBest, tomorrowBest := -1, -1
	for _, w := range p.Windows {
		if w.StartSec > sec && (todayBest == -1 || w.StartSec < todayBest) {
			todayBest = w.StartSec
		}
		if tomorrowBest == -1 || w.StartSec < tomorrowBest {
			tomorrowBest = w.StartSec
		}
	}
	if todayBest != -1 {
		return clockToday(t, todayBest)
	}
	return clockToday(t, tomorrowBest).AddDate(0, 0, 1)
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// clockToday returns the timestamp at sec seconds past midnight on t's day.
func clockToday(t time.Time, sec int) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(time.Duration(sec) * time.Second)
}
