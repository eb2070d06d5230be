package schedule

import (
	"testing"
	"time"

	"github.com/mrhat-cam/sentinel/internal/config"
	"github.com/mrhat-cam/sentinel/internal/health"
)

func testPolicy() Policy {
	return Policy{
		Base:            60 * time.Second,
		PowerSaveFactor: 4,
		CriticalFactor:  8,
		Min:             5 * time.Second,
		Max:             time.Hour,
	}
}

var noon = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

func TestNextWake_Healthy(t *testing.T) {
	d := testPolicy().NextWake(noon, health.Healthy, nil)
	if !d.WakeAt.Equal(noon.Add(60 * time.Second)) {
		t.Errorf("WakeAt = %v, want now+60s", d.WakeAt)
	}
	if d.Mode != ModeNormal {
		t.Errorf("Mode = %v, want NORMAL", d.Mode)
	}
}

func TestNextWake_LowPowerAppliesBackoffFactor(t *testing.T) {
	// base 60s x factor 4 = 240s
	d := testPolicy().NextWake(noon, health.LowPower, nil)
	if !d.WakeAt.Equal(noon.Add(240 * time.Second)) {
		t.Errorf("WakeAt = %v, want now+240s", d.WakeAt)
	}
	if d.Mode != ModePowerSave {
		t.Errorf("Mode = %v, want POWER_SAVE", d.Mode)
	}
}

func TestNextWake_CriticalHolds(t *testing.T) {
	d := testPolicy().NextWake(noon, health.Critical, nil)
	if !d.WakeAt.Equal(noon.Add(480 * time.Second)) {
		t.Errorf("WakeAt = %v, want now+480s", d.WakeAt)
	}
	if d.Mode != ModeHold {
		t.Errorf("Mode = %v, want HOLD", d.Mode)
	}
}

func TestNextWake_RepeatedCriticalBacksOffHarder(t *testing.T) {
	p := testPolicy()
	first := p.NextWake(noon, health.Critical, nil)
	second := p.NextWake(noon, health.Critical, &first)
	if !second.WakeAt.Equal(noon.Add(960 * time.Second)) {
		t.Errorf("WakeAt = %v, want now+960s after repeated critical", second.WakeAt)
	}
}

func TestNextWake_AlwaysFutureAndCapped(t *testing.T) {
	p := testPolicy()
	p.Max = 100 * time.Second

	for _, class := range []health.Class{health.Healthy, health.LowPower, health.Critical, health.Class("BOGUS")} {
		d := p.NextWake(noon, class, nil)
		if !d.WakeAt.After(noon) {
			t.Errorf("class %s: WakeAt = %v, not after now", class, d.WakeAt)
		}
		if d.WakeAt.After(noon.Add(p.Max)) {
			t.Errorf("class %s: WakeAt = %v, exceeds max interval cap", class, d.WakeAt)
		}
	}
}

func TestNextWake_Deterministic(t *testing.T) {
	p := testPolicy()
	a := p.NextWake(noon, health.LowPower, nil)
	b := p.NextWake(noon, health.LowPower, nil)
	if !a.WakeAt.Equal(b.WakeAt) || a.Mode != b.Mode {
		t.Errorf("identical inputs gave %v and %v", a, b)
	}
}

func TestNextWake_MinIntervalFloor(t *testing.T) {
	p := testPolicy()
	p.Base = time.Second // below Min
	d := p.NextWake(noon, health.Healthy, nil)
	if !d.WakeAt.Equal(noon.Add(p.Min)) {
		t.Errorf("WakeAt = %v, want floor at now+%v", d.WakeAt, p.Min)
	}
}

func windowedPolicy() Policy {
	p := testPolicy()
	p.Max = 12 * time.Hour
	p.Windows = []Window{
		{Off: true, StartSec: 0, EndSec: 7 * 3600},
		{Period: 30 * time.Second, StartSec: 7 * 3600, EndSec: 19 * 3600},
		{Off: true, StartSec: 19 * 3600, EndSec: 24*3600 - 1},
	}
	return p
}

func TestNextWake_OffWindowHoldsUntilWindowEnd(t *testing.T) {
	p := windowedPolicy()
	night := time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC)
	d := p.NextWake(night, health.Healthy, nil)
	want := time.Date(2026, 8, 23, 7, 0, 0, 0, time.UTC)
	if !d.WakeAt.Equal(want) {
		t.Errorf("WakeAt = %v, want off-window end %v", d.WakeAt, want)
	}
	if d.Mode != ModeHold {
		t.Errorf("Mode = %v, want HOLD", d.Mode)
	}
}

func TestNextWake_ActiveWindowPeriodOverridesBase(t *testing.T) {
	p := windowedPolicy()
	d := p.NextWake(noon, health.Healthy, nil)
	if !d.WakeAt.Equal(noon.Add(30 * time.Second)) {
		t.Errorf("WakeAt = %v, want now+30s from window period", d.WakeAt)
	}
	if d.Mode != ModeNormal {
		t.Errorf("Mode = %v, want NORMAL", d.Mode)
	}
}

func TestNextWake_GapHoldsUntilNextStart(t *testing.T) {
	p := testPolicy()
	p.Max = 12 * time.Hour
	p.Windows = []Window{
		{Period: 30 * time.Second, StartSec: 7 * 3600, EndSec: 12 * 3600},
		{Period: 30 * time.Second, StartSec: 15 * 3600, EndSec: 19 * 3600},
	}
	afternoon := time.Date(2026, 8, 23, 13, 0, 0, 0, time.UTC)
	d := p.NextWake(afternoon, health.Healthy, nil)
	want := time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)
	if !d.WakeAt.Equal(want) {
		t.Errorf("WakeAt = %v, want next window start %v", d.WakeAt, want)
	}
	if d.Mode != ModeHold {
		t.Errorf("Mode = %v, want HOLD", d.Mode)
	}
}

func TestNextWake_LateGapWrapsToTomorrow(t *testing.T) {
	p := testPolicy()
	p.Max = 24 * time.Hour
	p.Windows = []Window{
		{Period: 30 * time.Second, StartSec: 7 * 3600, EndSec: 12 * 3600},
	}
	evening := time.Date(2026, 8, 23, 22, 0, 0, 0, time.UTC)
	d := p.NextWake(evening, health.Healthy, nil)
	want := time.Date(2026, 8, 24, 7, 0, 0, 0, time.UTC)
	if !d.WakeAt.Equal(want) {
		t.Errorf("WakeAt = %v, want tomorrow's window start %v", d.WakeAt, want)
	}
}

func TestNextWake_HoldGapStillCapped(t *testing.T) {
	p := windowedPolicy()
	p.Max = time.Hour
	night := time.Date(2026, 8, 23, 0, 30, 0, 0, time.UTC)
	d := p.NextWake(night, health.Healthy, nil)
	if d.WakeAt.After(night.Add(p.Max)) {
		t.Errorf("WakeAt = %v, hold must still respect the max interval cap", d.WakeAt)
	}
}

func TestOffAt(t *testing.T) {
	p := windowedPolicy()
	night := time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC)
	if !p.OffAt(night) {
		t.Error("3am should be off")
	}
	if p.OffAt(noon) {
		t.Error("noon should be active")
	}
	if testPolicy().OffAt(night) {
		t.Error("no windows means always active")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultPolicy()
	cfg.Timing = []config.Window{
		{PeriodSec: -1, Start: "00:00:00", End: "07:00:00"},
		{PeriodSec: 30, Start: "07:00:00", End: "19:00:00"},
	}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if p.Base != 30*time.Second {
		t.Errorf("Base = %v, want 30s", p.Base)
	}
	if len(p.Windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(p.Windows))
	}
	if !p.Windows[0].Off {
		t.Error("first window should be off")
	}
	if p.Windows[1].StartSec != 7*3600 {
		t.Errorf("StartSec = %d, want 25200", p.Windows[1].StartSec)
	}
}
