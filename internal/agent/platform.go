package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// TimerSleep waits in-process until wakeAt. Returns early with the context
// error if cancelled.
func TimerSleep(ctx context.Context, wakeAt time.Time) error {
	d := time.Until(wakeAt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlatformSleeper spends long gaps powered off and short gaps in-process.
// Powering off pays a fixed boot+shutdown cost, so it only wins when the
// gap exceeds the threshold; the wake timer is armed early by the boot
// overhead so the next capture lands on time.
type PlatformSleeper struct {
	ShutdownThreshold time.Duration
	BootOverhead      time.Duration

	// Shutdown powers the device off with a wake timer armed for wakeAt.
	// Nil disables power-off entirely (bench mode).
	Shutdown func(ctx context.Context, wakeAt time.Time) error

	Logger *slog.Logger
}

// Sleep implements SleepFunc.
func (s *PlatformSleeper) Sleep(ctx context.Context, wakeAt time.Time) error {
	gap := time.Until(wakeAt)
	if s.Shutdown != nil && gap > s.ShutdownThreshold {
		target := wakeAt.Add(-s.BootOverhead)
		s.Logger.Info("powering off until next wake", "wake_at", target, "gap", gap.Round(time.Second))
		return s.Shutdown(ctx, target)
	}
	s.Logger.Info("sleeping in-process until next wake", "wake_at", wakeAt, "gap", gap.Round(time.Second))
	return TimerSleep(ctx, wakeAt)
}

// RTCWake powers the device off with the hardware clock armed to boot it at
// wakeAt. Requires rtcwake and a working RTC.
func RTCWake(ctx context.Context, wakeAt time.Time) error {
	secs := int(time.Until(wakeAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, "rtcwake", "-m", "off", "-s", strconv.Itoa(secs))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rtcwake: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
