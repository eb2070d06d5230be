// Package agent is the device lifecycle orchestrator: the state machine
// sequencing wake, health check, capture, transmit, schedule, sleep. Every
// cycle reaches the schedule step no matter which component fails; a device
// that never re-schedules is the one failure mode that must be impossible.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/mrhat-cam/sentinel/internal/capture"
	"github.com/mrhat-cam/sentinel/internal/health"
	"github.com/mrhat-cam/sentinel/internal/message"
	"github.com/mrhat-cam/sentinel/internal/schedule"
	"github.com/mrhat-cam/sentinel/internal/transmit"
)

// State names the orchestrator states, logged on every transition.
type State string

const (
	StateInit        State = "INIT"
	StateHealthCheck State = "HEALTH_CHECK"
	StateCapture     State = "CAPTURE"
	StateTransmit    State = "TRANSMIT"
	StateSkip        State = "SKIP"
	StateSchedule    State = "SCHEDULE"
	StateSleep       State = "SLEEP"
)

// Outcome classifies one completed cycle.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// CycleResult is the outcome of one orchestrator iteration.
type CycleResult struct {
	Outcome  Outcome               `json:"outcome"`
	Class    health.Class          `json:"class"`
	Decision schedule.Decision     `json:"decision"`
	Flush    *transmit.FlushReport `json:"flush,omitempty"`
	Snapshot health.Snapshot       `json:"snapshot"`
}

// mark lowers the outcome, never raises it: failed > degraded > success.
func (r *CycleResult) mark(o Outcome) {
	switch {
	case o == OutcomeFailed:
		r.Outcome = OutcomeFailed
	case o == OutcomeDegraded && r.Outcome == OutcomeSuccess:
		r.Outcome = OutcomeDegraded
	}
}

// SleepFunc instructs the platform to sleep until wakeAt. It is the
// orchestrator's only output to the platform.
type SleepFunc func(ctx context.Context, wakeAt time.Time) error

// Agent wires the cycle components together. All fields are set once at
// startup; per-cycle state lives on the stack of RunCycle.
type Agent struct {
	Sampler    health.Sampler
	Adapter    capture.Adapter
	Pipeline   *transmit.Pipeline
	Schedule   schedule.Policy
	Thresholds health.Thresholds

	DeviceID       string
	ImageTopic     string
	TelemetryTopic string

	// AttachTelemetry queues a standalone telemetry message each cycle in
	// addition to the vitals embedded in the image envelope.
	AttachTelemetry bool

	Sleep  SleepFunc
	Logger *slog.Logger

	// Clock is overridable for tests. Nil means time.Now.
	Clock func() time.Time

	// last is the previous cycle's decision, input to the next one.
	last *schedule.Decision
}

// RunCycle executes one wake-to-sleep iteration. It always returns a result
// carrying a schedule decision: component errors and panics are absorbed at
// this boundary and downgrade the outcome instead of propagating.
func (a *Agent) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{Outcome: OutcomeSuccess}
	var art *capture.Artifact

	state := StateInit
	for state != StateSleep {
		next := state
		switch state {
		case StateInit:
			next = StateHealthCheck

		case StateHealthCheck:
			res.Snapshot, res.Class = a.healthCheck(ctx, &res)
			if res.Class == health.Critical || a.Schedule.OffAt(a.now()) {
				next = StateSkip
			} else {
				next = StateCapture
			}

		case StateSkip:
			a.Logger.Info("capture skipped", "class", res.Class)
			next = StateSchedule

		case StateCapture:
			art = a.captureArtifact(ctx, &res)
			if art == nil {
				next = StateSchedule
			} else {
				next = StateTransmit
			}

		case StateTransmit:
			a.transmitArtifact(ctx, art, &res)
			next = StateSchedule

		case StateSchedule:
			res.Decision = a.decide(&res)
			next = StateSleep
		}
		a.Logger.Debug("state transition", "from", state, "to", next)
		state = next
	}

	a.last = &res.Decision
	return res
}

// Run loops cycles until the context is cancelled. The platform sleep
// happens between cycles; a shutdown signal during a cycle still lets the
// schedule step run before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	for cycle := 1; ; cycle++ {
		res := a.RunCycle(ctx)
		a.Logger.Info("cycle complete",
			"cycle", cycle,
			"outcome", res.Outcome,
			"class", res.Class,
			"mode", res.Decision.Mode,
			"wake_at", res.Decision.WakeAt)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.Sleep(ctx, res.Decision.WakeAt); err != nil {
			return err
		}
	}
}

// healthCheck samples vitals and classifies them. A panicking sampler yields
// a fully degraded snapshot; a degraded snapshot downgrades the outcome.
func (a *Agent) healthCheck(ctx context.Context, res *CycleResult) (health.Snapshot, health.Class) {
	var snap health.Snapshot
	if ok := a.guard("health_check", res, func() {
		snap = a.Sampler.Sample(ctx)
	}); !ok {
		snap = health.Snapshot{Timestamp: a.now(), Degraded: true}
	}
	if snap.Degraded {
		res.mark(OutcomeDegraded)
	}
	return snap, health.Classify(snap, a.Thresholds)
}

// captureArtifact invokes the capture adapter. Any error fails the cycle
// and skips transmit; capture is never retried within a cycle.
func (a *Agent) captureArtifact(ctx context.Context, res *CycleResult) *capture.Artifact {
	var art *capture.Artifact
	ok := a.guard("capture", res, func() {
		var err error
		art, err = a.Adapter.Capture(ctx)
		if err != nil {
			a.Logger.Error("capture failed", "error", err)
			art = nil
			res.mark(OutcomeFailed)
		}
	})
	if !ok {
		art = nil
	}
	return art
}

// transmitArtifact enqueues the cycle's messages and flushes the queue.
// Delivery failures degrade the result but never abort the cycle.
func (a *Agent) transmitArtifact(ctx context.Context, art *capture.Artifact, res *CycleResult) {
	a.guard("transmit", res, func() {
		payload, err := message.EncodeImage(art, res.Snapshot)
		if err != nil {
			a.Logger.Error("failed to encode image message", "error", err)
			res.mark(OutcomeDegraded)
			return
		}
		if _, err := a.Pipeline.Enqueue(a.ImageTopic, message.KindImage, payload); err != nil {
			a.Logger.Error("failed to enqueue image message", "error", err)
			res.mark(OutcomeDegraded)
			return
		}

		if a.AttachTelemetry {
			if tp, err := message.EncodeTelemetry(a.DeviceID, res.Snapshot); err == nil {
				if _, err := a.Pipeline.Enqueue(a.TelemetryTopic, message.KindTelemetry, tp); err != nil {
					a.Logger.Warn("failed to enqueue telemetry message", "error", err)
				}
			}
		}

		report := a.Pipeline.Flush(ctx)
		res.Flush = &report
		if report.Failed > 0 || report.Abandoned > 0 {
			res.mark(OutcomeDegraded)
		}
	})
}

// decide computes the next wake. NextWake is pure; if it panics anyway the
// fallback re-schedules at the minimum interval so the device always has a
// wake timer.
func (a *Agent) decide(res *CycleResult) schedule.Decision {
	var dec schedule.Decision
	if ok := a.guard("schedule", res, func() {
		dec = a.Schedule.NextWake(a.now(), res.Class, a.last)
	}); !ok {
		dec = schedule.Decision{WakeAt: a.now().Add(a.Schedule.Min), Mode: schedule.ModeHold}
	}
	return dec
}

// guard runs fn and converts a panic into a degraded outcome. Returns false
// if fn panicked.
func (a *Agent) guard(step string, res *CycleResult, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger.Error("component panicked", "step", step, "panic", r)
			res.mark(OutcomeDegraded)
			ok = false
		}
	}()
	fn()
	return true
}

func (a *Agent) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}
