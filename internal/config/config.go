package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	agenterrors "github.com/mrhat-cam/sentinel/internal/errors"
)

// Window is one entry of the daily timing table. A negative period marks an
// off window: the device holds (no capture, no transmit) until the window
// ends.
type Window struct {
	PeriodSec int    `json:"period"`
	Start     string `json:"start"` // HH:MM:SS, local device time
	End       string `json:"end"`
}

// Off reports whether the window disables capture entirely.
func (w Window) Off() bool {
	return w.PeriodSec < 0
}

// Policy is the static device policy. It is loaded once at process start and
// treated as immutable for the process lifetime.
type Policy struct {
	// DeviceID is the device UUID reported in outbound telemetry.
	DeviceID string `json:"uuid"`

	// Quality selects the capture resolution: 4K, 3K, or HD.
	Quality string `json:"quality"`

	// BasePeriodSec is the capture interval in HEALTHY mode.
	BasePeriodSec int `json:"period"`

	// PowerSaveFactor multiplies the base interval in LOW_POWER health.
	PowerSaveFactor float64 `json:"power_save_factor"`

	// CriticalFactor multiplies the base interval in CRITICAL health.
	CriticalFactor float64 `json:"critical_factor"`

	// MinIntervalSec and MaxIntervalSec bound every computed wake interval.
	// The device checks in at least every MaxIntervalSec regardless of health.
	MinIntervalSec int `json:"min_interval"`
	MaxIntervalSec int `json:"max_interval"`

	// QueueCapacity bounds the durable outbound queue. Enqueueing past
	// capacity evicts the oldest pending items.
	QueueCapacity int `json:"queue_capacity"`

	// MaxRetries is the number of delivery attempts before a message is
	// abandoned.
	MaxRetries int `json:"max_retries"`

	// Per-operation timeouts, in seconds.
	PublishTimeoutSec int `json:"publish_timeout"`
	SensorTimeoutSec  int `json:"sensor_timeout"`
	CaptureTimeoutSec int `json:"capture_timeout"`

	// Retry backoff curve: base delay doubles per failed attempt, capped.
	BackoffBaseSec int `json:"backoff_base"`
	BackoffMaxSec  int `json:"backoff_max"`

	// Health classification thresholds, in percent.
	LowBatteryPct      float64 `json:"low_battery_pct"`
	CriticalBatteryPct float64 `json:"critical_battery_pct"`
	MinStorageFreePct  float64 `json:"min_storage_free_pct"`

	// ShutdownThresholdSec: gaps to the next wake longer than this are spent
	// powered off rather than sleeping in-process. BootOverheadSec is the
	// boot+shutdown allowance subtracted from the wake timer.
	ShutdownThresholdSec int `json:"shutdown_threshold"`
	BootOverheadSec      int `json:"boot_overhead"`

	// Message bus connection.
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      int    `json:"qos"`

	// Outbound topics.
	ImageTopic     string `json:"image_topic"`
	TelemetryTopic string `json:"telemetry_topic"`

	// AttachTelemetry also queues a standalone telemetry message each cycle.
	AttachTelemetry bool `json:"attach_telemetry,omitempty"`

	// CaptureCommand overrides the capture command derived from Quality.
	CaptureCommand []string `json:"capture_command,omitempty"`

	// Timing is the daily working-window table. Empty means always active.
	Timing []Window `json:"timing,omitempty"`
}

// DefaultPolicy returns the default device policy.
func DefaultPolicy() *Policy {
	return &Policy{
		DeviceID:             "8D8AC610-566D-4EF0-9C22-186B2A5ED793",
		Quality:              "4K",
		BasePeriodSec:        30,
		PowerSaveFactor:      4,
		CriticalFactor:       8,
		MinIntervalSec:       5,
		MaxIntervalSec:       3600,
		QueueCapacity:        256,
		MaxRetries:           5,
		PublishTimeoutSec:    5,
		SensorTimeoutSec:     2,
		CaptureTimeoutSec:    30,
		BackoffBaseSec:       15,
		BackoffMaxSec:        900,
		LowBatteryPct:        25,
		CriticalBatteryPct:   10,
		MinStorageFreePct:    5,
		ShutdownThresholdSec: 40,
		BootOverheadSec:      20,
		Broker:               "localhost",
		Port:                 1883,
		QoS:                  2,
		ImageTopic:           "sentinel/image",
		TelemetryTopic:       "sentinel/telemetry",
	}
}

// Load loads the policy from path. A missing file yields the default policy.
// The returned policy is validated.
func Load(path string) (*Policy, error) {
	overlay, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	p := Merge(DefaultPolicy(), overlay)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// loadRaw loads a policy file without applying defaults.
// Returns a zero policy if the file doesn't exist.
func loadRaw(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Policy{}, nil
		}
		return nil, agenterrors.NewConfig(fmt.Sprintf("read %s: %v", path, err))
	}

	p := &Policy{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, agenterrors.NewConfig(fmt.Sprintf("invalid JSON in %s: %v", path, err))
	}
	return p, nil
}

// Merge combines base and overlay policies. Overlay values win for non-zero
// scalars; slices win if non-empty.
func Merge(base, overlay *Policy) *Policy {
	result := *base

	if overlay.DeviceID != "" {
		result.DeviceID = overlay.DeviceID
	}
	if overlay.Quality != "" {
		result.Quality = overlay.Quality
	}
	if overlay.BasePeriodSec != 0 {
		result.BasePeriodSec = overlay.BasePeriodSec
	}
	if overlay.PowerSaveFactor != 0 {
		result.PowerSaveFactor = overlay.PowerSaveFactor
	}
	if overlay.CriticalFactor != 0 {
		result.CriticalFactor = overlay.CriticalFactor
	}
	if overlay.MinIntervalSec != 0 {
		result.MinIntervalSec = overlay.MinIntervalSec
	}
	if overlay.MaxIntervalSec != 0 {
		result.MaxIntervalSec = overlay.MaxIntervalSec
	}
	if overlay.QueueCapacity != 0 {
		result.QueueCapacity = overlay.QueueCapacity
	}
	if overlay.MaxRetries != 0 {
		result.MaxRetries = overlay.MaxRetries
	}
	if overlay.PublishTimeoutSec != 0 {
		result.PublishTimeoutSec = overlay.PublishTimeoutSec
	}
	if overlay.SensorTimeoutSec != 0 {
		result.SensorTimeoutSec = overlay.SensorTimeoutSec
	}
	if overlay.CaptureTimeoutSec != 0 {
		result.CaptureTimeoutSec = overlay.CaptureTimeoutSec
	}
	if overlay.BackoffBaseSec != 0 {
		result.BackoffBaseSec = overlay.BackoffBaseSec
	}
	if overlay.BackoffMaxSec != 0 {
		result.BackoffMaxSec = overlay.BackoffMaxSec
	}
	if overlay.LowBatteryPct != 0 {
		result.LowBatteryPct = overlay.LowBatteryPct
	}
	if overlay.CriticalBatteryPct != 0 {
		result.CriticalBatteryPct = overlay.CriticalBatteryPct
	}
	if overlay.MinStorageFreePct != 0 {
		result.MinStorageFreePct = overlay.MinStorageFreePct
	}
	if overlay.ShutdownThresholdSec != 0 {
		result.ShutdownThresholdSec = overlay.ShutdownThresholdSec
	}
	if overlay.BootOverheadSec != 0 {
		result.BootOverheadSec = overlay.BootOverheadSec
	}
	if overlay.Broker != "" {
		result.Broker = overlay.Broker
	}
	if overlay.Port != 0 {
		result.Port = overlay.Port
	}
	if overlay.Username != "" {
		result.Username = overlay.Username
	}
	if overlay.Password != "" {
		result.Password = overlay.Password
	}
	if overlay.QoS != 0 {
		result.QoS = overlay.QoS
	}
	if overlay.ImageTopic != "" {
		result.ImageTopic = overlay.ImageTopic
	}
	if overlay.TelemetryTopic != "" {
		result.TelemetryTopic = overlay.TelemetryTopic
	}
	result.AttachTelemetry = base.AttachTelemetry || overlay.AttachTelemetry
	if len(overlay.CaptureCommand) > 0 {
		result.CaptureCommand = overlay.CaptureCommand
	}
	if len(overlay.Timing) > 0 {
		result.Timing = overlay.Timing
	}

	return &result
}

// qualities maps allowed quality names to capture resolutions.
var qualities = map[string]bool{"4K": true, "3K": true, "HD": true}

// Validate checks the policy against its allowed structure and ranges.
// All violations are CONFIG errors, fatal at process start.
func (p *Policy) Validate() error {
	if _, err := uuid.Parse(p.DeviceID); err != nil {
		return agenterrors.NewConfig(fmt.Sprintf("uuid %q is not a valid UUID", p.DeviceID))
	}
	if !qualities[p.Quality] {
		return agenterrors.NewConfig(fmt.Sprintf("quality %q: must be one of 4K, 3K, HD", p.Quality))
	}
	if p.MinIntervalSec <= 0 || p.MaxIntervalSec <= 0 || p.MinIntervalSec > p.MaxIntervalSec {
		return agenterrors.NewConfig(fmt.Sprintf("interval bounds [%d, %d] are invalid", p.MinIntervalSec, p.MaxIntervalSec))
	}
	if p.BasePeriodSec < p.MinIntervalSec || p.BasePeriodSec > p.MaxIntervalSec {
		return agenterrors.NewConfig(fmt.Sprintf("period %d outside [%d, %d]", p.BasePeriodSec, p.MinIntervalSec, p.MaxIntervalSec))
	}
	if p.PowerSaveFactor < 1 || p.CriticalFactor < 1 {
		return agenterrors.NewConfig("backoff factors must be >= 1")
	}
	if p.QueueCapacity <= 0 {
		return agenterrors.NewConfig("queue_capacity must be positive")
	}
	if p.MaxRetries <= 0 {
		return agenterrors.NewConfig("max_retries must be positive")
	}
	if p.PublishTimeoutSec <= 0 || p.SensorTimeoutSec <= 0 || p.CaptureTimeoutSec <= 0 {
		return agenterrors.NewConfig("timeouts must be positive")
	}
	if p.BackoffBaseSec <= 0 || p.BackoffMaxSec < p.BackoffBaseSec {
		return agenterrors.NewConfig("backoff curve is invalid")
	}
	if p.QoS < 0 || p.QoS > 2 {
		return agenterrors.NewConfig(fmt.Sprintf("qos %d: must be 0, 1, or 2", p.QoS))
	}
	if p.CriticalBatteryPct > p.LowBatteryPct {
		return agenterrors.NewConfig("critical_battery_pct must not exceed low_battery_pct")
	}
	for i, w := range p.Timing {
		start, err := ParseClock(w.Start)
		if err != nil {
			return agenterrors.NewConfig(fmt.Sprintf("timing[%d].start %q: %v", i, w.Start, err))
		}
		end, err := ParseClock(w.End)
		if err != nil {
			return agenterrors.NewConfig(fmt.Sprintf("timing[%d].end %q: %v", i, w.End, err))
		}
		if start >= end {
			return agenterrors.NewConfig(fmt.Sprintf("timing[%d]: start %q not before end %q", i, w.Start, w.End))
		}
	}
	return nil
}

// ParseClock parses an HH:MM:SS string into seconds since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, fmt.Errorf("not an HH:MM:SS time")
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}

// Duration getters for the second-denominated fields.

func (p *Policy) BaseInterval() time.Duration    { return time.Duration(p.BasePeriodSec) * time.Second }
func (p *Policy) MinInterval() time.Duration     { return time.Duration(p.MinIntervalSec) * time.Second }
func (p *Policy) MaxInterval() time.Duration     { return time.Duration(p.MaxIntervalSec) * time.Second }
func (p *Policy) PublishTimeout() time.Duration  { return time.Duration(p.PublishTimeoutSec) * time.Second }
func (p *Policy) SensorTimeout() time.Duration   { return time.Duration(p.SensorTimeoutSec) * time.Second }
func (p *Policy) CaptureTimeout() time.Duration  { return time.Duration(p.CaptureTimeoutSec) * time.Second }
func (p *Policy) BackoffBase() time.Duration     { return time.Duration(p.BackoffBaseSec) * time.Second }
func (p *Policy) BackoffMax() time.Duration      { return time.Duration(p.BackoffMaxSec) * time.Second }
func (p *Policy) BootOverhead() time.Duration    { return time.Duration(p.BootOverheadSec) * time.Second }
func (p *Policy) ShutdownThreshold() time.Duration {
	return time.Duration(p.ShutdownThresholdSec) * time.Second
}
