// Package health samples device vitals and classifies them for the
// scheduler. Sampling is best-effort: a failed sensor read degrades the
// snapshot instead of failing the cycle.
package health

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mrhat-cam/sentinel/internal/errors"
)

// Class is the device health classification.
type Class string

const (
	Healthy  Class = "HEALTHY"
	LowPower Class = "LOW_POWER"
	Critical Class = "CRITICAL"
)

// Snapshot is a point-in-time reading of device vitals.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	BatteryPct     float64   `json:"batteryCharge"`
	BatteryTempC   float64   `json:"batteryTemp"`
	CPUTempC       float64   `json:"cpuTemp"`
	StorageFreePct float64   `json:"storageFreePct"`
	Connected      bool      `json:"connected"`

	// Degraded is set when any sensor read failed and the corresponding
	// field holds a best-effort zero value.
	Degraded bool `json:"degraded"`
}

// Thresholds are the classification floors, in percent.
type Thresholds struct {
	LowBatteryPct      float64
	CriticalBatteryPct float64
	MinStorageFreePct  float64
}

// Classify maps a snapshot to a health class. Pure; a degraded snapshot with
// unreadable battery is treated as LOW_POWER rather than CRITICAL so a broken
// fuel gauge does not silence the camera entirely.
func Classify(s Snapshot, t Thresholds) Class {
	switch {
	case s.Degraded && s.BatteryPct == 0:
		return LowPower
	case s.BatteryPct <= t.CriticalBatteryPct:
		return Critical
	case s.StorageFreePct <= t.MinStorageFreePct:
		return Critical
	case s.BatteryPct <= t.LowBatteryPct:
		return LowPower
	default:
		return Healthy
	}
}

// Sampler produces health snapshots.
type Sampler interface {
	Sample(ctx context.Context) Snapshot
}

// PlatformSampler reads vitals from Linux sysfs and probes broker
// reachability. Every read is bounded by Timeout; failures mark the snapshot
// degraded and are logged, never propagated.
type PlatformSampler struct {
	// BatteryDir is the power supply sysfs directory, holding the
	// capacity and temp attributes.
	BatteryDir string

	// ThermalFile is the CPU thermal zone temp file (millidegrees C).
	ThermalFile string

	// StorageMount is the mount point measured for free space.
	StorageMount string

	// ProbeAddr is a host:port dialed to check connectivity, normally the
	// message broker.
	ProbeAddr string

	Timeout time.Duration
	Logger  *slog.Logger

	// Clock is overridable for tests. Nil means time.Now.
	Clock func() time.Time
}

const (
	defaultBatteryDir   = "/sys/class/power_supply/bq25890-battery"
	defaultThermalFile  = "/sys/class/thermal/thermal_zone0/temp"
	defaultStorageMount = "/"
	defaultTimeout      = 2 * time.Second
)

// NewPlatformSampler returns a sampler with the default sysfs locations.
func NewPlatformSampler(probeAddr string, timeout time.Duration, logger *slog.Logger) *PlatformSampler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &PlatformSampler{
		BatteryDir:   defaultBatteryDir,
		ThermalFile:  defaultThermalFile,
		StorageMount: defaultStorageMount,
		ProbeAddr:    probeAddr,
		Timeout:      timeout,
		Logger:       logger,
	}
}

// Sample reads all vitals. It never returns an error: unreadable sensors set
// Degraded and leave their fields at zero.
func (s *PlatformSampler) Sample(ctx context.Context) Snapshot {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	snap := Snapshot{Timestamp: now()}

	if pct, err := s.readScaled(s.BatteryDir+"/capacity", 1); err != nil {
		s.degrade(&snap, errors.NewSensorRead("battery_capacity", err))
	} else {
		snap.BatteryPct = pct
	}

	// Battery temp is in tenths of a degree, CPU temp in millidegrees.
	if temp, err := s.readScaled(s.BatteryDir+"/temp", 10); err != nil {
		s.degrade(&snap, errors.NewSensorRead("battery_temp", err))
	} else {
		snap.BatteryTempC = temp
	}

	if temp, err := s.readScaled(s.ThermalFile, 1000); err != nil {
		s.degrade(&snap, errors.NewSensorRead("cpu_temp", err))
	} else {
		snap.CPUTempC = temp
	}

	if free, err := storageFreePct(s.StorageMount); err != nil {
		s.degrade(&snap, errors.NewSensorRead("storage", err))
	} else {
		snap.StorageFreePct = free
	}

	snap.Connected = s.probe(ctx)
	return snap
}

func (s *PlatformSampler) degrade(snap *Snapshot, err error) {
	snap.Degraded = true
	if s.Logger != nil {
		s.Logger.Warn("sensor read failed", "error", err)
	}
}

// readScaled reads a numeric sysfs attribute and divides it by scale.
func (s *PlatformSampler) readScaled(path string, scale float64) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, err
	}
	return v / scale, nil
}

// storageFreePct returns the percentage of free blocks on the mount.
func storageFreePct(mount string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return float64(st.Bavail) / float64(st.Blocks) * 100, nil
}

// probe dials ProbeAddr within the bounded timeout. An empty ProbeAddr
// reports connected, so bench setups without a broker stay HEALTHY.
func (s *PlatformSampler) probe(ctx context.Context) bool {
	if s.ProbeAddr == "" {
		return true
	}
	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", s.ProbeAddr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
