// Package message builds the JSON envelopes published to the bus. Field
// names are part of the wire contract with the receiving side.
package message

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/mrhat-cam/sentinel/internal/capture"
	"github.com/mrhat-cam/sentinel/internal/errors"
	"github.com/mrhat-cam/sentinel/internal/health"
)

// Kind values recorded on queued messages.
const (
	KindImage     = "image"
	KindTelemetry = "telemetry"
)

// Image is the envelope for a captured artifact with the vitals read in the
// same cycle.
type Image struct {
	DeviceID      string  `json:"deviceId"`
	Sequence      string  `json:"sequence"`
	Timestamp     string  `json:"timestamp"`
	Image         string  `json:"image"` // base64-encoded JPEG
	CPUTemp       float64 `json:"cpuTemp"`
	BatteryTemp   float64 `json:"batteryTemp"`
	BatteryCharge float64 `json:"batteryCharge"`
}

// Telemetry is the standalone health envelope.
type Telemetry struct {
	DeviceID       string  `json:"deviceId"`
	Timestamp      string  `json:"timestamp"`
	BatteryCharge  float64 `json:"batteryCharge"`
	BatteryTemp    float64 `json:"batteryTemp"`
	CPUTemp        float64 `json:"cpuTemp"`
	StorageFreePct float64 `json:"storageFreePct"`
	Connected      bool    `json:"connected"`
	Degraded       bool    `json:"degraded"`
}

// EncodeImage serializes an artifact and its cycle snapshot.
func EncodeImage(a *capture.Artifact, snap health.Snapshot) ([]byte, error) {
	env := Image{
		DeviceID:      a.DeviceID,
		Sequence:      a.Sequence,
		Timestamp:     a.Timestamp.UTC().Format(time.RFC3339),
		Image:         base64.StdEncoding.EncodeToString(a.Image),
		CPUTemp:       snap.CPUTempC,
		BatteryTemp:   snap.BatteryTempC,
		BatteryCharge: snap.BatteryPct,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}

// EncodeTelemetry serializes a health snapshot.
func EncodeTelemetry(deviceID string, snap health.Snapshot) ([]byte, error) {
	env := Telemetry{
		DeviceID:       deviceID,
		Timestamp:      snap.Timestamp.UTC().Format(time.RFC3339),
		BatteryCharge:  snap.BatteryPct,
		BatteryTemp:    snap.BatteryTempC,
		CPUTemp:        snap.CPUTempC,
		StorageFreePct: snap.StorageFreePct,
		Connected:      snap.Connected,
		Degraded:       snap.Degraded,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}
