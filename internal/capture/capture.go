// Package capture defines the camera boundary. The core treats capture
// errors as opaque and never retries them within a cycle.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mrhat-cam/sentinel/internal/errors"
)

// Artifact is one captured image plus its metadata. Immutable once created;
// owned by the transmission pipeline until acknowledged or discarded.
type Artifact struct {
	DeviceID  string
	Sequence  string // ULID; lexicographic order matches capture order
	Timestamp time.Time
	Image     []byte // JPEG bytes
}

// Adapter produces an image artifact on demand.
type Adapter interface {
	Capture(ctx context.Context) (*Artifact, error)
}

// resolutions maps the policy quality names to capture dimensions.
var resolutions = map[string][2]int{
	"4K": {3840, 2160},
	"3K": {2560, 1440},
	"HD": {1920, 1080},
}

// CommandAdapter shells out to a still-capture command that writes JPEG
// bytes to stdout (rpicam-still and libcamera-still both do).
type CommandAdapter struct {
	DeviceID string
	Command  []string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewCommandAdapter builds an adapter for the given quality. command
// overrides the default rpicam-still invocation when non-empty.
func NewCommandAdapter(deviceID, quality string, command []string, timeout time.Duration, logger *slog.Logger) *CommandAdapter {
	if len(command) == 0 {
		command = defaultCommand(quality)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandAdapter{
		DeviceID: deviceID,
		Command:  command,
		Timeout:  timeout,
		Logger:   logger,
	}
}

// defaultCommand returns the rpicam-still invocation for a quality setting.
func defaultCommand(quality string) []string {
	res, ok := resolutions[quality]
	if !ok {
		res = resolutions["HD"]
	}
	return []string{
		"rpicam-still",
		"--nopreview",
		"--encoding", "jpg",
		"--width", strconv.Itoa(res[0]),
		"--height", strconv.Itoa(res[1]),
		"--output", "-",
	}
}

// Capture runs the capture command within the bounded timeout and wraps the
// output into an artifact.
func (a *CommandAdapter) Capture(ctx context.Context) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeout("capture", err)
		}
		return nil, errors.NewCapture(err)
	}
	if len(out) == 0 {
		return nil, errors.NewCapture(fmt.Errorf("capture command produced no image data"))
	}

	ts := time.Now()
	a.Logger.Debug("image captured",
		"bytes", len(out), "elapsed", ts.Sub(started).Round(time.Millisecond))

	return &Artifact{
		DeviceID:  a.DeviceID,
		Sequence:  ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		Timestamp: ts,
		Image:     out,
	}, nil
}
