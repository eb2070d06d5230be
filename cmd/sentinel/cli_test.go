package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mrhat-cam/sentinel/internal/config"
	"github.com/mrhat-cam/sentinel/internal/queue"
)

// writeConfig writes a policy file into dir and returns its path.
func writeConfig(t *testing.T, dir string, policy map[string]any) string {
	t.Helper()
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestNewApp_CommandsRegistered(t *testing.T) {
	app := newApp("test")

	want := []string{"run", "cycle", "queue", "config"}
	for _, name := range want {
		if app.Command(name) == nil {
			t.Errorf("command %q not registered", name)
		}
	}
	if app.Version != "test" {
		t.Errorf("version = %q, want %q", app.Version, "test")
	}
}

func TestConfigShow_DefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	app := newApp("test")

	err := app.Run([]string{"sentinel", "--data-dir", dir, "config", "show"})
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
}

func TestConfigShow_RejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, map[string]any{"uuid": "not-a-uuid"})

	app := newApp("test")
	err := app.Run([]string{"sentinel", "--data-dir", dir, "config", "show"})
	if err == nil {
		t.Fatal("expected validation error for bad uuid")
	}
}

func TestConfigShow_ExplicitPathOverridesDataDir(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	path := writeConfig(t, other, map[string]any{"period": 120})

	app := newApp("test")
	err := app.Run([]string{"sentinel", "--data-dir", dir, "--config", path, "config", "show"})
	if err != nil {
		t.Fatalf("config show with explicit path: %v", err)
	}
}

func TestQueueList_EmptyBuffer(t *testing.T) {
	dir := t.TempDir()
	app := newApp("test")

	err := app.Run([]string{"sentinel", "--data-dir", dir, "queue", "list"})
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
}

func TestQueuePurge_DropsBufferedMessages(t *testing.T) {
	dir := t.TempDir()

	// Seed the buffer directly, then purge through the CLI.
	q, err := queue.Open(dir, 16)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	now := time.Now()
	if _, err := q.Enqueue(&queue.Message{
		ID:            "01SEED",
		Topic:         "sentinel/image",
		Kind:          "image",
		Payload:       []byte("{}"),
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	q.Close()

	app := newApp("test")
	if err := app.Run([]string{"sentinel", "--data-dir", dir, "queue", "purge"}); err != nil {
		t.Fatalf("queue purge: %v", err)
	}

	q, err = queue.Open(dir, 16)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q.Close()
	n, err := q.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Errorf("buffer holds %d messages after purge, want 0", n)
	}
}

func TestConfigPath_Defaults(t *testing.T) {
	dir := t.TempDir()
	app := newApp("test")

	// Capture the resolved paths through a throwaway command.
	var cfgPath, logPath string
	app.Commands = append(app.Commands, &cli.Command{
		Name: "probe",
		Action: func(c *cli.Context) error {
			cfgPath = configPath(c)
			logPath = logConfigPath(c)
			return nil
		},
	})
	if err := app.Run([]string{"sentinel", "--data-dir", dir, "probe"}); err != nil {
		t.Fatalf("probe: %v", err)
	}

	if want := filepath.Join(dir, "config.json"); cfgPath != want {
		t.Errorf("config path = %q, want %q", cfgPath, want)
	}
	if want := filepath.Join(dir, "logging.yaml"); logPath != want {
		t.Errorf("log config path = %q, want %q", logPath, want)
	}
}

func TestDefaultPolicyRoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"period":  60,
		"quality": "HD",
	})

	p, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.BasePeriodSec != 60 {
		t.Errorf("period = %d, want 60", p.BasePeriodSec)
	}
	if p.Quality != "HD" {
		t.Errorf("quality = %q, want HD", p.Quality)
	}
	// Untouched fields keep their defaults.
	if p.QueueCapacity != 256 {
		t.Errorf("queue_capacity = %d, want default 256", p.QueueCapacity)
	}
}
