package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func loadWithEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	t.Setenv("DERMASCAN_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for k, val := range env {
		t.Setenv(k, val)
	}
	return Load(New())
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWithEnv(t, nil)
	if err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Host != DefaultHost {
		t.Fatalf("unexpected listen address %s", cfg.ListenAddr())
	}
	if cfg.Worker.Mode != WorkerModePool || cfg.Worker.Count != DefaultWorkerCount || cfg.Worker.Timeout != DefaultTimeout {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
	if cfg.Uploads.MaxBytes != DefaultMaxBytes || cfg.Uploads.Retention != 0 {
		t.Fatalf("unexpected uploads config %+v", cfg.Uploads)
	}
	if cfg.Model.Path != DefaultModelPath || cfg.Redis.Addr != "" || cfg.History.DSN != "" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{
		"DERMASCAN_WORKER_TIMEOUT":    "5s",
		"DERMASCAN_WORKER_COUNT":      "4",
		"DERMASCAN_UPLOADS_MAX_BYTES": "1024",
		"DERMASCAN_REDIS_ADDR":        "localhost:6379",
		"MODEL_PATH":                  "/models/melanoma.onnx",
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Worker.Timeout != 5*time.Second || cfg.Worker.Count != 4 {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
	if cfg.Uploads.MaxBytes != 1024 || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Model.Path != "/models/melanoma.onnx" {
		t.Fatalf("MODEL_PATH not honoured: %s", cfg.Model.Path)
	}
}

func TestPortAliases(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{"PYTHON_API_PORT": "6001"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 6001 {
		t.Fatalf("PYTHON_API_PORT not honoured: %d", cfg.Port)
	}

	cfg, err = loadWithEnv(t, map[string]string{"PORT": "7000", "DERMASCAN_PORT": "7001"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 7001 {
		t.Fatalf("prefixed variable should win, got %d", cfg.Port)
	}
}

func TestEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("DERMASCAN_HISTORY_DSN=scans.db\n"), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("DERMASCAN_ENV_FILE", envFile)
	// godotenv sets the variable for the rest of the process.
	t.Cleanup(func() { os.Unsetenv("DERMASCAN_HISTORY_DSN") })

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.History.DSN != "scans.db" {
		t.Fatalf("env file not loaded: %q", cfg.History.DSN)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "port range", env: map[string]string{"DERMASCAN_PORT": "70000"}, want: "port"},
		{name: "worker count", env: map[string]string{"DERMASCAN_WORKER_COUNT": "0"}, want: "worker.count"},
		{name: "timeout", env: map[string]string{"DERMASCAN_WORKER_TIMEOUT": "0s"}, want: "worker.timeout"},
		{name: "mode", env: map[string]string{"DERMASCAN_WORKER_MODE": "threads"}, want: "worker.mode"},
		{name: "process command", env: map[string]string{"DERMASCAN_WORKER_MODE": "process"}, want: "worker.command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWithEnv(t, tt.env)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestProcessModeCommand(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{
		"DERMASCAN_WORKER_MODE":    "process",
		"DERMASCAN_WORKER_COMMAND": "/usr/local/bin/predict --quiet",
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	args := cfg.Worker.CommandArgs()
	if len(args) != 2 || args[0] != "/usr/local/bin/predict" {
		t.Fatalf("unexpected command args %v", args)
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	t.Setenv("DERMASCAN_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	v := New()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	if err := RegisterFlags(cmd, v); err != nil {
		t.Fatalf("failed to register flags: %v", err)
	}
	cmd.SetArgs([]string{"--port", "9100", "--workers", "3"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 9100 || cfg.Worker.Count != 3 {
		t.Fatalf("flags not applied: port=%d workers=%d", cfg.Port, cfg.Worker.Count)
	}
}
