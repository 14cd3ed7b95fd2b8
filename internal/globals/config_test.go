package globals

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
poller:
  run_period_seconds: 30
  query_workers: 4
servers_file: /etc/nmstrans/servers.yaml
`)
	t.Setenv("NMSTRANS_POLLER_RESULT_WORKERS", "7")
	t.Setenv("NMSTRANS_API_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Poller.RunPeriod() != 30*time.Second || cfg.Poller.QueryWorkers != 4 {
		t.Errorf("file values not applied: %+v", cfg.Poller)
	}
	if cfg.Poller.ResultWorkers != 7 {
		t.Errorf("env override not applied: result_workers = %d", cfg.Poller.ResultWorkers)
	}
	if cfg.API.Enabled {
		t.Error("NMSTRANS_API_ENABLED=false not applied")
	}
	if cfg.Poller.ShutdownGrace() != 10*time.Second || cfg.Readers.SNMPTimeout() != 2*time.Second {
		t.Errorf("defaults not kept: %+v %+v", cfg.Poller, cfg.Readers)
	}
	if cfg.ServersFile != "/etc/nmstrans/servers.yaml" {
		t.Errorf("servers_file = %q", cfg.ServersFile)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"zero workers", "poller: {query_workers: 0}\n", nil},
		{"bad level", "logging: {level: verbose}\n", nil},
		{"file output without path", "logging: {output: file}\n", nil},
		{"bad env int", "", map[string]string{"NMSTRANS_API_PORT": "http"}},
		{"bad yaml", "poller: [", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDumpExampleConfig_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := DumpExampleConfig(&buf); err != nil {
		t.Fatalf("DumpExampleConfig failed: %v", err)
	}
	if !strings.Contains(buf.String(), "NMSTRANS_") {
		t.Error("example config does not document env overrides")
	}

	var cfg Config
	if err := yaml.Unmarshal(buf.Bytes(), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
}

func TestInitLogger_File(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "nmstrans.log")
	logger, closer, err := InitLogger(LoggingConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	logger.Debug("hello", "component", "test")
	_ = closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file content = %q", data)
	}
}
