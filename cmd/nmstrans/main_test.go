package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	servers := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(servers, []byte(`
writers:
  debug:
    type: log
servers:
  - host: 10.0.0.1
    protocol: snmp
    queries:
      - object_name: 1.3.6.1.2.1.1
        writers: [debug]
`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("servers_file: "+servers+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "validate", "-c", cfgPath)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Servers:    1") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestExampleConfigCommand(t *testing.T) {
	out, err := execute(t, "example-config")
	if err != nil {
		t.Fatalf("example-config failed: %v", err)
	}
	if !strings.Contains(out, "servers_file:") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
