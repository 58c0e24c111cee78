package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestRunningPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFileName)

	if _, alive := runningPID(path); alive {
		t.Fatal("missing pid file reported alive")
	}

	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
	pid, alive := runningPID(path)
	if !alive || pid != os.Getpid() {
		t.Fatalf("runningPID = %d, %v; want %d, true", pid, alive, os.Getpid())
	}

	os.WriteFile(path, []byte("garbage"), 0600)
	if _, alive := runningPID(path); alive {
		t.Fatal("garbage pid file reported alive")
	}
}

func TestFingerprintCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"fingerprint", "--config", dir})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	lines := strings.SplitN(out.String(), "\n", 2)
	if len(lines[0]) != 64 {
		t.Fatalf("fingerprint line = %q, want 64 hex chars", lines[0])
	}
	if !strings.Contains(out.String(), `"pubkey": "ssh-ed25519 `) {
		t.Fatalf("missing receivers entry in output:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "mailbag", "ssh", "id_ed25519")); err != nil {
		t.Fatalf("key not generated: %v", err)
	}
}

func TestResolveAPIDisabled(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "missionlist"), 0755)
	os.WriteFile(filepath.Join(dir, "missionlist", "senders.json"), []byte(`{"api_addr":"off"}`), 0644)

	old := configDir
	configDir = dir
	defer func() { configDir = old }()

	if _, err := resolveAPI(); err != errAPIDisabled {
		t.Fatalf("resolveAPI err = %v, want %v", err, errAPIDisabled)
	}
}
