package daemon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeConfigJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sender.ListenPort != 2222 {
		t.Fatalf("listen_port = %d, want 2222", cfg.Sender.ListenPort)
	}
	if cfg.Sender.BroadcastInterval != 30 {
		t.Fatalf("broadcast_interval = %d, want 30", cfg.Sender.BroadcastInterval)
	}
	if len(cfg.Receivers) != 0 {
		t.Fatalf("receivers = %d, want 0", len(cfg.Receivers))
	}
	if _, err := os.Stat(filepath.Join(dir, missionDir, sendersFile)); err != nil {
		t.Fatalf("senders.json not written: %v", err)
	}
	if got := cfg.KeyPath(); got != filepath.Join(cfg.Dir, "mailbag", "ssh", "id_ed25519") {
		t.Fatalf("KeyPath = %s", got)
	}
	if !cfg.KeepOriginal() {
		t.Fatal("KeepOriginal should default to true")
	}
	if cfg.APIAddr() != DefaultAPIAddr {
		t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr(), DefaultAPIAddr)
	}
}

func TestLoadConfigPartialSenderKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigJSON(t, filepath.Join(dir, missionDir, sendersFile), map[string]interface{}{
		"host_fingerprint": "",
		"api_addr":         "off",
		"keep_original":    false,
	})
	cfg, err := LoadConfig(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sender.ListenPort != 2222 {
		t.Fatalf("listen_port = %d, want default 2222", cfg.Sender.ListenPort)
	}
	if cfg.APIAddr() != "" {
		t.Fatalf("APIAddr = %q, want disabled", cfg.APIAddr())
	}
	if cfg.KeepOriginal() {
		t.Fatal("keep_original false not honored")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvListenPort, "4000")
	t.Setenv(EnvSink, strings.Repeat("ab", 32))
	t.Setenv(EnvAPIAddr, "127.0.0.1:9999")

	cfg, err := LoadConfig(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sender.ListenPort != 4000 {
		t.Fatalf("listen_port = %d, want 4000", cfg.Sender.ListenPort)
	}
	if cfg.Sender.HostFingerprint != strings.Repeat("ab", 32) {
		t.Fatalf("host_fingerprint = %q", cfg.Sender.HostFingerprint)
	}
	if cfg.APIAddr() != "127.0.0.1:9999" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr())
	}
}

func TestLoadConfigBadPortEnv(t *testing.T) {
	t.Setenv(EnvListenPort, "not-a-port")
	if _, err := LoadConfig(t.TempDir(), quietLogger()); err == nil {
		t.Fatal("expected error for invalid port override")
	}
}

func TestLoadConfigMalformedReceiversIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, missionDir, receiversFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Receivers) != 0 {
		t.Fatalf("receivers = %d, want 0", len(cfg.Receivers))
	}
}

func testReceiver(t *testing.T) (*identity.Keypair, ReceiverConfig) {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp, ReceiverConfig{Host: "10.0.0.1", Port: 2222, PubKey: kp.AuthorizedKey()}
}

func TestPeers(t *testing.T) {
	a, ra := testReceiver(t)
	b, rb := testReceiver(t)
	rb.Via = a.ID.Hex()

	cfg := &Config{Receivers: map[string]ReceiverConfig{
		a.ID.Hex(): ra,
		b.ID.Hex(): rb,
	}}
	peers, err := cfg.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	for _, p := range peers {
		if p.ID == b.ID && p.Via != a.ID {
			t.Fatalf("via = %s, want %s", p.Via.Short(), a.ID.Short())
		}
		if p.ID == a.ID && !p.Via.IsZero() {
			t.Fatal("direct peer has a via")
		}
	}
}

func TestPeersRejectsMismatchedKey(t *testing.T) {
	a, _ := testReceiver(t)
	_, rb := testReceiver(t)
	cfg := &Config{Receivers: map[string]ReceiverConfig{a.ID.Hex(): rb}}
	if _, err := cfg.Peers(); err == nil {
		t.Fatal("expected fingerprint mismatch error")
	}
}

func TestPeersRejectsUnknownVia(t *testing.T) {
	a, ra := testReceiver(t)
	stranger, _ := testReceiver(t)
	ra.Via = stranger.ID.Hex()
	cfg := &Config{Receivers: map[string]ReceiverConfig{a.ID.Hex(): ra}}
	if _, err := cfg.Peers(); err == nil {
		t.Fatal("expected error for via outside the neighbor list")
	}
}

func TestPeersRejectsSelfVia(t *testing.T) {
	a, ra := testReceiver(t)
	ra.Via = a.ID.Hex()
	cfg := &Config{Receivers: map[string]ReceiverConfig{a.ID.Hex(): ra}}
	if _, err := cfg.Peers(); err == nil {
		t.Fatal("expected error for a peer tunnelling through itself")
	}
}

func TestPeersRequiresHost(t *testing.T) {
	a, ra := testReceiver(t)
	ra.Host = ""
	cfg := &Config{Receivers: map[string]ReceiverConfig{a.ID.Hex(): ra}}
	if _, err := cfg.Peers(); err == nil {
		t.Fatal("expected error for missing host")
	}
}
