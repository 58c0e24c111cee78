package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPeerIDHexRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	parsed, err := Parse(kp.ID.Hex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != kp.ID {
		t.Fatalf("parsed = %s, want %s", parsed, kp.ID)
	}
	if len(kp.ID.Short()) != 8 {
		t.Fatalf("Short() length = %d, want 8", len(kp.ID.Short()))
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "zz", strings.Repeat("ab", 31)} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestPeerIDJSONMapKey(t *testing.T) {
	kp, _ := GenerateKeypair()
	in := map[PeerID]int{kp.ID: 7}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[PeerID]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[kp.ID] != 7 {
		t.Fatalf("round-tripped map = %v", out)
	}
}

// TestFingerprintStableAcrossEncodings verifies that the same key gives the
// same PeerID whether it is parsed from an authorized_keys line, a bare blob,
// or derived from the raw ed25519 key.
func TestFingerprintStableAcrossEncodings(t *testing.T) {
	kp, _ := GenerateKeypair()

	line, err := ParsePublicKey(kp.AuthorizedKey())
	if err != nil {
		t.Fatalf("ParsePublicKey(line): %v", err)
	}
	blob, err := ParsePublicKey(base64.StdEncoding.EncodeToString(kp.Signer.PublicKey().Marshal()))
	if err != nil {
		t.Fatalf("ParsePublicKey(blob): %v", err)
	}
	raw, err := FromEd25519(kp.Public)
	if err != nil {
		t.Fatalf("FromEd25519: %v", err)
	}

	for name, got := range map[string]PeerID{
		"line": FromPublicKey(line),
		"blob": FromPublicKey(blob),
		"raw":  raw,
	} {
		if got != kp.ID {
			t.Errorf("%s fingerprint = %s, want %s", name, got.Short(), kp.ID.Short())
		}
	}
}

func TestParsePublicKeyInvalid(t *testing.T) {
	_, err := ParsePublicKey("not-base64!!")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestLoadOrGenerateKeypair_GeneratesNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "id_ed25519")

	kp, created, err := LoadOrGenerateKeypair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeypair: %v", err)
	}
	if !created {
		t.Fatal("expected a new key to be generated")
	}
	if kp.ID.IsZero() {
		t.Fatal("generated key has zero fingerprint")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode = %o, want 600", info.Mode().Perm())
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("public key file not created: %v", err)
	}
	if !strings.HasPrefix(string(pub), "ssh-ed25519 ") {
		t.Fatalf("public key file = %q", pub)
	}
}

func TestLoadOrGenerateKeypair_LoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")

	first, _, err := LoadOrGenerateKeypair(path)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, created, err := LoadOrGenerateKeypair(path)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Fatal("second call should load, not generate")
	}
	if first.ID != second.ID {
		t.Fatalf("fingerprints differ across calls: %s vs %s", first.ID.Short(), second.ID.Short())
	}
}

func TestLoadOrGenerateKeypair_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrGenerateKeypair(path); err == nil {
		t.Fatal("expected error for unparsable key file")
	}
}
