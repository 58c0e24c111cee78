// Package identity provides the addressing primitives of the postmare overlay.
// Every peer, the sink included, is addressed by a PeerID: the SHA-256 of the
// SSH wire encoding of its ed25519 public key.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// IDLength is the byte length of a PeerID (256 bits).
const IDLength = 32

// ErrInvalidKey is returned when key material cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// PeerID is a 256-bit fingerprint of a peer's public key.
type PeerID [IDLength]byte

// FromPublicKey fingerprints an SSH public key. The same key always yields the
// same PeerID, whether it arrives from config or from an SSH handshake.
func FromPublicKey(pub ssh.PublicKey) PeerID {
	return sha256.Sum256(pub.Marshal())
}

// FromEd25519 fingerprints a raw ed25519 public key.
func FromEd25519(pub ed25519.PublicKey) (PeerID, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return PeerID{}, fmt.Errorf("wrap public key: %w", err)
	}
	return FromPublicKey(sshPub), nil
}

// Parse decodes a 64-character hex fingerprint.
func Parse(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("fingerprint length %d, want %d", len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the full lowercase hex encoding.
func (id PeerID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id PeerID) String() string {
	return id.Hex()
}

// Short returns the 8-character prefix used in log lines.
func (id PeerID) Short() string {
	return id.Hex()[:8]
}

// IsZero reports whether id is the zero value, which stands for "no peer".
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// MarshalText encodes the ID as hex so it can be used as a JSON value or map key.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText decodes a hex fingerprint.
func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParsePublicKey accepts either an authorized_keys line
// ("ssh-ed25519 AAAA... comment") or the bare base64 key blob.
func ParsePublicKey(s string) (ssh.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty public key: %w", ErrInvalidKey)
	}
	if strings.Contains(s, " ") {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse authorized key: %w", errors.Join(ErrInvalidKey, err))
		}
		return pub, nil
	}
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key blob: %w", errors.Join(ErrInvalidKey, err))
	}
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("parse key blob: %w", errors.Join(ErrInvalidKey, err))
	}
	return pub, nil
}

// AuthorizedKey renders pub as a single authorized_keys line without the
// trailing newline.
func AuthorizedKey(pub ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

// Ed25519Key extracts the raw ed25519 key from an SSH public key. Only
// ed25519 peers can sign control messages.
func Ed25519Key(pub ssh.PublicKey) (ed25519.PublicKey, error) {
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("key type %s: %w", pub.Type(), ErrInvalidKey)
	}
	edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key type %s is not ed25519: %w", pub.Type(), ErrInvalidKey)
	}
	return edPub, nil
}
