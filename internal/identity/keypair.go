package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// keyComment is written into generated key files.
const keyComment = "postmare"

// Keypair is this node's signing identity. The same ed25519 key serves as the
// SSH host key, the SSH client key, and the control-message signing key.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	Signer  ssh.Signer
	ID      PeerID
}

// NewKeypair wraps an existing ed25519 private key.
func NewKeypair(priv ed25519.PrivateKey) (*Keypair, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &Keypair{
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
		Signer:  signer,
		ID:      FromPublicKey(signer.PublicKey()),
	}, nil
}

// GenerateKeypair creates a fresh in-memory keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return NewKeypair(priv)
}

// AuthorizedKey returns the public half as an authorized_keys line, which is
// the format neighbors paste into their receivers.json.
func (k *Keypair) AuthorizedKey() string {
	return AuthorizedKey(k.Signer.PublicKey()) + " " + keyComment
}

// LoadOrGenerateKeypair loads an OpenSSH-format ed25519 private key from path,
// or generates a new one and writes it (0600) together with a ".pub" file if
// the path does not exist. The returned bool reports whether a key was
// generated.
func LoadOrGenerateKeypair(path string) (*Keypair, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := parsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("load key %s: %w", path, err)
		}
		return kp, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read key file: %w", err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	block, err := ssh.MarshalPrivateKey(kp.Private, keyComment)
	if err != nil {
		return nil, false, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, false, fmt.Errorf("write key file: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(kp.AuthorizedKey()+"\n"), 0644); err != nil {
		return nil, false, fmt.Errorf("write public key file: %w", err)
	}
	return kp, true, nil
}

func parsePrivateKey(data []byte) (*Keypair, error) {
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return NewKeypair(k)
	case *ed25519.PrivateKey:
		return NewKeypair(*k)
	default:
		return nil, fmt.Errorf("unsupported key type %T: %w", raw, ErrInvalidKey)
	}
}
