package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/ssd-technologies/postmare/internal/identity"
)

func testKeys(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp
}

func TestSealAndOpen(t *testing.T) {
	kp := testKeys(t)
	sink := testKeys(t).ID

	msg, err := NewPheromone(kp.ID, sink, 3)
	if err != nil {
		t.Fatalf("NewPheromone: %v", err)
	}
	data, err := Seal(msg, kp.Private)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(data, kp.Public)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Type != MsgPheromone || got.Sender != kp.ID || got.Target != sink {
		t.Fatalf("got = %+v", got)
	}
	cost, err := got.Float()
	if err != nil {
		t.Fatalf("Float: %v", err)
	}
	if cost != 3 {
		t.Fatalf("cost = %v, want 3", cost)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	signer := testKeys(t)
	other := testKeys(t)

	msg, _ := NewPheromone(signer.ID, other.ID, 1)
	data, _ := Seal(msg, signer.Private)

	if _, err := Open(data, other.Public); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestOpenRejectsTampered(t *testing.T) {
	kp := testKeys(t)
	msg, _ := NewPheromone(kp.ID, kp.ID, 1)
	data, _ := Seal(msg, kp.Private)

	tampered := bytes.Replace(data, []byte(`"value":1`), []byte(`"value":0`), 1)
	if bytes.Equal(tampered, data) {
		t.Fatal("test setup: value not found in envelope")
	}
	if _, err := Open(tampered, kp.Public); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestOpenRejectsMissingSignature(t *testing.T) {
	kp := testKeys(t)
	if _, err := Open([]byte(`{"data":{"type":"pheromone"}}`), kp.Public); err == nil {
		t.Fatal("expected error for unsigned envelope")
	}
}

// TestOpenIgnoresKeyOrder re-serializes the signed data with reversed key
// order and extra whitespace; the signature must still verify.
func TestOpenIgnoresKeyOrder(t *testing.T) {
	kp := testKeys(t)
	msg, _ := NewPheromone(kp.ID, kp.ID, 2)
	data, _ := Seal(msg, kp.Private)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}

	var buf bytes.Buffer
	buf.WriteString("{ ")
	keys := []string{"value", "timestamp", "type", "target", "sender"}
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(" , ")
		}
		buf.WriteString(`"` + k + `" : `)
		buf.Write(fields[k])
	}
	buf.WriteString(" }")

	reordered, _ := json.Marshal(map[string]any{
		"data":      json.RawMessage(buf.Bytes()),
		"signature": env.Signature,
	})
	if _, err := Open(reordered, kp.Public); err != nil {
		t.Fatalf("Open(reordered): %v", err)
	}
}

func TestNewPheromoneRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		if _, err := NewPheromone(identity.PeerID{}, identity.PeerID{}, v); !errors.Is(err, ErrNotEncodable) {
			t.Errorf("NewPheromone(%v) err = %v, want ErrNotEncodable", v, err)
		}
	}
}

func TestRegistryValidation(t *testing.T) {
	r := newRegistry()
	noop := func(_ context.Context, _ identity.PeerID, _ *Message) {}

	if err := r.register("", noop); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("empty type err = %v, want ErrEmptyType", err)
	}
	if err := r.register("x", nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("nil handler err = %v, want ErrNilHandler", err)
	}
	if err := r.register("x", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.register("x", noop); !errors.Is(err, ErrHandlerRegistered) {
		t.Fatalf("duplicate err = %v, want ErrHandlerRegistered", err)
	}
	if _, ok := r.lookup("x"); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := r.lookup("y"); ok {
		t.Fatal("unregistered type should not resolve")
	}
}

func TestFileHeaderValidate(t *testing.T) {
	good := FileHeader{FileID: string(bytes.Repeat([]byte("ab"), 32)), Name: "log.tar.gz", Index: 0, Total: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate(good): %v", err)
	}

	bad := []FileHeader{
		{FileID: "abc", Name: "x", Total: 1},
		{FileID: good.FileID, Name: "../x", Total: 1},
		{FileID: good.FileID, Name: ".hidden", Total: 1},
		{FileID: good.FileID, Name: "x", Index: 1, Total: 1},
		{FileID: good.FileID, Name: "x", Total: 0},
		{FileID: good.FileID, Name: "x", Total: 1, Size: -1},
	}
	for _, h := range bad {
		if err := h.Validate(); !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("Validate(%+v) err = %v, want ErrInvalidHeader", h, err)
		}
	}
}
