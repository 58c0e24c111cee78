package transport

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// Message types
const (
	MsgPheromone = "pheromone"
)

// maxEnvelopeSize bounds a single control message read from a channel.
const maxEnvelopeSize = 64 << 10

var (
	// ErrBadSignature is returned when an envelope fails verification.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrNotEncodable is returned for values JSON cannot carry (NaN, ±Inf).
	ErrNotEncodable = errors.New("value not encodable")
)

// Message is the signed portion of a control envelope.
type Message struct {
	Type      string          `json:"type"`
	Sender    identity.PeerID `json:"sender"`
	Target    identity.PeerID `json:"target"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Envelope is the wire form of a control message: the message object plus a
// hex ed25519 signature over its canonical JSON.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// NewPheromone builds a heartbeat announcing cost toward sink.
func NewPheromone(sender, sink identity.PeerID, cost float64) (*Message, error) {
	if math.IsInf(cost, 0) || math.IsNaN(cost) {
		return nil, fmt.Errorf("cost %v: %w", cost, ErrNotEncodable)
	}
	return &Message{
		Type:      MsgPheromone,
		Sender:    sender,
		Target:    sink,
		Value:     json.RawMessage(strconv.FormatFloat(cost, 'g', -1, 64)),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Float decodes the message value as a number.
func (m *Message) Float() (float64, error) {
	var v float64
	if err := json.Unmarshal(m.Value, &v); err != nil {
		return 0, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// Seal signs m with priv and returns the envelope bytes.
func Seal(m *Message, priv ed25519.PrivateKey) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	canon, err := canonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Data:      canon,
		Signature: hex.EncodeToString(ed25519.Sign(priv, canon)),
	}
	return json.Marshal(env)
}

// Open parses an envelope and verifies it against pub. The signature covers
// the canonical form of data, so key order and whitespace on the wire do not
// matter.
func Open(data []byte, pub ed25519.PublicKey) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 || env.Signature == "" {
		return nil, fmt.Errorf("incomplete envelope: %w", ErrBadSignature)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", errors.Join(ErrBadSignature, err))
	}
	canon, err := canonicalJSON(env.Data)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, canon, sig) {
		return nil, ErrBadSignature
	}

	var m Message
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// canonicalJSON re-encodes an object with sorted keys, no insignificant
// whitespace, and numbers kept exactly as written.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("canonicalize: data is not an object")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
