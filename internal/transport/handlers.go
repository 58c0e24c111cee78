package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// Handler processes one verified control message. from is the authenticated
// peer that delivered it.
type Handler func(ctx context.Context, from identity.PeerID, msg *Message)

var (
	ErrEmptyType         = errors.New("empty message type")
	ErrNilHandler        = errors.New("nil handler")
	ErrHandlerRegistered = errors.New("handler already registered")
)

// registry maps message types to handlers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(msgType string, h Handler) error {
	if msgType == "" {
		return ErrEmptyType
	}
	if h == nil {
		return fmt.Errorf("register %q: %w", msgType, ErrNilHandler)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[msgType]; ok {
		return fmt.Errorf("register %q: %w", msgType, ErrHandlerRegistered)
	}
	r.handlers[msgType] = h
	return nil
}

func (r *registry) lookup(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgType]
	return h, ok
}
