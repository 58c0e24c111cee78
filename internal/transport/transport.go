// Package transport moves signed control messages and file fragments between
// postmare peers over SSH.
//
// Every node runs an SSH server that admits only allow-listed peer keys and a
// client pool that dials neighbors on demand, optionally tunnelling through a
// relay peer. Three channel types are used: postmare-msg carries one signed
// envelope, postmare-file carries one file fragment, and direct-tcpip opens a
// tunnel to another configured neighbor.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/ratelimit"
)

// Defaults for Config fields left at zero.
const (
	DefaultListenPort     = 2222
	DefaultUser           = "postmare"
	DefaultConnTTL        = 120 * time.Second
	DefaultReapInterval   = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultMessageTimeout = 15 * time.Second
	DefaultFileTimeout    = 10 * time.Minute
	DefaultRateLimit      = 60
	DefaultRateWindow     = time.Minute
	DefaultMinFreeBytes   = 64 << 20
)

// ErrUnknownPeer is returned when a fingerprint is not in the peer list.
var ErrUnknownPeer = errors.New("unknown peer")

// Peer is a configured neighbor.
type Peer struct {
	ID        identity.PeerID
	Host      string
	Port      int
	User      string
	PublicKey ssh.PublicKey
	Via       identity.PeerID // zero for a direct connection
}

// Addr returns host:port.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config configures a Transport.
type Config struct {
	Keypair    *identity.Keypair
	ListenAddr string // e.g. ":2222"; "127.0.0.1:0" picks a free port
	Peers      []Peer

	// StagingDir receives inbound fragments. Inbound is told about each
	// fragment once it is fully written. Without Inbound, file channels are
	// refused.
	StagingDir   string
	Inbound      InboundHandler
	MinFreeBytes uint64

	ConnTTL        time.Duration
	ReapInterval   time.Duration
	DialTimeout    time.Duration
	MessageTimeout time.Duration
	FileTimeout    time.Duration

	// RateLimit is the number of control messages accepted per peer per
	// RateWindow.
	RateLimit  int
	RateWindow time.Duration

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", DefaultListenPort)
	}
	if c.MinFreeBytes == 0 {
		c.MinFreeBytes = DefaultMinFreeBytes
	}
	if c.ConnTTL <= 0 {
		c.ConnTTL = DefaultConnTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = DefaultFileTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Transport is the SSH server and client pool of one node.
type Transport struct {
	cfg     Config
	keys    *identity.Keypair
	log     *logrus.Entry
	handles *registry
	limiter *ratelimit.Keyed[identity.PeerID]
	pool    *pool

	mu    sync.RWMutex
	peers map[identity.PeerID]Peer

	listener net.Listener
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Transport. It does not touch the network until Listen.
func New(cfg Config) (*Transport, error) {
	if cfg.Keypair == nil {
		return nil, fmt.Errorf("transport: keypair required")
	}
	cfg.setDefaults()

	t := &Transport{
		cfg:     cfg,
		keys:    cfg.Keypair,
		log:     cfg.Logger.WithField("component", "transport"),
		handles: newRegistry(),
		limiter: ratelimit.NewKeyed[identity.PeerID](cfg.RateLimit, cfg.RateWindow),
		peers:   make(map[identity.PeerID]Peer),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, p := range cfg.Peers {
		if err := t.AddPeer(p); err != nil {
			return nil, err
		}
	}
	t.pool = newPool(t)
	return t, nil
}

// Self returns this node's fingerprint.
func (t *Transport) Self() identity.PeerID {
	return t.keys.ID
}

// AddPeer adds or replaces a neighbor. Its key is admitted by the server from
// then on.
func (t *Transport) AddPeer(p Peer) error {
	if p.PublicKey == nil {
		return fmt.Errorf("peer %s: missing public key", p.ID.Short())
	}
	if identity.FromPublicKey(p.PublicKey) != p.ID {
		return fmt.Errorf("peer %s: fingerprint does not match public key", p.ID.Short())
	}
	if p.User == "" {
		p.User = DefaultUser
	}
	if p.Port == 0 {
		p.Port = DefaultListenPort
	}
	t.mu.Lock()
	t.peers[p.ID] = p
	t.mu.Unlock()
	return nil
}

// Peer looks up a configured neighbor.
func (t *Transport) Peer(id identity.PeerID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// Peers returns all configured neighbors.
func (t *Transport) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Handle registers the handler for a message type. Empty types, nil handlers
// and duplicate registrations are rejected.
func (t *Transport) Handle(msgType string, h Handler) error {
	return t.handles.register(msgType, h)
}

// Listen binds the SSH server socket. Call Start afterwards to accept.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Start launches the acceptor, the pool reaper and limiter cleanup. It binds
// the listener first if Listen has not been called.
func (t *Transport) Start(ctx context.Context) error {
	if t.listener == nil {
		if err := t.Listen(); err != nil {
			return err
		}
	}
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.pool.runReaper(ctx, t.cfg.ReapInterval)
	}()
	go func() {
		defer t.wg.Done()
		t.limiter.Run(ctx, t.cfg.RateWindow)
	}()

	t.log.WithFields(logrus.Fields{
		"addr": t.listener.Addr().String(),
		"self": t.Self().Short(),
	}).Info("ssh transport listening")
	return nil
}

// Stop closes the listener, every inbound connection and the client pool,
// then waits for background goroutines.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.connMu.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.connMu.Unlock()
	t.pool.closeAll()
	t.wg.Wait()
}

