package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// maxViaDepth bounds relay chains so a misconfigured Via loop cannot recurse
// forever.
const maxViaDepth = 4

// pooledConn is one cached SSH client.
type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
	inUse    int
	dead     chan struct{} // closed when the underlying connection ends
}

func (c *pooledConn) alive() bool {
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

// pool caches outbound SSH clients keyed by peer. It has its own lock,
// separate from the routing table and the peer list.
type pool struct {
	t     *Transport
	mu    sync.Mutex
	conns map[identity.PeerID]*pooledConn
	now   func() time.Time
}

func newPool(t *Transport) *pool {
	return &pool{
		t:     t,
		conns: make(map[identity.PeerID]*pooledConn),
		now:   time.Now,
	}
}

// get returns a live client for id, dialing (and tunnelling) if needed. The
// caller must call release when finished so the reaper does not close a
// connection that is carrying a transfer.
func (p *pool) get(ctx context.Context, id identity.PeerID) (*ssh.Client, func(), error) {
	return p.getDepth(ctx, id, 0)
}

func (p *pool) getDepth(ctx context.Context, id identity.PeerID, depth int) (*ssh.Client, func(), error) {
	if pc := p.acquire(id); pc != nil {
		return pc.client, p.releaser(id, pc), nil
	}

	peer, ok := p.t.Peer(id)
	if !ok {
		return nil, nil, fmt.Errorf("dial %s: %w", id.Short(), ErrUnknownPeer)
	}
	client, viaRelease, err := p.dial(ctx, peer, depth)
	if err != nil {
		return nil, nil, err
	}

	pc := &pooledConn{client: client, lastUsed: p.now(), inUse: 1, dead: make(chan struct{})}
	go func() {
		client.Wait()
		close(pc.dead)
		viaRelease()
		p.forget(id, pc)
	}()

	p.mu.Lock()
	if existing, ok := p.conns[id]; ok && existing.alive() {
		// Lost a race with a concurrent dial; keep the established one.
		existing.inUse++
		existing.lastUsed = p.now()
		p.mu.Unlock()
		client.Close()
		return existing.client, p.releaser(id, existing), nil
	}
	p.conns[id] = pc
	p.mu.Unlock()

	p.t.log.WithField("peer", id.Short()).Debug("connection established")
	return client, p.releaser(id, pc), nil
}

func (p *pool) acquire(id identity.PeerID) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[id]
	if !ok {
		return nil
	}
	if !pc.alive() {
		delete(p.conns, id)
		return nil
	}
	pc.inUse++
	pc.lastUsed = p.now()
	return pc
}

func (p *pool) releaser(id identity.PeerID, pc *pooledConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			pc.inUse--
			pc.lastUsed = p.now()
			p.mu.Unlock()
		})
	}
}

// forget removes pc from the cache if it is still the entry for id.
func (p *pool) forget(id identity.PeerID, pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[id]; ok && cur == pc {
		delete(p.conns, id)
	}
}

// dial opens a new SSH client to peer, directly or through its Via peer. The
// returned release func must be called once the client has closed; for a
// tunnelled client it keeps the relay connection marked in use until then.
func (p *pool) dial(ctx context.Context, peer Peer, depth int) (*ssh.Client, func(), error) {
	conn, release, err := p.connect(ctx, peer, depth)
	if err != nil {
		return nil, nil, err
	}
	timeout := p.t.cfg.DialTimeout

	cfg := &ssh.ClientConfig{
		User: peer.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(p.t.keys.Signer)},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if got := identity.FromPublicKey(key); got != peer.ID {
				return fmt.Errorf("host key %s does not match %s", got.Short(), peer.ID.Short())
			}
			return nil
		},
		HostKeyAlgorithms: []string{ssh.KeyAlgoED25519},
	}

	// Tunnelled streams do not support deadlines, so the handshake is bounded
	// by closing the connection from a timer.
	timer := time.AfterFunc(timeout, func() { conn.Close() })
	sconn, chans, reqs, err := ssh.NewClientConn(conn, peer.Addr(), cfg)
	if !timer.Stop() && err == nil {
		sconn.Close()
		release()
		return nil, nil, fmt.Errorf("handshake %s: timed out", peer.ID.Short())
	}
	if err != nil {
		conn.Close()
		release()
		return nil, nil, fmt.Errorf("handshake %s: %w", peer.ID.Short(), err)
	}
	return ssh.NewClient(sconn, chans, reqs), release, nil
}

// connect opens the byte stream for a client: a TCP connection, or a
// direct-tcpip channel through the Via peer's pooled client. The Via client
// stays acquired until release is called.
func (p *pool) connect(ctx context.Context, peer Peer, depth int) (net.Conn, func(), error) {
	if depth > maxViaDepth {
		return nil, nil, fmt.Errorf("dial %s: relay chain too deep", peer.ID.Short())
	}
	timeout := p.t.cfg.DialTimeout

	if peer.Via.IsZero() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", peer.Addr())
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", peer.ID.Short(), err)
		}
		return conn, func() {}, nil
	}

	via, release, err := p.getDepth(ctx, peer.Via, depth+1)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s via %s: %w", peer.ID.Short(), peer.Via.Short(), err)
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := via.DialContext(dctx, "tcp", peer.Addr())
	cancel()
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("tunnel to %s via %s: %w", peer.ID.Short(), peer.Via.Short(), err)
	}
	return conn, release, nil
}

// drop closes and forgets the cached client for id.
func (p *pool) drop(id identity.PeerID) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if ok {
		pc.client.Close()
	}
}

// reap closes idle clients older than the TTL and returns how many it closed.
func (p *pool) reap() int {
	cutoff := p.now().Add(-p.t.cfg.ConnTTL)

	p.mu.Lock()
	var stale []*pooledConn
	for id, pc := range p.conns {
		if !pc.alive() || (pc.inUse == 0 && pc.lastUsed.Before(cutoff)) {
			stale = append(stale, pc)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, pc := range stale {
		pc.client.Close()
	}
	return len(stale)
}

func (p *pool) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.reap(); n > 0 {
				p.t.log.WithField("closed", n).Debug("reaped idle connections")
			}
		}
	}
}

func (p *pool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[identity.PeerID]*pooledConn)
	p.mu.Unlock()
	for _, pc := range conns {
		pc.client.Close()
	}
}

// size returns the number of cached clients.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
