package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// SSH channel types.
const (
	ChannelMessage = "postmare-msg"
	ChannelFile    = "postmare-file"
	ChannelTunnel  = "direct-tcpip"
)

// permPeer is the Permissions extension key holding the authenticated
// fingerprint.
const permPeer = "postmare-peer"

func (t *Transport) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			id := identity.FromPublicKey(key)
			if _, ok := t.Peer(id); !ok {
				t.log.WithFields(logrus.Fields{
					"peer":   id.Short(),
					"remote": meta.RemoteAddr().String(),
				}).Warn("rejected unknown key")
				return nil, fmt.Errorf("peer %s: %w", id.Short(), ErrUnknownPeer)
			}
			return &ssh.Permissions{Extensions: map[string]string{permPeer: id.Hex()}}, nil
		},
		MaxAuthTries: 3,
	}
	cfg.AddHostKey(t.keys.Signer)
	return cfg
}

func (t *Transport) acceptLoop(ctx context.Context) {
	cfg := t.serverConfig()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithError(err).Warn("accept failed")
			continue
		}
		t.trackConn(conn, true)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.trackConn(conn, false)
			t.serveConn(ctx, conn, cfg)
		}()
	}
}

func (t *Transport) trackConn(c net.Conn, add bool) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if add {
		t.conns[c] = struct{}{}
	} else {
		delete(t.conns, c)
	}
}

// serveConn runs the SSH handshake and then dispatches each channel on its
// own goroutine until the connection closes.
func (t *Transport) serveConn(ctx context.Context, conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		t.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("ssh handshake failed")
		return
	}
	conn.SetDeadline(time.Time{})
	defer sconn.Close()

	peer, err := identity.Parse(sconn.Permissions.Extensions[permPeer])
	if err != nil {
		return
	}
	log := t.log.WithField("peer", peer.Short())
	log.Debug("inbound connection")

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case ChannelMessage:
			t.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer t.wg.Done()
				t.serveMessage(ctx, peer, nc)
			}(nc)
		case ChannelFile:
			t.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer t.wg.Done()
				t.serveFile(ctx, peer, nc)
			}(nc)
		case ChannelTunnel:
			t.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer t.wg.Done()
				t.serveTunnel(ctx, peer, nc)
			}(nc)
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// serveMessage reads one envelope, verifies it against the authenticated
// peer's key and dispatches it. Failures are logged and dropped.
func (t *Transport) serveMessage(ctx context.Context, from identity.PeerID, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithTimeout(ctx, t.cfg.MessageTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	log := t.log.WithField("peer", from.Short())

	data, err := io.ReadAll(io.LimitReader(ch, maxEnvelopeSize+1))
	if err != nil {
		log.WithError(err).Debug("read envelope")
		return
	}
	if len(data) > maxEnvelopeSize {
		log.Warn("dropped oversized envelope")
		return
	}
	if !t.limiter.Allow(from) {
		log.Warn("rate limit exceeded, message dropped")
		return
	}

	peer, ok := t.Peer(from)
	if !ok {
		return
	}
	pub, err := identity.Ed25519Key(peer.PublicKey)
	if err != nil {
		log.WithError(err).Warn("peer key cannot verify signatures")
		return
	}
	msg, err := Open(data, pub)
	if err != nil {
		log.WithError(err).Warn("dropped unverifiable message")
		return
	}
	if msg.Sender != from {
		log.WithField("claimed", msg.Sender.Short()).Warn("dropped message with mismatched sender")
		return
	}

	h, ok := t.handles.lookup(msg.Type)
	if !ok {
		log.WithField("type", msg.Type).Debug("no handler for message type")
		return
	}
	h(ctx, from, msg)
}

// tunnelRequest is the RFC 4254 direct-tcpip channel payload.
type tunnelRequest struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

// serveTunnel forwards a direct-tcpip channel, but only to the address of a
// configured neighbor.
func (t *Transport) serveTunnel(ctx context.Context, from identity.PeerID, nc ssh.NewChannel) {
	var req tunnelRequest
	if err := ssh.Unmarshal(nc.ExtraData(), &req); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed request")
		return
	}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	log := t.log.WithFields(logrus.Fields{"peer": from.Short(), "dest": addr})

	if !t.isNeighborAddr(addr) {
		log.Warn("refused tunnel to non-neighbor address")
		nc.Reject(ssh.Prohibited, "destination not permitted")
		return
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	target, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithError(err).Debug("tunnel dial failed")
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	log.Debug("tunnel opened")

	stop := context.AfterFunc(ctx, func() {
		ch.Close()
		target.Close()
	})
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, target)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	target.Close()
}

func (t *Transport) isNeighborAddr(addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Addr() == addr {
			return true
		}
	}
	return false
}
