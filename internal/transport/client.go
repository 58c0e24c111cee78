package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// Send signs msg and delivers it to a neighbor on a fresh postmare-msg
// channel. The sender field is overwritten with this node's identity.
func (t *Transport) Send(ctx context.Context, to identity.PeerID, msg *Message) error {
	msg.Sender = t.Self()
	env, err := Seal(msg, t.keys.Private)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.MessageTimeout)
	defer cancel()

	client, release, err := t.pool.get(ctx, to)
	if err != nil {
		return err
	}
	defer release()

	ch, reqs, err := client.OpenChannel(ChannelMessage, nil)
	if err != nil {
		t.pool.drop(to)
		return fmt.Errorf("open message channel: %w", err)
	}
	defer ch.Close()
	go discard(reqs)
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	if _, err := ch.Write(env); err != nil {
		t.pool.drop(to)
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := ch.CloseWrite(); err != nil {
		return fmt.Errorf("close write: %w", err)
	}
	// The server closes the channel once the message has been handled.
	io.Copy(io.Discard, ch)
	if ctx.Err() != nil {
		return fmt.Errorf("send message: %w", ctx.Err())
	}
	return nil
}

// SendHeartbeat announces cost toward sink to one neighbor. It returns false
// if the cost cannot be encoded or the send fails.
func (t *Transport) SendHeartbeat(ctx context.Context, to identity.PeerID, cost float64, sink identity.PeerID) bool {
	msg, err := NewPheromone(t.Self(), sink, cost)
	if err != nil {
		return false
	}
	if err := t.Send(ctx, to, msg); err != nil {
		t.log.WithError(err).WithField("peer", to.Short()).Debug("heartbeat failed")
		return false
	}
	return true
}

// BroadcastHeartbeat sends a heartbeat to every configured neighbor
// concurrently and returns how many succeeded. An unreachable cost is not
// broadcast.
func (t *Transport) BroadcastHeartbeat(ctx context.Context, cost float64, sink identity.PeerID) int {
	if _, err := NewPheromone(t.Self(), sink, cost); err != nil {
		t.log.WithField("cost", cost).Debug("no route to sink, heartbeat suppressed")
		return 0
	}

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for _, p := range t.Peers() {
		wg.Add(1)
		go func(id identity.PeerID) {
			defer wg.Done()
			if t.SendHeartbeat(ctx, id, cost, sink) {
				ok.Add(1)
			}
		}(p.ID)
	}
	wg.Wait()

	n := int(ok.Load())
	t.log.WithFields(logrus.Fields{"cost": cost, "delivered": n}).Debug("heartbeat broadcast")
	return n
}

// SendFile pushes localPath to a neighbor as the fragment described by hdr.
// hdr.Size is taken from the file. It returns true only once the receiver has
// staged the fragment.
func (t *Transport) SendFile(ctx context.Context, to identity.PeerID, localPath string, hdr FileHeader, progress ProgressFunc) bool {
	return t.SendFragment(ctx, to, localPath, hdr, progress) == nil
}

// SendFragment is SendFile with the failure reason. A refusal by the receiver
// wraps ErrFragmentRejected or ErrRestart and leaves the connection cached;
// any other failure drops the cached connection to the neighbor.
func (t *Transport) SendFragment(ctx context.Context, to identity.PeerID, localPath string, hdr FileHeader, progress ProgressFunc) error {
	log := t.log.WithFields(logrus.Fields{"peer": to.Short(), "file": shortID(hdr.FileID), "chunk": hdr.Index})
	err := t.sendFile(ctx, to, localPath, hdr, progress)
	switch {
	case err == nil:
		log.Debug("fragment delivered")
	case errors.Is(err, ErrFragmentRejected), errors.Is(err, ErrRestart):
		log.WithError(err).Warn("fragment refused by receiver")
	default:
		log.WithError(err).Warn("file send failed")
		t.pool.drop(to)
	}
	return err
}

func (t *Transport) sendFile(ctx context.Context, to identity.PeerID, localPath string, hdr FileHeader, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	hdr.Size = info.Size()
	if err := hdr.Validate(); err != nil {
		return err
	}
	extra, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.FileTimeout)
	defer cancel()

	client, release, err := t.pool.get(ctx, to)
	if err != nil {
		return err
	}
	defer release()

	ch, reqs, err := client.OpenChannel(ChannelFile, extra)
	if err != nil {
		return fmt.Errorf("open file channel: %w", err)
	}
	defer ch.Close()
	go discard(reqs)
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	var w io.Writer = ch
	if progress != nil {
		w = &progressWriter{w: ch, total: hdr.Size, fn: progress}
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	// A receiver that already closed its side still leaves the status byte
	// readable.
	if err := ch.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("close write: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(ch, status[:]); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	switch status[0] {
	case fileStatusOK:
		return nil
	case fileStatusRestart:
		return fmt.Errorf("%s chunk %d: %w", shortID(hdr.FileID), hdr.Index, ErrRestart)
	default:
		return fmt.Errorf("%s chunk %d: %w", shortID(hdr.FileID), hdr.Index, ErrFragmentRejected)
	}
}

type progressWriter struct {
	w     io.Writer
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.sent += int64(n)
	p.fn(p.sent, p.total)
	return n, err
}

func discard[T any](ch <-chan T) {
	for range ch {
	}
}

func shortID(fileID string) string {
	if len(fileID) > 8 {
		return fileID[:8]
	}
	return fileID
}
