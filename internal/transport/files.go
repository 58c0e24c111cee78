package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/ssd-technologies/postmare/internal/identity"
)

// File channel status bytes.
const (
	fileStatusOK       byte = 0
	fileStatusRejected byte = 1
	fileStatusRestart  byte = 2
)

var (
	// ErrInvalidHeader is returned for a malformed fragment header.
	ErrInvalidHeader = errors.New("invalid fragment header")

	// ErrFragmentRejected is returned when the receiver refused a fragment
	// it read in full.
	ErrFragmentRejected = errors.New("receiver rejected fragment")

	// ErrRestart means the receiver holds no usable partial state for the
	// file and the sender must resend it from the first chunk. An inbound
	// handler returns it (wrapped) to request a restart.
	ErrRestart = errors.New("receiver requested restart from first chunk")
)

// FileHeader describes one fragment carried on a postmare-file channel. It is
// sent as JSON in the channel-open extra data.
type FileHeader struct {
	FileID string `json:"file_id"` // hex SHA-256 of the complete file
	Name   string `json:"name"`    // original base name
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Size   int64  `json:"size"` // bytes in this fragment
}

// FragmentName is the staging and remote name of a fragment.
func (h FileHeader) FragmentName() string {
	return fmt.Sprintf("%s.frag.%d", h.FileID, h.Index)
}

// Validate checks that the header is safe to act on.
func (h FileHeader) Validate() error {
	if b, err := hex.DecodeString(h.FileID); err != nil || len(b) != 32 {
		return fmt.Errorf("file id %q: %w", h.FileID, ErrInvalidHeader)
	}
	if err := ValidateName(h.Name); err != nil {
		return err
	}
	if h.Total < 1 || h.Index < 0 || h.Index >= h.Total {
		return fmt.Errorf("index %d of %d: %w", h.Index, h.Total, ErrInvalidHeader)
	}
	if h.Size < 0 {
		return fmt.Errorf("size %d: %w", h.Size, ErrInvalidHeader)
	}
	return nil
}

// ValidateName rejects names that could escape a directory or hide a file.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name %q: %w", name, ErrInvalidHeader)
	}
	return nil
}

// InboundHandler receives fragments once they are fully staged. Returning an
// error rejects the fragment, and the sender will retry it.
type InboundHandler interface {
	ReceiveFragment(hdr FileHeader, stagedPath string) error
}

// ProgressFunc reports bytes written so far out of total.
type ProgressFunc func(sent, total int64)

// serveFile stages one fragment and acknowledges it with a status byte.
func (t *Transport) serveFile(ctx context.Context, from identity.PeerID, nc ssh.NewChannel) {
	log := t.log.WithField("peer", from.Short())

	var hdr FileHeader
	if err := json.Unmarshal(nc.ExtraData(), &hdr); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed header")
		return
	}
	if err := hdr.Validate(); err != nil {
		log.WithError(err).Warn("rejected fragment")
		nc.Reject(ssh.ConnectionFailed, "invalid header")
		return
	}
	log = log.WithFields(logrus.Fields{"file": hdr.FileID[:8], "chunk": hdr.Index})

	if t.cfg.Inbound == nil || t.cfg.StagingDir == "" {
		nc.Reject(ssh.Prohibited, "this node does not accept files")
		return
	}
	if err := t.checkFreeSpace(hdr.Size); err != nil {
		log.WithError(err).Warn("rejected fragment")
		nc.Reject(ssh.ResourceShortage, "insufficient staging space")
		return
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithTimeout(ctx, t.cfg.FileTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	status := fileStatusOK
	switch err := t.stageFragment(ch, hdr); {
	case err == nil:
		log.Debug("fragment received")
	case errors.Is(err, ErrRestart):
		log.WithError(err).Warn("fragment refused, sender must restart")
		status = fileStatusRestart
	default:
		log.WithError(err).Warn("fragment receive failed")
		status = fileStatusRejected
	}
	ch.Write([]byte{status})
	ch.CloseWrite()
}

func (t *Transport) stageFragment(r io.Reader, hdr FileHeader) error {
	if err := os.MkdirAll(t.cfg.StagingDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	final := filepath.Join(t.cfg.StagingDir, hdr.FragmentName())
	part := final + ".part"

	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		os.Remove(part)
		return fmt.Errorf("read fragment: %w", err)
	}
	// Wait for the sender's half-close so the status byte is never written
	// before the sender has finished with its side of the channel.
	if err := awaitEOF(r); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("close fragment: %w", err)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return fmt.Errorf("commit fragment: %w", err)
	}
	if err := t.cfg.Inbound.ReceiveFragment(hdr, final); err != nil {
		return fmt.Errorf("hand off fragment: %w", err)
	}
	return nil
}

// awaitEOF reads until the sender half-closes. Any byte beyond the declared
// size is an error.
func awaitEOF(r io.Reader) error {
	var extra [1]byte
	_, err := io.ReadFull(r, extra[:])
	switch {
	case err == nil:
		return fmt.Errorf("fragment longer than declared size: %w", ErrInvalidHeader)
	case errors.Is(err, io.EOF):
		return nil
	default:
		return fmt.Errorf("await end of fragment: %w", err)
	}
}

// checkFreeSpace refuses a fragment that would leave the staging volume with
// less than MinFreeBytes.
func (t *Transport) checkFreeSpace(incoming int64) error {
	dir := t.cfg.StagingDir
	if _, err := os.Stat(dir); err != nil {
		dir = filepath.Dir(dir)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// Free space unknown; accept.
		return nil
	}
	if usage.Free < t.cfg.MinFreeBytes+uint64(incoming) {
		return fmt.Errorf("staging has %d bytes free, need %d", usage.Free, t.cfg.MinFreeBytes+uint64(incoming))
	}
	return nil
}

// StagingFree reports free bytes on the staging volume, or 0 if unknown.
func (t *Transport) StagingFree() uint64 {
	if t.cfg.StagingDir == "" {
		return 0
	}
	usage, err := disk.Usage(t.cfg.StagingDir)
	if err != nil {
		return 0
	}
	return usage.Free
}
