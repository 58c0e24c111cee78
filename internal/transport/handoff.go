package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// DeliveredFunc is the sink's application callback for a completed file. It
// takes ownership of path.
type DeliveredFunc func(path, name string) error

// Handoff decides what happens to a fully reassembled file. On the sink the
// file goes to OnDelivered; on any other node it is moved into Outbox under
// its original name, where the delivery queue picks it up and forwards it.
type Handoff struct {
	IsSink      bool
	OnDelivered DeliveredFunc
	Outbox      string
	Logger      *logrus.Logger
}

// Complete hands off the file at path, which carries the original name.
func (h *Handoff) Complete(path, name string) error {
	log := h.logger().WithField("name", name)
	if h.IsSink {
		if h.OnDelivered == nil {
			return errors.New("sink has no delivery callback")
		}
		if err := h.OnDelivered(path, name); err != nil {
			return fmt.Errorf("deliver %s: %w", name, err)
		}
		log.Info("file delivered to sink")
		return nil
	}

	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(h.Outbox, 0755); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}
	dst := UniquePath(filepath.Join(h.Outbox, name))
	if err := MoveFile(path, dst); err != nil {
		return fmt.Errorf("relay %s: %w", name, err)
	}
	log.WithField("path", dst).Info("file queued for relay")
	return nil
}

func (h *Handoff) logger() *logrus.Logger {
	if h.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.Logger
}

// MoveFile renames src to dst, falling back to copy and remove when the two
// are on different filesystems. The copy is written under a hidden name in
// dst's directory and renamed into place, so a scanner never sees a partial
// file.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit: %w", err)
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	return nil
}

// UniquePath returns path, or path with a numeric suffix before the
// extension if a file already exists there.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	dir, base := filepath.Split(path)
	ext := ""
	if i := strings.Index(base, "."); i > 0 {
		ext = base[i:]
		base = base[:i]
	}
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
