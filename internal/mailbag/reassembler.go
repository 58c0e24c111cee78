package mailbag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/transport"
)

// ErrHashMismatch is returned when a reassembled file does not hash to its ID.
var ErrHashMismatch = errors.New("reassembled content does not match file id")

// DefaultPartialTTL is how long a partial file may go without a new fragment
// before its fragments are discarded.
const DefaultPartialTTL = 24 * time.Hour

// CompleteFunc takes ownership of a fully reassembled file.
type CompleteFunc func(path, name string) error

// fragmentState tracks which fragments of one file are staged. It is mirrored
// to <fileID>.meta so reassembly survives a restart.
type fragmentState struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Total  int    `json:"total"`
	Have   []int  `json:"have"`

	have    map[int]bool
	updated time.Time
}

func (s *fragmentState) add(idx int) {
	if s.have == nil {
		s.have = make(map[int]bool)
	}
	if s.have[idx] {
		return
	}
	s.have[idx] = true
	s.Have = append(s.Have, idx)
	sort.Ints(s.Have)
}

func (s *fragmentState) complete() bool {
	return len(s.have) == s.Total
}

// Reassembler joins staged fragments into whole files. It implements
// transport.InboundHandler.
type Reassembler struct {
	dir     string
	onDone  CompleteFunc
	onEvent EventFunc
	log     *logrus.Entry
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*fragmentState
}

// NewReassembler creates a reassembler over the staging directory dir.
func NewReassembler(dir string, onDone CompleteFunc, onEvent EventFunc, logger *logrus.Logger) (*Reassembler, error) {
	if onDone == nil {
		return nil, errors.New("reassembler: completion callback required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Reassembler{
		dir:     dir,
		onDone:  onDone,
		onEvent: onEvent,
		log:     logger.WithField("component", "reassembler"),
		now:     time.Now,
		states:  make(map[string]*fragmentState),
	}, nil
}

func (r *Reassembler) metaPath(fileID string) string {
	return filepath.Join(r.dir, fileID+".meta")
}

func (r *Reassembler) fragPath(fileID string, idx int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.frag.%d", fileID, idx))
}

// Load rebuilds partial reassembly state from sidecars. The set of held
// fragments is taken from what is actually on disk. Leftover partial writes
// and partial files older than DefaultPartialTTL are removed.
func (r *Reassembler) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read staging dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".part"), strings.HasSuffix(name, ".assembling"):
			os.Remove(filepath.Join(r.dir, name))
		case strings.HasSuffix(name, ".meta"):
			st, err := r.readMeta(filepath.Join(r.dir, name))
			if err != nil {
				r.log.WithError(err).WithField("meta", name).Warn("discarding unreadable sidecar")
				os.Remove(filepath.Join(r.dir, name))
				continue
			}
			r.states[st.FileID] = st
		}
	}
	// A fragment without a sidecar was never acknowledged; the sender will
	// resend it.
	for _, e := range entries {
		name := e.Name()
		if _, ok := fragmentIndex(name); !ok {
			continue
		}
		if _, ok := r.states[name[:strings.Index(name, ".")]]; !ok {
			os.Remove(filepath.Join(r.dir, name))
		}
	}
	r.expireLocked(DefaultPartialTTL)
	for _, st := range r.states {
		r.log.WithFields(logrus.Fields{
			"file": shortID(st.FileID),
			"name": st.Name,
			"have": len(st.have),
			"of":   st.Total,
		}).Info("resuming partial file")
	}
	return nil
}

func (r *Reassembler) readMeta(path string) (*fragmentState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var disk fragmentState
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}
	if disk.FileID == "" || disk.Total < 1 {
		return nil, errors.New("incomplete sidecar")
	}
	st := &fragmentState{FileID: disk.FileID, Name: disk.Name, Total: disk.Total, updated: info.ModTime()}
	for idx := 0; idx < disk.Total; idx++ {
		if _, err := os.Stat(r.fragPath(disk.FileID, idx)); err == nil {
			st.add(idx)
		}
	}
	return st, nil
}

func (r *Reassembler) writeMeta(st *fragmentState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := r.metaPath(st.FileID) + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.metaPath(st.FileID))
}

// ReceiveFragment records a staged fragment. When the last fragment arrives
// the file is concatenated in index order, verified against its ID and handed
// to the completion callback. If the callback fails the fragments are kept,
// and the sender's retry of the last chunk triggers another attempt.
//
// Senders deliver chunks in ascending order, so a file with no partial state
// must start at index 0. Any other index means earlier fragments were lost
// (expired, discarded after a failed verification, or sent to another hop),
// and the fragment is refused with transport.ErrRestart.
func (r *Reassembler) ReceiveFragment(hdr transport.FileHeader, stagedPath string) error {
	if err := hdr.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[hdr.FileID]
	if !ok && hdr.Index != 0 {
		os.Remove(stagedPath)
		r.log.WithFields(logrus.Fields{"file": shortID(hdr.FileID), "chunk": hdr.Index}).Warn("fragment for unknown partial file, requesting restart")
		return fmt.Errorf("%s chunk %d: %w", shortID(hdr.FileID), hdr.Index, transport.ErrRestart)
	}
	if ok && st.Total != hdr.Total {
		os.Remove(stagedPath)
		r.discard(st)
		return fmt.Errorf("fragment total %d disagrees with %d: %w", hdr.Total, st.Total, transport.ErrRestart)
	}

	want := r.fragPath(hdr.FileID, hdr.Index)
	if stagedPath != want {
		if err := transport.MoveFile(stagedPath, want); err != nil {
			return fmt.Errorf("stage fragment: %w", err)
		}
	}
	if !ok {
		st = &fragmentState{FileID: hdr.FileID, Name: hdr.Name, Total: hdr.Total}
		r.states[hdr.FileID] = st
	}
	st.add(hdr.Index)
	st.updated = r.now()
	if err := r.writeMeta(st); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if !st.complete() {
		return nil
	}
	return r.finish(st)
}

// finish assembles, verifies and hands off a complete file. Caller holds r.mu.
func (r *Reassembler) finish(st *fragmentState) error {
	log := r.log.WithFields(logrus.Fields{"file": shortID(st.FileID), "name": st.Name})

	out := filepath.Join(r.dir, st.FileID+".assembling")
	if err := r.assemble(st, out); err != nil {
		os.Remove(out)
		if errors.Is(err, ErrHashMismatch) {
			log.Error("reassembled file failed verification, discarding fragments")
			r.discard(st)
			return fmt.Errorf("%w: %w", err, transport.ErrRestart)
		}
		return err
	}

	if err := r.onDone(out, st.Name); err != nil {
		os.Remove(out)
		log.WithError(err).Error("hand-off failed, keeping fragments")
		return err
	}
	r.discard(st)
	log.WithField("chunks", st.Total).Info("file reassembled")
	if r.onEvent != nil {
		r.onEvent(Event{Kind: EventReceived, FileID: st.FileID, Name: st.Name, Chunk: st.Total - 1, Total: st.Total, Time: time.Now()})
	}
	return nil
}

func (r *Reassembler) assemble(st *fragmentState, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	h := sha256.New()
	w := io.MultiWriter(f, h)
	for idx := 0; idx < st.Total; idx++ {
		frag, err := os.Open(r.fragPath(st.FileID, idx))
		if err != nil {
			f.Close()
			return fmt.Errorf("open fragment %d: %w", idx, err)
		}
		_, err = io.Copy(w, frag)
		frag.Close()
		if err != nil {
			f.Close()
			return fmt.Errorf("copy fragment %d: %w", idx, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != st.FileID {
		return fmt.Errorf("%s: %w", shortID(got), ErrHashMismatch)
	}
	return nil
}

// discard removes a file's fragments, sidecar and state. Caller holds r.mu.
func (r *Reassembler) discard(st *fragmentState) {
	for idx := 0; idx < st.Total; idx++ {
		os.Remove(r.fragPath(st.FileID, idx))
	}
	os.Remove(r.metaPath(st.FileID))
	delete(r.states, st.FileID)
}

// Expire discards partial files that have not received a fragment within
// maxAge and returns how many were dropped.
func (r *Reassembler) Expire(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(maxAge)
}

func (r *Reassembler) expireLocked(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	n := 0
	for _, st := range r.states {
		if !st.updated.Before(cutoff) {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"file": shortID(st.FileID),
			"name": st.Name,
			"have": len(st.have),
			"of":   st.Total,
		}).Warn("partial file expired")
		r.discard(st)
		n++
	}
	return n
}

// Partial reports how many files are mid-reassembly.
func (r *Reassembler) Partial() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// fragmentIndex parses the index from a "<id>.frag.<n>" name.
func fragmentIndex(name string) (int, bool) {
	i := strings.LastIndex(name, ".frag.")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[i+len(".frag."):])
	if err != nil {
		return 0, false
	}
	return n, true
}
