// Package mailbag is the store-and-forward delivery queue. Files dropped into
// the outbox become transfer jobs keyed by content hash; each scan round sends
// pending chunks toward the sink's next hop and persists progress after every
// chunk, so an interrupted transfer resumes where it stopped.
//
// The package also owns the receive side: Reassembler joins inbound fragments
// back into whole files.
package mailbag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/store"
	"github.com/ssd-technologies/postmare/internal/transport"
)

// Defaults for Config fields left at zero.
const (
	DefaultChunkSize    = 2 << 20
	DefaultScanInterval = 30 * time.Second
	DefaultRetryDelay   = 60 * time.Second
	DefaultMaxRetries   = 5
)

// sentDir is the archive for delivered files under the outbox.
const sentDir = ".sent"

// Router resolves where to send next.
type Router interface {
	IsSink() bool
	Sink() identity.PeerID
	NextHop(target identity.PeerID) (identity.PeerID, bool)
}

// Sender moves one file fragment to a neighbor. An error wrapping
// transport.ErrRestart means the receiver lost the file's partial state.
type Sender interface {
	SendFragment(ctx context.Context, to identity.PeerID, localPath string, hdr transport.FileHeader, progress transport.ProgressFunc) error
}

// JobStore persists job records.
type JobStore interface {
	SaveJob(j *store.JobRecord) error
	DeleteJob(fileID string) error
	ListJobs() ([]store.JobRecord, error)
}

// Event kinds emitted by the queue and the reassembler.
const (
	EventDiscovered = "job_discovered"
	EventChunkSent  = "chunk_sent"
	EventDelivered  = "job_delivered"
	EventRetry      = "job_retry"
	EventAbandoned  = "job_abandoned"
	EventReceived   = "file_received"
)

// Event describes a change in delivery state.
type Event struct {
	Kind   string    `json:"kind"`
	FileID string    `json:"file_id"`
	Name   string    `json:"name"`
	Chunk  int       `json:"chunk"`
	Total  int       `json:"total"`
	Peer   string    `json:"peer,omitempty"`
	Time   time.Time `json:"time"`
}

// EventFunc receives queue events. It must not block.
type EventFunc func(Event)

// Config configures a Queue.
type Config struct {
	Outbox   string // watched directory
	StateDir string // chunk temp files
	Store    JobStore
	Router   Router
	Sender   Sender

	ChunkSize    int64
	ScanInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int

	// KeepDelivered archives delivered files into <outbox>/.sent instead of
	// deleting them.
	KeepDelivered bool

	OnEvent EventFunc
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Queue is the outbound delivery queue.
type Queue struct {
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	jobs   map[string]*store.JobRecord
	hashes *hashCache

	scanMu sync.Mutex // serializes scan rounds
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Call Load (or Start, which loads) before scanning.
func New(cfg Config) (*Queue, error) {
	if cfg.Outbox == "" || cfg.StateDir == "" {
		return nil, errors.New("mailbag: outbox and state dir required")
	}
	if cfg.Store == nil || cfg.Router == nil || cfg.Sender == nil {
		return nil, errors.New("mailbag: store, router and sender required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, dir := range []string{cfg.Outbox, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Queue{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "mailbag"),
		jobs:   make(map[string]*store.JobRecord),
		hashes: newHashCache(),
	}, nil
}

// Load restores persisted jobs. Records whose source file has vanished are
// deleted; the rest resume with their recorded progress.
func (q *Queue) Load() error {
	records, err := q.cfg.Store.ListJobs()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var resumed, dropped int
	for i := range records {
		rec := records[i]
		if _, err := os.Stat(rec.SourcePath); err != nil {
			if err := q.cfg.Store.DeleteJob(rec.FileID); err != nil && !errors.Is(err, store.ErrNotFound) {
				q.log.WithError(err).Warn("delete orphaned job")
			}
			dropped++
			continue
		}
		q.jobs[rec.FileID] = &rec
		resumed++
	}
	q.log.WithFields(logrus.Fields{"resumed": resumed, "dropped": dropped}).Info("job state restored")
	return nil
}

// Start loads persisted state and runs a scan round immediately and then
// every ScanInterval until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.Load(); err != nil {
		return err
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			q.ScanNow(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop halts the scan loop and waits for the current round to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// ScanNow runs one discovery and send round synchronously.
func (q *Queue) ScanNow(ctx context.Context) {
	q.scanMu.Lock()
	defer q.scanMu.Unlock()

	if err := q.discover(); err != nil {
		q.log.WithError(err).Warn("outbox scan failed")
	}
	if q.cfg.Router.IsSink() {
		return
	}

	for _, id := range q.pendingIDs() {
		if ctx.Err() != nil {
			return
		}
		hop, ok := q.cfg.Router.NextHop(q.cfg.Router.Sink())
		if !ok {
			q.log.Debug("no route to sink, holding jobs")
			return
		}
		q.sendJob(ctx, id, hop)
	}
}

// pendingIDs returns jobs that are eligible to send now, in file ID order.
func (q *Queue) pendingIDs() []string {
	now := q.cfg.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, j := range q.jobs {
		if j.State == store.StateDone || j.State == store.StateAbandoned {
			continue
		}
		if j.RetryCount > 0 && now.Sub(j.LastAttempt) < q.cfg.RetryDelay {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Jobs returns a snapshot of every tracked job, ordered by file ID.
func (q *Queue) Jobs() []store.JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.JobRecord, 0, len(q.jobs))
	for _, j := range q.jobs {
		c := *j
		c.SentChunks = append([]int(nil), j.SentChunks...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FileID < out[k].FileID })
	return out
}

// Counts returns the number of pending and abandoned jobs.
func (q *Queue) Counts() (pending, abandoned int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		switch j.State {
		case store.StateAbandoned:
			abandoned++
		case store.StateDone:
		default:
			pending++
		}
	}
	return pending, abandoned
}

// ResetAbandoned puts every abandoned job back in the queue from its first
// chunk and returns how many were reset.
func (q *Queue) ResetAbandoned() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.State != store.StateAbandoned {
			continue
		}
		j.State = store.StateDiscovered
		j.RetryCount = 0
		j.SentChunks = nil
		j.LastAttempt = time.Time{}
		if err := q.cfg.Store.SaveJob(j); err != nil {
			return n, fmt.Errorf("reset job %s: %w", shortID(j.FileID), err)
		}
		n++
	}
	if n > 0 {
		q.log.WithField("jobs", n).Info("abandoned jobs reset")
	}
	return n, nil
}

func (q *Queue) emit(kind string, j *store.JobRecord, chunk int, peer identity.PeerID) {
	if q.cfg.OnEvent == nil {
		return
	}
	ev := Event{
		Kind:   kind,
		FileID: j.FileID,
		Name:   j.Name,
		Chunk:  chunk,
		Total:  j.TotalChunks,
		Time:   q.cfg.Now(),
	}
	if !peer.IsZero() {
		ev.Peer = peer.Short()
	}
	q.cfg.OnEvent(ev)
}

func (q *Queue) archivePath(name string) string {
	return filepath.Join(q.cfg.Outbox, sentDir, name)
}

func shortID(fileID string) string {
	if len(fileID) > 8 {
		return fileID[:8]
	}
	return fileID
}
