package mailbag

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/store"
)

// hashCache remembers content hashes so unchanged files are not re-read on
// every scan. An entry is valid while the file's size and mtime match.
type hashCache struct {
	mu      sync.Mutex
	entries map[string]hashEntry
}

type hashEntry struct {
	size  int64
	mtime time.Time
	id    string
}

func newHashCache() *hashCache {
	return &hashCache{entries: make(map[string]hashEntry)}
}

func (c *hashCache) lookup(path string, info os.FileInfo) (string, error) {
	c.mu.Lock()
	e, ok := c.entries[path]
	c.mu.Unlock()
	if ok && e.size == info.Size() && e.mtime.Equal(info.ModTime()) {
		return e.id, nil
	}

	id, err := hashFile(path)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[path] = hashEntry{size: info.Size(), mtime: info.ModTime(), id: id}
	c.mu.Unlock()
	return id, nil
}

// retain drops entries for paths not in keep.
func (c *hashCache) retain(keep map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.entries {
		if _, ok := keep[path]; !ok {
			delete(c.entries, path)
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// chunkCount is max(1, ceil(size/chunk)).
func chunkCount(size, chunk int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunk - 1) / chunk)
}

// discover scans the outbox. Every visible regular file becomes a job keyed
// by its content hash; the record is persisted before any send is attempted.
// Jobs whose source has vanished or changed content are dropped.
func (q *Queue) discover() error {
	entries, err := os.ReadDir(q.cfg.Outbox)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	seen := make(map[string]string) // path -> file id
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(q.cfg.Outbox, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		id, err := q.hashes.lookup(path, info)
		if err != nil {
			q.log.WithError(err).WithField("name", name).Warn("hash failed")
			continue
		}
		seen[path] = id
		q.track(id, path, name, info.Size())
	}
	q.hashes.retain(seen)
	q.prune(seen)
	return nil
}

// track registers a job for a discovered file unless one already exists.
func (q *Queue) track(id, path, name string, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		if j.SourcePath != path {
			if _, err := os.Stat(j.SourcePath); err != nil {
				// Same content under a new name; follow the file.
				j.SourcePath, j.Name = path, name
				q.save(j)
			}
		}
		return
	}

	j := &store.JobRecord{
		FileID:      id,
		SourcePath:  path,
		Name:        name,
		TotalChunks: chunkCount(size, q.cfg.ChunkSize),
		State:       store.StateDiscovered,
	}
	if err := q.cfg.Store.SaveJob(j); err != nil {
		q.log.WithError(err).WithField("name", name).Error("persist new job")
		return
	}
	q.jobs[id] = j
	q.log.WithFields(logrus.Fields{
		"file":   shortID(id),
		"name":   name,
		"chunks": j.TotalChunks,
	}).Info("job discovered")
	q.emit(EventDiscovered, j, 0, identity.PeerID{})
}

// prune drops jobs whose source path is gone or now holds different content.
func (q *Queue) prune(seen map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.State == store.StateAbandoned {
			if _, err := os.Stat(j.SourcePath); err == nil {
				continue
			}
		}
		current, ok := seen[j.SourcePath]
		if ok && current == id {
			continue
		}
		if err := q.cfg.Store.DeleteJob(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			q.log.WithError(err).Warn("delete stale job")
			continue
		}
		delete(q.jobs, id)
		q.log.WithFields(logrus.Fields{"file": shortID(id), "name": j.Name}).Info("source gone, job dropped")
	}
}

// save persists j, logging failures. Caller holds q.mu.
func (q *Queue) save(j *store.JobRecord) bool {
	if err := q.cfg.Store.SaveJob(j); err != nil {
		q.log.WithError(err).WithField("file", shortID(j.FileID)).Error("persist job")
		return false
	}
	return true
}
