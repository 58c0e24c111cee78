package mailbag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/store"
	"github.com/ssd-technologies/postmare/internal/transport"
)

// sendJob pushes the missing chunks of one job to hop in ascending order. The
// first failure ends the job's turn for this round.
func (q *Queue) sendJob(ctx context.Context, id string, hop identity.PeerID) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job := *j
	sent := make(map[int]bool, len(j.SentChunks))
	for _, idx := range j.SentChunks {
		sent[idx] = true
	}
	q.mu.Unlock()

	log := q.log.WithFields(logrus.Fields{"file": shortID(id), "name": job.Name, "peer": hop.Short()})

	info, err := os.Stat(job.SourcePath)
	if err != nil {
		log.Warn("source vanished before send")
		q.forget(id)
		return
	}

	for idx := 0; idx < job.TotalChunks; idx++ {
		if sent[idx] {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		hdr := transport.FileHeader{FileID: id, Name: job.Name, Index: idx, Total: job.TotalChunks}
		err := q.sendChunk(ctx, hop, job.SourcePath, info.Size(), hdr)
		if err != nil {
			log.WithError(err).WithField("chunk", idx).Debug("chunk not delivered")
			q.recordFailure(id, idx, hop, errors.Is(err, transport.ErrRestart))
			return
		}
		if !q.recordChunk(id, idx, hop) {
			q.recordFailure(id, idx, hop, false)
			return
		}
	}
	q.complete(id, hop)
}

// sendChunk sends one chunk. A single-chunk job sends the source file
// directly; otherwise the chunk is copied into a temp file under StateDir.
func (q *Queue) sendChunk(ctx context.Context, hop identity.PeerID, src string, size int64, hdr transport.FileHeader) error {
	if hdr.Total == 1 {
		return q.cfg.Sender.SendFragment(ctx, hop, src, hdr, nil)
	}

	tmp, err := q.materialize(src, size, hdr)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	return q.cfg.Sender.SendFragment(ctx, hop, tmp, hdr, nil)
}

// materialize writes chunk hdr.Index of src to <state>/<fileID>.<idx>.tmp.
func (q *Queue) materialize(src string, size int64, hdr transport.FileHeader) (string, error) {
	offset := int64(hdr.Index) * q.cfg.ChunkSize
	length := q.cfg.ChunkSize
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		return "", fmt.Errorf("chunk %d beyond end of file", hdr.Index)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := filepath.Join(q.cfg.StateDir, fmt.Sprintf("%s.%d.tmp", hdr.FileID, hdr.Index))
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create chunk: %w", err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(in, offset, length)); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy chunk: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close chunk: %w", err)
	}
	return tmp, nil
}

// recordChunk marks idx delivered and persists the record. It reports false
// if the record could not be saved, in which case no further chunk may be sent
// this round.
func (q *Queue) recordChunk(id string, idx int, hop identity.PeerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return false
	}
	j.SentChunks = append(j.SentChunks, idx)
	j.State = store.StateInFlight
	j.LastAttempt = q.cfg.Now()
	if !q.save(j) {
		return false
	}
	q.emit(EventChunkSent, j, idx, hop)
	return true
}

// recordFailure counts a failed attempt against the job. With restart set the
// receiver has discarded the file, so every chunk is sent again next round.
func (q *Queue) recordFailure(id string, idx int, hop identity.PeerID, restart bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return
	}
	j.RetryCount++
	j.LastAttempt = q.cfg.Now()
	log := q.log.WithFields(logrus.Fields{
		"file":    shortID(id),
		"name":    j.Name,
		"chunk":   idx,
		"retries": j.RetryCount,
	})
	if restart {
		j.SentChunks = nil
		j.State = store.StateDiscovered
		log.Warn("receiver discarded partial file, restarting from first chunk")
	}
	if j.RetryCount >= q.cfg.MaxRetries {
		j.State = store.StateAbandoned
		q.save(j)
		log.Error("job abandoned after repeated failures")
		q.emit(EventAbandoned, j, idx, hop)
		return
	}
	q.save(j)
	log.Warn("chunk send failed, will retry")
	q.emit(EventRetry, j, idx, hop)
}

// complete retires a fully delivered job: the record is deleted and the
// source archived or removed so the next scan does not rediscover it.
func (q *Queue) complete(id string, hop identity.PeerID) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	j.State = store.StateDone
	job := *j
	if err := q.cfg.Store.DeleteJob(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.log.WithError(err).Warn("delete delivered job")
	}
	delete(q.jobs, id)
	q.emit(EventDelivered, &job, job.TotalChunks-1, hop)
	q.mu.Unlock()

	log := q.log.WithFields(logrus.Fields{"file": shortID(id), "name": job.Name, "peer": hop.Short()})
	if q.cfg.KeepDelivered {
		dst := q.archivePath(job.Name)
		err := os.MkdirAll(filepath.Dir(dst), 0755)
		if err == nil {
			err = transport.MoveFile(job.SourcePath, dst)
		}
		if err != nil {
			log.WithError(err).Warn("archive delivered file")
		}
	} else if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("remove delivered file")
	}
	log.Info("job delivered")
}

// forget drops a job without delivering it.
func (q *Queue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.cfg.Store.DeleteJob(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.log.WithError(err).Warn("delete job")
	}
	delete(q.jobs, id)
}
