// Package api serves the node's localhost control API: status, the job
// queue, manual delivery and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/bridge"
	"github.com/ssd-technologies/postmare/internal/ratelimit"
	"github.com/ssd-technologies/postmare/internal/store"
)

// Node is the daemon surface the API exposes.
type Node interface {
	Status() any
	Jobs() []store.JobRecord
	Deliver(ctx context.Context, project string) (string, error)
	RetryAbandoned() (int, error)
}

const (
	// deliverTimeout bounds a manual export-and-package request.
	deliverTimeout = 5 * time.Minute
	// deliverRate caps manual deliveries per minute; each may run the
	// export command.
	deliverRate = 12
)

// LocalAPI exposes a Node as a localhost HTTP API. All endpoints are
// prefixed with /local/ and return JSON.
type LocalAPI struct {
	node    Node
	hub     *Hub
	log     *logrus.Entry
	deliver *ratelimit.Limiter
}

// NewLocalAPI creates a LocalAPI. hub may be nil, in which case the event
// stream is unavailable.
func NewLocalAPI(node Node, hub *Hub, logger *logrus.Logger) *LocalAPI {
	if logger == nil {
		logger = logrus.New()
	}
	return &LocalAPI{
		node:    node,
		hub:     hub,
		log:     logger.WithField("component", "api"),
		deliver: ratelimit.New(deliverRate, time.Minute),
	}
}

// Handler routes requests to the LocalAPI methods.
func (api *LocalAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/local/status", api.handleStatus)
	mux.HandleFunc("/local/jobs/retry", api.handleRetry)
	mux.HandleFunc("/local/jobs", api.handleJobs)
	mux.HandleFunc("/local/deliver", api.handleDeliver)
	if api.hub != nil {
		mux.HandleFunc("/local/events", api.hub.ServeHTTP)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStatus reports routing and queue state.
// GET /local/status
func (api *LocalAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.node.Status())
}

// JobView is the API form of a transfer job.
type JobView struct {
	FileID      string         `json:"file_id"`
	Name        string         `json:"name"`
	State       store.JobState `json:"state"`
	TotalChunks int            `json:"total_chunks"`
	SentChunks  int            `json:"sent_chunks"`
	RetryCount  int            `json:"retry_count"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
}

func viewJob(j store.JobRecord) JobView {
	v := JobView{
		FileID:      j.FileID,
		Name:        j.Name,
		State:       j.State,
		TotalChunks: j.TotalChunks,
		SentChunks:  len(j.SentChunks),
		RetryCount:  j.RetryCount,
	}
	if !j.LastAttempt.IsZero() {
		t := j.LastAttempt
		v.LastAttempt = &t
	}
	return v
}

// handleJobs lists queued transfer jobs.
// GET /local/jobs
func (api *LocalAPI) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs := api.node.Jobs()
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// handleRetry puts abandoned jobs back in the queue.
// POST /local/jobs/retry
func (api *LocalAPI) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := api.node.RetryAbandoned()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// handleDeliver exports and packages one project.
// POST /local/deliver?project=NAME
func (api *LocalAPI) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "project parameter required")
		return
	}
	if !api.deliver.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deliverTimeout)
	defer cancel()
	pkg, err := api.node.Deliver(ctx, project)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bridge.ErrInvalidProject) {
			status = http.StatusBadRequest
		}
		api.log.WithError(err).WithField("project", project).Warn("deliver failed")
		writeError(w, status, "deliver failed: "+err.Error())
		return
	}
	if pkg == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing new"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "package": pkg})
}
