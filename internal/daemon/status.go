package daemon

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is a point-in-time report of a node.
type Status struct {
	Self          string     `json:"self"`
	Sink          string     `json:"sink"`
	IsSink        bool       `json:"is_sink"`
	CostToSink    *float64   `json:"cost_to_sink"` // null when unreachable
	NextHop       string     `json:"next_hop,omitempty"`
	RouteUpdated  *time.Time `json:"route_updated,omitempty"`
	Neighbors     int        `json:"neighbors"`
	PendingJobs   int        `json:"pending_jobs"`
	AbandonedJobs int        `json:"abandoned_jobs"`
	PartialFiles  int        `json:"partial_files"`
	StagingFree   uint64     `json:"staging_free_bytes"`
}

// Status reports routing and queue state.
func (d *Daemon) Status() Status {
	pending, abandoned := d.queue.Counts()
	s := Status{
		Self:          d.keys.ID.Hex(),
		Sink:          d.sink.Hex(),
		IsSink:        d.IsSink(),
		Neighbors:     len(d.transport.Peers()),
		PendingJobs:   pending,
		AbandonedJobs: abandoned,
		PartialFiles:  d.reasm.Partial(),
		StagingFree:   d.transport.StagingFree(),
	}
	e, ok := d.table.Snapshot()[d.sink]
	if !ok || math.IsInf(e.Cost, 1) {
		return s
	}
	cost := e.Cost
	s.CostToSink = &cost
	if !e.NextHop.IsZero() {
		s.NextHop = e.NextHop.Hex()
	}
	if !e.LastUpdated.IsZero() {
		updated := e.LastUpdated
		s.RouteUpdated = &updated
	}
	return s
}

// Reachable reports whether a route to the sink is known.
func (s Status) Reachable() bool { return s.CostToSink != nil }

// Fields renders the status as log fields with shortened fingerprints.
func (s Status) Fields() logrus.Fields {
	f := logrus.Fields{
		"cost":      "inf",
		"next_hop":  "none",
		"pending":   s.PendingJobs,
		"abandoned": s.AbandonedJobs,
	}
	if s.CostToSink != nil {
		f["cost"] = *s.CostToSink
	}
	if s.NextHop != "" {
		f["next_hop"] = short(s.NextHop)
	}
	return f
}

// String renders the multi-line operator view.
func (s Status) String() string {
	cost := "unreachable (waiting for heartbeats)"
	if s.CostToSink != nil {
		cost = fmt.Sprintf("%g hops", *s.CostToSink)
	}
	hop := "none"
	if s.NextHop != "" {
		hop = short(s.NextHop)
	}
	return fmt.Sprintf("self:       %s\nsink:       %s\nis sink:    %t\ncost:       %s\nnext hop:   %s\nneighbors:  %d\npending:    %d\nabandoned:  %d\npartial:    %d\n",
		short(s.Self), short(s.Sink), s.IsSink, cost, hop, s.Neighbors, s.PendingJobs, s.AbandonedJobs, s.PartialFiles)
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
