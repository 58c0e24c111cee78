// Package route maintains the pheromone table: the best known hop count from
// this node to the sink and the neighbor that offers it.
//
// The table is pure in-memory state. It learns costs from neighbor heartbeats
// (Update), forgets routes that have not been confirmed within MaxAge, and
// periodically announces its own cost through an injected BroadcastFunc. It
// never touches the network itself.
package route

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
)

const (
	// DefaultMaxAge is how long an unconfirmed route stays valid.
	DefaultMaxAge = 120 * time.Second
	// DefaultBroadcastInterval is the heartbeat period.
	DefaultBroadcastInterval = 30 * time.Second
)

// Unreachable is the cost of a destination with no known route.
var Unreachable = math.Inf(1)

// Entry is the current route to one destination.
type Entry struct {
	Cost        float64
	NextHop     identity.PeerID // zero when Cost is Unreachable, or on the sink itself
	LastUpdated time.Time
}

// BroadcastFunc announces this node's cost-to-sink to every neighbor.
type BroadcastFunc func(ctx context.Context, cost float64)

// Config configures a Table.
type Config struct {
	Self              identity.PeerID
	Sink              identity.PeerID
	MaxAge            time.Duration
	BroadcastInterval time.Duration
	Broadcast         BroadcastFunc
	Logger            *logrus.Logger
	Now               func() time.Time // defaults to time.Now
}

// Table is the pheromone routing table. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[identity.PeerID]Entry

	self      identity.PeerID
	sink      identity.PeerID
	maxAge    time.Duration
	interval  time.Duration
	broadcast BroadcastFunc
	now       func() time.Time
	log       *logrus.Entry

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTable creates a table. A node whose own identity equals the sink gets a
// permanent zero-cost entry that neither Update nor aging can change.
func NewTable(cfg Config) *Table {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	t := &Table{
		entries:   make(map[identity.PeerID]Entry),
		self:      cfg.Self,
		sink:      cfg.Sink,
		maxAge:    cfg.MaxAge,
		interval:  cfg.BroadcastInterval,
		broadcast: cfg.Broadcast,
		now:       cfg.Now,
		log:       cfg.Logger.WithField("component", "route"),
		trigger:   make(chan struct{}, 1),
	}
	if t.IsSink() {
		t.entries[t.sink] = Entry{Cost: 0, LastUpdated: t.now()}
		t.log.Info("this node is the sink, cost fixed at 0")
	}
	return t
}

// IsSink reports whether this node is the sink.
func (t *Table) IsSink() bool {
	return t.self == t.sink
}

// Sink returns the sink identity the table routes toward.
func (t *Table) Sink() identity.PeerID {
	return t.sink
}

// Update absorbs a neighbor's reported cost-to-sink. The candidate cost is
// reported+1; it replaces the current route only when no route exists or the
// candidate is strictly cheaper. It returns true when the route changed, which
// means a re-broadcast is warranted.
//
// An equal-cost report from the current next hop refreshes the route's age
// without counting as a change. Unreachable and NaN reports are ignored.
func (t *Table) Update(neighbor identity.PeerID, reported float64) bool {
	if math.IsInf(reported, 1) || math.IsNaN(reported) {
		return false
	}
	if t.IsSink() {
		return false
	}

	candidate := reported + 1
	now := t.now()

	t.mu.Lock()
	current, ok := t.entries[t.sink]
	switch {
	case !ok || candidate < current.Cost:
		t.entries[t.sink] = Entry{Cost: candidate, NextHop: neighbor, LastUpdated: now}
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{
			"sink":     t.sink.Short(),
			"next_hop": neighbor.Short(),
			"cost":     candidate,
		}).Info("route updated")
		return true
	case candidate == current.Cost && current.NextHop == neighbor:
		current.LastUpdated = now
		t.entries[t.sink] = current
	}
	t.mu.Unlock()
	return false
}

// NextHop returns the neighbor to forward to for target, if a route exists.
func (t *Table) NextHop(target identity.PeerID) (identity.PeerID, bool) {
	t.mu.RLock()
	e, ok := t.entries[target]
	t.mu.RUnlock()
	if !ok || math.IsInf(e.Cost, 1) || e.NextHop.IsZero() {
		return identity.PeerID{}, false
	}
	return e.NextHop, true
}

// Cost returns the current cost to target, or Unreachable.
func (t *Table) Cost(target identity.PeerID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[target]
	if !ok {
		return Unreachable
	}
	return e.Cost
}

// Snapshot returns a copy of all entries.
func (t *Table) Snapshot() map[identity.PeerID]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[identity.PeerID]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Expire drops every entry older than MaxAge except the sink's own entry and
// returns how many were removed.
func (t *Table) Expire() int {
	cutoff := t.now().Add(-t.maxAge)

	t.mu.Lock()
	var stale []identity.PeerID
	for dest, e := range t.entries {
		if t.IsSink() && dest == t.sink {
			continue
		}
		if e.LastUpdated.Before(cutoff) {
			stale = append(stale, dest)
		}
	}
	for _, dest := range stale {
		delete(t.entries, dest)
	}
	t.mu.Unlock()

	for _, dest := range stale {
		t.log.WithField("dest", dest.Short()).Debug("route expired")
	}
	return len(stale)
}

// TriggerBroadcast asks the broadcast loop to announce now instead of waiting
// for the next tick. Extra triggers while one is pending are coalesced.
func (t *Table) TriggerBroadcast() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Start launches the aging and broadcast loops. They run until ctx is
// cancelled or Stop is called.
func (t *Table) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(2)
	go t.runDecay(ctx)
	go t.runBroadcast(ctx)
	t.log.WithFields(logrus.Fields{
		"self": t.self.Short(),
		"sink": t.sink.Short(),
	}).Info("routing table started")
}

// Stop halts the background loops and waits for them to exit.
func (t *Table) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Table) runDecay(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Expire()
		}
	}
}

// runBroadcast waits one interval before the first announcement so the
// transport has time to come up.
func (t *Table) runBroadcast(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.trigger:
		}
		if t.broadcast == nil {
			continue
		}
		t.broadcast(ctx, t.Cost(t.sink))
	}
}
