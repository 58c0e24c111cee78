// Package daemon is the composition root of a postmare node. It loads the
// node's key and configuration, builds the routing table, transport,
// delivery queue, export bridge and operator API, and runs them until
// stopped.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/api"
	"github.com/ssd-technologies/postmare/internal/bridge"
	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/mailbag"
	"github.com/ssd-technologies/postmare/internal/route"
	"github.com/ssd-technologies/postmare/internal/store"
	"github.com/ssd-technologies/postmare/internal/transport"
)

// DefaultStatusInterval is how often the status line is logged.
const DefaultStatusInterval = time.Minute

// Options configures a Daemon. Only Dir is required; the remaining fields
// override values from the config directory.
type Options struct {
	Dir       string
	ForceSink bool
	Logger    *logrus.Logger

	ListenAddr     string
	APIAddr        string
	ScanInterval   time.Duration
	StatusInterval time.Duration
	MinFreeBytes   uint64
}

// Daemon is one running postmare node.
type Daemon struct {
	cfg    *Config
	opts   Options
	keys   *identity.Keypair
	sink   identity.PeerID
	logger *logrus.Logger
	log    *logrus.Entry

	db        *store.DB
	table     *route.Table
	transport *transport.Transport
	reasm     *mailbag.Reassembler
	queue     *mailbag.Queue
	bridge    *bridge.Bridge
	hub       *api.Hub

	apiServer *http.Server
	apiLn     net.Listener

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New loads configuration and key material from opts.Dir and wires every
// component. Nothing touches the network until Start. Failures here are
// configuration problems and are fatal to the caller.
func New(opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	logger := opts.Logger

	cfg, err := LoadConfig(opts.Dir, logger)
	if err != nil {
		return nil, err
	}

	keys, generated, err := identity.LoadOrGenerateKeypair(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if generated {
		logger.WithField("path", cfg.KeyPath()).Info("generated new node key")
	}

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		keys:   keys,
		logger: logger,
		log:    logger.WithField("component", "daemon"),
	}
	if err := d.resolveSink(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.OutboxDir(), cfg.StateDir(), cfg.IncomingDir(), cfg.StagingDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := d.build(); err != nil {
		if d.db != nil {
			d.db.Close()
		}
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"self":      keys.ID.Short(),
		"sink":      d.sink.Short(),
		"is_sink":   d.IsSink(),
		"neighbors": len(d.transport.Peers()),
	}).Info("node configured")
	return d, nil
}

// resolveSink picks the sink identity and records this node's fingerprint in
// senders.json so operators can copy it to neighbors.
func (d *Daemon) resolveSink() error {
	s := &d.cfg.Sender
	self := d.keys.ID.Hex()
	dirty := false
	if s.Fingerprint != self {
		s.Fingerprint = self
		dirty = true
	}

	host := strings.TrimSpace(s.HostFingerprint)
	switch {
	case d.opts.ForceSink:
		d.sink = d.keys.ID
		if host != self {
			s.HostFingerprint = self
			dirty = true
		}
	case host == "":
		d.sink = d.keys.ID
	default:
		sink, err := identity.Parse(host)
		if err != nil {
			return fmt.Errorf("host_fingerprint: %w", err)
		}
		d.sink = sink
	}

	if dirty {
		if err := d.cfg.SaveSender(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) build() error {
	cfg := d.cfg
	var err error

	d.db, err = store.Open(filepath.Join(cfg.StateDir(), stateDB))
	if err != nil {
		return err
	}
	d.hub = api.NewHub(d.logger)

	d.table = route.NewTable(route.Config{
		Self:              d.keys.ID,
		Sink:              d.sink,
		BroadcastInterval: cfg.BroadcastInterval(),
		Broadcast:         d.broadcast,
		Logger:            d.logger,
	})

	handoff := &transport.Handoff{
		IsSink:      d.IsSink(),
		OnDelivered: d.receive,
		Outbox:      cfg.OutboxDir(),
		Logger:      d.logger,
	}
	d.reasm, err = mailbag.NewReassembler(cfg.StagingDir(), handoff.Complete, d.hub.Publish, d.logger)
	if err != nil {
		return err
	}

	peers, err := cfg.Peers()
	if err != nil {
		return err
	}
	listen := d.opts.ListenAddr
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.Sender.ListenPort)
	}
	d.transport, err = transport.New(transport.Config{
		Keypair:      d.keys,
		ListenAddr:   listen,
		Peers:        peers,
		StagingDir:   cfg.StagingDir(),
		Inbound:      d.reasm,
		MinFreeBytes: d.opts.MinFreeBytes,
		Logger:       d.logger,
	})
	if err != nil {
		return err
	}
	if err := d.transport.Handle(transport.MsgPheromone, d.handlePheromone); err != nil {
		return err
	}

	d.queue, err = mailbag.New(mailbag.Config{
		Outbox:        cfg.OutboxDir(),
		StateDir:      cfg.StateDir(),
		Store:         d.db,
		Router:        d.table,
		Sender:        d.transport,
		ScanInterval:  d.opts.ScanInterval,
		KeepDelivered: cfg.Sender.KeepDelivered,
		OnEvent:       d.hub.Publish,
		Logger:        d.logger,
	})
	if err != nil {
		return err
	}

	var exporter bridge.Exporter
	if len(cfg.Sender.ExportCommand) > 0 {
		exporter = &bridge.CommandExporter{Command: cfg.Sender.ExportCommand, Dir: cfg.LogBase()}
	}
	d.bridge, err = bridge.New(bridge.Config{
		Outbox:       cfg.OutboxDir(),
		LogBase:      cfg.LogBase(),
		NodeID:       d.keys.ID.Hex(),
		Marks:        d.db,
		Exporter:     exporter,
		KeepOriginal: cfg.KeepOriginal(),
		Logger:       d.logger,
	})
	return err
}

// Self returns this node's fingerprint.
func (d *Daemon) Self() identity.PeerID { return d.keys.ID }

// Sink returns the sink's fingerprint.
func (d *Daemon) Sink() identity.PeerID { return d.sink }

// IsSink reports whether this node is the sink.
func (d *Daemon) IsSink() bool { return d.sink == d.keys.ID }

// AuthorizedKey is this node's public key line for a neighbor's
// receivers.json.
func (d *Daemon) AuthorizedKey() string { return d.keys.AuthorizedKey() }

// Start launches every component and the operator API.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.runCtx = ctx

	if err := d.reasm.Load(); err != nil {
		return err
	}
	if err := d.transport.Start(ctx); err != nil {
		return err
	}
	d.table.Start(ctx)
	if err := d.queue.Start(ctx); err != nil {
		d.table.Stop()
		d.transport.Stop()
		return err
	}
	if err := d.startAPI(); err != nil {
		d.queue.Stop()
		d.table.Stop()
		d.transport.Stop()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runStatus(ctx)
	}()
	if iv := d.cfg.Sender.ExportInterval; iv > 0 && len(d.cfg.Sender.ExportProjects) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runExports(ctx, time.Duration(iv)*time.Second)
		}()
	}

	// Neighbors learn a fresh sink's cost without waiting a full interval.
	d.table.TriggerBroadcast()
	d.log.Info("node started")
	return nil
}

func (d *Daemon) startAPI() error {
	addr := d.opts.APIAddr
	if addr == "" {
		addr = d.cfg.APIAddr()
	}
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	d.apiLn = ln
	d.apiServer = &http.Server{
		Handler:           api.NewLocalAPI(apiNode{d}, d.hub, d.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.apiServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.WithError(err).Error("api server stopped")
		}
	}()
	d.log.WithField("addr", ln.Addr().String()).Info("operator api listening")
	return nil
}

// APIAddr returns the bound operator API address, or "" when disabled.
func (d *Daemon) APIAddr() string {
	if d.apiLn == nil {
		return ""
	}
	return d.apiLn.Addr().String()
}

// ListenAddr returns the bound SSH address.
func (d *Daemon) ListenAddr() string {
	if a := d.transport.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Stop halts all loops, closes cached connections and the store. It is safe
// to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.log.Info("stopping")
		if d.cancel != nil {
			d.cancel()
		}
		if d.apiServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.apiServer.Shutdown(ctx)
			cancel()
		}
		d.wg.Wait()
		d.queue.Stop()
		d.table.Stop()
		d.transport.Stop()
		if err := d.db.Close(); err != nil {
			d.log.WithError(err).Warn("close store")
		}
		d.log.Info("stopped")
	})
}

// broadcast is the routing table's heartbeat hook.
func (d *Daemon) broadcast(ctx context.Context, cost float64) {
	d.transport.BroadcastHeartbeat(ctx, cost, d.sink)
}

// handlePheromone feeds a neighbor's heartbeat into the routing table.
// Reports for another sink, and values that are not finite and
// non-negative, are dropped.
func (d *Daemon) handlePheromone(ctx context.Context, from identity.PeerID, msg *transport.Message) {
	log := d.log.WithField("peer", from.Short())
	if msg.Target != d.sink {
		log.WithField("target", msg.Target.Short()).Debug("heartbeat for another sink ignored")
		return
	}
	v, err := msg.Float()
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		log.WithField("value", string(msg.Value)).Warn("invalid heartbeat value dropped")
		return
	}
	if d.table.Update(from, v) {
		log.WithField("cost", v+1).Info("route to sink improved")
		d.table.TriggerBroadcast()
	}
}

// receive is the sink's delivery callback. The file is moved into incoming/;
// packages are also unpacked into incoming/<project>/.
func (d *Daemon) receive(path, name string) error {
	if err := transport.ValidateName(name); err != nil {
		return err
	}
	dst := transport.UniquePath(filepath.Join(d.cfg.IncomingDir(), name))
	if err := transport.MoveFile(path, dst); err != nil {
		return fmt.Errorf("store received file: %w", err)
	}
	log := d.log.WithField("name", filepath.Base(dst))
	if !bridge.IsPackage(name) {
		log.Info("file received")
		return nil
	}

	m, err := bridge.Unpack(dst, d.cfg.IncomingDir())
	if err != nil {
		log.WithError(err).Error("unpack received package")
		return nil
	}
	node := m.NodeID
	if len(node) > 12 {
		node = node[:12]
	}
	log.WithFields(logrus.Fields{
		"project": m.Project,
		"node":    node,
		"files":   len(m.Files),
	}).Info("log package received")
	return nil
}

// Jobs returns the outbound job queue.
func (d *Daemon) Jobs() []store.JobRecord { return d.queue.Jobs() }

// RetryAbandoned re-queues abandoned jobs.
func (d *Daemon) RetryAbandoned() (int, error) { return d.queue.ResetAbandoned() }

// Deliver runs the export command for project, if configured, and packages
// new export files into the outbox. On a running node a delivery round starts
// right away instead of waiting for the next scan.
func (d *Daemon) Deliver(ctx context.Context, project string) (string, error) {
	pkg, err := d.bridge.ExportAndDeliver(ctx, project)
	if err == nil && pkg != "" {
		d.kickScan()
	}
	return pkg, err
}

func (d *Daemon) kickScan() {
	ctx := d.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.queue.ScanNow(ctx)
	}()
}

func (d *Daemon) runStatus(ctx context.Context) {
	ticker := time.NewTicker(d.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reasm.Expire(mailbag.DefaultPartialTTL)
			d.log.WithFields(d.Status().Fields()).Info("status")
		}
	}
}

func (d *Daemon) runExports(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, project := range d.cfg.Sender.ExportProjects {
			if _, err := d.Deliver(ctx, project); err != nil {
				d.log.WithError(err).WithField("project", project).Warn("scheduled export failed")
			}
		}
	}
}

// apiNode adapts Daemon to api.Node.
type apiNode struct{ *Daemon }

func (n apiNode) Status() any { return n.Daemon.Status() }
