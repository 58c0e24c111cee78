package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/identity"
	"github.com/ssd-technologies/postmare/internal/transport"
)

// Layout of a node's config directory.
const (
	missionDir    = "missionlist"
	sendersFile   = "senders.json"
	receiversFile = "receivers.json"
	outboxDir     = "mailbag"
	stateDir      = ".state"
	stateDB       = "state.db"
	incomingDir   = "incoming"
	stagingDir    = "staging"
	logsDir       = "logs"

	defaultKeyPath = "mailbag/ssh/id_ed25519"
	DefaultAPIAddr = "127.0.0.1:7722"
)

// Environment overrides.
const (
	EnvListenPort = "POSTMARE_LISTEN_PORT"
	EnvSink       = "POSTMARE_SINK"
	EnvAPIAddr    = "POSTMARE_API_ADDR"
)

// SenderConfig is this node's own settings, stored in senders.json.
type SenderConfig struct {
	ListenPort        int    `json:"listen_port"`
	KeyPath           string `json:"key_path"`
	HostFingerprint   string `json:"host_fingerprint"`
	BroadcastInterval int    `json:"broadcast_interval"` // seconds
	Fingerprint       string `json:"fingerprint,omitempty"`

	APIAddr       string `json:"api_addr,omitempty"` // "off" disables the API
	KeepDelivered bool   `json:"keep_delivered,omitempty"`

	LogBase        string   `json:"log_base,omitempty"`
	KeepOriginal   *bool    `json:"keep_original,omitempty"`
	ExportCommand  []string `json:"export_command,omitempty"`
	ExportProjects []string `json:"export_projects,omitempty"`
	ExportInterval int      `json:"export_interval,omitempty"` // seconds; 0 disables
}

// ReceiverConfig is one neighbor entry in receivers.json, keyed by the
// neighbor's fingerprint.
type ReceiverConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	User   string `json:"user,omitempty"`
	PubKey string `json:"pubkey"`
	Via    string `json:"via,omitempty"`
}

// Config is the loaded configuration of one node.
type Config struct {
	Dir       string
	Sender    SenderConfig
	Receivers map[string]ReceiverConfig
}

func defaultSender() SenderConfig {
	return SenderConfig{
		ListenPort:        transport.DefaultListenPort,
		KeyPath:           defaultKeyPath,
		BroadcastInterval: 30,
	}
}

// LoadConfig reads senders.json and receivers.json from dir/missionlist. A
// missing senders.json is written with defaults. A malformed receivers.json
// is logged and treated as empty.
func LoadConfig(dir string, logger *logrus.Logger) (*Config, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	cfg := &Config{Dir: dir, Receivers: make(map[string]ReceiverConfig)}

	sendersPath := filepath.Join(dir, missionDir, sendersFile)
	data, err := os.ReadFile(sendersPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.Sender = defaultSender()
		if err := cfg.SaveSender(); err != nil {
			return nil, err
		}
		logger.WithField("path", sendersPath).Warn("wrote default senders.json; set host_fingerprint and restart")
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", sendersFile, err)
	default:
		cfg.Sender = defaultSender()
		if err := json.Unmarshal(data, &cfg.Sender); err != nil {
			return nil, fmt.Errorf("parse %s: %w", sendersFile, err)
		}
	}

	receiversPath := filepath.Join(dir, missionDir, receiversFile)
	if data, err := os.ReadFile(receiversPath); err == nil {
		if err := json.Unmarshal(data, &cfg.Receivers); err != nil {
			logger.WithError(err).WithField("path", receiversPath).Warn("malformed receivers.json ignored")
			cfg.Receivers = make(map[string]ReceiverConfig)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", receiversFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvListenPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s=%q: invalid port", EnvListenPort, v)
		}
		c.Sender.ListenPort = port
	}
	if v := os.Getenv(EnvSink); v != "" {
		c.Sender.HostFingerprint = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		c.Sender.APIAddr = v
	}
	return nil
}

// SaveSender writes senders.json.
func (c *Config) SaveSender() error {
	path := filepath.Join(c.Dir, missionDir, sendersFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", missionDir, err)
	}
	data, err := json.MarshalIndent(c.Sender, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", sendersFile, err)
	}
	return nil
}

// path resolves p against the config directory unless it is absolute.
func (c *Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// OutboxDir is the watched outbox.
func (c *Config) OutboxDir() string { return filepath.Join(c.Dir, outboxDir) }

// StateDir holds the job database and chunk temp files. It is hidden inside
// the outbox so the scanner skips it.
func (c *Config) StateDir() string { return filepath.Join(c.OutboxDir(), stateDir) }

// IncomingDir receives delivered files on the sink.
func (c *Config) IncomingDir() string { return filepath.Join(c.Dir, incomingDir) }

// StagingDir holds inbound fragments.
func (c *Config) StagingDir() string { return filepath.Join(c.Dir, stagingDir) }

// KeyPath is the private key location.
func (c *Config) KeyPath() string {
	if c.Sender.KeyPath == "" {
		return c.path(defaultKeyPath)
	}
	return c.path(c.Sender.KeyPath)
}

// LogBase is the root of per-project export directories.
func (c *Config) LogBase() string {
	if c.Sender.LogBase == "" {
		return c.path(logsDir)
	}
	return c.path(c.Sender.LogBase)
}

// KeepOriginal defaults to true.
func (c *Config) KeepOriginal() bool {
	return c.Sender.KeepOriginal == nil || *c.Sender.KeepOriginal
}

// APIAddr returns the operator API address, or "" when disabled.
func (c *Config) APIAddr() string {
	switch c.Sender.APIAddr {
	case "":
		return DefaultAPIAddr
	case "off":
		return ""
	}
	return c.Sender.APIAddr
}

func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.Sender.BroadcastInterval) * time.Second
}

// Peers converts receivers.json into transport peers. Each entry's key must
// hash to the fingerprint it is filed under, and a via reference must name
// another configured neighbor.
func (c *Config) Peers() ([]transport.Peer, error) {
	fps := make([]string, 0, len(c.Receivers))
	for fp := range c.Receivers {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	peers := make([]transport.Peer, 0, len(fps))
	known := make(map[identity.PeerID]bool, len(fps))
	vias := make(map[identity.PeerID]identity.PeerID)
	for _, fp := range fps {
		r := c.Receivers[fp]
		id, err := identity.Parse(fp)
		if err != nil {
			return nil, fmt.Errorf("receiver %q: %w", fp, err)
		}
		pub, err := identity.ParsePublicKey(r.PubKey)
		if err != nil {
			return nil, fmt.Errorf("receiver %s: %w", id.Short(), err)
		}
		if identity.FromPublicKey(pub) != id {
			return nil, fmt.Errorf("receiver %s: pubkey does not match fingerprint", id.Short())
		}
		if r.Host == "" {
			return nil, fmt.Errorf("receiver %s: host required", id.Short())
		}
		p := transport.Peer{ID: id, Host: r.Host, Port: r.Port, User: r.User, PublicKey: pub}
		if r.Via != "" {
			if p.Via, err = identity.Parse(r.Via); err != nil {
				return nil, fmt.Errorf("receiver %s via: %w", id.Short(), err)
			}
			vias[id] = p.Via
		}
		known[id] = true
		peers = append(peers, p)
	}
	for id, via := range vias {
		if !known[via] || via == id {
			return nil, fmt.Errorf("receiver %s: via %s is not another configured neighbor", id.Short(), via.Short())
		}
	}
	return peers, nil
}
