// Package config loads graphwire settings from YAML.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/transport"
)

// Config is the complete configuration of one endpoint.
type Config struct {
	Log       Log       `yaml:"log"`
	Session   Session   `yaml:"session"`
	Linearize Linearize `yaml:"linearize"`
	Types     Types     `yaml:"types"`
	Link      Link      `yaml:"link"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// Debug enables the hot-path debug logs of the transport.
	Debug bool `yaml:"debug"`
}

// Session configures both halves of a transport session. Zero values take
// the transport defaults.
type Session struct {
	SendCredits     uint32 `yaml:"send_credits"`
	PendingCapacity int    `yaml:"pending_capacity"`
	SignalInterval  uint32 `yaml:"signal_interval"`
	CopyThreshold   uint32 `yaml:"copy_threshold"`
	LowSendSize     uint32 `yaml:"low_send_size"`
	StagingBytes    uint32 `yaml:"staging_bytes"`
	RegionRequest   uint32 `yaml:"region_request"`
	ControlReceives uint32 `yaml:"control_receives"`

	Receives          uint32 `yaml:"receives"`
	RepostThreshold   uint32 `yaml:"repost_threshold"`
	Regions           uint32 `yaml:"regions"`
	SegmentSize       uint32 `yaml:"segment_size"`
	MetadataRingBytes uint32 `yaml:"metadata_ring_bytes"`
	CommitBytes       uint32 `yaml:"commit_bytes"`
}

// Linearize configures the traversal.
type Linearize struct {
	// Policy is "dfs" or "bfs".
	Policy       string `yaml:"policy"`
	BatchObjects uint32 `yaml:"batch_objects"`
	BatchBytes   uint32 `yaml:"batch_bytes"`
	// BatchBackRefs bounds back-references per batch. The session lowers
	// it further when a batch would not fit the metadata ring.
	BatchBackRefs    uint32 `yaml:"batch_backrefs"`
	MaxIntervalBytes uint32 `yaml:"max_interval_bytes"`
	NoBackRefs       bool   `yaml:"no_backrefs"`
	Verify           bool   `yaml:"verify"`
}

// Types configures type bridging and naming.
type Types struct {
	// Strategy is "ondemand" or "table".
	Strategy string `yaml:"strategy"`
	// Table is the shared ordered type list of the table strategy.
	Table []string `yaml:"table"`
	// Naming is "local", "grpc", "nats" or "store".
	Naming    string        `yaml:"naming"`
	Address   string        `yaml:"address"`
	Subject   string        `yaml:"subject"`
	Store     string        `yaml:"store"`
	Namespace string        `yaml:"namespace"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Link configures the connection between the endpoints.
type Link struct {
	// Kind is "pipe" or "websocket".
	Kind   string `yaml:"kind"`
	Listen string `yaml:"listen"`
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Session: Session{
			SendCredits:       transport.DefaultSendCredits,
			PendingCapacity:   transport.DefaultPendingCapacity,
			SignalInterval:    transport.DefaultSignalInterval,
			CopyThreshold:     transport.DefaultCopyThreshold,
			LowSendSize:       transport.DefaultLowSendSize,
			StagingBytes:      transport.DefaultStagingBytes,
			RegionRequest:     transport.DefaultRegionRequest,
			ControlReceives:   transport.DefaultControlReceives,
			Receives:          transport.DefaultReceives,
			RepostThreshold:   transport.DefaultRepostThreshold,
			Regions:           transport.DefaultRegions,
			SegmentSize:       transport.DefaultSegmentSize,
			MetadataRingBytes: transport.DefaultMetadataRingBytes,
			CommitBytes:       transport.DefaultCommitBytes,
		},
		Linearize: Linearize{
			Policy:           "dfs",
			BatchObjects:     1024,
			MaxIntervalBytes: transport.DefaultSegmentSize,
		},
		Types: Types{
			Strategy:  "ondemand",
			Naming:    "local",
			Subject:   "graphwire.types.name",
			Namespace: "default",
			Timeout:   2 * time.Second,
		},
		Link: Link{
			Kind:   "pipe",
			Listen: "127.0.0.1:7400",
			URL:    "ws://127.0.0.1:7400/graphwire",
			Path:   "/graphwire",
		},
	}
}

// Load reads path, applies it over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read config file "+path)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(path, format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(path).
		Detail(format, args...).
		Build()
}

// Validate checks the configuration for values the session would reject
// or that would stall it.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}

	s := c.Session
	if s.SegmentSize < s.LowSendSize+s.CopyThreshold {
		return invalid("session.segment_size", "segment size %d cannot hold a staged chunk of %d bytes", s.SegmentSize, s.LowSendSize+s.CopyThreshold)
	}
	if c.Linearize.MaxIntervalBytes == 0 || c.Linearize.MaxIntervalBytes > s.SegmentSize {
		return invalid("linearize.max_interval_bytes", "must be between 1 and the segment size %d", s.SegmentSize)
	}
	if err := c.SenderOptions().Validate(); err != nil {
		return err
	}
	if err := c.ReceiverOptions().Validate(); err != nil {
		return err
	}

	switch c.Types.Strategy {
	case "ondemand":
	case "table":
		if len(c.Types.Table) == 0 {
			return invalid("types.table", "table strategy needs a type list")
		}
	default:
		return invalid("types.strategy", "unknown strategy %q", c.Types.Strategy)
	}
	switch c.Types.Naming {
	case "local":
	case "grpc", "nats":
		if c.Types.Address == "" {
			return invalid("types.address", "%s naming needs an address", c.Types.Naming)
		}
	case "store":
		if c.Types.Store == "" {
			return invalid("types.store", "store naming needs a database path")
		}
	default:
		return invalid("types.naming", "unknown naming service %q", c.Types.Naming)
	}

	switch c.Link.Kind {
	case "pipe":
	case "websocket":
		if c.Link.Listen == "" && c.Link.URL == "" {
			return invalid("link", "websocket link needs listen or url")
		}
	default:
		return invalid("link.kind", "unknown link %q", c.Link.Kind)
	}
	return nil
}

// Policy returns the configured traversal policy.
func (c *Config) Policy() (graphwire.Policy, error) {
	switch c.Linearize.Policy {
	case "", "dfs":
		return graphwire.DFS, nil
	case "bfs":
		return graphwire.BFS, nil
	}
	return graphwire.DFS, invalid("linearize.policy", "unknown policy %q", c.Linearize.Policy)
}

// LinearizeOptions converts the linearize section.
func (c *Config) LinearizeOptions() linearize.Options {
	policy, _ := c.Policy()
	return linearize.Options{
		Policy:           policy,
		NoBackRefs:       c.Linearize.NoBackRefs,
		MaxIntervalBytes: c.Linearize.MaxIntervalBytes,
		Verify:           c.Linearize.Verify,
	}
}

// SenderOptions converts the session and batch settings of a sender.
func (c *Config) SenderOptions() transport.Options {
	s := c.Session
	return transport.Options{
		Budget: linearize.Budget{
			Objects:  c.Linearize.BatchObjects,
			Bytes:    c.Linearize.BatchBytes,
			BackRefs: c.Linearize.BatchBackRefs,
		},
		SendCredits:     s.SendCredits,
		PendingCapacity: s.PendingCapacity,
		SignalInterval:  s.SignalInterval,
		CopyThreshold:   s.CopyThreshold,
		LowSendSize:     s.LowSendSize,
		StagingBytes:    s.StagingBytes,
		RegionRequest:   s.RegionRequest,
		ControlReceives: s.ControlReceives,
	}
}

// ReceiverOptions converts the session settings of a receiver.
func (c *Config) ReceiverOptions() transport.ReceiverOptions {
	s := c.Session
	return transport.ReceiverOptions{
		Receives:          s.Receives,
		RepostThreshold:   s.RepostThreshold,
		Regions:           s.Regions,
		SegmentSize:       s.SegmentSize,
		MetadataRingBytes: s.MetadataRingBytes,
		CommitBytes:       s.CommitBytes,
	}
}
