// Package config holds the node configuration: defaults, YAML loading and
// validation. CLI flags and interactive prompts fill the same struct.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

// Mode represents the role a node runs as.
type Mode string

const (
	ModeRelay  Mode = "relay"  // forwards links between other peers
	ModeHost   Mode = "host"   // exposes a local TCP service through a relay
	ModeClient Mode = "client" // reaches a host's service through a relay
)

// Config stores every parameter of a node.
type Config struct {
	Mode        Mode              `yaml:"mode"`
	Listen      string            `yaml:"listen"`       // WS listen address, relay and host
	IdentityKey string            `yaml:"identity_key"` // base58 ed25519 seed; empty generates one
	Peers       map[string]string `yaml:"peers"`        // base58 id -> ws base URL

	RelayPeer   string `yaml:"relay_peer"`  // client and host: relay to use
	Destination string `yaml:"destination"` // client: host to reach
	TargetPort  int    `yaml:"target_port"` // host: the TCP service port to forward
	LocalPort   int    `yaml:"local_port"`  // client: local port for the virtual service

	Relay      RelayConfig      `yaml:"relay"`
	Connection ConnectionConfig `yaml:"connection"`

	Metrics       bool          `yaml:"metrics"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	Debug         bool          `yaml:"debug"`
}

// RelayConfig tunes the relay side.
type RelayConfig struct {
	MaxRelayedConnections int           `yaml:"max_relayed_connections"`
	FreeDelay             time.Duration `yaml:"free_delay"` // wait after UPGRADED before freeing capacity
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	CircuitTimeout        time.Duration `yaml:"circuit_timeout"` // bound of one handshake
	PruneInterval         time.Duration `yaml:"prune_interval"`  // 0 disables pruning
	RateLimit             float64       `yaml:"rate_limit"`      // handshakes per second per source
	RateBurst             int           `yaml:"rate_burst"`
}

// ConnectionConfig tunes endpoint connections.
type ConnectionConfig struct {
	CloseGrace      time.Duration `yaml:"close_grace"`
	UpgradeTimeout  time.Duration `yaml:"upgrade_timeout"`
	NoWebRTCUpgrade bool          `yaml:"no_webrtc_upgrade"`
	STUNServers     []string      `yaml:"stun_servers"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Mode:   ModeRelay,
		Listen: ":9000",
		Peers:  map[string]string{},
		Relay: RelayConfig{
			MaxRelayedConnections: 10,
			PingTimeout:           300 * time.Millisecond,
			CircuitTimeout:        6 * time.Second,
			PruneInterval:         time.Minute,
			RateLimit:             5,
			RateBurst:             10,
		},
		Connection: ConnectionConfig{
			CloseGrace:     100 * time.Millisecond,
			UpgradeTimeout: 3 * time.Second,
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		StatsInterval: 10 * time.Second,
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the fields required by the mode are present.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeRelay:
	case ModeHost:
		if c.TargetPort < 1 || c.TargetPort > 65535 {
			errs = append(errs, errors.New("target_port must be 1~65535"))
		}
		if c.RelayPeer == "" {
			errs = append(errs, errors.New("relay_peer is required"))
		}
	case ModeClient:
		if c.LocalPort < 1 || c.LocalPort > 65535 {
			errs = append(errs, errors.New("local_port must be 1~65535"))
		}
		if c.RelayPeer == "" {
			errs = append(errs, errors.New("relay_peer is required"))
		}
		if c.Destination == "" {
			errs = append(errs, errors.New("destination is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q: must be relay, host or client", c.Mode))
	}

	if c.Relay.MaxRelayedConnections < 1 {
		errs = append(errs, errors.New("relay.max_relayed_connections must be positive"))
	}
	if c.Relay.PingTimeout <= 0 || c.Relay.CircuitTimeout <= 0 {
		errs = append(errs, errors.New("relay timeouts must be positive"))
	}
	if c.Connection.CloseGrace <= 0 || c.Connection.UpgradeTimeout <= 0 {
		errs = append(errs, errors.New("connection timeouts must be positive"))
	}

	for id, url := range c.Peers {
		if _, err := identity.Parse(id); err != nil {
			errs = append(errs, fmt.Errorf("peers: %w", err))
		}
		if url == "" {
			errs = append(errs, fmt.Errorf("peers: empty url for %s", id))
		}
	}

	return errors.Join(errs...)
}

// PrivateKey decodes IdentityKey, generating a fresh key when it is empty.
func (c Config) PrivateKey() (ed25519.PrivateKey, error) {
	if c.IdentityKey == "" {
		_, priv, err := identity.Generate()
		return priv, err
	}

	seed, err := base58.Decode(c.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity_key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity_key must be a %d byte seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PeerBook parses the address book.
func (c Config) PeerBook() (map[identity.ID]string, error) {
	book := make(map[identity.ID]string, len(c.Peers))
	for raw, url := range c.Peers {
		id, err := identity.Parse(raw)
		if err != nil {
			return nil, err
		}
		book[id] = url
	}
	return book, nil
}

// EncodeSeed renders a private key in the IdentityKey format.
func EncodeSeed(priv ed25519.PrivateKey) string {
	return base58.Encode(priv.Seed())
}
