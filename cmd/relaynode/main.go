// relaynode runs a node of the relay network.
//
// A relay forwards relayed connections between peers that cannot reach each
// other. A host exposes a local TCP service to its peers through a relay, and
// a client reaches such a service on a local port. Relayed connections try to
// upgrade to a direct WebRTC DataChannel once they are up.
//
// The node is configured from a YAML file (-config), CLI flags, or
// interactive prompts when neither is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.relay/internal/adapter"
	"github.com/1ureka/1ureka.net.relay/internal/config"
	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/relay"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

var version = "dev"

const reconnectDelay = 2 * time.Second

// peerFlags collects repeated -peer id=url flags.
type peerFlags map[string]string

func (p peerFlags) String() string { return fmt.Sprint(map[string]string(p)) }

func (p peerFlags) Set(v string) error {
	id, url, ok := strings.Cut(v, "=")
	if !ok || id == "" || url == "" {
		return fmt.Errorf("expected <peer id>=<ws url>, got %q", v)
	}
	p[id] = url
	return nil
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	peers := peerFlags{}
	configPath := flag.String("config", "", "YAML configuration file")
	mode := flag.String("mode", "", "Mode: relay, host or client")
	listen := flag.String("listen", "", "WebSocket listen address (relay and host)")
	relayPeer := flag.String("relay", "", "Relay peer id (host and client)")
	dest := flag.String("dest", "", "Destination host peer id (client only)")
	port := flag.Int("port", 0, "Target port (host) or virtual service port (client), 1~65535")
	flag.Var(peers, "peer", "Address book entry <peer id>=<ws url>, repeatable")
	metrics := flag.Bool("metrics", false, "Serve prometheus metrics on /metrics")
	noUpgrade := flag.Bool("no-upgrade", false, "Stay on the relay, never try a direct WebRTC channel")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if cfg.Peers == nil {
		cfg.Peers = map[string]string{}
	}

	// Flags override the file.
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *relayPeer != "" {
		cfg.RelayPeer = *relayPeer
	}
	if *dest != "" {
		cfg.Destination = *dest
	}
	if *port != 0 {
		cfg.TargetPort = *port
		cfg.LocalPort = *port
	}
	for id, url := range peers {
		cfg.Peers[id] = url
	}
	cfg.Metrics = cfg.Metrics || *metrics
	cfg.Connection.NoWebRTCUpgrade = cfg.Connection.NoWebRTCUpgrade || *noUpgrade
	cfg.Debug = cfg.Debug || *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("relaynode v%s", version))
	pterm.Println()

	if *configPath == "" && *mode == "" {
		runInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("node stopped")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config) error {
	priv, err := cfg.PrivateKey()
	if err != nil {
		return err
	}
	id, err := identity.FromPrivateKey(priv)
	if err != nil {
		return err
	}
	if cfg.IdentityKey == "" {
		util.LogWarning("no identity_key configured, using a fresh identity (identity_key: %s)", config.EncodeSeed(priv))
	}
	util.LogSuccess("peer id: %s", id)

	book, err := cfg.PeerBook()
	if err != nil {
		return err
	}
	host := transport.NewWSHost(id, transport.WSHostOptions{
		Peers:        book,
		ServeMetrics: cfg.Metrics,
		DialTimeout:  cfg.Relay.CircuitTimeout,
	})
	defer host.Close()

	if cfg.Mode != config.ModeClient {
		addr, err := host.Listen(cfg.Listen)
		if err != nil {
			return err
		}
		util.LogInfo("listening on ws://%s", addr)
	}

	svc := relay.NewService(host, relay.OptionsFromConfig(cfg, prometheus.DefaultRegisterer))
	svc.Start()
	defer svc.Close()

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	switch cfg.Mode {
	case config.ModeRelay:
		return runRelay(ctx, svc, cfg)
	case config.ModeHost:
		return runHost(ctx, svc, cfg)
	default:
		return runClient(ctx, svc, cfg)
	}
}

// runRelay serves until interrupted, logging the link table in debug mode.
func runRelay(ctx context.Context, svc *relay.Service, cfg config.Config) error {
	util.LogSuccess("relay ready, up to %d relayed connections", cfg.Relay.MaxRelayedConnections)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			util.LogDebug("%s", svc.State())
		case <-ctx.Done():
			return nil
		}
	}
}

// runHost bridges every delivered connection to the local target port.
func runHost(ctx context.Context, svc *relay.Service, cfg config.Config) error {
	target := fmt.Sprintf("127.0.0.1:%d", cfg.TargetPort)
	util.LogSuccess("host ready, forwarding traffic to %s", target)

	for {
		conn, err := svc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go func() {
			defer conn.Close()
			util.LogInfo("serving %s via %s", conn.Counterparty().Short(), conn.RemoteAddr())
			if err := adapter.ServeHost(ctx, conn, target); err != nil {
				util.LogError("failed to handle connection: %v", err)
			}
		}()
	}
}

// runClient keeps a relayed connection to the destination and serves the
// local port over it, reconnecting when it ends.
func runClient(ctx context.Context, svc *relay.Service, cfg config.Config) error {
	relayID, err := identity.Parse(cfg.RelayPeer)
	if err != nil {
		return fmt.Errorf("relay_peer: %w", err)
	}
	destID, err := identity.Parse(cfg.Destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	client, err := adapter.Listen(ctx, cfg.LocalPort)
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		conn, err := svc.Connect(ctx, relayID, destID)
		if err != nil {
			util.LogWarning("failed to connect to %s: %v", destID.Short(), err)
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		util.LogSuccess("connected to %s, forwarding %s", destID.Short(), client.Addr())
		if err := client.Serve(ctx, conn); err != nil {
			util.LogError("connection ended: %v", err)
		}
		conn.Close()

		if ctx.Err() == nil {
			util.LogInfo("reconnecting to %s", destID.Short())
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// runInteractive fills the mode specific fields when no -mode or -config was
// given.
func runInteractive(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Relay  - Forward connections between peers",
			"Host   - Expose a local service",
			"Client - Connect to a remote host",
		}).
		WithDefaultText("Select the node mode").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Relay"):
		cfg.Mode = config.ModeRelay
	case strings.HasPrefix(choice, "Host"):
		cfg.Mode = config.ModeHost
		cfg.RelayPeer = askPeer("Relay peer id", cfg)
		cfg.TargetPort = askPort("Target port to forward (1 ~ 65535)")
	default:
		cfg.Mode = config.ModeClient
		cfg.RelayPeer = askPeer("Relay peer id", cfg)
		cfg.Destination = askPeer("Destination host peer id", cfg)
		cfg.LocalPort = askPort("Local port for virtual service (1 ~ 65535)")
	}
}

// askPeer prompts for a peer id and, when it is not in the address book yet,
// its WebSocket URL.
func askPeer(prompt string, cfg *config.Config) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		raw = strings.TrimSpace(raw)

		if _, err := identity.Parse(raw); err != nil {
			pterm.Println()
			util.LogWarning("invalid peer id: %v", err)
			continue
		}
		pterm.Println()

		if _, ok := cfg.Peers[raw]; !ok {
			url, _ := pterm.DefaultInteractiveTextInput.
				WithDefaultText("WebSocket URL of " + raw + " (e.g. ws://10.0.0.2:9000)").
				Show()
			pterm.Println()
			cfg.Peers[raw] = strings.TrimSpace(url)
		}
		return raw
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
