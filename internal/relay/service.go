package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/1ureka.net.relay/internal/config"
	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/relayconn"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
	"github.com/1ureka/1ureka.net.relay/internal/webrtc"
)

const acceptBacklog = 16

// Conn is an end-to-end connection handed out by Connect and Accept.
type Conn interface {
	Source() <-chan []byte
	Sink(ctx context.Context, src <-chan []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Timeline() relayconn.Timeline
	Counterparty() identity.ID
}

// Options configures a Service.
type Options struct {
	// EnableRelay serves relay handshakes for other peers. Without it the
	// service only connects through relays and accepts deliveries.
	EnableRelay bool

	MaxRelayedConnections int
	FreeDelay             time.Duration
	PingTimeout           time.Duration
	CircuitTimeout        time.Duration
	PruneInterval         time.Duration
	RateLimit             float64
	RateBurst             int

	CloseGrace     time.Duration
	UpgradeTimeout time.Duration

	// NewChannel creates the direct channel offered to every new connection.
	// Nil keeps every connection on the relay.
	NewChannel func(initiator bool) (webrtc.DirectChannel, error)

	// Registerer receives the relay metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// OptionsFromConfig maps a node configuration onto service options.
func OptionsFromConfig(cfg config.Config, reg prometheus.Registerer) Options {
	opts := Options{
		EnableRelay:           cfg.Mode == config.ModeRelay,
		MaxRelayedConnections: cfg.Relay.MaxRelayedConnections,
		FreeDelay:             cfg.Relay.FreeDelay,
		PingTimeout:           cfg.Relay.PingTimeout,
		CircuitTimeout:        cfg.Relay.CircuitTimeout,
		PruneInterval:         cfg.Relay.PruneInterval,
		RateLimit:             cfg.Relay.RateLimit,
		RateBurst:             cfg.Relay.RateBurst,
		CloseGrace:            cfg.Connection.CloseGrace,
		UpgradeTimeout:        cfg.Connection.UpgradeTimeout,
	}
	if cfg.Metrics {
		opts.Registerer = reg
	}
	if !cfg.Connection.NoWebRTCUpgrade {
		stun := cfg.Connection.STUNServers
		opts.NewChannel = func(initiator bool) (webrtc.DirectChannel, error) {
			return webrtc.NewChannel(webrtc.ChannelOptions{Initiator: initiator, STUNServers: stun})
		}
	}
	return opts
}

// Service runs the relay protocols on a transport host: it relays for other
// peers when enabled, connects to destinations through relays and accepts
// connections delivered by relays.
type Service struct {
	host    transport.Host
	opts    Options
	state   *State
	metrics *Metrics
	limiter *handshakeLimiter
	log     util.Logger

	accept chan Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewService creates a service on host. Nothing is served until Start.
func NewService(host transport.Host, opts Options) *Service {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.CircuitTimeout <= 0 {
		opts.CircuitTimeout = DefaultCircuitTimeout
	}

	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:    host,
		opts:    opts,
		state:   NewState(opts.FreeDelay, metrics),
		metrics: metrics,
		limiter: newHandshakeLimiter(opts.RateLimit, opts.RateBurst),
		log:     util.NewLogger("RELAY"),
		accept:  make(chan Conn, acceptBacklog),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the protocol handlers and, for a relay, the pruner.
func (s *Service) Start() {
	s.host.Handle(transport.ProtocolDelivery, s.handleDelivery)
	if !s.opts.EnableRelay {
		return
	}

	s.host.Handle(transport.ProtocolRelay, s.handleRelay)
	s.log.Info("relaying for up to %d connections", s.opts.MaxRelayedConnections)

	if s.opts.PruneInterval > 0 {
		s.wg.Add(1)
		go s.pruneLoop()
	}
}

// State exposes the link table.
func (s *Service) State() *State { return s.state }

// Connect asks relay to connect us to destination.
func (s *Service) Connect(ctx context.Context, relay, destination identity.ID) (Conn, error) {
	if s.ctx.Err() != nil {
		return nil, ErrServiceClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CircuitTimeout)
	defer cancel()

	stream, err := s.host.Dial(ctx, relay, transport.ProtocolRelay)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relay.Short(), err)
	}

	stream, err = Initiate(ctx, stream, destination)
	if err != nil {
		return nil, err
	}

	rc := relayconn.New(stream, relayconn.Options{
		Self:         s.host.ID(),
		Relay:        relay,
		Counterparty: destination,
		Outbound:     true,
		CloseGrace:   s.opts.CloseGrace,
		OnReconnect:  s.onReconnect,
	})
	s.log.Info("connected to %s via %s", destination.Short(), relay.Short())
	return s.wrap(rc, true), nil
}

// Accept returns the next connection delivered by a relay.
func (s *Service) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-s.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrServiceClosed
	}
}

// Close stops the pruner and refuses new work. Links and connections that
// are already open stay up until their ends close them.
func (s *Service) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// wrap attaches a direct channel attempt to rc.
func (s *Service) wrap(rc *relayconn.Conn, initiator bool) *webrtc.Conn {
	var ch webrtc.DirectChannel
	if s.opts.NewChannel != nil {
		c, err := s.opts.NewChannel(initiator)
		if err != nil {
			s.log.Warning("direct channel unavailable: %v", err)
		} else {
			ch = c
		}
	}
	return webrtc.New(rc, ch, webrtc.Options{Timeout: s.opts.UpgradeTimeout})
}

func (s *Service) deliver(c Conn) {
	select {
	case s.accept <- c:
	case <-s.ctx.Done():
		c.Close()
	}
}

// onReconnect hands out a fresh connection after the counterparty
// reconnected to the relay.
func (s *Service) onReconnect(rc *relayconn.Conn, counterparty identity.ID) {
	s.log.Info("%s reconnected, accepting generation %d", counterparty.Short(), rc.Generation())
	s.deliver(s.wrap(rc, false))
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Service) handleRelay(stream transport.Stream, source identity.ID) {
	if s.ctx.Err() != nil {
		stream.Close()
		return
	}
	if !s.limiter.Allow(source) {
		s.log.Warning("rate limited handshake from %s", source.Short())
		Reject(stream, ResponseFail)
		s.metrics.addHandshake(ResponseFail)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CircuitTimeout)
	defer cancel()

	resp, err := Negotiate(ctx, stream, source, s.host, s.state, NegotiateOptions{
		MaxRelayedConnections: s.opts.MaxRelayedConnections,
		PingTimeout:           s.opts.PingTimeout,
	})
	s.metrics.addHandshake(resp)
	if err != nil {
		s.log.Warning("handshake from %s ended with %s: %v", source.Short(), resp, err)
		return
	}
	s.log.Debug("handshake from %s: %s", source.Short(), resp)
}

func (s *Service) handleDelivery(stream transport.Stream, relay identity.ID) {
	if s.ctx.Err() != nil {
		stream.Close()
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CircuitTimeout)
	defer cancel()

	res, err := Handle(ctx, stream)
	if err != nil {
		s.log.Warning("delivery from %s failed: %v", relay.Short(), err)
		return
	}

	rc := relayconn.New(res.Stream, relayconn.Options{
		Self:         s.host.ID(),
		Relay:        relay,
		Counterparty: res.Counterparty,
		CloseGrace:   s.opts.CloseGrace,
		OnReconnect:  s.onReconnect,
	})
	s.log.Info("accepted %s via %s", res.Counterparty.Short(), relay.Short())
	s.deliver(s.wrap(rc, false))
}

func (s *Service) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.state.Prune(s.ctx, s.opts.PingTimeout)
			if err != nil {
				return
			}
			if n > 0 {
				s.log.Info("pruned %d dead links", n)
			}
			s.limiter.cleanup()
		case <-s.ctx.Done():
			return
		}
	}
}
