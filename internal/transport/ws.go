package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

const (
	peerHeader     = "X-Peer-Id"
	pathPrefix     = "/p2p"
	maxMessageSize = 2 << 20
	closeTimeout   = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHost serves and dials streams over websockets. Every protocol id gets its
// own endpoint, /p2p<protocol>, and the dialer announces itself in the
// X-Peer-Id header. Remote peers are resolved through an address book of
// base URLs such as ws://10.0.0.2:9000.
type WSHost struct {
	id       identity.ID
	dialer   *websocket.Dialer
	listener net.Listener
	server   *http.Server

	mu       sync.RWMutex
	book     map[identity.ID]string
	handlers map[string]HandlerFunc
	closed   bool
}

// WSHostOptions configures NewWSHost.
type WSHostOptions struct {
	Peers        map[identity.ID]string // address book
	ServeMetrics bool                   // expose /metrics
	DialTimeout  time.Duration
}

// NewWSHost creates a host for the given identity. It does not listen until
// Listen is called; a host that only dials never needs to.
func NewWSHost(id identity.ID, opts WSHostOptions) *WSHost {
	h := &WSHost{
		id:       id,
		book:     make(map[identity.ID]string),
		handlers: make(map[string]HandlerFunc),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
	}
	if h.dialer.HandshakeTimeout == 0 {
		h.dialer.HandshakeTimeout = 10 * time.Second
	}
	for peer, url := range opts.Peers {
		h.book[peer] = strings.TrimRight(url, "/")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pathPrefix+"/", h.handleWS)
	if opts.ServeMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return h
}

// ID returns the identity of this host.
func (h *WSHost) ID() identity.ID { return h.id }

// AddPeer records the base URL peer is reachable at.
func (h *WSHost) AddPeer(peer identity.ID, baseURL string) {
	h.mu.Lock()
	h.book[peer] = strings.TrimRight(baseURL, "/")
	h.mu.Unlock()
}

// Handle registers the handler for a protocol id, replacing any previous one.
func (h *WSHost) Handle(protocol string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[protocol] = fn
	h.mu.Unlock()
}

// Listen starts serving on addr (":0" picks a free port) and returns the
// bound address.
func (h *WSHost) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("WS server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Dial opens a stream to peer for protocol.
func (h *WSHost) Dial(ctx context.Context, peer identity.ID, protocol string) (Stream, error) {
	h.mu.RLock()
	base, ok := h.book[peer]
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		return nil, ErrHostClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	header := http.Header{}
	header.Set(peerHeader, h.id.String())

	conn, resp, err := h.dialer.DialContext(ctx, base+pathPrefix+protocol, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, protocol)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", peer.Short(), err)
	}

	remote, err := identity.Parse(resp.Header.Get(peerHeader))
	if err != nil || remote != peer {
		conn.Close()
		return nil, fmt.Errorf("peer at %s is not %s", base, peer.Short())
	}

	return newWSStream(conn), nil
}

func (h *WSHost) handleWS(w http.ResponseWriter, r *http.Request) {
	protocol := strings.TrimPrefix(r.URL.Path, pathPrefix)

	h.mu.RLock()
	fn, ok := h.handlers[protocol]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "unsupported protocol", http.StatusNotFound)
		return
	}

	remote, err := identity.Parse(r.Header.Get(peerHeader))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	respHeader := http.Header{}
	respHeader.Set(peerHeader, h.id.String())
	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}

	util.LogDebug("inbound %s stream from %s", protocol, remote.Short())
	fn(newWSStream(conn), remote)
}

// Close stops the listener. Streams already handed out stay open.
func (h *WSHost) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if h.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return h.server.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// wsStream adapts a websocket connection to Stream. Every message is sent as
// one binary frame.
type wsStream struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(maxMessageSize)
	return &wsStream{conn: conn}
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) WriteMessage(msg []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// CloseWrite starts the websocket closing handshake. Data messages the
// remote sent before answering it are still returned by ReadMessage; later
// writes fail.
func (s *wsStream) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}
