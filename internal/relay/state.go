package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

// Link is one relayed connection between two peers: two forwarders wired
// into each other. It is removed from the State once both forwarders
// reported close.
type Link struct {
	id      identity.PairID
	a, b    *Forwarder // a streams to id.A, b to id.B
	created time.Time
	events  chan forwarderEvent

	// guarded by State.mu
	upgraded bool

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the pair the link connects.
func (l *Link) ID() identity.PairID { return l.id }

// forwarder returns the forwarder whose stream goes to peer.
func (l *Link) forwarder(peer identity.ID) *Forwarder {
	if l.a.side == peer {
		return l.a
	}
	return l.b
}

func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.a.Close()
		l.b.Close()
	})
}

// State is the relay's table of links, keyed by the unordered pair of peers
// they connect. Every check-then-mutate sequence runs under one mutex, so
// concurrent handshakes for the same pair see a consistent table: the first
// to commit wins.
type State struct {
	freeDelay time.Duration
	metrics   *Metrics

	mu       sync.Mutex
	links    map[identity.PairID]*Link
	reserved int
}

// NewState creates an empty table. freeDelay is how long a link keeps
// counting against capacity after an UPGRADED frame.
func NewState(freeDelay time.Duration, m *Metrics) *State {
	return &State{
		freeDelay: freeDelay,
		metrics:   m,
		links:     make(map[identity.PairID]*Link),
	}
}

func (s *State) link(a, b identity.ID) *Link {
	id, err := identity.NewPairID(a, b)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[id]
}

// Exists reports whether a and b have a link.
func (s *State) Exists(a, b identity.ID) bool {
	return s.link(a, b) != nil
}

// IsActive pings b through the link of a and b and reports whether it
// answered within timeout.
func (s *State) IsActive(a, b identity.ID, timeout time.Duration) bool {
	l := s.link(a, b)
	if l == nil {
		return false
	}
	_, err := l.forwarder(b).Ping(timeout)
	return err == nil
}

// CreateNew links streamA, the stream to a, with streamB, the stream to b.
// It fails with ErrLinkExists when the pair is already linked.
func (s *State) CreateNew(a, b identity.ID, streamA, streamB transport.Stream) error {
	_, err := s.createLink(a, b, streamA, streamB, nil)
	return err
}

// createLink registers a new link. An existing entry is only replaced when it
// is stale, the link the caller found unresponsive.
func (s *State) createLink(a, b identity.ID, streamA, streamB transport.Stream, stale *Link) (*Link, error) {
	id, err := identity.NewPairID(a, b)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	existing := s.links[id]
	if existing != nil && existing != stale {
		s.mu.Unlock()
		return nil, ErrLinkExists
	}

	events := make(chan forwarderEvent, 4)
	toA := newForwarder(a, streamA, s.freeDelay, events, s.metrics)
	toB := newForwarder(b, streamB, s.freeDelay, events, s.metrics)

	l := &Link{id: id, created: time.Now(), events: events, done: make(chan struct{})}
	if id.A == a {
		l.a, l.b = toA, toB
	} else {
		l.a, l.b = toB, toA
	}
	s.links[id] = l
	s.metrics.setActive(s.countLocked())
	s.mu.Unlock()

	if existing != nil {
		util.LogInfo("replacing unresponsive link %s", id)
		existing.close()
	}

	wire(toA, toB)
	go s.watch(l)

	util.LogInfo("relaying %s", id)
	return l, nil
}

// UpdateExisting hot-swaps the stream to a on the link of a and b.
func (s *State) UpdateExisting(a, b identity.ID, streamToA transport.Stream) error {
	l := s.link(a, b)
	if l == nil {
		return ErrNoSuchLink
	}
	return s.swap(l, a, streamToA)
}

// swap updates the stream to peer on l, provided l is still registered.
func (s *State) swap(l *Link, peer identity.ID, stream transport.Stream) error {
	s.mu.Lock()
	registered := s.links[l.id] == l
	s.mu.Unlock()
	if !registered {
		return ErrNoSuchLink
	}
	if err := l.forwarder(peer).Update(stream); err != nil {
		return ErrNoSuchLink
	}
	return nil
}

// Count returns the number of links that occupy a relay slot. Upgraded links
// stay in the table but no longer count.
func (s *State) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *State) countLocked() int {
	n := 0
	for _, l := range s.links {
		if !l.upgraded {
			n++
		}
	}
	return n
}

// reserve claims a slot for a handshake in progress. It fails when the links
// and the handshakes in progress already reach max.
func (s *State) reserve(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 && s.countLocked()+s.reserved >= max {
		return false
	}
	s.reserved++
	return true
}

func (s *State) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

// Delete removes the link of a and b and closes both of its streams.
func (s *State) Delete(a, b identity.ID) bool {
	l := s.link(a, b)
	if l == nil {
		return false
	}
	return s.deleteLink(l)
}

// deleteLink removes l if it is still the registered link of its pair.
func (s *State) deleteLink(l *Link) bool {
	s.mu.Lock()
	registered := s.links[l.id] == l
	if registered {
		delete(s.links, l.id)
		s.metrics.setActive(s.countLocked())
	}
	s.mu.Unlock()

	l.close()
	if registered {
		util.LogInfo("removed link %s", l.id)
	}
	return registered
}

// watch consumes forwarder events for l until it is removed.
func (s *State) watch(l *Link) {
	closed := make(map[*Forwarder]bool, 2)
	for {
		select {
		case ev := <-l.events:
			switch ev.kind {
			case eventClose:
				closed[ev.from] = true
				if len(closed) == 2 {
					s.deleteLink(l)
					return
				}
			case eventUpgrade:
				s.markUpgraded(l)
			}
		case <-l.done:
			return
		}
	}
}

func (s *State) markUpgraded(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.id] != l || l.upgraded {
		return
	}
	l.upgraded = true
	s.metrics.addUpgraded()
	s.metrics.setActive(s.countLocked())
}

func (s *State) snapshot() []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	return links
}

// Prune pings both ends of every link and removes the links where neither
// end answered. It returns how many links were removed.
func (s *State) Prune(ctx context.Context, timeout time.Duration) (int, error) {
	links := s.snapshot()
	dead := make([]bool, len(links))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, l := range links {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var wg sync.WaitGroup
			var aliveA, aliveB bool
			wg.Add(2)
			go func() { defer wg.Done(); _, err := l.a.Ping(timeout); aliveA = err == nil }()
			go func() { defer wg.Done(); _, err := l.b.Ping(timeout); aliveB = err == nil }()
			wg.Wait()
			dead[i] = !aliveA && !aliveB
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	pruned := 0
	for i, l := range links {
		if dead[i] && s.deleteLink(l) {
			pruned++
		}
	}
	if pruned > 0 {
		s.metrics.addPruned(pruned)
	}
	return pruned, nil
}

// String renders the table for debugging.
func (s *State) String() string {
	links := s.snapshot()
	sort.Slice(links, func(i, j int) bool { return links[i].created.Before(links[j].created) })

	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%d links (%d in use, %d reserved)\n", len(links), s.countLocked(), s.reserved)
	for _, l := range links {
		status := "relayed"
		if l.upgraded {
			status = "upgraded"
		}
		fmt.Fprintf(&b, "  %s  %-8s  %s\n", l.id, status, time.Since(l.created).Round(time.Second))
	}
	return b.String()
}
