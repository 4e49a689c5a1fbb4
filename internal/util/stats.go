package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide traffic counter shared by relayed and direct
// connections.
var Stats = &stats{}

type stats struct {
	opened   atomic.Int64
	closed   atomic.Int64
	upgrades atomic.Int64
	sent     atomic.Int64 // payload bytes written by the application
	recv     atomic.Int64 // payload bytes handed to the application
}

func (s *stats) AddConn()      { s.opened.Add(1) }
func (s *stats) RemoveConn()   { s.closed.Add(1) }
func (s *stats) AddUpgrade()   { s.upgrades.Add(1) }
func (s *stats) AddSent(n int) { s.sent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.recv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Opened, Closed, Upgrades int64
	Sent, Recv               int64
}

// Snapshot loads every counter.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Opened:   s.opened.Load(),
		Closed:   s.closed.Load(),
		Upgrades: s.upgrades.Load(),
		Sent:     s.sent.Load(),
		Recv:     s.recv.Load(),
	}
}

// Sub returns the counter deltas since prev.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Opened:   s.Opened - prev.Opened,
		Closed:   s.Closed - prev.Closed,
		Upgrades: s.Upgrades - prev.Upgrades,
		Sent:     s.Sent - prev.Sent,
		Recv:     s.Recv - prev.Recv,
	}
}

// quiet reports whether a delta over secs is too small to be worth a log line.
func (s Snapshot) quiet(secs float64) bool {
	return s.Opened == 0 && s.Closed == 0 && s.Upgrades == 0 &&
		float64(s.Recv)/secs <= 10 && float64(s.Sent)/secs <= 10
}

// StartStatsReporter logs a traffic line every interval (10s when zero)
// until ctx is cancelled. Idle intervals are skipped.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				d := cur.Sub(prev)
				prev = cur
				if d.quiet(secs) {
					continue
				}
				pterm.DefaultLogger.Info(formatStats(float64(d.Recv)/secs, float64(d.Sent)/secs, d.Opened, d.Closed, d.Upgrades))
			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders b in exactly 8 columns, e.g. "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unit := 0
	for b > 99 && unit < len(byteUnits)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unit])
}

func formatStats(inS, outS float64, opened, closed, upgraded int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Direct: %2d",
		formatBytes(inS), formatBytes(outS), opened, closed, upgraded)
}
