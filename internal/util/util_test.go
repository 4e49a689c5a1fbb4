package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 100, 1536, 99 * 1024, 5 << 30} {
		assert.Len(t, formatBytes(b), 8, "formatBytes(%v)", b)
	}
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
}

func TestFormatStats(t *testing.T) {
	s := formatStats(2048, 0, 3, 1, 2)
	assert.Equal(t, "In:  2.0 KiB/s | Out:  0.0   B/s | Conn:  3↑  1↓ | Direct:  2", s)
}

func TestShortIDAndLogger(t *testing.T) {
	a, b := ShortID(), ShortID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)

	l := NewLogger("RC")
	assert.True(t, strings.HasPrefix(l.Prefix(), "RC ["))
	assert.True(t, strings.HasSuffix(l.Prefix(), "] "))
}

func TestSnapshotDelta(t *testing.T) {
	s := &stats{}
	before := s.Snapshot()

	s.AddConn()
	s.AddConn()
	s.AddUpgrade()
	s.AddSent(100)
	s.AddRecv(40)
	s.RemoveConn()

	d := s.Snapshot().Sub(before)
	assert.Equal(t, Snapshot{Opened: 2, Closed: 1, Upgrades: 1, Sent: 100, Recv: 40}, d)
	assert.False(t, d.quiet(10))
	assert.True(t, Snapshot{Sent: 50}.quiet(10))
}
