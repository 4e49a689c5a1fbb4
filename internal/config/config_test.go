package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Relay.MaxRelayedConnections)
	assert.Equal(t, 300*time.Millisecond, cfg.Relay.PingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Connection.UpgradeTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Connection.CloseGrace)
	assert.Zero(t, cfg.Relay.FreeDelay)
}

func TestLoadOverridesDefaults(t *testing.T) {
	relay, _, err := identity.Generate()
	require.NoError(t, err)

	data := `
mode: client
relay_peer: ` + relay.String() + `
destination: ` + relay.String() + `
local_port: 8080
peers:
  ` + relay.String() + `: ws://127.0.0.1:9000
relay:
  ping_timeout: 500ms
connection:
  upgrade_timeout: 5s
  no_webrtc_upgrade: true
`
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeClient, cfg.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.PingTimeout)
	assert.Equal(t, 5*time.Second, cfg.Connection.UpgradeTimeout)
	assert.True(t, cfg.Connection.NoWebRTCUpgrade)
	assert.Equal(t, 10, cfg.Relay.MaxRelayedConnections, "untouched default")

	book, err := cfg.PeerBook()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", book[relay])
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeClient
	cfg.Relay.MaxRelayedConnections = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_port")
	assert.Contains(t, err.Error(), "relay_peer")
	assert.Contains(t, err.Error(), "destination")
	assert.Contains(t, err.Error(), "max_relayed_connections")

	cfg = Default()
	cfg.Mode = "proxy"
	assert.Error(t, cfg.Validate())
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	_, priv, err := identity.Generate()
	require.NoError(t, err)

	cfg := Default()
	cfg.IdentityKey = EncodeSeed(priv)

	decoded, err := cfg.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, priv, decoded)

	cfg.IdentityKey = "abc"
	_, err = cfg.PrivateKey()
	assert.Error(t, err)
}
