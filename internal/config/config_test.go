package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesKnownKeys(t *testing.T) {
	src := strings.NewReader(strings.Join([]string{
		"listen-net tcp",
		"listen-addr 127.0.0.1:9921",
		"peer-listen-net tcp",
		"peer-listen-addr 127.0.0.1:9922",
		"storage-net tcp",
		"storage-addr 127.0.0.1:9923",
		"max-message-size 8192",
		"log-level debug",
		"peer alice 10.0.0.1:9922",
		"peer bob 10.0.0.2:9922",
		"",
	}, "\n"))

	c, err := load(src)
	require.NoError(t, err)
	require.Equal(t, "tcp", c.ListenNet)
	require.Equal(t, "127.0.0.1:9921", c.ListenAddr)
	require.Equal(t, "127.0.0.1:9922", c.PeerListenAddr)
	require.Equal(t, "127.0.0.1:9923", c.StorageAddr)
	require.EqualValues(t, 8192, c.MaxMessageSize)
	require.Equal(t, "debug", c.LogLevel)
	require.Len(t, c.Peers, 2)
	require.Equal(t, uint16(9922), c.Peers["alice"].Port)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := load(strings.NewReader("bogus-key value\n"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedPeerLine(t *testing.T) {
	_, err := load(strings.NewReader("peer alice\n"))
	require.Error(t, err)
}

func TestParsePeerLine(t *testing.T) {
	name, addr, err := parsePeerLine("alice 127.0.0.1:9922")
	require.NoError(t, err)
	require.Equal(t, "alice", name)
	require.Equal(t, uint16(9922), addr.Port)
}
