package alpaca

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscoveryResponder(t *testing.T) {
	_, err := NewDiscoveryResponder("0.0.0.0", DefaultDiscoveryPort, 0, testLogger())
	assert.Error(t, err)
	_, err = NewDiscoveryResponder("0.0.0.0", DefaultDiscoveryPort, 70000, testLogger())
	assert.Error(t, err)
}

func TestDiscoveryResponder(t *testing.T) {
	dr, err := NewDiscoveryResponder("127.0.0.1", 0, 8090, testLogger())
	require.NoError(t, err)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dr.serve(ctx, sock)
	}()

	client, err := net.DialUDP("udp", nil, sock.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	// Other datagrams are ignored.
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = client.Write([]byte("alpacadiscovery1"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 128)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"AlpacaPort": 8090}`, string(buf[:n]))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("responder did not stop")
	}
}
