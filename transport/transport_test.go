package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/transport"
)

func TestBindAssignsEphemeralPort(t *testing.T) {
	srv, port, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	defer srv.Close()
	require.NotZero(t, port)
}

func TestClientServerSendRecvRoundTrip(t *testing.T) {
	srv, port, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	defer srv.Close()

	client, err := transport.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	serverSeen := make(chan codec.Value, 1)
	go func() {
		_ = srv.Clients(1, func(c *transport.ServerClient) error {
			v, err := srv.Recv(c)
			require.NoError(t, err)
			serverSeen <- v
			return nil
		}, "", false)
	}()

	require.NoError(t, client.Send(codec.String("hello")))

	select {
	case v := <-serverSeen:
		require.Equal(t, codec.String("hello"), v)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the value")
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	srv, port, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	defer srv.Close()

	c1, err := transport.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := transport.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer c2.Close()

	ready := make(chan struct{})
	go func() {
		_ = srv.Clients(2, func(c *transport.ServerClient) error { return nil }, "", false)
		close(ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw both clients")
	}

	require.NoError(t, srv.Broadcast(codec.Int(7), ""))

	v1, err := c1.Recv()
	require.NoError(t, err)
	require.Equal(t, codec.Int(7), v1)

	v2, err := c2.Recv()
	require.NoError(t, err)
	require.Equal(t, codec.Int(7), v2)
}

func TestRecvAnyReturnsFirstReadyClient(t *testing.T) {
	srv, port, err := transport.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	defer srv.Close()

	client, err := transport.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	ready := make(chan struct{})
	go func() {
		_ = srv.Clients(1, func(c *transport.ServerClient) error { return nil }, "", false)
		close(ready)
	}()
	<-ready

	require.NoError(t, client.Send(codec.String("ping")))

	_, v, err := srv.RecvAny("")
	require.NoError(t, err)
	require.Equal(t, codec.String("ping"), v)
}
