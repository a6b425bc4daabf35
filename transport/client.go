package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ipcmesh/ipcmesh/codec"
)

// dialRetryWindow bounds how long Dial keeps retrying a refused/unreachable
// connection, per spec.md §4.8 ("retrying for up to 5 minutes at 1 Hz").
const dialRetryWindow = 5 * time.Minute

// Client is one outbound connection to a transport Server.
type Client struct {
	conn net.Conn

	// UseFastpath records the outcome of the device-index negotiation of
	// spec.md §4.9. It stays false whenever no DeviceBackend is configured
	// (see fastpath.DeviceBackend), which is always true for this module in
	// isolation — negotiation is wired in by callers that own a backend.
	UseFastpath bool
}

// Dial connects to host:port, retrying for up to dialRetryWindow with a
// cenkalti/backoff/v5 interval held at 1 s (initial and maximum interval are
// both 1 s; randomization spreads each wait over 0.5-1.5 s), then applies the
// same socket options the server side sets on accept.
func Dial(host string, port int, opts ...Option) (*Client, error) {
	cfg := &Server{
		keepaliveIdle:     60 * time.Second,
		keepaliveInterval: 30 * time.Second,
		keepaliveCount:    8,
	}
	for _, o := range opts {
		o(cfg)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialBackoff := backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	dialBackoff.Reset()

	deadline := time.Now().Add(dialRetryWindow)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		time.Sleep(dialBackoff.NextBackOff())
	}

	if err := cfg.applySocketOptions(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: applying socket options: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Send frames v over the connection.
func (c *Client) Send(v codec.Value) error {
	return sendValue(c.conn, v)
}

// Recv reads one framed value.
func (c *Client) Recv() (codec.Value, error) {
	return recvValue(c.conn)
}

// Close sends the close sentinel and closes the underlying connection.
func (c *Client) Close() error {
	_ = sendCloseSentinel(c.conn)
	return c.conn.Close()
}
