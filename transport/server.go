package transport

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ipcmesh/ipcmesh/codec"
)

// acceptWindow is the total time Clients waits for enough connections before
// giving up with ErrTimeout.
const acceptWindow = 30 * time.Second

// ErrTimeout is returned by Clients when fewer than waitCount clients have
// connected within acceptWindow. RecvAny has no deadline and never returns it.
var ErrTimeout = errors.New("transport: timeout")

// ServerClient is one accepted connection, identified by an ascending integer id
// assigned at accept time and an optional caller-assigned tag used by tag
// filters.
type ServerClient struct {
	ID   int
	tag  string
	conn net.Conn

	recvCh chan recvResult
	closed chan struct{}
}

type recvResult struct {
	value codec.Value
	err   error
}

// Tag returns the client's tag, set via SetTag.
func (c *ServerClient) Tag() string { return c.tag }

// SetTag assigns the tag tag_filter glob patterns match against.
func (c *ServerClient) SetTag(tag string) { c.tag = tag }

// RemoteAddr returns the underlying connection's remote address.
func (c *ServerClient) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *ServerClient) readLoop() {
	for {
		v, err := recvValue(c.conn)
		select {
		case c.recvCh <- recvResult{value: v, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// Server accepts connections and fans out broadcast/select-any operations
// across them, grounded on the teacher's coordinator named-peer registry
// (coordinator/internal/registry) generalized from module names to a
// doubly-ordered client list.
type Server struct {
	mu      sync.Mutex
	ln      net.Listener
	clients []*ServerClient
	nextID  int
	log     *zap.SugaredLogger

	keepaliveIdle, keepaliveInterval time.Duration
	keepaliveCount                  int
}

// Option configures a Server.
type Option func(*Server)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithKeepalive overrides the default keepalive tunables (idle=60s,
// interval=30s, count=8 per spec.md §4.8).
func WithKeepalive(idle, interval time.Duration, count int) Option {
	return func(s *Server) {
		s.keepaliveIdle = idle
		s.keepaliveInterval = interval
		s.keepaliveCount = count
	}
}

// Bind opens a listening TCP socket on host:port. Port 0 requests an
// ephemeral port; the assigned port is returned.
func Bind(host string, port int, opts ...Option) (*Server, int, error) {
	s := &Server{
		log:               zap.NewNop().Sugar(),
		keepaliveIdle:     60 * time.Second,
		keepaliveInterval: 30 * time.Second,
		keepaliveCount:    8,
	}
	for _, o := range opts {
		o(s)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: bind: %w", err)
	}
	s.ln = ln

	go s.acceptLoop()

	assigned := ln.Addr().(*net.TCPAddr).Port
	return s, assigned, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if err := s.applySocketOptions(conn); err != nil {
			s.log.Warnw("failed to apply socket options", "err", err)
		}

		s.mu.Lock()
		s.nextID++
		c := &ServerClient{
			ID:     s.nextID,
			conn:   conn,
			recvCh: make(chan recvResult, 8),
			closed: make(chan struct{}),
		}
		s.clients = append(s.clients, c)
		s.mu.Unlock()

		go c.readLoop()
	}
}

func (s *Server) applySocketOptions(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = setKeepaliveTunables(int(fd), s.keepaliveIdle, s.keepaliveInterval, s.keepaliveCount)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

func setKeepaliveTunables(fd int, idle, interval time.Duration, count int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
}

func (s *Server) snapshot() []*ServerClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerClient, len(s.clients))
	copy(out, s.clients)
	return out
}

func matchTag(c *ServerClient, tagFilter string) (bool, error) {
	if tagFilter == "" {
		return true, nil
	}
	g, err := glob.Compile(tagFilter)
	if err != nil {
		return false, fmt.Errorf("transport: invalid tag filter: %w", err)
	}
	return g.Match(c.tag), nil
}

// Clients waits until at least waitCount connections exist, checking every
// 10 ms for at most acceptWindow (30 s) in total; the wait is a single window
// and its length is not configurable. It then invokes callback for each
// matching client in ascending (or, if invertOrder, descending) id order.
func (s *Server) Clients(waitCount int, callback func(*ServerClient) error, tagFilter string, invertOrder bool) error {
	deadline := time.Now().Add(acceptWindow)
	for {
		s.mu.Lock()
		n := len(s.clients)
		s.mu.Unlock()
		if n >= waitCount {
			break
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}

	matched, err := s.matchingClients(tagFilter)
	if err != nil {
		return err
	}
	sort.Slice(matched, func(i, j int) bool {
		if invertOrder {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ID < matched[j].ID
	})

	for _, c := range matched {
		if err := callback(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) matchingClients(tagFilter string) ([]*ServerClient, error) {
	var out []*ServerClient
	for _, c := range s.snapshot() {
		ok, err := matchTag(c, tagFilter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Broadcast sends v to every matching client in ascending id order, stopping
// at the first error.
func (s *Server) Broadcast(v codec.Value, tagFilter string) error {
	matched, err := s.matchingClients(tagFilter)
	if err != nil {
		return err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	for _, c := range matched {
		if err := sendValue(c.conn, v); err != nil {
			return fmt.Errorf("transport: broadcast to client %d: %w", c.ID, err)
		}
	}
	return nil
}

// Send frames v to one client.
func (s *Server) Send(c *ServerClient, v codec.Value) error {
	return sendValue(c.conn, v)
}

// Recv returns the next value readLoop has pulled off c's connection. It
// never reads the socket itself: readLoop is always running in the
// background (started at accept time), so a direct ReadFull here would race
// it for the same bytes.
func (s *Server) Recv(c *ServerClient) (codec.Value, error) {
	select {
	case result := <-c.recvCh:
		return result.value, result.err
	case <-c.closed:
		return nil, fmt.Errorf("transport: client %d closed", c.ID)
	}
}

// RecvAny selects across every matching client's background read channel
// and returns the first value to arrive.
func (s *Server) RecvAny(tagFilter string) (*ServerClient, codec.Value, error) {
	matched, err := s.matchingClients(tagFilter)
	if err != nil {
		return nil, nil, err
	}
	if len(matched) == 0 {
		return nil, nil, fmt.Errorf("transport: recv_any: no matching clients")
	}

	cases := make([]reflect.SelectCase, len(matched))
	for i, c := range matched {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.recvCh)}
	}

	chosen, recv, ok := reflect.Select(cases)
	if !ok {
		return matched[chosen], nil, fmt.Errorf("transport: recv_any: client %d closed", matched[chosen].ID)
	}
	result := recv.Interface().(recvResult)
	return matched[chosen], result.value, result.err
}

// Close tears down the listener and every accepted connection, sending the
// close sentinel to each peer first.
func (s *Server) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()

	for _, c := range clients {
		_ = sendCloseSentinel(c.conn)
		close(c.closed)
		_ = c.conn.Close()
	}
	return s.ln.Close()
}
