// Package relaytest provides an in-process SMTP relay for exercising mail
// transports end to end. It records every accepted message and can be told to
// reject authentication, recipients or deliveries.
package relaytest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// shutdownTimeout bounds how long Close waits for in-flight sessions.
const shutdownTimeout = 5 * time.Second

// Options configures relay behaviour.
type Options struct {
	// Hostname is used in the greeting and EHLO reply.
	Hostname string

	// Username and Password enable AUTH PLAIN/LOGIN when both are set.
	Username string
	Password string

	// AuthReply is the reply sent on failed authentication.
	// Default: "535 auth rejected"
	AuthReply string

	// RejectAllAuth fails every authentication attempt, regardless of
	// the credentials presented.
	RejectAllAuth bool

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	// MaxMessageSize rejects larger DATA payloads with 552. Zero disables.
	MaxMessageSize int

	// RejectRecipient, when set, is consulted for every RCPT TO; a true
	// result answers "550 mailbox unavailable".
	RejectRecipient func(addr string) bool

	// TempFailures answers the first N DATA transactions with a 451.
	TempFailures int

	// Delay is slept before answering DATA, to simulate a slow relay.
	Delay time.Duration
}

// Server is a minimal SMTP relay listening on a loopback port.
type Server struct {
	opts     Options
	listener net.Listener

	mu       sync.Mutex
	messages []*Message
	conns    map[net.Conn]struct{}

	tempFailuresLeft atomic.Int32
	connections      atomic.Int32
	authAttempts     atomic.Int32
	dataAttempts     atomic.Int32

	wg     sync.WaitGroup
	closed chan struct{}
}

// Start creates a relay on 127.0.0.1 with a random port and begins accepting
// connections.
func Start(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "relay.test"
	}
	if opts.AuthReply == "" {
		opts.AuthReply = "535 auth rejected"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	s.tempFailuresLeft.Store(int32(opts.TempFailures))

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				slog.Debug("relay accept error", "error", err)
				return
			}
		}

		s.connections.Add(1)
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			newSession(s, conn).handle()
		}()
	}
}

// Close stops the listener and waits for in-flight sessions.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.listener.Close()

	// Idle client sessions would otherwise hold Close until their timeout.
	s.DropConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("relay shutdown timeout reached")
	}
}

// DropConnections closes every open client connection while leaving the
// listener running, as a relay does when it expires idle sessions.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of the accepted messages.
func (s *Server) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Connections returns the number of accepted TCP connections.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// AuthAttempts returns the number of AUTH commands received.
func (s *Server) AuthAttempts() int {
	return int(s.authAttempts.Load())
}

// DataAttempts returns the number of DATA transactions received, accepted or not.
func (s *Server) DataAttempts() int {
	return int(s.dataAttempts.Load())
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) record(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// takeTempFailure reports whether the current DATA should be answered with 451.
func (s *Server) takeTempFailure() bool {
	for {
		left := s.tempFailuresLeft.Load()
		if left <= 0 {
			return false
		}
		if s.tempFailuresLeft.CompareAndSwap(left, left-1) {
			return true
		}
	}
}

func (s *Server) authEnabled() bool {
	return s.opts.Username != "" && s.opts.Password != ""
}
