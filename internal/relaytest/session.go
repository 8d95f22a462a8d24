package relaytest

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout closes sessions that stop talking.
const idleTimeout = 30 * time.Second

// session is one client connection to the relay.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
	}
}

// handle runs the session until QUIT, EOF or an I/O error.
func (s *session) handle() {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP relaytest", s.srv.opts.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("relay read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.srv.opts.Hostname, arg)
	if s.srv.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.srv.authEnabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	if s.srv.opts.MaxMessageSize > 0 {
		s.writeLine("250-SIZE %d", s.srv.opts.MaxMessageSize)
	}
	s.writeLine("250 OK")
}

func (s *session) handleSTARTTLS() {
	if s.srv.opts.TLSConfig == nil || s.tlsActive {
		s.writeLine("454 TLS not available")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("relay TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.authEnabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	s.srv.authAttempts.Add(1)

	mechanism, initial, _ := strings.Cut(arg, " ")
	var user, pass string
	var ok bool

	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			s.writeLine("334")
			initial, ok = s.readLine()
			if !ok {
				return
			}
		}
		user, pass, ok = decodePlain(initial)
	case "LOGIN":
		var aborted bool
		user, pass, ok, aborted = s.loginExchange()
		if aborted {
			return
		}
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if !ok || s.srv.opts.RejectAllAuth || user != s.srv.opts.Username || pass != s.srv.opts.Password {
		s.writeLine("%s", s.srv.opts.AuthReply)
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// loginExchange runs the AUTH LOGIN challenge-response. aborted is set when
// the client cancelled or the connection failed.
func (s *session) loginExchange() (user, pass string, ok, aborted bool) {
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, ok := s.readLine()
	if !ok {
		return "", "", false, true
	}
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, ok := s.readLine()
	if !ok {
		return "", "", false, true
	}

	u, err := base64.StdEncoding.DecodeString(userLine)
	if err != nil {
		return "", "", false, false
	}
	p, err := base64.StdEncoding.DecodeString(passLine)
	if err != nil {
		return "", "", false, false
	}
	return string(u), string(p), true, false
}

// decodePlain decodes base64(authzid \0 authcid \0 password).
func decodePlain(encoded string) (string, string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.authEnabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if reject := s.srv.opts.RejectRecipient; reject != nil && reject(addr) {
		s.writeLine("550 mailbox unavailable: %s", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}
	s.srv.dataAttempts.Add(1)

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("relay error reading DATA", "error", err)
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	if s.srv.opts.Delay > 0 {
		time.Sleep(s.srv.opts.Delay)
	}

	defer s.resetTransaction()

	if limit := s.srv.opts.MaxMessageSize; limit > 0 && data.Len() > limit {
		s.writeLine("552 message size exceeds fixed limit")
		return
	}
	if s.srv.takeTempFailure() {
		s.writeLine("451 try again later")
		return
	}

	msg, err := Parse([]byte(data.String()))
	if err != nil {
		s.writeLine("554 failed to parse message")
		return
	}
	msg.EnvelopeFrom = s.mailFrom
	msg.EnvelopeTo = append([]string(nil), s.rcptTo...)
	s.srv.record(msg)

	s.writeLine("250 OK message queued")
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.srv.authEnabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) readLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	_ = s.writer.Flush()
}

// parseCommand splits an SMTP command line into its verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an address from an SMTP parameter, handling both
// angle-bracket and bare forms and ignoring trailing ESMTP parameters.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}
