// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s5b

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"mellium.im/xmppcore/jid"
)

// handshakeTimeout bounds how long an incoming connection may take to send
// its SOCKS5 request.
const handshakeTimeout = 10 * time.Second

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLogger sets the logger used by the server.
func ServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is a local streamhost.
// It accepts SOCKS5 connections whose destination is the hash of a session
// opened by a Manager, and relays UDP datagrams for sessions in UDP mode.
type Server struct {
	ln     net.Listener
	pc     net.PacketConn
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	done     chan struct{}
}

type session struct {
	hash  string
	mode  Mode
	conns chan net.Conn
	in    chan Datagram

	mu    sync.Mutex
	taken bool
	peer  net.Addr
}

// Listen starts a streamhost on the TCP address addr and on the UDP port with
// the same number.
func Listen(ctx context.Context, addr string, opts ...ServerOption) (*Server, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "s5b: listening on %s", addr)
	}
	pc, err := lc.ListenPacket(ctx, "udp", ln.Addr().String())
	if err != nil {
		/* #nosec */
		ln.Close()
		return nil, errors.Wrap(err, "s5b: listening for datagrams")
	}

	s := &Server{
		ln:       ln,
		pc:       pc,
		logger:   zerolog.Nop(),
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "s5b-server").Str("addr", ln.Addr().String()).Logger()
	go s.serve()
	go s.relay()
	return s, nil
}

// Addr returns the TCP address of the server.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// StreamHost returns a candidate that points at this server on behalf of j.
func (s *Server) StreamHost(j jid.JID) StreamHost {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.ParseUint(port, 10, 16)
	return StreamHost{JID: j, Host: host, Port: uint16(p)}
}

// Close stops the server and closes connections that were never claimed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.drain()
	}
	err := s.ln.Close()
	if e := s.pc.Close(); err == nil {
		err = e
	}
	return err
}

func (s *Server) expect(hash string, mode Mode) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}
	sess := &session{
		hash:  hash,
		mode:  mode,
		conns: make(chan net.Conn, 1),
		in:    make(chan Datagram, 64),
	}
	s.sessions[hash] = sess
	return sess, nil
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.hash] == sess {
		delete(s.sessions, sess.hash)
	}
	s.mu.Unlock()
	sess.drain()
}

func (s *Server) lookup(hash string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[hash]
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug().Err(err).Msg("accept failed")
			}
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	logger := s.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()
	/* #nosec */
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	cmd, hash, _, err := serverHandshake(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("bad handshake")
		/* #nosec */
		conn.Close()
		return
	}

	sess := s.lookup(hash)
	rep := byte(repSucceeded)
	switch {
	case sess == nil || !sess.claim():
		rep = repHostUnreachable
	case cmd == cmdConnect && sess.mode != TCP,
		cmd == cmdUDPAssociate && sess.mode != UDP,
		cmd != cmdConnect && cmd != cmdUDPAssociate:
		sess.release()
		rep = repCommandNotSupported
	}
	if rep != repSucceeded {
		logger.Debug().Str("hash", hash).Int("reply", int(rep)).Msg("refusing connection")
		/* #nosec */
		writeReply(conn, rep, "0.0.0.0", 0)
		/* #nosec */
		conn.Close()
		return
	}

	bound := conn.LocalAddr()
	if cmd == cmdUDPAssociate {
		bound = s.pc.LocalAddr()
	}
	host, port := splitAddr(bound)
	if err := writeReply(conn, repSucceeded, host, port); err != nil {
		logger.Debug().Err(err).Msg("writing reply failed")
		/* #nosec */
		conn.Close()
		return
	}
	/* #nosec */
	conn.SetDeadline(time.Time{})
	logger.Debug().Str("hash", hash).Msg("connection claimed")
	sess.conns <- conn
}

func (s *Server) relay() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		hash, _, data, err := parseUDPHeader(buf[:n])
		if err != nil {
			s.logger.Debug().Err(err).Str("peer", addr.String()).Msg("bad datagram")
			continue
		}
		sess := s.lookup(hash)
		if sess == nil || sess.mode != UDP {
			continue
		}
		sess.setPeer(addr)
		// The empty datagram sent after association only announces the peer.
		if len(data) == 0 {
			continue
		}
		d, err := parseDatagram(data)
		if err != nil {
			continue
		}
		select {
		case sess.in <- d:
		default:
			s.logger.Debug().Str("hash", hash).Msg("dropped datagram")
		}
	}
}

func (sess *session) claim() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.taken {
		return false
	}
	sess.taken = true
	return true
}

func (sess *session) release() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.taken = false
}

func (sess *session) setPeer(addr net.Addr) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.peer = addr
}

func (sess *session) getPeer() net.Addr {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.peer
}

// drain closes a connection that was claimed but never used.
func (sess *session) drain() {
	select {
	case conn := <-sess.conns:
		/* #nosec */
		conn.Close()
	default:
	}
}

// serverDatagrams carries datagrams for a UDP session through the server's
// packet socket.
type serverDatagrams struct {
	s    *Server
	sess *session
}

func (d serverDatagrams) write(dg Datagram) error {
	peer := d.sess.getPeer()
	if peer == nil {
		return ErrNoPeer
	}
	b := dg.appendTo(appendUDPHeader(nil, d.sess.hash, 0))
	_, err := d.s.pc.WriteTo(b, peer)
	return errors.Wrap(err, "s5b: sending datagram")
}

func (d serverDatagrams) read(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-d.sess.in:
		return dg, nil
	case <-d.s.done:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (d serverDatagrams) close() error {
	d.s.forget(d.sess)
	return nil
}

func splitAddr(addr net.Addr) (string, uint16) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "0.0.0.0", 0
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	return host, uint16(p)
}
