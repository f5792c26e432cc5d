// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for XMPP testing.
package xmpptest // import "mellium.im/xmppcore/internal/xmpptest"

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/parser"
)

// Stream headers used by scripted servers.
const (
	ServerOpen  = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='%s' from='example.net' version='1.0'>`
	ServerClose = `</stream:stream>`
)

// ErrClosed is returned when the client closes its stream while the server
// expects an element.
var ErrClosed = errors.New("xmpptest: client closed the stream")

// Server plays the server side of a client stream one step at a time.
// Each Expect call reads until the parser produces the next event.
type Server struct {
	conn io.ReadWriteCloser
	p    *parser.Parser
	buf  []byte
}

// NewServer returns a server that reads and writes conn.
func NewServer(conn io.ReadWriteCloser) *Server {
	return &Server{
		conn: conn,
		p:    parser.New(),
		buf:  make([]byte, 4096),
	}
}

// NewClientServer returns the client end of an in memory connection and a
// server scripting the other end.
func NewClientServer() (net.Conn, *Server) {
	client, server := net.Pipe()
	return client, NewServer(server)
}

// Loopback returns the client end of a TCP connection over the loopback
// interface and a server scripting the other end, along with the raw server
// connection.
// Unlike NewClientServer, writes do not wait for the peer to read, which TLS
// handshakes need.
func Loopback() (net.Conn, *Server, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, nil, err
	}
	server, ok := <-accepted
	if !ok {
		client.Close()
		return nil, nil, nil, errors.New("xmpptest: accept failed")
	}
	return client, NewServer(server), server, nil
}

// Conn returns the connection the server currently uses.
func (s *Server) Conn() io.ReadWriteCloser {
	return s.conn
}

// SetConn replaces the connection, for instance after a TLS handshake or when
// compression starts, and expects a new stream.
func (s *Server) SetConn(c io.ReadWriteCloser) {
	s.conn = c
	s.Restart()
}

// Restart discards the parser state and expects a new stream header.
func (s *Server) Restart() {
	s.p = parser.New()
}

// Next reads until the next parser event.
func (s *Server) Next() (parser.Event, error) {
	for {
		if ev, ok := s.p.ReadNext(); ok {
			if ev.Type == parser.Error {
				return ev, ev.Err
			}
			return ev, nil
		}
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			s.p.AppendData(s.buf[:n])
			continue
		}
		if err != nil {
			return parser.Event{}, err
		}
	}
}

// ExpectOpen reads the client's stream header.
func (s *Server) ExpectOpen() (xml.StartElement, error) {
	ev, err := s.Next()
	if err != nil {
		return xml.StartElement{}, err
	}
	if ev.Type != parser.DocumentOpen {
		return xml.StartElement{}, fmt.Errorf("xmpptest: expected stream header, got %s", ev.Type)
	}
	return ev.Start, nil
}

// ExpectElement reads the next top level element.
func (s *Server) ExpectElement() (*element.Element, error) {
	ev, err := s.Next()
	if err != nil {
		return nil, err
	}
	switch ev.Type {
	case parser.Element:
		return ev.Element, nil
	case parser.DocumentClose:
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("xmpptest: expected element, got %s", ev.Type)
}

// ExpectClose reads the client's closing stream tag.
func (s *Server) ExpectClose() error {
	ev, err := s.Next()
	if err != nil {
		return err
	}
	if ev.Type != parser.DocumentClose {
		return fmt.Errorf("xmpptest: expected closing tag, got %s", ev.Type)
	}
	return nil
}

// Write sends raw XML to the client.
func (s *Server) Write(raw string) error {
	_, err := io.WriteString(s.conn, raw)
	return err
}

// Open reads the client's stream header and answers with a header that has
// the given id followed by a feature list.
func (s *Server) Open(id, features string) error {
	if _, err := s.ExpectOpen(); err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(ServerOpen, id) + `<stream:features>` + features + `</stream:features>`)
}

// Bind answers the client's bind request with the given full JID.
func (s *Server) Bind(j string) error {
	iq, err := s.ExpectElement()
	if err != nil {
		return err
	}
	if iq.Child("urn:ietf:params:xml:ns:xmpp-bind", "bind") == nil {
		return fmt.Errorf("xmpptest: expected bind request, got %s", iq)
	}
	return s.Write(fmt.Sprintf(`<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s</jid></bind></iq>`, iq.Attribute("id"), j))
}

// Close closes the connection.
func (s *Server) Close() error {
	return s.conn.Close()
}
