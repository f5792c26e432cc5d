// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s5b

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"mellium.im/xmppcore/bytestream"
	"mellium.im/xmppcore/jid"
)

var _ bytestream.ByteStream = (*Conn)(nil)

type datagrams interface {
	write(Datagram) error
	read(ctx context.Context) (Datagram, error)
	close() error
}

// Conn is an established SOCKS5 bytestream.
// Its byte stream runs over the TCP connection to the streamhost. In UDP mode
// the TCP connection keeps the association alive and datagrams travel
// separately.
type Conn struct {
	*bytestream.Socket

	sid   string
	peer  jid.JID
	host  StreamHost
	mode  Mode
	dgram datagrams
}

func newConn(nc net.Conn, sid string, peer jid.JID, host StreamHost, mode Mode, dgram datagrams, logger zerolog.Logger) *Conn {
	c := &Conn{
		sid:   sid,
		peer:  peer,
		host:  host,
		mode:  mode,
		dgram: dgram,
	}
	c.Socket = bytestream.NewSocket(nc, bytestream.Logger(logger))
	if dgram != nil {
		go func() {
			<-c.Socket.Done()
			/* #nosec */
			dgram.close()
		}()
	}
	return c
}

// SID returns the session ID of the stream.
func (c *Conn) SID() string {
	return c.sid
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() jid.JID {
	return c.peer
}

// StreamHost returns the candidate that carries the stream.
func (c *Conn) StreamHost() StreamHost {
	return c.host
}

// Mode returns the transport mode of the stream.
func (c *Conn) Mode() Mode {
	return c.mode
}

// WriteDatagram sends a datagram to the peer.
// It is only valid in UDP mode.
func (c *Conn) WriteDatagram(d Datagram) error {
	if c.dgram == nil {
		return ErrNotUDP
	}
	return c.dgram.write(d)
}

// ReadDatagram waits for the next datagram from the peer.
// It is only valid in UDP mode.
func (c *Conn) ReadDatagram(ctx context.Context) (Datagram, error) {
	if c.dgram == nil {
		return Datagram{}, ErrNotUDP
	}
	return c.dgram.read(ctx)
}

// clientDatagrams sends and receives datagrams through the UDP relay of a
// streamhost.
type clientDatagrams struct {
	conn   *net.UDPConn
	hash   string
	in     chan Datagram
	done   chan struct{}
	logger zerolog.Logger
}

func dialDatagrams(relay, hash string, logger zerolog.Logger) (*clientDatagrams, error) {
	raddr, err := net.ResolveUDPAddr("udp", relay)
	if err != nil {
		return nil, errors.Wrapf(err, "s5b: resolving relay %s", relay)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "s5b: dialing relay %s", relay)
	}
	d := &clientDatagrams{
		conn:   conn,
		hash:   hash,
		in:     make(chan Datagram, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	// An empty datagram tells the relay where to reach us.
	if _, err := conn.Write(appendUDPHeader(nil, hash, 0)); err != nil {
		/* #nosec */
		conn.Close()
		return nil, errors.Wrap(err, "s5b: announcing to relay")
	}
	go d.readLoop()
	return d, nil
}

func (d *clientDatagrams) readLoop() {
	defer close(d.done)
	buf := make([]byte, 65535)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			return
		}
		hash, _, data, err := parseUDPHeader(buf[:n])
		if err != nil || hash != d.hash {
			d.logger.Debug().Err(err).Msg("ignoring datagram")
			continue
		}
		dg, err := parseDatagram(data)
		if err != nil {
			continue
		}
		select {
		case d.in <- dg:
		default:
			d.logger.Debug().Msg("dropped datagram")
		}
	}
}

func (d *clientDatagrams) write(dg Datagram) error {
	_, err := d.conn.Write(dg.appendTo(appendUDPHeader(nil, d.hash, 0)))
	return errors.Wrap(err, "s5b: sending datagram")
}

func (d *clientDatagrams) read(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-d.in:
		return dg, nil
	case <-d.done:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (d *clientDatagrams) close() error {
	return d.conn.Close()
}
