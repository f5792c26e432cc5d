// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmppcore/bytestream"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/protocol"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

const readSize = 4096

// aLongTimeAgo is a deadline in the past, used to unblock pending reads when a
// context is canceled.
var aLongTimeAgo = time.Unix(1, 0)

// A Stream is a negotiated client-to-server XMPP stream.
// It is safe to send from multiple goroutines, but only one goroutine may
// call Serve.
type Stream struct {
	cfg    Config
	logger zerolog.Logger

	// Set during negotiation, which runs on a single goroutine.
	conn      net.Conn
	tlsState  *tls.ConnectionState
	mechanism string

	mu       sync.Mutex
	engine   *protocol.Engine
	sock     *bytestream.Socket
	state    SessionState
	features *element.Element
	local    jid.JID
	id       string
	err      error
	serving  bool

	sm        *smState
	resumeErr error
	lost      []*element.Element
}

// Negotiate opens a client stream over conn and negotiates it as described by
// cfg. If negotiation fails, conn is closed.
func Negotiate(ctx context.Context, conn net.Conn, cfg Config) (*Stream, error) {
	s := &Stream{
		cfg:    cfg,
		conn:   conn,
		local:  cfg.JID,
		logger: cfg.Logger.With().Str("component", "xmpp").Str("domain", cfg.JID.Domainpart()).Logger(),
	}
	s.engine = protocol.New(protocol.Logger(s.logger))
	if tc, ok := conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		s.tlsState = &cs
		s.state |= Secure
	}

	// TLS and compression layers share the deadlines of the raw connection.
	stop := context.AfterFunc(ctx, func() {
		/* #nosec */
		conn.SetDeadline(aLongTimeAgo)
	})
	err := s.negotiate(ctx)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		s.state |= Failed
		s.logger.Debug().Err(err).Msg("negotiation failed")
		/* #nosec */
		s.conn.Close()
		return nil, err
	}
	/* #nosec */
	conn.SetDeadline(time.Time{})

	s.sock = bytestream.NewSocket(s.conn,
		bytestream.Logger(s.logger),
		bytestream.Observe(bytestream.Funcs{
			OnBytesWritten: s.bytesWritten,
		}),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state&Resumed == Resumed {
		for _, el := range s.sm.unacked {
			/* #nosec */
			s.engine.WriteElement(el, false)
		}
	}
	s.flushLocked()
	s.logger.Info().Str("jid", s.local.String()).Msg("stream ready")
	return s, nil
}

func (s *Stream) negotiate(ctx context.Context) error {
	if err := s.restart(ctx); err != nil {
		return err
	}
	return s.negotiateFeatures(ctx)
}

// info returns the header of the client's side of the stream.
func (s *Stream) info() stream.Info {
	return stream.Info{
		XMLNS:   ns.Client,
		To:      s.cfg.JID.Domain(),
		Version: stream.DefaultVersion,
		Lang:    s.cfg.Lang,
	}
}

// restart opens a new stream on the current connection.
// Any bytes that were received but not parsed are discarded; features that
// replace the connection collect them first with engine.Reset.
func (s *Stream) restart(ctx context.Context) error {
	s.engine.Reset()
	if err := s.engine.Start(s.info()); err != nil {
		return err
	}
	if err := s.flush(); err != nil {
		return err
	}
	return ctx.Err()
}

// flush writes queued output directly to the connection during negotiation.
func (s *Stream) flush() error {
	data := s.engine.TakeOutgoingData()
	if data == nil {
		return nil
	}
	n, err := s.conn.Write(data)
	s.engine.OutgoingDataWritten(n)
	return err
}

// send queues an element during negotiation and writes it.
func (s *Stream) send(el *element.Element) error {
	if err := s.engine.WriteElement(el, false); err != nil {
		return err
	}
	return s.flush()
}

// next reads from the connection until the next top level element arrives
// during negotiation.
func (s *Stream) next(ctx context.Context) (*element.Element, error) {
	buf := make([]byte, readSize)
	for {
		step := s.engine.ProcessStep()
		if step.Need == protocol.NeedSend {
			if err := s.flush(); err != nil {
				return nil, err
			}
		}
		switch step.Event {
		case protocol.EventOpened:
			s.id = s.engine.Peer().ID
			s.logger = s.logger.With().Str("stream_id", s.id).Logger()
			s.logger.Debug().Msg("stream opened")
			continue
		case protocol.EventElement:
			return step.Element, nil
		case protocol.EventPeerClosed, protocol.EventClosed:
			return nil, io.ErrUnexpectedEOF
		case protocol.EventError:
			s.abort(step.Err)
			return nil, step.Err
		}
		if step.Need == protocol.NeedSend {
			continue
		}
		if step.Need != protocol.NeedRecv {
			return nil, ErrNotOpen
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.engine.AddIncomingData(buf[:n])
		}
		if err != nil {
			if n > 0 && err == io.EOF {
				continue
			}
			return nil, err
		}
	}
}

// abort sends a best effort <bad-format/> stream error after a parse error,
// then closes the output stream.
func (s *Stream) abort(err error) {
	if protocol.ErrorCode(err) == protocol.CodeParse {
		/* #nosec */
		s.engine.WriteElement(stream.BadFormat.Element(), true)
	}
	s.engine.Close()
	/* #nosec */
	s.flush()
}

func (s *Stream) bytesWritten(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.OutgoingDataWritten(n)
}

// flushLocked hands queued output to the socket once negotiation is done.
func (s *Stream) flushLocked() {
	data := s.engine.TakeOutgoingData()
	if data == nil {
		return
	}
	if _, err := s.sock.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("dropping output")
	}
}

// LocalAddr returns the bound address of the stream.
func (s *Stream) LocalAddr() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// ID returns the stream id chosen by the server.
func (s *Stream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current state bits of the stream.
func (s *Stream) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mechanism returns the name of the SASL mechanism used to authenticate.
func (s *Stream) Mechanism() string {
	return s.mechanism
}

// ConnectionState returns the state of the TLS connection, if any.
func (s *Stream) ConnectionState() (tls.ConnectionState, bool) {
	if s.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *s.tlsState, true
}

// Err returns the error that stopped the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send writes an element to the stream.
// Stanzas are counted and kept until acknowledged when stream management is
// enabled.
func (s *Stream) Send(ctx context.Context, el *element.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.engine.WriteElement(el, false); err != nil {
		return err
	}
	if s.sm != nil && stanza.Is(el) {
		s.sm.sent(el)
	}
	s.flushLocked()
	return nil
}

// SendRaw writes raw XML to the stream.
// It is not validated and not counted by stream management.
func (s *Stream) SendRaw(ctx context.Context, raw string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.engine.WriteRaw(raw, false); err != nil {
		return err
	}
	s.flushLocked()
	return nil
}

func (s *Stream) writable() error {
	if s.state&Ready == 0 || s.state&(OutputStreamClosed|Failed) != 0 {
		return ErrNotOpen
	}
	return nil
}

// Serve reads from the stream and passes every top level element other than
// stream management elements to h until the stream is closed.
// It returns nil if the stream was closed cleanly.
func (s *Stream) Serve(h Handler) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("xmpp: already serving")
	}
	s.serving = true
	s.mu.Unlock()

	stop := s.startAckTicker()
	defer stop()

	buf := make([]byte, readSize)
	for {
		els, done, err := s.drain()
		for _, el := range els {
			if h == nil {
				continue
			}
			if herr := h.HandleElement(el); herr != nil {
				s.logger.Debug().Err(herr).Str("name", el.Name.Local).Msg("handler failed")
			}
		}
		if done {
			return err
		}

		n, rerr := s.sock.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.engine.AddIncomingData(buf[:n])
			s.mu.Unlock()
			continue
		}
		if rerr != nil {
			return s.lostConnection(rerr)
		}
	}
}

// drain processes everything the engine has parsed and returns the elements
// to be handled.
func (s *Stream) drain() (els []*element.Element, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flushLocked()
	for {
		step := s.engine.ProcessStep()
		switch step.Event {
		case protocol.EventElement:
			el := step.Element
			if el.Name.Space == ns.SM {
				if err := s.handleSM(el); err != nil {
					s.state |= Failed
					s.err = err
					s.engine.Close()
					s.flushLocked()
					/* #nosec */
					s.sock.Close()
					return els, true, err
				}
				continue
			}
			if s.sm != nil && stanza.Is(el) {
				s.sm.hIn++
			}
			els = append(els, el)
		case protocol.EventPeerClosed:
			s.state |= InputStreamClosed | OutputStreamClosed
			s.engine.Close()
			s.flushLocked()
			/* #nosec */
			s.sock.Close()
			return els, true, nil
		case protocol.EventClosed:
			s.state |= InputStreamClosed
			/* #nosec */
			s.sock.Close()
			return els, true, nil
		case protocol.EventError:
			s.state |= Failed
			s.err = step.Err
			if protocol.ErrorCode(step.Err) == protocol.CodeParse {
				/* #nosec */
				s.engine.WriteElement(stream.BadFormat.Element(), true)
			}
			s.engine.Close()
			s.flushLocked()
			/* #nosec */
			s.sock.Close()
			return els, true, step.Err
		default:
			return els, false, nil
		}
	}
}

func (s *Stream) lostConnection(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.state&OutputStreamClosed == OutputStreamClosed && errors.Is(err, io.EOF) {
		return nil
	}
	s.state |= Failed
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.err = err
	return err
}

// fail stops the stream with err and closes the transport.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.state&Failed == 0 {
		s.state |= Failed
		s.err = err
	}
	s.mu.Unlock()
	/* #nosec */
	s.sock.Close()
}

// Close sends the closing stream tag and waits for the server to close its
// side, or for the close timeout, before closing the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state&OutputStreamClosed == OutputStreamClosed {
		s.mu.Unlock()
		return nil
	}
	s.state |= OutputStreamClosed
	s.engine.Close()
	s.flushLocked()
	wait := s.serving && s.engine.State() == protocol.Closing
	s.mu.Unlock()

	if !wait {
		return s.sock.Close()
	}
	select {
	case <-s.sock.Done():
		return nil
	case <-time.After(s.cfg.closeTimeout()):
		s.logger.Debug().Msg("close timed out")
		s.mu.Lock()
		s.engine.Timeout()
		s.mu.Unlock()
		return s.sock.Close()
	}
}
