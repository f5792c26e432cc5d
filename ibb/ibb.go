// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ibb implements data transfer with XEP-0047: In-Band Bytestreams.
//
// In-band bytestreams (IBB) are a bidirectional data transfer mechanism that
// can be used to send small files or transfer other low-bandwidth data.
// Because IBB uses base64 encoding to send the binary data, it is extremely
// inefficient and should only be used as a fallback or last resort.
// When sending large amounts of data, a more efficient mechanism such as SOCKS5
// Bytestreams (package s5b) should be used if possible.
//
// Data is carried in IQs and only one data stanza is in flight at a time.
// Writes are queued and sent in blocks once the previous block has been
// acknowledged.
package ibb // import "mellium.im/xmppcore/ibb"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// NS is the XML namespace used by IBB. It is provided as a convenience.
const NS = `http://jabber.org/protocol/ibb`

// BlockSize is the default block size used if an IBB stream is opened with no
// block size set.
// Because IBB base64 encodes the underlying data, the actual data transferred
// per stanza will be roughly a third larger than the blocksize.
const BlockSize = 4096

// State is the state of an IBB stream.
type State int

// A list of stream states.
const (
	Idle State = iota
	Requesting
	WaitingForAccept
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case WaitingForAccept:
		return "waiting-for-accept"
	case Active:
		return "active"
	}
	return "closed"
}

// Errors returned by the package.
var (
	ErrManagerClosed = errors.New("ibb: manager closed")
	ErrBlockSize     = errors.New("ibb: block size must be between 1 and 65535")
	ErrSequence      = errors.New("ibb: data received out of sequence")
	ErrEncoding      = errors.New("ibb: data is not valid base64")
	ErrRemoteClosed  = errors.New("ibb: closed by peer")
)

type key struct {
	peer string
	sid  string
}

// Option configures a Manager.
type Option func(*Manager)

// Logger sets the logger used by the manager and its streams.
func Logger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Manager multiplexes IBB streams over the requests of a task.Root.
// It is registered as a task and takes every IQ carrying an IBB payload.
type Manager struct {
	root   *task.Root
	logger zerolog.Logger
	remove func()

	mu       sync.Mutex
	conns    map[key]*Conn
	incoming chan *Request
	done     chan struct{}
	closed   bool
}

// NewManager returns a manager that sends and receives IBB payloads through
// root.
func NewManager(root *task.Root, opts ...Option) *Manager {
	m := &Manager{
		root:     root,
		logger:   zerolog.Nop(),
		conns:    make(map[key]*Conn),
		incoming: make(chan *Request, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "ibb").Logger()
	m.remove = root.Add(m)
	return m
}

// Open requests a new stream to the given address and waits until the peer
// accepts it.
// A blockSize of zero uses BlockSize.
func (m *Manager) Open(ctx context.Context, to jid.JID, blockSize int) (*Conn, error) {
	if blockSize == 0 {
		blockSize = BlockSize
	}
	if blockSize < 0 || blockSize > 0xffff {
		return nil, ErrBlockSize
	}

	c := newConn(m, to, uuid.NewString(), blockSize)
	c.state = Requesting
	if err := m.add(c); err != nil {
		return nil, err
	}
	c.logger.Debug().Int("block_size", blockSize).Msg("opening stream")

	iq := stanza.NewIQ(stanza.SetIQ, to, openPayload(c.sid, blockSize))
	t, err := m.root.StartIQ(ctx, iq)
	if err != nil {
		c.shutdown(err, false, false)
		return nil, err
	}
	c.setState(WaitingForAccept)

	_, err = t.Wait(ctx)
	if err != nil {
		t.Cancel(err)
		c.shutdown(err, false, false)
		return nil, fmt.Errorf("ibb: open failed: %w", err)
	}
	c.setState(Active)
	c.logger.Debug().Msg("stream accepted")
	c.observers().Connected()
	return c, nil
}

// Accept waits for the next incoming stream request.
func (m *Manager) Accept(ctx context.Context) (*Request, error) {
	select {
	case req := <-m.incoming:
		return req, nil
	case <-m.done:
		return nil, ErrManagerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForFeatures implements info.FeatureIter so that the manager can be given
// to a disco handler.
func (m *Manager) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return nil
	}
	return f(info.Feature{Var: NS})
}

// Close stops taking IBB payloads and closes every stream without notifying
// peers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.remove()
	for _, c := range conns {
		c.shutdown(ErrManagerClosed, false, false)
	}
	return nil
}

// Take handles IQs with an IBB payload.
func (m *Manager) Take(el *element.Element) bool {
	if !stanza.IsIQ(el, stanza.SetIQ) {
		return false
	}
	p := payload(el)
	if p == nil {
		return false
	}

	switch p.Name.Local {
	case "open":
		m.handleOpen(el, p)
	case "data":
		m.handleData(el, p)
	case "close":
		m.handleClose(el, p)
	default:
		m.reply(stanza.ErrorReply(el, stanza.NewError(stanza.FeatureNotImplemented, "")))
	}
	return true
}

func (m *Manager) handleOpen(iq, p *element.Element) {
	from := stanza.From(iq)
	sid := p.Attribute("sid")
	blockSize, ok := parseBlockSize(p.Attribute("block-size"))
	if sid == "" || !ok {
		m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.BadRequest, "")))
		return
	}
	if carrier := p.Attribute("stanza"); carrier != "" && carrier != iqType {
		m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.FeatureNotImplemented, "only iq stanzas are supported")))
		return
	}

	c := newConn(m, from, sid, blockSize)
	c.state = WaitingForAccept
	if err := m.add(c); err != nil {
		m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.NotAcceptable, "")))
		return
	}

	req := &Request{
		From:      from,
		SID:       sid,
		BlockSize: blockSize,
		conn:      c,
		iq:        iq,
	}
	select {
	case m.incoming <- req:
		c.logger.Debug().Int("block_size", blockSize).Msg("stream requested")
	default:
		m.logger.Warn().Str("sid", sid).Msg("too many pending requests")
		req.Reject()
	}
}

func (m *Manager) handleData(iq, p *element.Element) {
	c := m.lookup(stanza.From(iq), p.Attribute("sid"))
	if c == nil {
		m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.ItemNotFound, "")))
		return
	}
	c.handleData(iq, p)
}

func (m *Manager) handleClose(iq, p *element.Element) {
	c := m.lookup(stanza.From(iq), p.Attribute("sid"))
	if c == nil {
		m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.ItemNotFound, "")))
		return
	}
	m.reply(stanza.Result(iq))
	c.logger.Debug().Msg("closed by peer")
	c.shutdown(nil, false, false)
}

func (m *Manager) reply(el *element.Element) {
	if err := m.root.Send(context.Background(), el); err != nil {
		m.logger.Debug().Err(err).Msg("sending reply failed")
	}
}

func (m *Manager) add(c *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	k := c.key()
	if _, ok := m.conns[k]; ok {
		return fmt.Errorf("ibb: duplicate session %q", c.sid)
	}
	m.conns[k] = c
	return nil
}

func (m *Manager) lookup(peer jid.JID, sid string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[key{peer: peer.String(), sid: sid}]
}

func (m *Manager) forget(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := c.key()
	if m.conns[k] == c {
		delete(m.conns, k)
	}
}

// Request is an incoming stream request.
type Request struct {
	From      jid.JID
	SID       string
	BlockSize int

	conn *Conn
	iq   *element.Element
}

// Accept answers the request and returns the active stream.
func (r *Request) Accept() (*Conn, error) {
	c := r.conn
	c.mu.Lock()
	if c.state != WaitingForAccept {
		c.mu.Unlock()
		return nil, ErrRemoteClosed
	}
	c.state = Active
	c.mu.Unlock()

	if err := c.m.root.Send(context.Background(), stanza.Result(r.iq)); err != nil {
		c.shutdown(err, false, false)
		return nil, err
	}
	c.observers().Connected()
	return c, nil
}

// Reject refuses the request with not-acceptable.
func (r *Request) Reject() {
	r.conn.shutdown(nil, false, false)
	r.conn.m.reply(stanza.ErrorReply(r.iq, stanza.NewError(stanza.NotAcceptable, "")))
}
