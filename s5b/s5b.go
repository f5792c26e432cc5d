// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package s5b implements XEP-0065: SOCKS5 Bytestreams.
//
// The requester offers a list of streamhosts, its own listeners first and
// then any proxies. The target connects to them concurrently and reports the
// first that succeeded. If that streamhost is a proxy the requester connects
// to it as well and asks it to activate the stream.
//
// Streams are identified on the SOCKS5 layer by the hex encoded SHA-1 hash of
// the session ID and both addresses, sent as the destination domain with port
// zero.
package s5b // import "mellium.im/xmppcore/s5b"

import (
	"context"
	"crypto/sha1" // #nosec G505
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// NS is the XML namespace used by SOCKS5 bytestreams.
const NS = `http://jabber.org/protocol/bytestreams`

// DefaultConnectTimeout bounds the race to connect to streamhosts unless
// configured otherwise.
const DefaultConnectTimeout = 30 * time.Second

// Mode is the transport used by a bytestream.
type Mode string

// A list of modes.
const (
	TCP Mode = "tcp"
	UDP Mode = "udp"
)

// Errors returned by the package.
var (
	ErrManagerClosed  = errors.New("s5b: manager closed")
	ErrNoStreamHosts  = errors.New("s5b: no streamhosts to offer")
	ErrNoCandidate    = errors.New("s5b: could not connect to any streamhost")
	ErrUnknownHost    = errors.New("s5b: peer used a streamhost that was not offered")
	ErrNoPeer         = errors.New("s5b: peer has not announced its datagram address")
	ErrNotUDP         = errors.New("s5b: stream is not in udp mode")
	errNoConnection   = errors.New("s5b: streamhost was used but no connection arrived")
	errInvalidRequest = errors.New("s5b: invalid request")
)

// Hash returns the SOCKS5 destination address of a session: the hex encoded
// SHA-1 of the session ID, the requester's address and the target's address.
func Hash(sid string, requester, target jid.JID) string {
	/* #nosec */
	h := sha1.Sum([]byte(sid + requester.String() + target.String()))
	return hex.EncodeToString(h[:])
}

// StreamHost is a candidate SOCKS5 server.
type StreamHost struct {
	JID   jid.JID
	Host  string
	Port  uint16
	Proxy bool
}

func (h StreamHost) addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

// Option configures a Manager.
type Option func(*Manager)

// Logger sets the logger used by the manager.
func Logger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Local offers a local streamhost before any proxies.
func Local(s *Server) Option {
	return func(m *Manager) {
		m.server = s
	}
}

// Proxies appends proxy streamhosts to offer.
func Proxies(hosts ...StreamHost) Option {
	return func(m *Manager) {
		for _, h := range hosts {
			h.Proxy = true
			m.proxies = append(m.proxies, h)
		}
	}
}

// Dialer sets the dialer used to reach streamhosts.
// By default connections are made directly.
func Dialer(d proxy.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// ConnectTimeout bounds how long the target races its candidates.
func ConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// Manager negotiates SOCKS5 bytestreams over the requests of a task.Root.
// It is registered as a task and takes stream requests sent to it.
type Manager struct {
	root           *task.Root
	server         *Server
	proxies        []StreamHost
	dialer         proxy.Dialer
	connectTimeout time.Duration
	logger         zerolog.Logger
	remove         func()

	mu       sync.Mutex
	incoming chan *Request
	done     chan struct{}
	closed   bool
}

// NewManager returns a manager that sends and receives requests through root.
func NewManager(root *task.Root, opts ...Option) *Manager {
	m := &Manager{
		root:           root,
		dialer:         proxy.Direct,
		connectTimeout: DefaultConnectTimeout,
		logger:         zerolog.Nop(),
		incoming:       make(chan *Request, 16),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "s5b").Logger()
	m.remove = root.Add(m)
	return m
}

// ForFeatures implements info.FeatureIter so that the manager can be given
// to a disco handler.
func (m *Manager) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return nil
	}
	return f(info.Feature{Var: NS})
}

// Close stops taking stream requests.
// Established streams are not affected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.remove()
	return nil
}

// Open offers a stream to the given address and waits until the target has
// connected to one of the streamhosts.
func (m *Manager) Open(ctx context.Context, to jid.JID, mode Mode) (*Conn, error) {
	if mode == "" {
		mode = TCP
	}
	local := m.root.LocalAddr()
	sid := uuid.NewString()
	hash := Hash(sid, local, to)
	logger := m.logger.With().Str("sid", sid).Str("peer", to.String()).Logger()

	var hosts []StreamHost
	var sess *session
	if m.server != nil {
		var err error
		sess, err = m.server.expect(hash, mode)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, m.server.StreamHost(local))
	}
	hosts = append(hosts, m.proxies...)
	if len(hosts) == 0 {
		return nil, ErrNoStreamHosts
	}
	keep := false
	defer func() {
		if sess != nil && !keep {
			m.server.forget(sess)
		}
	}()

	logger.Debug().Int("streamhosts", len(hosts)).Str("mode", string(mode)).Msg("offering stream")
	resp, err := m.root.SendIQ(ctx, stanza.NewIQ(stanza.SetIQ, to, queryPayload(sid, mode, hosts)))
	if err != nil {
		return nil, fmt.Errorf("s5b: stream refused: %w", err)
	}
	used, ok := streamHostUsed(resp)
	if !ok {
		return nil, ErrUnknownHost
	}
	host, ok := findHost(hosts, used)
	if !ok {
		return nil, ErrUnknownHost
	}
	logger = logger.With().Str("streamhost", host.JID.String()).Logger()

	if !host.Proxy {
		var nc net.Conn
		select {
		case nc = <-sess.conns:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.connectTimeout):
			return nil, errNoConnection
		}
		var dgram datagrams
		if mode == UDP {
			dgram = serverDatagrams{s: m.server, sess: sess}
			keep = true
		}
		logger.Debug().Msg("stream connected")
		return newConn(nc, sid, to, host, mode, dgram, logger), nil
	}

	nc, dgram, err := m.connect(ctx, host, hash, mode, logger)
	if err != nil {
		return nil, err
	}
	activate := element.New(NS, "query").SetAttr("sid", sid).
		Append(element.New("", "activate").AppendText(to.String()))
	_, err = m.root.SendIQ(ctx, stanza.NewIQ(stanza.SetIQ, host.JID, activate))
	if err != nil {
		logger.Debug().Err(err).Msg("activation failed")
		/* #nosec */
		nc.Close()
		if dgram != nil {
			/* #nosec */
			dgram.close()
		}
		return nil, stanza.NewError(stanza.RemoteServerNotFound, err.Error())
	}
	logger.Debug().Msg("stream activated")
	return newConn(nc, sid, to, host, mode, dgram, logger), nil
}

// connect opens a SOCKS5 connection to host for the session hash.
// In UDP mode it also opens the datagram association.
func (m *Manager) connect(ctx context.Context, host StreamHost, hash string, mode Mode, logger zerolog.Logger) (net.Conn, datagrams, error) {
	var nc net.Conn
	var err error
	if d, ok := m.dialer.(proxy.ContextDialer); ok {
		nc, err = d.DialContext(ctx, "tcp", host.addr())
	} else {
		nc, err = m.dialer.Dial("tcp", host.addr())
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "s5b: dialing %s", host.addr())
	}

	stop := context.AfterFunc(ctx, func() {
		/* #nosec */
		nc.SetDeadline(time.Unix(1, 0))
	})
	cmd := byte(cmdConnect)
	if mode == UDP {
		cmd = cmdUDPAssociate
	}
	bndHost, bndPort, err := clientHandshake(nc, cmd, hash, 0)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		/* #nosec */
		nc.Close()
		return nil, nil, errors.Wrapf(err, "s5b: negotiating with %s", host.addr())
	}
	if mode != UDP {
		return nc, nil, nil
	}

	if ip := net.ParseIP(bndHost); bndHost == "" || (ip != nil && ip.IsUnspecified()) {
		bndHost = host.Host
	}
	relay := net.JoinHostPort(bndHost, strconv.Itoa(int(bndPort)))
	dgram, err := dialDatagrams(relay, hash, logger)
	if err != nil {
		/* #nosec */
		nc.Close()
		return nil, nil, err
	}
	return nc, dgram, nil
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

// Take handles stream requests.
func (m *Manager) Take(el *element.Element) bool {
	if !stanza.IsIQ(el, stanza.SetIQ) {
		return false
	}
	q := el.Child(NS, "query")
	if q == nil {
		return false
	}
	req, err := parseRequest(el, q)
	if err != nil {
		m.reply(stanza.ErrorReply(el, stanza.NewError(stanza.BadRequest, err.Error())))
		return true
	}
	if q.Child("", "activate") != nil {
		m.reply(stanza.ErrorReply(el, stanza.NewError(stanza.FeatureNotImplemented, "")))
		return true
	}
	req.m = m
	select {
	case m.incoming <- req:
		m.logger.Debug().Str("sid", req.SID).Str("peer", req.From.String()).Int("streamhosts", len(req.StreamHosts)).Msg("stream requested")
	default:
		m.logger.Warn().Str("sid", req.SID).Msg("too many pending requests")
		req.Reject()
	}
	return true
}

func (m *Manager) reply(el *element.Element) {
	if err := m.root.Send(context.Background(), el); err != nil {
		m.logger.Debug().Err(err).Msg("sending reply failed")
	}
}

// Request is an incoming stream offer.
type Request struct {
	From        jid.JID
	SID         string
	Mode        Mode
	StreamHosts []StreamHost

	m  *Manager
	iq *element.Element
}

// Accept connects to the offered streamhosts concurrently and keeps the first
// connection that succeeds.
// If none succeeds the requester is told item-not-found.
func (r *Request) Accept(ctx context.Context) (*Conn, error) {
	m := r.m
	hash := Hash(r.SID, r.From, m.root.LocalAddr())
	logger := m.logger.With().Str("sid", r.SID).Str("peer", r.From.String()).Logger()

	raceCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	type result struct {
		host  StreamHost
		nc    net.Conn
		dgram datagrams
		err   error
	}
	results := make(chan result, len(r.StreamHosts))
	for _, host := range r.StreamHosts {
		go func(host StreamHost) {
			nc, dgram, err := m.connect(raceCtx, host, hash, r.Mode, logger)
			results <- result{host: host, nc: nc, dgram: dgram, err: err}
		}(host)
	}

	var winner *result
	var lastErr error
	for i := 0; i < len(r.StreamHosts); i++ {
		res := <-results
		if res.err != nil {
			logger.Debug().Err(res.err).Str("streamhost", res.host.JID.String()).Msg("candidate failed")
			lastErr = res.err
			continue
		}
		winner = &res
		// The losers are closed as they finish.
		go func(remaining int) {
			for ; remaining > 0; remaining-- {
				if res := <-results; res.err == nil {
					/* #nosec */
					res.nc.Close()
					if res.dgram != nil {
						/* #nosec */
						res.dgram.close()
					}
				}
			}
		}(len(r.StreamHosts) - i - 1)
		break
	}

	if winner == nil {
		m.reply(stanza.ErrorReply(r.iq, stanza.NewError(stanza.ItemNotFound, "")))
		if lastErr == nil {
			return nil, ErrNoCandidate
		}
		return nil, fmt.Errorf("%w: %v", ErrNoCandidate, lastErr)
	}

	used := element.New(NS, "query").SetAttr("sid", r.SID).
		Append(element.New("", "streamhost-used").SetAttr("jid", winner.host.JID.String()))
	if err := m.root.Send(ctx, stanza.Result(r.iq).Append(used)); err != nil {
		/* #nosec */
		winner.nc.Close()
		if winner.dgram != nil {
			/* #nosec */
			winner.dgram.close()
		}
		return nil, err
	}
	logger.Debug().Str("streamhost", winner.host.JID.String()).Msg("stream connected")
	return newConn(winner.nc, r.SID, r.From, winner.host, r.Mode, winner.dgram, logger), nil
}

// Reject refuses the offer with not-acceptable.
func (r *Request) Reject() {
	r.m.reply(stanza.ErrorReply(r.iq, stanza.NewError(stanza.NotAcceptable, "")))
}

// QueryProxy asks a proxy for the address of its streamhost.
func (m *Manager) QueryProxy(ctx context.Context, to jid.JID) (StreamHost, error) {
	resp, err := m.root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, to, element.New(NS, "query")))
	if err != nil {
		return StreamHost{}, err
	}
	hosts := parseStreamHosts(resp.Child(NS, "query"))
	if len(hosts) == 0 {
		return StreamHost{}, ErrNoStreamHosts
	}
	host := hosts[0]
	host.Proxy = true
	return host, nil
}

func queryPayload(sid string, mode Mode, hosts []StreamHost) *element.Element {
	q := element.New(NS, "query").SetAttr("sid", sid).SetAttr("mode", string(mode))
	for _, h := range hosts {
		q.Append(element.New("", "streamhost").
			SetAttr("jid", h.JID.String()).
			SetAttr("host", h.Host).
			SetAttr("port", strconv.Itoa(int(h.Port))))
	}
	return q
}

func parseStreamHosts(q *element.Element) []StreamHost {
	var hosts []StreamHost
	for _, el := range q.Elements() {
		if !el.Is("", "streamhost") {
			continue
		}
		j, err := jid.Parse(el.Attribute("jid"))
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(el.Attribute("port"), 10, 16)
		if err != nil || el.Attribute("host") == "" {
			continue
		}
		hosts = append(hosts, StreamHost{JID: j, Host: el.Attribute("host"), Port: uint16(port)})
	}
	return hosts
}

func parseRequest(iq, q *element.Element) (*Request, error) {
	req := &Request{
		From:        stanza.From(iq),
		SID:         q.Attribute("sid"),
		Mode:        Mode(q.Attribute("mode")),
		StreamHosts: parseStreamHosts(q),
		iq:          iq,
	}
	if req.SID == "" {
		return nil, fmt.Errorf("%w: missing sid", errInvalidRequest)
	}
	switch req.Mode {
	case "":
		req.Mode = TCP
	case TCP, UDP:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", errInvalidRequest, req.Mode)
	}
	return req, nil
}

func streamHostUsed(resp *element.Element) (jid.JID, bool) {
	used := resp.Child(NS, "query").Child("", "streamhost-used")
	if used == nil {
		return jid.JID{}, false
	}
	j, err := jid.Parse(used.Attribute("jid"))
	return j, err == nil
}

func findHost(hosts []StreamHost, j jid.JID) (StreamHost, bool) {
	for _, h := range hosts {
		if h.JID.Equal(j) {
			return h, true
		}
	}
	return StreamHost{}, false
}
