// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dial contains methods and types for dialing XMPP connections.
package dial // import "mellium.im/xmppcore/dial"

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"mellium.im/xmppcore/resolver"
)

// Errors returned by Dial.
var (
	ErrHostNotFound      = errors.New("dial: host not found")
	ErrConnectionRefused = errors.New("dial: connection refused")
)

// Family is the order in which address families are tried.
type Family int

// A list of family orders.
// The zero value tries IPv4 addresses first.
const (
	V4ThenV6 Family = iota
	V6ThenV4
	V4Only
	V6Only
)

func (f Family) String() string {
	switch f {
	case V6ThenV4:
		return "v6_then_v4"
	case V4Only:
		return "v4_only"
	case V6Only:
		return "v6_only"
	}
	return "v4_then_v6"
}

// ParseFamily parses the names returned by Family.String.
func ParseFamily(s string) (Family, error) {
	for _, f := range []Family{V4ThenV6, V6ThenV4, V4Only, V6Only} {
		if f.String() == s {
			return f, nil
		}
	}
	return V4ThenV6, errors.Errorf("dial: unknown address family order %q", s)
}

func (f Family) primary6() bool {
	return f == V6ThenV4 || f == V6Only
}

func (f Family) fallback() bool {
	return f == V4ThenV6 || f == V6ThenV4
}

// Client discovers and connects to an XMPP server for domain with a
// client-to-server (c2s) connection using the zero Dialer.
func Client(ctx context.Context, domain string) (net.Conn, error) {
	var d Dialer
	return d.Client(ctx, domain)
}

// A Dialer contains options for connecting to an XMPP service.
// After a connection is established the Dial method does not attempt to create
// an XMPP session on the connection, the resulting connection should be passed
// to xmpp.Negotiate.
//
// The zero value for each field is equivalent to dialing without that option.
type Dialer struct {
	// Resolver performs the SRV, A, and AAAA lookups.
	// The default uses net.DefaultResolver.
	Resolver resolver.Resolver

	// Family is the order in which address families are tried.
	Family Family

	// Failsafe is the host:port tried after every SRV target.
	// Either part may be empty, in which case the domain and the default port
	// of the service are used.
	Failsafe string

	// DialContext opens the transport connections.
	// The default uses the proxy configured in the environment, if any.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout bounds the SRV lookup.
	Timeout time.Duration

	Logger zerolog.Logger

	// Rand orders SRV records of equal priority.
	Rand *rand.Rand
}

// Client connects to the xmpp-client service of domain.
func (d *Dialer) Client(ctx context.Context, domain string) (net.Conn, error) {
	return d.Dial(ctx, "xmpp-client", "tcp", domain)
}

type target struct {
	host string
	port uint16
}

// Dial discovers and connects to the service on transport at domain.
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, any expiration of the context will not
// affect the connection.
//
// Every SRV target is tried in order, followed by the failsafe. Within a
// target the preferred address family is exhausted before the other family is
// tried. ErrHostNotFound is only returned if no address could be resolved for
// any target; otherwise the last connection failure is wrapped in
// ErrConnectionRefused.
func (d *Dialer) Dial(ctx context.Context, service, transport, domain string) (net.Conn, error) {
	logger := d.Logger.With().Str("component", "dial").Str("domain", domain).Logger()

	targets, err := d.lookup(ctx, service, domain)
	if err != nil {
		if errors.Is(err, resolver.ErrInvalidService) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Msg("srv lookup failed, using failsafe")
	}
	failsafe, err := d.failsafe(service, domain)
	if err != nil {
		return nil, err
	}
	targets = append(targets, failsafe)

	var (
		resolved bool
		lastErr  error
	)
	for _, t := range targets {
		conn, ok, err := d.dialTarget(ctx, logger, transport, t)
		if conn != nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resolved = resolved || ok
		if err != nil {
			lastErr = err
		}
	}
	if !resolved {
		return nil, errors.Wrapf(ErrHostNotFound, "%s: %v", domain, lastErr)
	}
	return nil, errors.Wrapf(ErrConnectionRefused, "%s: %v", domain, lastErr)
}

func (d *Dialer) resolver() resolver.Resolver {
	if d.Resolver == nil {
		return resolver.Net{}
	}
	return d.Resolver
}

func (d *Dialer) lookup(ctx context.Context, service, domain string) ([]target, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	addrs, err := resolver.LookupService(ctx, d.resolver(), service, domain, d.Rand)
	if err != nil {
		return nil, err
	}
	targets := make([]target, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, target{host: a.Target, port: a.Port})
	}
	return targets, nil
}

func (d *Dialer) failsafe(service, domain string) (target, error) {
	t := target{host: domain}
	if fallback := resolver.FallbackRecords(service, domain); len(fallback) > 0 {
		t.port = fallback[0].Port
	}
	if d.Failsafe == "" {
		return t, nil
	}
	host, port, err := net.SplitHostPort(d.Failsafe)
	if err != nil {
		return t, errors.Wrap(err, "dial: bad failsafe address")
	}
	if host != "" {
		t.host = host
	}
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return t, errors.Wrap(err, "dial: bad failsafe port")
		}
		t.port = uint16(p)
	}
	return t, nil
}

// dialTarget tries every address of one host. It reports whether any
// address was resolved.
func (d *Dialer) dialTarget(ctx context.Context, logger zerolog.Logger, transport string, t target) (net.Conn, bool, error) {
	port := strconv.FormatUint(uint64(t.port), 10)
	if ip := net.ParseIP(t.host); ip != nil {
		conn, err := d.dial(ctx, transport, ip, port)
		return conn, true, err
	}

	primary6 := d.Family.primary6()
	ips, err := d.resolve(ctx, t.host, primary6)
	usedFallback := false
	if err != nil && d.Family.fallback() {
		logger.Debug().Err(err).Str("host", t.host).Msg("primary family did not resolve")
		ips, err = d.resolve(ctx, t.host, !primary6)
		usedFallback = true
	}
	if err != nil {
		return nil, false, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dial(ctx, transport, ip, port)
		if err == nil {
			return conn, true, nil
		}
		logger.Debug().Err(err).Str("addr", net.JoinHostPort(ip.String(), port)).Msg("connect failed")
		lastErr = err
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
	}
	if usedFallback || !d.Family.fallback() {
		return nil, true, lastErr
	}

	ips, err = d.resolve(ctx, t.host, !primary6)
	if err != nil {
		return nil, true, lastErr
	}
	logger.Debug().Str("host", t.host).Msg("switching address family")
	for _, ip := range ips {
		conn, err := d.dial(ctx, transport, ip, port)
		if err == nil {
			return conn, true, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
	}
	return nil, true, lastErr
}

func (d *Dialer) resolve(ctx context.Context, host string, v6 bool) ([]net.IP, error) {
	if v6 {
		return d.resolver().LookupAAAA(ctx, host)
	}
	return d.resolver().LookupA(ctx, host)
}

func (d *Dialer) dial(ctx context.Context, transport string, ip net.IP, port string) (net.Conn, error) {
	network := transport
	if ip.To4() != nil {
		network += "4"
	} else {
		network += "6"
	}
	addr := net.JoinHostPort(ip.String(), port)
	if d.DialContext != nil {
		return d.DialContext(ctx, network, addr)
	}
	forward := proxy.FromEnvironment()
	if cd, ok := forward.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return forward.Dial(network, addr)
}
