// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dial_test

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/dial"
	"mellium.im/xmppcore/resolver"
)

type fakeResolver struct {
	srv    []resolver.SRV
	srvErr error
	a      map[string][]net.IP
	aaaa   map[string][]net.IP
}

func (r fakeResolver) LookupSRV(_ context.Context, service, proto, name string) ([]resolver.SRV, error) {
	if r.srvErr != nil {
		return nil, r.srvErr
	}
	if len(r.srv) == 0 {
		return nil, resolver.ErrNotFound
	}
	return r.srv, nil
}

func lookup(m map[string][]net.IP, host string) ([]net.IP, error) {
	ips, ok := m[host]
	if !ok {
		return nil, resolver.ErrNotFound
	}
	return ips, nil
}

func (r fakeResolver) LookupA(_ context.Context, host string) ([]net.IP, error) {
	return lookup(r.a, host)
}

func (r fakeResolver) LookupAAAA(_ context.Context, host string) ([]net.IP, error) {
	return lookup(r.aaaa, host)
}

// recorder records every connection attempt and only succeeds for addresses in
// up.
type recorder struct {
	mu       sync.Mutex
	up       map[string]bool
	attempts []string
}

func (r *recorder) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, network+" "+addr)
	if !r.up[addr] {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	/* #nosec */
	c2.Close()
	return c1, nil
}

var (
	v4a = net.ParseIP("192.0.2.1")
	v4b = net.ParseIP("192.0.2.2")
	v4c = net.ParseIP("192.0.2.10")
	v6a = net.ParseIP("2001:db8::1")
)

var dialTests = [...]struct {
	family   dial.Family
	failsafe string
	res      fakeResolver
	up       []string
	attempts []string
	err      error
}{
	0: {
		// SRV target without addresses falls through to the failsafe.
		res: fakeResolver{
			srv: []resolver.SRV{{Target: "xmpp.example.org", Port: 5222}},
			a:   map[string][]net.IP{"example.org": {v4c}},
		},
		up:       []string{"192.0.2.10:5222"},
		attempts: []string{"tcp4 192.0.2.10:5222"},
	},
	1: {
		// SRV failure goes straight to the failsafe.
		res: fakeResolver{
			srvErr: errors.New("servfail"),
			a:      map[string][]net.IP{"example.org": {v4c}},
		},
		up:       []string{"192.0.2.10:5222"},
		attempts: []string{"tcp4 192.0.2.10:5222"},
	},
	2: {
		// Targets are tried in priority order.
		res: fakeResolver{
			srv: []resolver.SRV{
				{Target: "b.example.org", Port: 5223, Priority: 20},
				{Target: "a.example.org", Port: 5222, Priority: 10},
			},
			a: map[string][]net.IP{
				"a.example.org": {v4a},
				"b.example.org": {v4b},
			},
		},
		up:       []string{"192.0.2.2:5223"},
		attempts: []string{"tcp4 192.0.2.1:5222", "tcp4 192.0.2.2:5223"},
	},
	3: {
		// The primary family is exhausted before switching.
		family: dial.V6ThenV4,
		res: fakeResolver{
			srv:  []resolver.SRV{{Target: "xmpp.example.org", Port: 5222}},
			a:    map[string][]net.IP{"xmpp.example.org": {v4a, v4b}},
			aaaa: map[string][]net.IP{"xmpp.example.org": {v6a}},
		},
		up:       []string{"192.0.2.2:5222"},
		attempts: []string{"tcp6 [2001:db8::1]:5222", "tcp4 192.0.2.1:5222", "tcp4 192.0.2.2:5222"},
	},
	4: {
		// Single family orders never switch.
		family: dial.V4Only,
		res: fakeResolver{
			srv:  []resolver.SRV{{Target: "xmpp.example.org", Port: 5222}},
			aaaa: map[string][]net.IP{"xmpp.example.org": {v6a}},
		},
		attempts: nil,
		err:      dial.ErrHostNotFound,
	},
	5: {
		family: dial.V6Only,
		res: fakeResolver{
			srv:  []resolver.SRV{{Target: "xmpp.example.org", Port: 5222}},
			a:    map[string][]net.IP{"xmpp.example.org": {v4a}},
			aaaa: map[string][]net.IP{"xmpp.example.org": {v6a}},
		},
		attempts: []string{"tcp6 [2001:db8::1]:5222"},
		err:      dial.ErrConnectionRefused,
	},
	6: {
		// An explicit failsafe replaces the domain and port.
		failsafe: "192.0.2.10:5999",
		res:      fakeResolver{srvErr: errors.New("servfail")},
		up:       []string{"192.0.2.10:5999"},
		attempts: []string{"tcp4 192.0.2.10:5999"},
	},
	7: {
		// Resolving a fallback family counts as a resolution.
		res: fakeResolver{
			srv:  []resolver.SRV{{Target: "xmpp.example.org", Port: 5222}},
			aaaa: map[string][]net.IP{"xmpp.example.org": {v6a}},
		},
		attempts: []string{"tcp6 [2001:db8::1]:5222"},
		err:      dial.ErrConnectionRefused,
	},
	8: {
		// A decidedly unavailable service only tries the failsafe.
		res: fakeResolver{
			srv: []resolver.SRV{{Target: "."}},
			a:   map[string][]net.IP{"example.org": {v4c}},
		},
		attempts: []string{"tcp4 192.0.2.10:5222"},
		err:      dial.ErrConnectionRefused,
	},
}

func TestDial(t *testing.T) {
	for i, tc := range dialTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			rec := &recorder{up: make(map[string]bool)}
			for _, addr := range tc.up {
				rec.up[addr] = true
			}
			d := dial.Dialer{
				Resolver:    tc.res,
				Family:      tc.family,
				Failsafe:    tc.failsafe,
				DialContext: rec.DialContext,
				Rand:        rand.New(rand.NewSource(1)),
			}
			conn, err := d.Client(context.Background(), "example.org")
			require.Equal(t, tc.attempts, rec.attempts)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, conn)
			require.NoError(t, conn.Close())
		})
	}
}

func TestDialInvalidService(t *testing.T) {
	d := dial.Dialer{Resolver: fakeResolver{}}
	_, err := d.Dial(context.Background(), "http", "tcp", "example.org")
	require.ErrorIs(t, err, resolver.ErrInvalidService)
}

func TestDialCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := dial.Dialer{
		Resolver: fakeResolver{a: map[string][]net.IP{"example.org": {v4c}}},
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return nil, ctx.Err()
		},
	}
	_, err := d.Client(ctx, "example.org")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDialLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			/* #nosec */
			c.Close()
		}
	}()
	d := dial.Dialer{
		Resolver: fakeResolver{},
		Failsafe: ln.Addr().String(),
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		},
	}
	conn, err := d.Client(context.Background(), "example.org")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

var familyTests = [...]struct {
	in  string
	out dial.Family
	err bool
}{
	0: {in: "v4_then_v6", out: dial.V4ThenV6},
	1: {in: "v6_then_v4", out: dial.V6ThenV4},
	2: {in: "v4_only", out: dial.V4Only},
	3: {in: "v6_only", out: dial.V6Only},
	4: {in: "v5", err: true},
}

func TestParseFamily(t *testing.T) {
	for i, tc := range familyTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			f, err := dial.ParseFamily(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.out, f)
			require.Equal(t, tc.in, f.String())
		})
	}
}
