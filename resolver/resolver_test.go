// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package resolver_test

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/resolver"
)

func TestOrderPriority(t *testing.T) {
	records := []resolver.SRV{
		{Target: "c", Priority: 20, Weight: 10},
		{Target: "z1", Priority: 10, Weight: 0},
		{Target: "a", Priority: 10, Weight: 60},
		{Target: "b", Priority: 10, Weight: 40},
		{Target: "z2", Priority: 10, Weight: 0},
		{Target: "d", Priority: 5, Weight: 0},
	}
	for seed := int64(0); seed < 100; seed++ {
		t.Run(strconv.FormatInt(seed, 10), func(t *testing.T) {
			out := resolver.Order(records, rand.New(rand.NewSource(seed)))
			require.Len(t, out, len(records))
			for i := 1; i < len(out); i++ {
				require.LessOrEqual(t, out[i-1].Priority, out[i].Priority)
			}
			require.Equal(t, "d", out[0].Target)
			// Zero weight records follow the weighted ones of their priority, in
			// their original order.
			require.Equal(t, "z1", out[3].Target)
			require.Equal(t, "z2", out[4].Target)
			require.Equal(t, "c", out[5].Target)
		})
	}
	// The input is not modified.
	require.Equal(t, "c", records[0].Target)
}

func TestOrderWeights(t *testing.T) {
	records := []resolver.SRV{
		{Target: "heavy", Weight: 90},
		{Target: "light", Weight: 10},
	}
	rnd := rand.New(rand.NewSource(1))
	heavy := 0
	for i := 0; i < 1000; i++ {
		if resolver.Order(records, rnd)[0].Target == "heavy" {
			heavy++
		}
	}
	require.Greater(t, heavy, 800)
	require.Less(t, heavy, 980)
}

func TestFallbackRecords(t *testing.T) {
	require.Equal(t, []resolver.SRV{{Target: "example.org", Port: 5222}}, resolver.FallbackRecords("xmpp-client", "example.org"))
	require.Equal(t, uint16(5270), resolver.FallbackRecords("xmpps-server", "example.org")[0].Port)
	require.Nil(t, resolver.FallbackRecords("http", "example.org"))
}

// serveDNS starts an in-process name server with the given handler and
// returns its address.
func serveDNS(t *testing.T, h dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	return pc.LocalAddr().String()
}

func zone(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	q := req.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 60, Rrtype: q.Qtype}
	switch {
	case q.Name == "_xmpp-client._tcp.example.org." && q.Qtype == dns.TypeSRV:
		m.Answer = append(m.Answer,
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 0, Port: 5222, Target: "xmpp.example.org."},
			&dns.SRV{Hdr: hdr, Priority: 5, Weight: 1, Port: 5223, Target: "fast.example.org."},
		)
	case q.Name == "_xmpp-client._tcp.gone.example." && q.Qtype == dns.TypeSRV:
		m.Answer = append(m.Answer, &dns.SRV{Hdr: hdr, Target: "."})
	case q.Name == "xmpp.example.org." && q.Qtype == dns.TypeA:
		m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("192.0.2.1")})
	case q.Name == "xmpp.example.org." && q.Qtype == dns.TypeAAAA:
		m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::1")})
	case q.Name == "broken.example.":
		m.Rcode = dns.RcodeServerFailure
	case q.Name == "empty.example.":
	default:
		m.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(m)
}

func TestDNSLookups(t *testing.T) {
	addr := serveDNS(t, zone)
	r := &resolver.DNS{Servers: []string{addr}}
	ctx := context.Background()

	srv, err := resolver.LookupService(ctx, r, "xmpp-client", "example.org", nil)
	require.NoError(t, err)
	require.Equal(t, []resolver.SRV{
		{Target: "fast.example.org.", Port: 5223, Priority: 5, Weight: 1},
		{Target: "xmpp.example.org.", Port: 5222, Priority: 10},
	}, srv)

	ips, err := r.LookupA(ctx, "xmpp.example.org")
	require.NoError(t, err)
	require.True(t, ips[0].Equal(net.ParseIP("192.0.2.1")))

	ips, err = r.LookupAAAA(ctx, "xmpp.example.org.")
	require.NoError(t, err)
	require.True(t, ips[0].Equal(net.ParseIP("2001:db8::1")))

	_, err = r.LookupA(ctx, "missing.example")
	require.ErrorIs(t, err, resolver.ErrNotFound)

	_, err = r.LookupA(ctx, "empty.example")
	require.ErrorIs(t, err, resolver.ErrNotFound)

	_, err = r.LookupA(ctx, "broken.example")
	require.Error(t, err)
	require.NotErrorIs(t, err, resolver.ErrNotFound)

	srv, err = resolver.LookupService(ctx, r, "xmpp-client", "gone.example", nil)
	require.NoError(t, err)
	require.Empty(t, srv)

	_, err = resolver.LookupService(ctx, r, "http", "example.org", nil)
	require.ErrorIs(t, err, resolver.ErrInvalidService)
}

func TestDNSTriesNextServer(t *testing.T) {
	// Nothing listens on the first address.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	addr := serveDNS(t, zone)
	r := &resolver.DNS{Servers: []string{dead, addr}, Timeout: 500 * time.Millisecond}
	ips, err := r.LookupA(context.Background(), "xmpp.example.org")
	require.NoError(t, err)
	require.Len(t, ips, 1)
}

func TestFromResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\nnameserver 2001:db8::53\noptions timeout:3\n"), 0o600))
	r, err := resolver.FromResolvConf(path)
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:53"}, r.Servers)
	require.Equal(t, int64(3e9), int64(r.Timeout))

	_, err = resolver.FromResolvConf(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
