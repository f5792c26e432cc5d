// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package resolver

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultResolvConf is the file read by FromResolvConf when no path is given.
const DefaultResolvConf = "/etc/resolv.conf"

// DNS is a Resolver that queries name servers directly.
type DNS struct {
	// Servers is a list of host:port name server addresses tried in order.
	Servers []string

	// Net is the transport used for queries, "udp" or "tcp".
	// The zero value is udp.
	Net string

	// Timeout bounds every single exchange. The zero value uses the dns
	// package default.
	Timeout time.Duration

	Logger zerolog.Logger
}

// FromResolvConf returns a DNS resolver using the name servers listed in a
// resolv.conf style file.
func FromResolvConf(path string) (*DNS, error) {
	if path == "" {
		path = DefaultResolvConf
	}
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolver: reading %s", path)
	}
	d := &DNS{Logger: zerolog.Nop()}
	for _, s := range conf.Servers {
		d.Servers = append(d.Servers, net.JoinHostPort(s, conf.Port))
	}
	if conf.Timeout > 0 {
		d.Timeout = time.Duration(conf.Timeout) * time.Second
	}
	return d, nil
}

// LookupSRV queries _service._proto.name for SRV records.
func (d *DNS) LookupSRV(ctx context.Context, service, proto, name string) ([]SRV, error) {
	qname := "_" + service + "._" + proto + "." + name
	resp, err := d.query(ctx, qname, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var addrs []SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			addrs = append(addrs, SRV{
				Target:   srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(addrs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "SRV %s", qname)
	}
	return addrs, nil
}

// LookupA queries host for IPv4 addresses.
func (d *DNS) LookupA(ctx context.Context, host string) ([]net.IP, error) {
	resp, err := d.query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "A %s", host)
	}
	return ips, nil
}

// LookupAAAA queries host for IPv6 addresses.
func (d *DNS) LookupAAAA(ctx context.Context, host string) ([]net.IP, error) {
	resp, err := d.query(ctx, host, dns.TypeAAAA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, a.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "AAAA %s", host)
	}
	return ips, nil
}

// query sends the question to each server in turn until one answers.
// A name error from any server is final.
func (d *DNS) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if len(d.Servers) == 0 {
		return nil, errors.New("resolver: no name servers configured")
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	c := &dns.Client{Net: d.Net, Timeout: d.Timeout}
	qtypeName := dns.TypeToString[qtype]
	var lastErr error
	for _, server := range d.Servers {
		resp, rtt, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			d.Logger.Debug().Err(err).Str("server", server).Str("name", name).Str("type", qtypeName).Msg("dns exchange failed")
			lastErr = errors.Wrapf(err, "resolver: querying %s", server)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		d.Logger.Debug().Str("server", server).Str("name", name).Str("type", qtypeName).Dur("rtt", rtt).Int("answers", len(resp.Answer)).Msg("dns answer")
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, errors.Wrapf(ErrNotFound, "%s %s", qtypeName, name)
		}
		lastErr = errors.Errorf("resolver: %s answered %s", server, dns.RcodeToString[resp.Rcode])
	}
	return nil, lastErr
}
