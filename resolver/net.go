// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package resolver

import (
	"context"
	"errors"
	"net"

	pkgerrors "github.com/pkg/errors"
)

// Net is a Resolver backed by a net.Resolver.
// A nil Resolver uses net.DefaultResolver.
type Net struct {
	Resolver *net.Resolver
}

func (n Net) resolver() *net.Resolver {
	if n.Resolver == nil {
		return net.DefaultResolver
	}
	return n.Resolver
}

// LookupSRV implements Resolver.
func (n Net) LookupSRV(ctx context.Context, service, proto, name string) ([]SRV, error) {
	_, addrs, err := n.resolver().LookupSRV(ctx, service, proto, name)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	out := make([]SRV, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, SRV{Target: a.Target, Port: a.Port, Priority: a.Priority, Weight: a.Weight})
	}
	return out, nil
}

// LookupA implements Resolver.
func (n Net) LookupA(ctx context.Context, host string) ([]net.IP, error) {
	return n.lookupIP(ctx, "ip4", host)
}

// LookupAAAA implements Resolver.
func (n Net) LookupAAAA(ctx context.Context, host string) ([]net.IP, error) {
	return n.lookupIP(ctx, "ip6", host)
}

func (n Net) lookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := n.resolver().LookupIP(ctx, network, host)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if len(ips) == 0 {
		return nil, pkgerrors.Wrapf(ErrNotFound, "%s %s", network, host)
	}
	return ips, nil
}

func wrapNotFound(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return pkgerrors.Wrap(ErrNotFound, dnsErr.Error())
	}
	return err
}
