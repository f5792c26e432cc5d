// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package resolver looks up the SRV, A, and AAAA records used to find XMPP
// services.
package resolver // import "mellium.im/xmppcore/resolver"

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
)

// Errors returned by this package.
var (
	ErrNotFound       = errors.New("resolver: no such record")
	ErrInvalidService = errors.New("resolver: service must be one of xmpp[s]-client or xmpp[s]-server")
)

// SRV is a single service record.
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Resolver is the set of lookups used by the connection establisher.
// Lookups that succeed but return no records report ErrNotFound.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) ([]SRV, error)
	LookupA(ctx context.Context, host string) ([]net.IP, error)
	LookupAAAA(ctx context.Context, host string) ([]net.IP, error)
}

// FallbackRecords returns fake SRV records based on the service that can be
// used if no actual SRV records can be found but we believe that an XMPP
// service exists at the given domain.
func FallbackRecords(service, domain string) []SRV {
	switch service {
	case "xmpp-client":
		return []SRV{{Target: domain, Port: 5222}}
	case "xmpps-client":
		return []SRV{{Target: domain, Port: 5223}}
	case "xmpp-server":
		return []SRV{{Target: domain, Port: 5269}}
	case "xmpps-server":
		return []SRV{{Target: domain, Port: 5270}}
	}
	return nil
}

// LookupService looks up the SRV records of an XMPP service and returns them
// in the order in which they should be tried.
// If the result is a single record with a target of "." the service is
// decidedly not available and no records and no error are returned.
func LookupService(ctx context.Context, r Resolver, service, domain string, rnd *rand.Rand) ([]SRV, error) {
	switch service {
	case "xmpp-client", "xmpp-server", "xmpps-client", "xmpps-server":
	default:
		return nil, ErrInvalidService
	}
	addrs, err := r.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return nil, err
	}

	// RFC 6120 §3.2.1
	//    If the result of the SRV lookup is a single resource record with a
	//    Target of ".", i.e., the root domain, then the initiating entity MUST
	//    abort SRV processing at this point.
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, nil
	}
	return Order(addrs, rnd), nil
}

// Order sorts records as described by RFC 2782.
// Records are grouped by ascending priority. Within a group, records with a
// positive weight are picked at random in proportion to their weight, and
// records with a weight of zero follow them in their original order.
// If rnd is nil the global source is used.
func Order(records []SRV, rnd *rand.Rand) []SRV {
	intn := rand.Intn
	if rnd != nil {
		intn = rnd.Intn
	}

	sorted := make([]SRV, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	out := make([]SRV, 0, len(sorted))
	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Priority == sorted[start].Priority {
			end++
		}
		out = append(out, orderGroup(sorted[start:end], intn)...)
		start = end
	}
	return out
}

func orderGroup(group []SRV, intn func(int) int) []SRV {
	var weighted, zero []SRV
	total := 0
	for _, r := range group {
		if r.Weight == 0 {
			zero = append(zero, r)
			continue
		}
		weighted = append(weighted, r)
		total += int(r.Weight)
	}

	out := make([]SRV, 0, len(group))
	for len(weighted) > 0 {
		n := intn(total) + 1
		sum := 0
		for i, r := range weighted {
			sum += int(r.Weight)
			if sum >= n {
				out = append(out, r)
				total -= int(r.Weight)
				weighted = append(weighted[:i], weighted[i+1:]...)
				break
			}
		}
	}
	return append(out, zero...)
}
