// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stream"
)

// SessionState is a bitmask that represents the current state of an XMPP
// stream. For a description of each bit, see the various SessionState typed
// constants.
type SessionState uint16

const (
	// Secure indicates that the underlying connection has been secured with
	// STARTTLS.
	Secure SessionState = 1 << iota

	// Compressed indicates that stream compression is in use.
	Compressed

	// Authn indicates that the stream has been authenticated with SASL.
	Authn

	// Bound indicates that a resource has been bound, or that a previous
	// stream was resumed.
	Bound

	// Resumed indicates that a previous stream was resumed with XEP-0198.
	Resumed

	// Ready indicates that the stream is fully negotiated and that stanzas may
	// be sent and received.
	Ready

	// InputStreamClosed indicates that the server has closed its stream.
	InputStreamClosed

	// OutputStreamClosed indicates that the closing stream tag has been sent.
	// When set all write operations return an error.
	OutputStreamClosed

	// Failed indicates that the stream was aborted by an error.
	Failed

	// streamRestart is returned by features after which a new stream must be
	// opened. It is never stored in the state.
	streamRestart
)

// A streamFeature is a feature that may be selected during stream
// negotiation. Features are tried in order against each <stream:features/>
// list the server sends.
type streamFeature struct {
	// The XML name of the feature in the <stream:features/> list.
	Name xml.Name

	// Bits that are required before this feature is negotiated. For instance,
	// binding is only attempted after the stream is authenticated.
	Necessary SessionState

	// Bits that must be off for this feature to be negotiated. For instance,
	// STARTTLS is never negotiated once the stream is secure.
	Prohibited SessionState

	// Negotiate takes over the stream while negotiating the feature. The mask
	// holds the state bits that should be set once negotiation is complete. A
	// feature that decides not to run returns an empty mask and no error.
	Negotiate func(ctx context.Context, s *Stream, el *element.Element) (mask SessionState, err error)
}

// clientFeatures returns the features in the order they are negotiated.
func clientFeatures(cfg Config) []streamFeature {
	features := []streamFeature{
		startTLS(),
		compression(),
		saslFeature(),
	}
	if cfg.Resume != nil {
		features = append(features, resume())
	}
	features = append(features, bindResource(), session())
	if cfg.StreamManagement {
		features = append(features, enableSM())
	}
	return features
}

// negotiateFeatures reads feature lists and negotiates them until the stream
// is ready.
func (s *Stream) negotiateFeatures(ctx context.Context) error {
	features := clientFeatures(s.cfg)
	for s.state&Ready == 0 {
		list, err := s.next(ctx)
		if err != nil {
			return err
		}
		if !list.Is(stream.NS, "features") {
			return ErrUnexpectedElement
		}
		s.features = list
		if s.state&Secure == 0 && s.cfg.TLS == TLSRequire && list.Child(ns.StartTLS, "starttls") == nil {
			return ErrTLSRequired
		}
		restart, err := s.negotiateList(ctx, features, list)
		if err != nil {
			return err
		}
		if restart {
			if err := s.restart(ctx); err != nil {
				return err
			}
			continue
		}

		switch {
		case s.state&Authn == 0:
			return ErrNoMechanism
		case s.state&Bound == 0:
			return ErrNoBind
		}
		s.state |= Ready
	}
	return nil
}

func (s *Stream) negotiateList(ctx context.Context, features []streamFeature, list *element.Element) (restart bool, err error) {
	for _, f := range features {
		if s.state&f.Necessary != f.Necessary || s.state&f.Prohibited != 0 {
			continue
		}
		el := list.Child(f.Name.Space, f.Name.Local)
		if el == nil {
			continue
		}
		mask, err := f.Negotiate(ctx, s, el)
		if err != nil {
			return false, err
		}
		s.state |= mask &^ streamRestart
		if mask&streamRestart == streamRestart {
			return true, nil
		}
	}
	return false, nil
}

// Features returns the last list of stream features sent by the server.
func (s *Stream) Features() *element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.features == nil {
		return nil
	}
	return s.features.Copy()
}
