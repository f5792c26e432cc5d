// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// bindResource returns a stream feature that binds a resource.
// The server picks the resource unless the configured JID has one.
func bindResource() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.Bind, Local: "bind"},
		Necessary:  Authn,
		Prohibited: Bound,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			bind := element.New(ns.Bind, "bind")
			if resource := s.cfg.JID.Resourcepart(); resource != "" {
				bind.Append(element.New(ns.Bind, "resource").AppendText(resource))
			}
			resp, err := s.negotiateIQ(ctx, stanza.NewIQ(stanza.SetIQ, jid.JID{}, bind))
			if err != nil {
				return 0, err
			}
			result := resp.Child(ns.Bind, "bind")
			if result == nil {
				return 0, ErrUnexpectedElement
			}
			j, err := jid.Parse(result.ChildText(ns.Bind, "jid"))
			if err != nil {
				return 0, err
			}
			s.local = j
			s.logger.Info().Str("jid", j.String()).Msg("resource bound")
			return Bound, nil
		},
	}
}

// session returns a stream feature that establishes a legacy session
// (RFC 3921) when the server requires one or the config asks for it.
func session() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.Session, Local: "session"},
		Necessary:  Bound,
		Prohibited: Resumed,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			if el.Child(ns.Session, "optional") != nil && !s.cfg.Session {
				return 0, nil
			}
			_, err := s.negotiateIQ(ctx, stanza.NewIQ(stanza.SetIQ, jid.JID{}, element.New(ns.Session, "session")))
			return 0, err
		},
	}
}

// negotiateIQ sends an IQ during negotiation and waits for its response.
// An error response is returned as a stanza.Error.
func (s *Stream) negotiateIQ(ctx context.Context, iq *element.Element) (*element.Element, error) {
	if err := s.send(iq); err != nil {
		return nil, err
	}
	resp, err := s.next(ctx)
	if err != nil {
		return nil, err
	}
	if !stanza.IsIQ(resp, stanza.ResultIQ, stanza.ErrorIQ) || resp.Attribute("id") != iq.Attribute("id") {
		return nil, ErrUnexpectedElement
	}
	if e, ok := stanza.ErrorFrom(resp); ok {
		return nil, e
	}
	return resp, nil
}
