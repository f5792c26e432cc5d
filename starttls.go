// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
)

// startTLS returns a stream feature that negotiates TLS.
func startTLS() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Prohibited: Secure | Compressed | Authn,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			if s.cfg.TLS == TLSDisabled {
				if el.Child(ns.StartTLS, "required") != nil {
					s.logger.Warn().Msg("server requires tls but it is disabled")
				}
				return 0, nil
			}

			if err := s.send(element.New(ns.StartTLS, "starttls")); err != nil {
				return 0, err
			}
			resp, err := s.next(ctx)
			if err != nil {
				return 0, err
			}
			switch {
			case resp.Is(ns.StartTLS, "proceed"):
			case resp.Is(ns.StartTLS, "failure"):
				// The server closes the stream after a failure.
				return 0, ErrTLSHandshake
			default:
				return 0, ErrUnexpectedElement
			}

			tail := s.engine.Reset()
			conn := tls.Client(withPrefix(s.conn, tail), s.cfg.tlsConfig())
			if err := conn.HandshakeContext(ctx); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
			}
			cs := conn.ConnectionState()
			s.tlsState = &cs
			s.conn = conn
			s.logger.Info().Uint16("version", cs.Version).Msg("tls established")
			return Secure | streamRestart, nil
		},
	}
}
