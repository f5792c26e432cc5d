// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"

	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/element"
)

// compression returns a stream feature that negotiates zlib stream
// compression (XEP-0138) when the config asks for it.
func compression() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: compress.NSFeatures, Local: "compression"},
		Prohibited: Compressed | Authn,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			if !s.cfg.Compression {
				return 0, nil
			}
			var offered []string
			for _, m := range el.Elements() {
				if m.Name.Local == "method" {
					offered = append(offered, m.Text())
				}
			}
			method, ok := compress.Lookup(offered, compress.Zlib)
			if !ok {
				s.logger.Debug().Strs("offered", offered).Msg("no supported compression method")
				return 0, nil
			}

			req := element.New(compress.NSProtocol, "compress").
				Append(element.New(compress.NSProtocol, "method").AppendText(method.Name))
			if err := s.send(req); err != nil {
				return 0, err
			}
			resp, err := s.next(ctx)
			if err != nil {
				return 0, err
			}
			switch {
			case resp.Is(compress.NSProtocol, "compressed"):
			case resp.Is(compress.NSProtocol, "failure"):
				// The stream continues uncompressed.
				s.logger.Warn().Msg("compression refused")
				return 0, nil
			default:
				return 0, ErrUnexpectedElement
			}

			tail := s.engine.Reset()
			rwc, err := method.Wrapper(withPrefix(s.conn, tail))
			if err != nil {
				return 0, err
			}
			s.conn = compressedConn{Conn: s.conn, rwc: rwc}
			s.logger.Info().Str("method", method.Name).Msg("compression enabled")
			return Compressed | streamRestart, nil
		},
	}
}
