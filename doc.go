// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp negotiates and drives client-to-server XMPP streams as defined
// by RFC 6120.
//
// Negotiate takes a connection, usually obtained from the dial package, and
// runs stream negotiation over it: STARTTLS, stream compression, SASL
// authentication, resource binding, the legacy session, and stream management
// (XEP-0198). The result is a Stream on which stanzas can be sent and
// received:
//
//	conn, err := dial.Client(ctx, "example.net")
//	…
//	s, err := xmpp.Negotiate(ctx, conn, xmpp.Config{
//		JID:              jid.MustParse("me@example.net"),
//		Password:         "secret",
//		StreamManagement: true,
//	})
//	…
//	go s.Serve(handler)
//
// Bytes are moved by a protocol.Engine, which never touches the network
// itself. During negotiation the stream reads and writes the connection
// directly; once negotiation finishes the connection is handed to a
// bytestream.Socket, whose write acknowledgements flow back into the engine.
package xmpp // import "mellium.im/xmppcore"
