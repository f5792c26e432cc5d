// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains the XMPP stream envelope: stream errors as defined
// by RFC 6120 §4.9, stream header metadata and protocol versions.
package stream // import "mellium.im/xmppcore/stream"

// Namespaces used by XMPP streams.
const (
	NS    = "http://etherx.jabber.org/streams"
	NSErr = "urn:ietf:params:xml:ns:xmpp-streams"
)
