// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains functionality for dealing with XMPP stanzas and
// stanza level errors.
//
// Stanzas (Message, Presence, and IQ) are the basic building blocks of an XMPP
// stream. Messages are used to send data that is fire-and-forget such as chat
// messages. Presence is a publish-subscribe mechanism and is used to broadcast
// availability on the network. IQ (Info-Query) is a request response mechanism
// for data that requires a response.
package stanza // import "mellium.im/xmppcore/stanza"
