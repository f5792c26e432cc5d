// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically called "Jabber ID's" or
// "JID's") as described in RFC 7622.
//
// A JID is a comparable value: the zero JID is empty and two JIDs that
// represent the same canonical address compare equal with ==.
package jid // import "mellium.im/xmppcore/jid"
