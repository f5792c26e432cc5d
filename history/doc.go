// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package history implements fetching messages from an archive.
//
// Queries are submitted as data forms and paged with result set management.
// Archived messages arrive as messages carrying a result element that wraps
// the original stanza, followed by the reply to the query itself.
package history // import "mellium.im/xmppcore/history"

// The namespaces used by this package, provided as a convenience.
const (
	NS    = `urn:xmpp:mam:2`
	NSExt = `urn:xmpp:mam:2#extended`
)
