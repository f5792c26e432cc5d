// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco implements service discovery.
package disco // import "mellium.im/xmppcore/disco"

import (
	"errors"
)

// Namespaces used by this package.
const (
	NSInfo  = `http://jabber.org/protocol/disco#info`
	NSItems = `http://jabber.org/protocol/disco#items`
	NSCaps  = `http://jabber.org/protocol/caps`
)

// ErrNoQuery is returned when a discovery response does not contain a query.
var ErrNoQuery = errors.New("disco: response has no query payload")
