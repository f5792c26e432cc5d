// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package forward implements forwarding messages.
package forward // import "mellium.im/xmppcore/forward"

import (
	"errors"
	"fmt"
	"time"

	"mellium.im/xmppcore/delay"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// Namespaces used by this package, provided as a convenience.
const (
	NS = "urn:xmpp:forward:0"
)

// ErrNoStanza is returned when a forwarded element does not wrap a stanza.
var ErrNoStanza = errors.New("forward: no stanza found in forwarded element")

// Forwarded wraps a stanza along with the time it was originally received.
type Forwarded struct {
	Delay  delay.Delay
	Stanza *element.Element
}

// Element returns the forwarded wrapper.
// A zero delay time is left out.
func (f Forwarded) Element() *element.Element {
	el := element.New(NS, "forwarded")
	if !f.Delay.Time.IsZero() {
		el.Append(f.Delay.Element())
	}
	return el.Append(f.Stanza)
}

// Parse reads a forwarded element.
// The first delay child, if any, is used as the delay and the first stanza
// child as the wrapped stanza.
func Parse(el *element.Element) (Forwarded, error) {
	if !el.Is(NS, "forwarded") {
		return Forwarded{}, fmt.Errorf("forward: unexpected element %+v", elName(el))
	}
	var f Forwarded
	var foundDelay bool
	for _, c := range el.Elements() {
		switch {
		case !foundDelay && c.Is(delay.NS, "delay"):
			d, err := delay.Parse(c)
			if err != nil {
				return Forwarded{}, err
			}
			f.Delay, foundDelay = d, true
		case f.Stanza == nil && isStanza(c):
			f.Stanza = c
		}
	}
	if f.Stanza == nil {
		return Forwarded{}, ErrNoStanza
	}
	return f, nil
}

// Wrap forwards the provided stanza by wrapping it in a new message stanza
// and recording the original delivery time of the stanza.
// The body is in addition to the forwarded stanza and is not meant as a
// fallback in case the forwarded message cannot be displayed.
func Wrap(to jid.JID, typ, body string, received time.Time, el *element.Element) *element.Element {
	msg := stanza.NewMessage(to, typ, body)
	return msg.Append(Forwarded{
		Delay:  delay.Delay{Time: received},
		Stanza: el,
	}.Element())
}

// Unwrap returns the forwarded payload of a message stanza.
func Unwrap(msg *element.Element) (Forwarded, error) {
	return Parse(msg.Child(NS, "forwarded"))
}

// Wrapped stanzas are usually in the client namespace but the server
// namespace is seen in archives.
func isStanza(el *element.Element) bool {
	switch el.Name.Local {
	case "iq", "message", "presence":
	default:
		return false
	}
	return el.Name.Space == "" || el.Name.Space == stanza.NS || el.Name.Space == ns.Server
}

func elName(el *element.Element) interface{} {
	if el == nil {
		return nil
	}
	return el.Name
}
