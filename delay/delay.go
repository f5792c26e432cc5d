// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package delay implements delayed delivery of stanzas.
package delay // import "mellium.im/xmppcore/delay"

import (
	"errors"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/xtime"
)

// NS is the namespace used by this package.
const NS = "urn:xmpp:delay"

// ErrNoStamp is returned when parsing a delay without a stamp.
var ErrNoStamp = errors.New("delay: missing stamp")

// Delay can be added to stanzas to indicate that they have been delivered with
// a delay.
type Delay struct {
	From   jid.JID
	Time   time.Time
	Reason string
}

// Element returns the delay as an element.
func (d Delay) Element() *element.Element {
	el := element.New(NS, "delay").SetAttr("stamp", xtime.Format(d.Time))
	if !d.From.IsZero() {
		el.SetAttr("from", d.From.String())
	}
	return el.AppendText(d.Reason)
}

// Parse reads a delay element.
func Parse(el *element.Element) (Delay, error) {
	if !el.Is(NS, "delay") {
		return Delay{}, errors.New("delay: not a delay element")
	}
	stamp := el.Attribute("stamp")
	if stamp == "" {
		return Delay{}, ErrNoStamp
	}
	t, err := xtime.Parse(stamp)
	if err != nil {
		return Delay{}, err
	}
	d := Delay{Time: t, Reason: el.Text()}
	if from := el.Attribute("from"); from != "" {
		d.From, err = jid.Parse(from)
		if err != nil {
			return Delay{}, err
		}
	}
	return d, nil
}

// Find returns the first delay that is a direct child of el.
func Find(el *element.Element) (Delay, bool) {
	d, err := Parse(el.Child(NS, "delay"))
	return d, err == nil
}

// Stanza returns a copy of a stanza with the delay inserted as its first
// child.
// Elements that are not stanzas are returned unmodified.
func Stanza(el *element.Element, d Delay) *element.Element {
	if !stanza.Is(el) {
		return el
	}
	el = el.Copy()
	el.Children = append([]element.Node{d.Element()}, el.Children...)
	return el
}
