// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package items contains service discovery items.
//
// These were separated out into a separate package to prevent import loops.
package items // import "mellium.im/xmppcore/disco/items"

import (
	"fmt"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
)

const (
	ns = `http://jabber.org/protocol/disco#items`
)

// Item represents a discovered item.
type Item struct {
	JID  jid.JID
	Name string
	Node string
}

// Element returns the item as an element.
func (i Item) Element() *element.Element {
	el := element.New(ns, "item").SetAttr("jid", i.JID.String())
	if i.Node != "" {
		el.SetAttr("node", i.Node)
	}
	if i.Name != "" {
		el.SetAttr("name", i.Name)
	}
	return el
}

// Parse reads an item from its element.
func Parse(el *element.Element) (Item, error) {
	j, err := jid.Parse(el.Attribute("jid"))
	if err != nil {
		return Item{}, fmt.Errorf("items: bad jid on item: %w", err)
	}
	return Item{
		JID:  j,
		Name: el.Attribute("name"),
		Node: el.Attribute("node"),
	}, nil
}

// Iter is the interface implemented by types that respond to service discovery
// requests for items.
type Iter interface {
	ForItems(node string, f func(Item) error) error
}
