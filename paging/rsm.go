// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package paging implements result set management.
package paging // import "mellium.im/xmppcore/paging"

import (
	"mellium.im/xmppcore/element"
)

// Namespaces used by this package.
const (
	NS = "http://jabber.org/protocol/rsm"
)

// Split separates the children of a paged result into the items and the
// result set page that describes them.
// If the result was not paged, set is nil.
func Split(el *element.Element) (items []*element.Element, set *Set, err error) {
	for _, c := range el.Elements() {
		if c.Is(NS, "set") {
			set, err = ParseSet(c)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		items = append(items, c)
	}
	return items, set, nil
}

// Find returns the first result set page among the children of el.
// It returns nil if there is none.
func Find(el *element.Element) (*Set, error) {
	c := el.Child(NS, "set")
	if c == nil {
		return nil, nil
	}
	return ParseSet(c)
}
