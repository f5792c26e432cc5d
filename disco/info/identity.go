// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package info

import (
	"encoding/xml"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
)

// Identity is the type and category of a node on the network.
// Normally one of the pre-defined Identity types should be used.
type Identity struct {
	Category string
	Type     string
	Name     string
	Lang     string
}

// Element returns the identity as an element.
func (i Identity) Element() *element.Element {
	el := element.New(nsInfo, "identity").
		SetAttr("category", i.Category).
		SetAttr("type", i.Type)
	if i.Name != "" {
		el.SetAttr("name", i.Name)
	}
	if i.Lang != "" {
		el.Attr = append(el.Attr, xml.Attr{
			Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: i.Lang,
		})
	}
	return el
}

// ParseIdentity reads an identity from its element.
func ParseIdentity(el *element.Element) Identity {
	return Identity{
		Category: el.Attribute("category"),
		Type:     el.Attribute("type"),
		Name:     el.Attribute("name"),
		Lang:     el.Lang(),
	}
}

// IdentityIter is the interface implemented by types that implement disco
// identities.
type IdentityIter interface {
	ForIdentities(node string, f func(Identity) error) error
}
