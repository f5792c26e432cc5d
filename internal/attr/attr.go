// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains helpers for working with XML attributes.
package attr // import "mellium.im/xmppcore/internal/attr"

import (
	"encoding/xml"
)

// Get returns the index and value of the first attribute with the provided
// local name from a list of attributes. If no such attribute exists, the index
// is -1 and the value is empty.
func Get(attr []xml.Attr, local string) (int, string) {
	for i, a := range attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return i, a.Value
		}
	}
	return -1, ""
}

// Set replaces the value of the first unqualified attribute with the given
// local name or appends a new attribute if none exists.
func Set(attr []xml.Attr, local, value string) []xml.Attr {
	if idx, _ := Get(attr, local); idx >= 0 {
		attr[idx].Value = value
		return attr
	}
	return append(attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// Remove deletes every unqualified attribute with the given local name.
func Remove(attr []xml.Attr, local string) []xml.Attr {
	out := attr[:0]
	for _, a := range attr {
		if a.Name.Local == local && a.Name.Space == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// IsNamespaceDecl reports whether a is an xmlns or xmlns:prefix declaration.
func IsNamespaceDecl(a xml.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}
