// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package element implements the XML element tree used for stanzas and
// stream level elements.
//
// An element with an empty namespace inherits the namespace of its parent.
// Elements decoded from the wire carry fully resolved namespaces, which
// StripRedundantNS can reduce to the canonical inherited form.
package element // import "mellium.im/xmppcore/element"

import (
	"encoding/xml"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/internal/attr"
)

// Node is a child of an Element: either another *Element or CharData.
type Node interface {
	node()
}

// CharData is a run of character data inside an element.
type CharData string

func (CharData) node() {}

// Element is an XML element with attributes and ordered children.
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []Node
}

func (*Element) node() {}

// New returns an element with the given namespace, local name and attributes.
func New(space, local string, attrs ...xml.Attr) *Element {
	return &Element{
		Name: xml.Name{Space: space, Local: local},
		Attr: attrs,
	}
}

// Is reports whether the element has the given local name and namespace.
// An empty space matches any namespace.
func (e *Element) Is(space, local string) bool {
	if e == nil || e.Name.Local != local {
		return false
	}
	return space == "" || e.Name.Space == space
}

// Attribute returns the value of the unqualified attribute with the given
// local name or the empty string.
func (e *Element) Attribute(local string) string {
	if e == nil {
		return ""
	}
	_, v := attr.Get(e.Attr, local)
	return v
}

// Lang returns the value of the xml:lang attribute.
func (e *Element) Lang() string {
	for _, a := range e.Attr {
		if a.Name.Local == "lang" && (a.Name.Space == "xml" || a.Name.Space == xmlNS) {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets an unqualified attribute, replacing any existing value.
// An empty value removes the attribute.
func (e *Element) SetAttr(local, value string) *Element {
	if value == "" {
		e.Attr = attr.Remove(e.Attr, local)
		return e
	}
	e.Attr = attr.Set(e.Attr, local, value)
	return e
}

// Append adds child nodes to the end of the element.
func (e *Element) Append(nodes ...Node) *Element {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if el, ok := n.(*Element); ok && el == nil {
			continue
		}
		e.Children = append(e.Children, n)
	}
	return e
}

// AppendText adds character data to the end of the element.
func (e *Element) AppendText(s string) *Element {
	if s == "" {
		return e
	}
	if l := len(e.Children); l > 0 {
		if prev, ok := e.Children[l-1].(CharData); ok {
			e.Children[l-1] = prev + CharData(s)
			return e
		}
	}
	e.Children = append(e.Children, CharData(s))
	return e
}

// Elements returns the child elements, ignoring character data.
func (e *Element) Elements() []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

// Child returns the first child element with the given name or nil.
// An empty space matches any namespace.
func (e *Element) Child(space, local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok && el.Is(space, local) {
			return el
		}
	}
	return nil
}

// ChildText returns the text of the first matching child element.
func (e *Element) ChildText(space, local string) string {
	return e.Child(space, local).Text()
}

// Text returns the concatenated character data of the element, not including
// descendants.
func (e *Element) Text() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range e.Children {
		if t, ok := c.(CharData); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// Copy returns a deep copy of the element.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name}
	if e.Attr != nil {
		c.Attr = make([]xml.Attr, len(e.Attr))
		copy(c.Attr, e.Attr)
	}
	if e.Children != nil {
		c.Children = make([]Node, 0, len(e.Children))
		for _, n := range e.Children {
			switch v := n.(type) {
			case *Element:
				c.Children = append(c.Children, v.Copy())
			case CharData:
				c.Children = append(c.Children, v)
			}
		}
	}
	return c
}

// StripRedundantNS returns a copy of the element in which every descendant
// whose namespace equals the namespace it inherits has its namespace cleared.
func (e *Element) StripRedundantNS() *Element {
	c := e.Copy()
	if c != nil {
		strip(c, "")
	}
	return c
}

func strip(e *Element, parent string) {
	resolved := e.Name.Space
	switch {
	case resolved == "":
		resolved = parent
	case resolved == parent:
		e.Name.Space = ""
	}
	if idx, v := attr.Get(e.Attr, "xmlns"); idx >= 0 && v == parent {
		e.Attr = append(e.Attr[:idx], e.Attr[idx+1:]...)
	}
	for _, n := range e.Children {
		if el, ok := n.(*Element); ok {
			strip(el, resolved)
		}
	}
}

// Equal reports whether two elements have the same resolved namespace, local
// name, attributes (in any order) and children (in order).
// Namespace declarations are not compared.
func (e *Element) Equal(o *Element) bool {
	if e == nil || o == nil {
		return e == o
	}
	return equal(e, o, "", "")
}

func equal(a, b *Element, nsA, nsB string) bool {
	sa, sb := a.Name.Space, b.Name.Space
	if sa == "" {
		sa = nsA
	}
	if sb == "" {
		sb = nsB
	}
	if sa != sb || a.Name.Local != b.Name.Local {
		return false
	}
	if !equalAttrs(a.Attr, b.Attr) {
		return false
	}
	ca, cb := normalize(a.Children), normalize(b.Children)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		switch x := ca[i].(type) {
		case CharData:
			y, ok := cb[i].(CharData)
			if !ok || x != y {
				return false
			}
		case *Element:
			y, ok := cb[i].(*Element)
			if !ok || !equal(x, y, sa, sb) {
				return false
			}
		}
	}
	return true
}

func equalAttrs(a, b []xml.Attr) bool {
	fa, fb := filterDecls(a), filterDecls(b)
	if len(fa) != len(fb) {
		return false
	}
	used := make([]bool, len(fb))
outer:
	for _, x := range fa {
		for j, y := range fb {
			if !used[j] && attrName(x) == attrName(y) && x.Value == y.Value {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// attrName normalizes the xml prefix so that attributes built by hand and
// attributes produced by a decoder compare equal.
func attrName(a xml.Attr) xml.Name {
	if a.Name.Space == "xml" {
		return xml.Name{Space: xmlNS, Local: a.Name.Local}
	}
	return a.Name
}

func filterDecls(attrs []xml.Attr) []xml.Attr {
	out := make([]xml.Attr, 0, len(attrs))
	for _, a := range attrs {
		if !attr.IsNamespaceDecl(a) {
			out = append(out, a)
		}
	}
	return out
}

// normalize merges adjacent character data and drops empty runs.
func normalize(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		t, ok := n.(CharData)
		if !ok {
			out = append(out, n)
			continue
		}
		if t == "" {
			continue
		}
		if l := len(out); l > 0 {
			if prev, ok := out[l-1].(CharData); ok {
				out[l-1] = prev + t
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// TokenReader returns a stream of XML tokens representing the element.
func (e *Element) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(e.Children))
	for _, n := range e.Children {
		switch v := n.(type) {
		case *Element:
			inner = append(inner, v.TokenReader())
		case CharData:
			inner = append(inner, xmlstream.Token(xml.CharData(v)))
		}
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: e.Name, Attr: e.Attr},
	)
}

// WriteXML implements xmlstream.WriterTo.
func (e *Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, e.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	_, err := e.WriteXML(enc)
	return err
}
