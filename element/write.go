// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// scope tracks the namespace bindings in effect while serializing.
type scope struct {
	def      string
	prefixes map[string]string // namespace -> prefix
	parent   *scope
}

func (s *scope) lookup(space string) (string, bool) {
	for c := s; c != nil; c = c.parent {
		if p, ok := c.prefixes[space]; ok {
			return p, true
		}
	}
	return "", false
}

// inUse reports whether prefix is bound to any namespace in scope.
func (s *scope) inUse(prefix string) bool {
	for c := s; c != nil; c = c.parent {
		for _, p := range c.prefixes {
			if p == prefix {
				return true
			}
		}
	}
	return false
}

// bind declares a new prefix for space in s and returns it.
func (s *scope) bind(space string) string {
	var p string
	for i := 0; ; i++ {
		p = "ns" + strconv.Itoa(i)
		if !s.inUse(p) {
			break
		}
	}
	if s.prefixes == nil {
		s.prefixes = make(map[string]string)
	}
	s.prefixes[space] = p
	return p
}

// AppendXML appends the serialized form of e to b, assuming that inherited is
// the default namespace already in effect where the element is written.
// An element whose namespace matches the inherited namespace is written
// without an xmlns attribute.
//
// Character data and attribute values are escaped but not otherwise
// validated; see protocol.Sanitize for stream safe output.
func (e *Element) AppendXML(b []byte, inherited string) []byte {
	return e.appendXML(b, &scope{def: inherited})
}

// AppendXMLIn is like AppendXML but also assumes the given namespace to prefix
// bindings are in effect, such as the stream prefix declared by a stream
// header.
func (e *Element) AppendXMLIn(b []byte, inherited string, prefixes map[string]string) []byte {
	return e.appendXML(b, &scope{def: inherited, prefixes: prefixes})
}

// String returns the serialized element.
func (e *Element) String() string {
	if e == nil {
		return ""
	}
	return string(e.AppendXML(nil, ""))
}

// WriteTo implements io.WriterTo.
func (e *Element) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.AppendXML(nil, ""))
	return int64(n), err
}

func (e *Element) appendXML(b []byte, parent *scope) []byte {
	s := &scope{def: parent.def, parent: parent}
	explicitDefault, hasExplicit := "", false
	for _, a := range e.Attr {
		switch {
		case a.Name.Space == "xmlns":
			if s.prefixes == nil {
				s.prefixes = make(map[string]string)
			}
			s.prefixes[a.Value] = a.Name.Local
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			explicitDefault, hasExplicit = a.Value, true
		}
	}

	space := e.Name.Space
	name := e.Name.Local
	emitDefault := false
	switch {
	case space == "" || (!hasExplicit && space == parent.def) || (hasExplicit && space == explicitDefault):
	default:
		if p, ok := s.lookup(space); ok {
			name = p + ":" + name
		} else if !hasExplicit {
			emitDefault = true
			s.def = space
		}
	}
	if hasExplicit {
		s.def = explicitDefault
	}

	// Attributes in a namespace without a prefix in scope get one declared here.
	var decls []string
	for _, a := range e.Attr {
		switch a.Name.Space {
		case "", "xmlns", "xml", xmlNS:
			continue
		}
		if _, ok := s.lookup(a.Name.Space); !ok {
			decls = append(decls, a.Name.Space, s.bind(a.Name.Space))
		}
	}

	b = append(b, '<')
	b = append(b, name...)
	if emitDefault {
		b = appendAttr(b, "xmlns", space)
	}
	for i := 0; i < len(decls); i += 2 {
		b = appendAttr(b, "xmlns:"+decls[i+1], decls[i])
	}
	for _, a := range e.Attr {
		b = appendAttr(b, attrQName(a, s), a.Value)
	}

	if len(e.Children) == 0 {
		return append(b, '/', '>')
	}
	b = append(b, '>')
	for _, n := range e.Children {
		switch v := n.(type) {
		case *Element:
			b = v.appendXML(b, s)
		case CharData:
			b = appendEscaped(b, string(v), false)
		}
	}
	b = append(b, '<', '/')
	b = append(b, name...)
	return append(b, '>')
}

func attrQName(a xml.Attr, s *scope) string {
	switch a.Name.Space {
	case "":
		return a.Name.Local
	case "xmlns":
		return "xmlns:" + a.Name.Local
	case "xml", xmlNS:
		return "xml:" + a.Name.Local
	}
	// Every other namespace was bound before the attributes were written.
	p, _ := s.lookup(a.Name.Space)
	return p + ":" + a.Name.Local
}

func appendAttr(b []byte, name, value string) []byte {
	b = append(b, ' ')
	b = append(b, name...)
	b = append(b, '=', '\'')
	b = appendEscaped(b, value, true)
	return append(b, '\'')
}

func appendEscaped(b []byte, s string, inAttr bool) []byte {
	last := 0
	for i := 0; i < len(s); i++ {
		var esc string
		switch s[i] {
		case '&':
			esc = "&amp;"
		case '<':
			esc = "&lt;"
		case '>':
			esc = "&gt;"
		case '\'':
			if !inAttr {
				continue
			}
			esc = "&apos;"
		case '"':
			if !inAttr {
				continue
			}
			esc = "&quot;"
		case '\r':
			esc = "&#xD;"
		case '\n', '\t':
			if !inAttr {
				continue
			}
			esc = "&#x" + strings.ToUpper(strconv.FormatInt(int64(s[i]), 16)) + ";"
		default:
			continue
		}
		b = append(b, s[last:i]...)
		b = append(b, esc...)
		last = i + 1
	}
	return append(b, s[last:]...)
}
