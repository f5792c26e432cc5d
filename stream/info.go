// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"errors"
	"strings"

	"golang.org/x/text/language"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
)

// Errors returned while validating a stream header.
var (
	ErrNamespaceMismatch = errors.New("stream: stream namespace mismatch")
	ErrVersionMismatch   = errors.New("stream: unsupported stream version")
)

// Info contains metadata extracted from or used to build a stream header.
type Info struct {
	XMLNS   string
	To      jid.JID
	From    jid.JID
	ID      string
	Version Version
	Lang    string
}

// FromStartElement sets the data in Info from the provided StartElement.
// The stream element must be in the streams namespace and the content
// namespace, if given, must be the one expected by i.XMLNS.
func (i *Info) FromStartElement(s xml.StartElement) error {
	if s.Name.Space != NS || s.Name.Local != "stream" {
		return ErrNamespaceMismatch
	}
	want := i.XMLNS
	for _, a := range s.Attr {
		switch a.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := (&i.To).UnmarshalXMLAttr(a); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := (&i.From).UnmarshalXMLAttr(a); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			i.ID = a.Value
		case xml.Name{Space: "", Local: "version"}:
			v, err := ParseVersion(a.Value)
			if err != nil {
				return BadFormat
			}
			i.Version = v
		case xml.Name{Space: "", Local: "xmlns"}:
			if want != "" && a.Value != want {
				return ErrNamespaceMismatch
			}
			i.XMLNS = a.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if a.Value != NS {
				return ErrNamespaceMismatch
			}
		case xml.Name{Space: ns.XML, Local: "lang"}, xml.Name{Space: "xml", Local: "lang"}:
			i.Lang = a.Value
		}
	}
	if i.Version.Major != DefaultVersion.Major {
		return ErrVersionMismatch
	}
	return nil
}

// Header returns the verbatim opening and closing tags of a stream described
// by i. They are produced by serializing a skeleton document with a single
// child and cutting the text around that child, so the declarations match
// what a namespace aware parser expects.
func (i Info) Header() (open, close string) {
	content := i.XMLNS
	if content == "" {
		content = ns.Client
	}
	root := element.New(NS, "stream",
		xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: content},
		xml.Attr{Name: xml.Name{Space: "xmlns", Local: "stream"}, Value: NS},
	)
	if !i.To.IsZero() {
		root.SetAttr("to", i.To.String())
	}
	if !i.From.IsZero() {
		root.SetAttr("from", i.From.String())
	}
	root.SetAttr("id", i.ID)
	v := i.Version
	if v == (Version{}) {
		v = DefaultVersion
	}
	root.SetAttr("version", v.String())
	if lang := canonicalLang(i.Lang); lang != "" {
		root.Attr = append(root.Attr, xml.Attr{Name: xml.Name{Space: "xml", Local: "lang"}, Value: lang})
	}
	root.Append(element.New(content, "x"))

	s := root.String()
	cut := strings.Index(s, "><") + 1
	open = s[:cut]
	close = s[strings.LastIndex(s, "</"):]
	return open, close
}

// canonicalLang returns the BCP 47 form of tag, or the tag unchanged if it
// cannot be parsed.
func canonicalLang(tag string) string {
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return t.String()
}
