// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element

import (
	"encoding/xml"
	"errors"
	"io"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/internal/attr"
)

const xmlNS = "http://www.w3.org/XML/1998/namespace"

// ErrNoElement is returned by Read when the token stream ends before a start
// element is found.
var ErrNoElement = errors.New("element: no start element in token stream")

// Read consumes tokens from r until the first start element and decodes it.
func Read(r xml.TokenReader) (*Element, error) {
	for {
		tok, err := r.Token()
		if err != nil {
			if err == io.EOF {
				return nil, ErrNoElement
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Decode(r, start)
		}
	}
}

// FromMarshaler builds an element from anything that can produce a token
// stream.
func FromMarshaler(m xmlstream.Marshaler) (*Element, error) {
	return Read(m.TokenReader())
}

// Decode builds an element from start and the tokens that follow it in r,
// consuming tokens up to and including the matching end element.
// Namespace declarations are dropped since the namespace is carried by each
// name; the writer declares prefixes again where attributes need them. Comments, processing instructions and directives are ignored.
func Decode(r xml.TokenReader, start xml.StartElement) (*Element, error) {
	root := fromStart(start)
	stack := []*Element{root}
	for len(stack) > 0 {
		tok, err := r.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			el := fromStart(t)
			top.Children = append(top.Children, el)
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top.AppendText(string(t))
		}
	}
	return root, nil
}

func fromStart(start xml.StartElement) *Element {
	el := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if attr.IsNamespaceDecl(a) {
			continue
		}
		el.Attr = append(el.Attr, a)
	}
	return el
}
