// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package paging

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/element"
)

// ErrNotSet is returned when parsing an element that is not a result set.
var ErrNotSet = errors.New("paging: element is not a result set")

var (
	_ xmlstream.Marshaler = (*RequestCount)(nil)
	_ xmlstream.Marshaler = (*RequestNext)(nil)
	_ xmlstream.Marshaler = (*RequestPrev)(nil)
	_ xmlstream.Marshaler = (*RequestIndex)(nil)
	_ xmlstream.Marshaler = (*Set)(nil)
)

func textChild(local, text string) *element.Element {
	return element.New("", local).AppendText(text)
}

// RequestCount can be added to a query to request the count of elements without
// returning any actual items.
type RequestCount struct{}

// Element returns the request as an element.
func (req *RequestCount) Element() *element.Element {
	return element.New(NS, "set").Append(textChild("max", "0"))
}

// TokenReader implements xmlstream.Marshaler.
func (req *RequestCount) TokenReader() xml.TokenReader {
	return req.Element().TokenReader()
}

// RequestNext can be added to a query to request the first page or to page
// forward.
type RequestNext struct {
	Max   uint64
	After string
}

// Element returns the request as an element.
func (req *RequestNext) Element() *element.Element {
	el := element.New(NS, "set")
	if req.Max > 0 {
		el.Append(textChild("max", strconv.FormatUint(req.Max, 10)))
	}
	if req.After != "" {
		el.Append(textChild("after", req.After))
	}
	return el
}

// TokenReader implements xmlstream.Marshaler.
func (req *RequestNext) TokenReader() xml.TokenReader {
	return req.Element().TokenReader()
}

// RequestPrev can be added to a query to request the last page or to page
// backward.
// An empty Before requests the last page.
type RequestPrev struct {
	Max    uint64
	Before string
}

// Element returns the request as an element.
func (req *RequestPrev) Element() *element.Element {
	el := element.New(NS, "set")
	if req.Max > 0 {
		el.Append(textChild("max", strconv.FormatUint(req.Max, 10)))
	}
	return el.Append(textChild("before", req.Before))
}

// TokenReader implements xmlstream.Marshaler.
func (req *RequestPrev) TokenReader() xml.TokenReader {
	return req.Element().TokenReader()
}

// RequestIndex can be added to a query to skip to a specific page.
// It is not always supported.
type RequestIndex struct {
	Max   uint64
	Index uint64
}

// Element returns the request as an element.
func (req *RequestIndex) Element() *element.Element {
	return element.New(NS, "set").Append(
		textChild("max", strconv.FormatUint(req.Max, 10)),
		textChild("index", strconv.FormatUint(req.Index, 10)),
	)
}

// TokenReader implements xmlstream.Marshaler.
func (req *RequestIndex) TokenReader() xml.TokenReader {
	return req.Element().TokenReader()
}

// Set describes a page from a returned result set.
type Set struct {
	First struct {
		ID    string
		Index *uint64
	}
	Last  string
	Count *uint64
}

// ParseSet reads a result set page from its element.
func ParseSet(el *element.Element) (*Set, error) {
	if !el.Is(NS, "set") {
		return nil, ErrNotSet
	}
	s := &Set{}
	if first := el.Child("", "first"); first != nil {
		s.First.ID = strings.TrimSpace(first.Text())
		if idx := first.Attribute("index"); idx != "" {
			n, err := strconv.ParseUint(idx, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("paging: bad first index %q: %w", idx, err)
			}
			s.First.Index = &n
		}
	}
	s.Last = strings.TrimSpace(el.ChildText("", "last"))
	if count := el.Child("", "count"); count != nil {
		n, err := strconv.ParseUint(strings.TrimSpace(count.Text()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("paging: bad count: %w", err)
		}
		s.Count = &n
	}
	return s, nil
}

// Element returns the page as an element.
func (s *Set) Element() *element.Element {
	first := textChild("first", s.First.ID)
	if s.First.Index != nil {
		first.SetAttr("index", strconv.FormatUint(*s.First.Index, 10))
	}
	el := element.New(NS, "set").Append(first, textChild("last", s.Last))
	if s.Count != nil {
		el.Append(textChild("count", strconv.FormatUint(*s.Count, 10)))
	}
	return el
}

// TokenReader implements xmlstream.Marshaler.
func (s *Set) TokenReader() xml.TokenReader {
	return s.Element().TokenReader()
}

// Next returns a request for the page after this one or nil if the page is
// empty.
func (s *Set) Next(max uint64) *RequestNext {
	if s == nil || s.Last == "" {
		return nil
	}
	return &RequestNext{Max: max, After: s.Last}
}

// Prev returns a request for the page before this one or nil if the page is
// empty.
func (s *Set) Prev(max uint64) *RequestPrev {
	if s == nil || s.First.ID == "" {
		return nil
	}
	return &RequestPrev{Max: max, Before: s.First.ID}
}
