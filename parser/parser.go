// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package parser implements an incremental, feed-and-pull parser for XML
// streams.
//
// Bytes are appended as they arrive and events are pulled one at a time. The
// parser never blocks: when the buffered bytes do not yet contain a complete
// event, ReadNext reports that more data is needed and keeps the bytes for the
// next attempt.
package parser // import "mellium.im/xmppcore/parser"

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"mellium.im/xmppcore/element"
)

// EventType is the kind of an Event.
type EventType int

// A list of event types.
const (
	None EventType = iota
	DocumentOpen
	Element
	DocumentClose
	Error
)

func (t EventType) String() string {
	switch t {
	case DocumentOpen:
		return "document-open"
	case Element:
		return "element"
	case DocumentClose:
		return "document-close"
	case Error:
		return "error"
	}
	return "none"
}

// Event is a single result of parsing.
type Event struct {
	Type EventType

	// Start is the root start element for DocumentOpen events.
	Start xml.StartElement

	// Element is the complete top level child for Element events.
	Element *element.Element

	// Raw is the verbatim text of the open or close tag for DocumentOpen and
	// DocumentClose events and of the element for Element events.
	Raw string

	// Err is set for Error events.
	Err error
}

// Errors returned in Error events.
var (
	ErrTextAtRoot = errors.New("parser: character data at the stream root")
	ErrRestricted = errors.New("parser: restricted XML construct in stream")
	ErrAfterClose = errors.New("parser: data after the end of the stream")
	errNeedMore   = errors.New("parser: need more data")
	utf8Encodings = []string{"utf-8"}
)

// Parser is an incremental XML stream parser.
// The zero value is ready to use.
type Parser struct {
	buf      []byte
	rootRaw  []byte
	root     xml.StartElement
	opened   bool
	closed   bool
	encoding string
	err      error
}

// New returns a parser ready for a new stream.
func New() *Parser {
	return &Parser{}
}

// AppendData adds bytes to the parse buffer.
func (p *Parser) AppendData(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of bytes that have been appended but not yet
// consumed by an event.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Encoding returns the encoding declared by the XML declaration, or the empty
// string if the stream did not start with one.
func (p *Parser) Encoding() string {
	return p.encoding
}

// Root returns the start element of the stream root once the document has
// been opened.
func (p *Parser) Root() (xml.StartElement, bool) {
	return p.root, p.opened
}

// Reset discards all parser state and returns the bytes that were appended
// but not consumed. Calling Reset twice is the same as calling it once.
func (p *Parser) Reset() []byte {
	tail := p.buf
	*p = Parser{}
	if len(tail) == 0 {
		return nil
	}
	return tail
}

// ReadNext returns the next event and true, or an empty event and false if
// more data is needed.
// Once an Error event has been returned every later call returns it again.
func (p *Parser) ReadNext() (Event, bool) {
	if p.err != nil {
		return Event{Type: Error, Err: p.err}, true
	}
	if p.closed {
		if len(bytes.TrimSpace(p.buf)) > 0 {
			p.err = ErrAfterClose
			return Event{Type: Error, Err: p.err}, true
		}
		return Event{}, false
	}

	var (
		ev  Event
		err error
	)
	if !p.opened {
		ev, err = p.readOpen()
	} else {
		ev, err = p.readChild()
	}
	switch {
	case err == errNeedMore:
		return Event{}, false
	case err != nil:
		p.err = err
		return Event{Type: Error, Err: err}, true
	}
	return ev, true
}

func (p *Parser) readOpen() (Event, error) {
	d := xml.NewDecoder(bytes.NewReader(p.complete()))
	for {
		offset := d.InputOffset()
		tok, err := d.Token()
		if err != nil {
			return Event{}, incomplete(err)
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target == "xml" {
				p.encoding = procInstParam(string(t.Inst), "encoding")
				if p.encoding != "" && !isUTF8(p.encoding) {
					return Event{}, errors.New("parser: unsupported encoding " + p.encoding)
				}
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return Event{}, ErrTextAtRoot
			}
		case xml.Comment:
		case xml.Directive:
			return Event{}, ErrRestricted
		case xml.EndElement:
			return Event{}, ErrRestricted
		case xml.StartElement:
			end := d.InputOffset()
			raw := bytes.TrimLeft(p.buf[offset:end], " \t\r\n")
			p.rootRaw = append([]byte(nil), raw...)
			p.root = t.Copy()
			p.opened = true
			p.buf = append(p.buf[:0], p.buf[end:]...)
			return Event{Type: DocumentOpen, Start: p.root, Raw: string(p.rootRaw)}, nil
		}
	}
}

// readChild replays the verbatim root tag ahead of the buffered bytes so that
// a fresh decoder knows every namespace declared by the stream header.
func (p *Parser) readChild() (Event, error) {
	prefix := int64(len(p.rootRaw))
	d := xml.NewDecoder(io.MultiReader(bytes.NewReader(p.rootRaw), bytes.NewReader(p.complete())))
	if _, err := d.Token(); err != nil {
		return Event{}, err
	}
	for {
		offset := d.InputOffset() - prefix
		tok, err := d.Token()
		if err != nil {
			return Event{}, incomplete(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return Event{}, ErrTextAtRoot
			}
		case xml.Comment:
		case xml.ProcInst, xml.Directive:
			return Event{}, ErrRestricted
		case xml.EndElement:
			end := d.InputOffset() - prefix
			raw := string(bytes.TrimLeft(p.buf[offset:end], " \t\r\n"))
			p.closed = true
			p.buf = append(p.buf[:0], p.buf[end:]...)
			return Event{Type: DocumentClose, Raw: raw}, nil
		case xml.StartElement:
			el, err := element.Decode(d, t)
			if err != nil {
				return Event{}, incomplete(err)
			}
			end := d.InputOffset() - prefix
			raw := string(bytes.TrimLeft(p.buf[offset:end], " \t\r\n"))
			p.buf = append(p.buf[:0], p.buf[end:]...)
			return Event{Type: Element, Element: el, Raw: raw}, nil
		}
	}
}

// complete returns the buffer without a trailing partial UTF-8 sequence.
// The decoder reports a truncated rune as invalid UTF-8 rather than as an
// unexpected EOF, and no event can end inside a rune anyway.
func (p *Parser) complete() []byte {
	end := len(p.buf)
	for i := 1; i <= utf8.UTFMax && i <= end; i++ {
		c := p.buf[end-i]
		if c < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(p.buf[end-i:]) {
				return p.buf[:end-i]
			}
			break
		}
	}
	return p.buf
}

// incomplete maps errors caused by running out of buffered data to
// errNeedMore.
func incomplete(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errNeedMore
	}
	var synErr *xml.SyntaxError
	if errors.As(err, &synErr) && synErr.Msg == "unexpected EOF" {
		return errNeedMore
	}
	return err
}

func isUTF8(enc string) bool {
	for _, e := range utf8Encodings {
		if strings.EqualFold(enc, e) {
			return true
		}
	}
	return false
}

// procInstParam extracts a pseudo attribute from the body of a processing
// instruction.
func procInstParam(inst, param string) string {
	idx := strings.Index(inst, param)
	for idx >= 0 {
		rest := strings.TrimLeft(inst[idx+len(param):], " \t\r\n")
		if strings.HasPrefix(rest, "=") {
			rest = strings.TrimLeft(rest[1:], " \t\r\n")
			if len(rest) > 0 && (rest[0] == '\'' || rest[0] == '"') {
				q := rest[0]
				if end := strings.IndexByte(rest[1:], q); end >= 0 {
					return rest[1 : end+1]
				}
			}
			return ""
		}
		next := strings.Index(inst[idx+len(param):], param)
		if next < 0 {
			break
		}
		idx += len(param) + next
	}
	return ""
}
