// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
)

// NS is the content namespace of client streams.
const NS = ns.Client

// Kind is the name of a stanza element.
type Kind string

// The three stanza kinds.
const (
	IQKind       Kind = "iq"
	MessageKind  Kind = "message"
	PresenceKind Kind = "presence"
)

// IQType is the type of an IQ stanza.
type IQType string

// A list of IQ types.
const (
	GetIQ    IQType = "get"
	SetIQ    IQType = "set"
	ResultIQ IQType = "result"
	ErrorIQ  IQType = "error"
)

// KindOf returns the stanza kind of el and whether el is a stanza at all.
// Elements with an empty namespace are treated as being in the content
// namespace.
func KindOf(el *element.Element) (Kind, bool) {
	if el == nil || (el.Name.Space != "" && el.Name.Space != NS) {
		return "", false
	}
	switch k := Kind(el.Name.Local); k {
	case IQKind, MessageKind, PresenceKind:
		return k, true
	}
	return "", false
}

// Is reports whether el is a stanza.
func Is(el *element.Element) bool {
	_, ok := KindOf(el)
	return ok
}

// IsIQ reports whether el is an IQ of one of the given types, or of any type
// if none are given.
func IsIQ(el *element.Element, types ...IQType) bool {
	if k, ok := KindOf(el); !ok || k != IQKind {
		return false
	}
	if len(types) == 0 {
		return true
	}
	typ := IQType(el.Attribute("type"))
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}

// NewIQ returns an IQ of the given type with a random id and an optional
// payload.
func NewIQ(typ IQType, to jid.JID, payload *element.Element) *element.Element {
	iq := element.New(NS, string(IQKind)).
		SetAttr("type", string(typ)).
		SetAttr("id", attr.RandomID())
	if !to.IsZero() {
		iq.SetAttr("to", to.String())
	}
	if payload != nil {
		iq.Append(payload)
	}
	return iq
}

// NewMessage returns a message stanza with a body.
func NewMessage(to jid.JID, typ, body string) *element.Element {
	msg := element.New(NS, string(MessageKind)).SetAttr("type", typ)
	if !to.IsZero() {
		msg.SetAttr("to", to.String())
	}
	if body != "" {
		msg.Append(element.New("", "body").AppendText(body))
	}
	return msg
}

// Result returns an empty result IQ answering iq.
func Result(iq *element.Element) *element.Element {
	res := element.New(NS, string(IQKind)).
		SetAttr("type", string(ResultIQ)).
		SetAttr("id", iq.Attribute("id"))
	if from := iq.Attribute("from"); from != "" {
		res.SetAttr("to", from)
	}
	return res
}

// ErrorReply returns an error IQ answering iq with the given error.
func ErrorReply(iq *element.Element, e Error) *element.Element {
	res := element.New(NS, string(IQKind)).
		SetAttr("type", string(ErrorIQ)).
		SetAttr("id", iq.Attribute("id"))
	if from := iq.Attribute("from"); from != "" {
		res.SetAttr("to", from)
	}
	return res.Append(e.Element())
}

// From returns the parsed from address of a stanza or the zero JID if it is
// missing or invalid.
func From(el *element.Element) jid.JID {
	j, err := jid.Parse(el.Attribute("from"))
	if err != nil {
		return jid.JID{}
	}
	return j
}
