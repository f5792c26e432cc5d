// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	BadFormat = Error{Err: "bad-format"}

	// BadNamespacePrefix is sent when an entity has sent a namespace prefix that
	// is unsupported, or has sent no namespace prefix on an element that needs
	// such a prefix.
	BadNamespacePrefix = Error{Err: "bad-namespace-prefix"}

	// Conflict is sent when the server is closing the existing stream for this
	// entity because a new stream has been initiated that conflicts with it.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party is closing the stream because it
	// believes the other party has permanently lost the ability to communicate.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostGone is sent when the 'to' address is no longer serviced.
	HostGone = Error{Err: "host-gone"}

	// HostUnknown is sent when the 'to' address is not serviced.
	HostUnknown = Error{Err: "host-unknown"}

	// ImproperAddressing is used when a stanza lacks a required address.
	ImproperAddressing = Error{Err: "improper-addressing"}

	// InternalServerError is sent when the server has experienced a
	// misconfiguration or other internal error.
	InternalServerError = Error{Err: "internal-server-error"}

	// InvalidFrom is sent when a 'from' address does not match an authorized
	// JID or validated domain.
	InvalidFrom = Error{Err: "invalid-from"}

	// InvalidNamespace is sent when the stream or content namespace is not
	// supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// InvalidXML may be sent when the entity has sent invalid XML.
	InvalidXML = Error{Err: "invalid-xml"}

	// NotAuthorized may be sent when the entity has attempted to send data
	// before the stream has been authenticated.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed may be sent when the entity has sent XML that violates the
	// well-formedness rules of XML or XML namespaces.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation may be sent when an entity has violated some local service
	// policy.
	PolicyViolation = Error{Err: "policy-violation"}

	// RemoteConnectionFailed may be sent when the server is unable to connect to
	// a remote entity that is needed for authentication or authorization.
	RemoteConnectionFailed = Error{Err: "remote-connection-failed"}

	// Reset is sent when the server is closing the stream because it has new
	// features to offer or the security context has expired.
	Reset = Error{Err: "reset"}

	// ResourceConstraint may be sent when the server lacks the system resources
	// necessary to service the stream.
	ResourceConstraint = Error{Err: "resource-constraint"}

	// RestrictedXML may be sent when the entity has sent a comment, processing
	// instruction, DTD subset, or XML entity reference.
	RestrictedXML = Error{Err: "restricted-xml"}

	// SeeOtherHost is sent when the server will not provide service and
	// redirects to another host, which is given as the error text.
	SeeOtherHost = Error{Err: "see-other-host"}

	// SystemShutdown may be sent when server is being shut down.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the error condition is not one of
	// those defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedEncoding may be sent when the stream is not UTF-8.
	UnsupportedEncoding = Error{Err: "unsupported-encoding"}

	// UnsupportedFeature may be sent when a mandatory-to-negotiate feature is not
	// supported.
	UnsupportedFeature = Error{Err: "unsupported-feature"}

	// UnsupportedStanzaType may be sent when a first-level child of the stream
	// is not supported.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion may be sent when the 'version' attribute specifies a
	// version of XMPP that is not supported.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// Error represents an unrecoverable stream-level error.
// Errors compare equal by condition with errors.Is.
type Error struct {
	Err  string
	Text string
	Lang string

	// App is an optional application specific condition.
	App *element.Element

	// Content is character data carried by the condition element itself, such
	// as the host of a see-other-host error.
	Content string
}

// Error satisfies the builtin error interface and returns the name of the
// condition, followed by the text if any.
func (s Error) Error() string {
	if s.Text != "" {
		return s.Err + ": " + s.Text
	}
	return s.Err
}

// Is reports whether target is a stream error with the same condition.
func (s Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return t.Err == s.Err
	case *Error:
		return t != nil && t.Err == s.Err
	}
	return false
}

// Element returns the <stream:error/> element for the error.
func (s Error) Element() *element.Element {
	cond := element.New(NSErr, s.Err)
	cond.AppendText(s.Content)
	el := element.New(NS, "error").Append(cond)
	if s.Text != "" {
		text := element.New(NSErr, "text")
		if s.Lang != "" {
			text.Attr = append(text.Attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: s.Lang})
		}
		el.Append(text.AppendText(s.Text))
	}
	if s.App != nil {
		el.Append(s.App.Copy())
	}
	return el
}

// TokenReader returns a stream of tokens encoding the error.
func (s Error) TokenReader() xml.TokenReader {
	return s.Element().TokenReader()
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (s Error) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, s.TokenReader())
}

// FromElement parses a <stream:error/> element.
// If the element has no recognizable condition, UndefinedCondition is used.
func FromElement(el *element.Element) Error {
	e := Error{Err: UndefinedCondition.Err}
	for _, c := range el.Elements() {
		switch {
		case c.Name.Space == NSErr && c.Name.Local == "text":
			e.Text = c.Text()
			e.Lang = c.Lang()
		case c.Name.Space == NSErr:
			e.Err = c.Name.Local
			e.Content = c.Text()
		default:
			e.App = c.Copy()
		}
	}
	return e
}
