// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
	"io"

	"mellium.im/sasl"

	"mellium.im/xmppcore/auth"
	"mellium.im/xmppcore/bytestream"
	"mellium.im/xmppcore/dial"
	"mellium.im/xmppcore/internal/saslerr"
	"mellium.im/xmppcore/protocol"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
	"mellium.im/xmppcore/task"
)

// Errors returned by the xmpp package.
var (
	ErrTLSRequired       = errors.New("xmpp: server does not offer STARTTLS")
	ErrTLSHandshake      = errors.New("xmpp: TLS negotiation failed")
	ErrNoMechanism       = errors.New("xmpp: no supported SASL mechanism offered")
	ErrAbort             = errors.New("xmpp: SASL exchange aborted")
	ErrNoBind            = errors.New("xmpp: server does not offer resource binding")
	ErrUnexpectedElement = errors.New("xmpp: unexpected element")
	ErrNotOpen           = errors.New("xmpp: stream is not open")
	ErrSMDisabled        = errors.New("xmpp: stream management is not enabled")
	ErrSMTimeout         = errors.New("xmpp: stream management ack timed out")
	ErrSMResumeFailed    = errors.New("xmpp: stream resumption failed")
	ErrSMHandledTooHigh  = errors.New("xmpp: peer acknowledged more stanzas than were sent")
)

// SASLError is a <failure/> returned by the server during authentication.
type SASLError struct {
	Condition string
	Text      string
	Lang      string
}

func newSASLError(f saslerr.Failure) SASLError {
	e := SASLError{
		Condition: f.Condition.String(),
		Text:      f.Text,
	}
	if f.Text != "" {
		e.Lang = f.Lang.String()
	}
	return e
}

// Error satisfies the error interface.
func (e SASLError) Error() string {
	if e.Text != "" {
		return "xmpp: authentication failed: " + e.Condition + ": " + e.Text
	}
	return "xmpp: authentication failed: " + e.Condition
}

// Is reports whether target is a SASLError with the same condition.
func (e SASLError) Is(target error) bool {
	t, ok := target.(SASLError)
	return ok && t.Condition == e.Condition
}

// ErrorKind groups errors by the layer that produced them.
type ErrorKind int

// A list of error kinds.
const (
	KindNone ErrorKind = iota
	KindTransport
	KindProtocol
	KindAuth
	KindStanza
	KindSM
	KindTask
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindStanza:
		return "stanza"
	case KindSM:
		return "sm"
	case KindTask:
		return "task"
	}
	return "none"
}

// Classify returns the kind of err.
// Errors that are not recognized are treated as transport errors, since the
// remaining errors returned by this module come from the underlying
// connection.
func Classify(err error) ErrorKind {
	var (
		saslErr   SASLError
		stanzaErr stanza.Error
		streamErr stream.Error
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSMTimeout), errors.Is(err, ErrSMResumeFailed), errors.Is(err, ErrSMDisabled),
		errors.Is(err, ErrSMHandledTooHigh):
		return KindSM
	case errors.Is(err, task.ErrTimeout), errors.Is(err, task.ErrDisc):
		return KindTask
	case errors.As(err, &saslErr),
		errors.Is(err, ErrNoMechanism),
		errors.Is(err, ErrAbort),
		errors.Is(err, auth.ErrServerSignature),
		errors.Is(err, auth.ErrBadChallenge),
		errors.Is(err, auth.ErrNoTLS),
		errors.Is(err, sasl.ErrInvalidChallenge),
		errors.Is(err, sasl.ErrTooManySteps):
		return KindAuth
	case errors.As(err, &stanzaErr):
		return KindStanza
	case errors.Is(err, protocol.ErrParse),
		errors.Is(err, ErrUnexpectedElement),
		errors.Is(err, ErrNoBind),
		errors.Is(err, stream.ErrVersionMismatch),
		errors.Is(err, stream.ErrNamespaceMismatch),
		errors.As(err, &streamErr):
		return KindProtocol
	case errors.Is(err, dial.ErrConnectionRefused),
		errors.Is(err, dial.ErrHostNotFound),
		errors.Is(err, ErrTLSHandshake),
		errors.Is(err, ErrTLSRequired),
		errors.Is(err, ErrNotOpen),
		errors.Is(err, protocol.ErrClosed),
		errors.Is(err, bytestream.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransport
	}
	return KindTransport
}
