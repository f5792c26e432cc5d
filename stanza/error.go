// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
)

// NSError is the namespace of stanza error conditions.
const NSError = ns.Stanza

// ErrorType is the type of an stanza error payloads.
// It should normally be one of the constants defined in this package.
type ErrorType string

const (
	// Cancel indicates that the error cannot be remedied and the operation should
	// not be retried.
	Cancel ErrorType = "cancel"

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue indicates that the operation can proceed (the condition was only a
	// warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the data
	// sent.
	Modify ErrorType = "modify"

	// Wait is indicates that an error is temporary and may be retried.
	Wait ErrorType = "wait"
)

// Condition represents a more specific stanza error condition that can be
// encapsulated by an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3
const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PaymentRequired       Condition = "payment-required"
	PolicyViolation       Condition = "policy-violation"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

type legacy struct {
	code int
	typ  ErrorType
}

// legacyCodes maps conditions to the numeric codes and default types of
// XEP-0086.
var legacyCodes = map[Condition]legacy{
	BadRequest:            {400, Modify},
	Conflict:              {409, Cancel},
	FeatureNotImplemented: {501, Cancel},
	Forbidden:             {403, Auth},
	Gone:                  {302, Modify},
	InternalServerError:   {500, Wait},
	ItemNotFound:          {404, Cancel},
	JIDMalformed:          {400, Modify},
	NotAcceptable:         {406, Modify},
	NotAllowed:            {405, Cancel},
	NotAuthorized:         {401, Auth},
	PaymentRequired:       {402, Auth},
	PolicyViolation:       {406, Modify},
	RecipientUnavailable:  {404, Wait},
	Redirect:              {302, Modify},
	RegistrationRequired:  {407, Auth},
	RemoteServerNotFound:  {404, Cancel},
	RemoteServerTimeout:   {504, Wait},
	ResourceConstraint:    {500, Wait},
	ServiceUnavailable:    {503, Cancel},
	SubscriptionRequired:  {407, Auth},
	UndefinedCondition:    {500, Cancel},
	UnexpectedRequest:     {400, Wait},
}

// codeConditions maps legacy numeric codes back to the condition that best
// represents them.
var codeConditions = map[int]Condition{
	302: Redirect,
	400: BadRequest,
	401: NotAuthorized,
	402: PaymentRequired,
	403: Forbidden,
	404: ItemNotFound,
	405: NotAllowed,
	406: NotAcceptable,
	407: RegistrationRequired,
	408: RemoteServerTimeout,
	409: Conflict,
	500: InternalServerError,
	501: FeatureNotImplemented,
	502: ServiceUnavailable,
	503: ServiceUnavailable,
	504: RemoteServerTimeout,
	510: ServiceUnavailable,
}

// Code returns the XEP-0086 numeric code of the condition, or 500 if the
// condition is unknown.
func (c Condition) Code() int {
	if l, ok := legacyCodes[c]; ok {
		return l.code
	}
	return 500
}

// DefaultType returns the error type that usually accompanies the condition.
func (c Condition) DefaultType() ErrorType {
	if l, ok := legacyCodes[c]; ok {
		return l.typ
	}
	return Cancel
}

// ConditionForCode returns the condition represented by a legacy numeric code.
func ConditionForCode(code int) Condition {
	if c, ok := codeConditions[code]; ok {
		return c
	}
	return UndefinedCondition
}

// Error is an error that can be sent or received as part of a stanza.
type Error struct {
	Type      ErrorType
	Condition Condition
	Code      int
	By        string
	Text      string
	Lang      string

	// App is an optional application specific condition.
	App *element.Element
}

// NewError returns an error with the given condition, its default type and
// its legacy code.
func NewError(c Condition, text string) Error {
	return Error{
		Type:      c.DefaultType(),
		Condition: c,
		Code:      c.Code(),
		Text:      text,
	}
}

// Error satisfies the error interface by returning the condition, followed by
// the text if any.
func (se Error) Error() string {
	if se.Text != "" {
		return string(se.Condition) + ": " + se.Text
	}
	return string(se.Condition)
}

// Is reports whether target is a stanza error with the same condition.
func (se Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return t.Condition == se.Condition
	case *Error:
		return t != nil && t.Condition == se.Condition
	}
	return false
}

// Element returns the <error/> element.
func (se Error) Element() *element.Element {
	el := element.New("", "error")
	typ := se.Type
	if typ == "" {
		typ = se.Condition.DefaultType()
	}
	el.SetAttr("type", string(typ))
	code := se.Code
	if code == 0 {
		code = se.Condition.Code()
	}
	el.SetAttr("code", strconv.Itoa(code))
	el.SetAttr("by", se.By)
	cond := se.Condition
	if cond == "" {
		cond = UndefinedCondition
	}
	el.Append(element.New(NSError, string(cond)))
	if se.Text != "" {
		text := element.New(NSError, "text")
		if se.Lang != "" {
			text.Attr = append(text.Attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: se.Lang})
		}
		el.Append(text.AppendText(se.Text))
	}
	if se.App != nil {
		el.Append(se.App.Copy())
	}
	return el
}

// TokenReader satisfies the xmlstream.Marshaler interface for Error.
func (se Error) TokenReader() xml.TokenReader {
	return se.Element().TokenReader()
}

// FromElement parses an <error/> element.
// If no condition element is present the legacy code attribute is mapped to
// a condition.
func FromElement(el *element.Element) Error {
	se := Error{
		Type: ErrorType(el.Attribute("type")),
		By:   el.Attribute("by"),
	}
	if code, err := strconv.Atoi(el.Attribute("code")); err == nil {
		se.Code = code
	}
	for _, c := range el.Elements() {
		switch {
		case c.Name.Space == NSError && c.Name.Local == "text":
			se.Text = c.Text()
			se.Lang = c.Lang()
		case c.Name.Space == NSError:
			se.Condition = Condition(c.Name.Local)
		default:
			se.App = c.Copy()
		}
	}
	if se.Condition == "" {
		if se.Code != 0 {
			se.Condition = ConditionForCode(se.Code)
		} else {
			se.Condition = UndefinedCondition
		}
		if se.Text == "" {
			se.Text = el.Text()
		}
	}
	if se.Code == 0 {
		se.Code = se.Condition.Code()
	}
	if se.Type == "" {
		se.Type = se.Condition.DefaultType()
	}
	return se
}

// ErrorFrom returns the error carried by a stanza of type error, and false if
// el is not an error stanza.
func ErrorFrom(el *element.Element) (Error, bool) {
	if el.Attribute("type") != "error" {
		return Error{}, false
	}
	if e := el.Child("", "error"); e != nil {
		return FromElement(e), true
	}
	return NewError(UndefinedCondition, ""), true
}
