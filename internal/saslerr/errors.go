// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslerr provides error conditions for the XMPP profile of SASL as
// defined by RFC 6120 §6.5.
package saslerr // import "mellium.im/xmppcore/internal/saslerr"

import (
	"encoding/xml"

	"golang.org/x/text/language"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
)

// Condition represents a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

// String returns the condition name.
func (c Condition) String() string {
	return string(c)
}

// Standard SASL error conditions.
const (
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure represents a SASL error.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure. It returns the text string
// if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// Is reports whether target is a Failure with the same condition.
func (f Failure) Is(target error) bool {
	t, ok := target.(Failure)
	return ok && t.Condition == f.Condition
}

// Element returns the <failure/> element.
func (f Failure) Element() *element.Element {
	el := element.New(ns.SASL, "failure").Append(element.New("", string(f.Condition)))
	if f.Text != "" {
		text := element.New("", "text")
		if f.Lang != language.Und {
			text.Attr = append(text.Attr, xml.Attr{
				Name:  xml.Name{Space: ns.XML, Local: "lang"},
				Value: f.Lang.String(),
			})
		}
		el.Append(text.AppendText(f.Text))
	}
	return el
}

// TokenReader satisfies the xmlstream.Marshaler interface for a Failure.
func (f Failure) TokenReader() xml.TokenReader {
	return f.Element().TokenReader()
}

// FromElement parses a <failure/> element. If several text elements are
// present, the one whose xml:lang best matches pref is selected.
func FromElement(el *element.Element, pref language.Tag) Failure {
	var f Failure
	var (
		tags []language.Tag
		data = make(map[language.Tag]string)
	)
	for _, c := range el.Elements() {
		if c.Name.Local != "text" {
			f.Condition = Condition(c.Name.Local)
			continue
		}
		// Skip any text whose language tag cannot be parsed.
		tag, err := language.Parse(c.Lang())
		if c.Lang() == "" {
			tag, err = language.Und, nil
		}
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		data[tag] = c.Text()
	}
	if f.Condition == "" {
		f.Condition = NotAuthorized
	}
	if len(tags) == 0 {
		return f
	}
	_, idx, _ := language.NewMatcher(tags).Match(pref)
	f.Lang = tags[idx]
	f.Text = data[f.Lang]
	return f
}
