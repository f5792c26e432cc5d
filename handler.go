// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"mellium.im/xmppcore/element"
)

// A Handler responds to incoming top level elements in an XML stream.
// Handlers are called in the order the elements arrived and must not block
// for long, since no further input is processed until they return.
type Handler interface {
	HandleElement(el *element.Element) error
}

// The HandlerFunc type is an adapter to allow the use of ordinary functions as
// XMPP handlers.
// If f is a function with the appropriate signature, HandlerFunc(f) is a
// Handler that calls f.
type HandlerFunc func(el *element.Element) error

// HandleElement calls f(el).
func (f HandlerFunc) HandleElement(el *element.Element) error {
	return f(el)
}

// Handlers calls each handler in turn and returns the first error.
type Handlers []Handler

// HandleElement passes el to every handler.
func (hs Handlers) HandleElement(el *element.Element) error {
	var first error
	for _, h := range hs {
		if err := h.HandleElement(el); err != nil && first == nil {
			first = err
		}
	}
	return first
}
