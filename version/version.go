// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package version queries a remote entity for software version info.
package version // import "mellium.im/xmppcore/version"

import (
	"context"
	"errors"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

const (
	// NS is the XML namespace used by software version queries.
	// It is provided as a convenience.
	NS = "jabber:iq:version"
)

// ErrNoQuery is returned when a response has no version payload.
var ErrNoQuery = errors.New("version: response has no query payload")

// Query is the payload of a software version query or response.
type Query struct {
	Name    string
	Version string
	OS      string
}

// Element returns the query as an element.
// Empty fields are omitted.
func (q Query) Element() *element.Element {
	el := element.New(NS, "query")
	if q.Name != "" {
		el.Append(element.New("", "name").AppendText(q.Name))
	}
	if q.Version != "" {
		el.Append(element.New("", "version").AppendText(q.Version))
	}
	if q.OS != "" {
		el.Append(element.New("", "os").AppendText(q.OS))
	}
	return el
}

// Parse reads a software version payload.
func Parse(el *element.Element) (Query, error) {
	if !el.Is(NS, "query") {
		return Query{}, ErrNoQuery
	}
	return Query{
		Name:    el.ChildText("", "name"),
		Version: el.ChildText("", "version"),
		OS:      el.ChildText("", "os"),
	}, nil
}

// Get requests the software version of the provided entity.
// It blocks until a response is received.
func Get(ctx context.Context, root *task.Root, to jid.JID) (Query, error) {
	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, to, element.New(NS, "query")))
	if err != nil {
		return Query{}, err
	}
	return Parse(resp.Child(NS, "query"))
}

// Handler answers software version queries with a fixed response.
type Handler struct {
	remove func()
}

// Handle registers a task on root that answers version queries with q.
func Handle(root *task.Root, q Query) *Handler {
	h := &Handler{}
	h.remove = root.Add(task.TakeFunc(func(el *element.Element) bool {
		if !stanza.IsIQ(el, stanza.GetIQ) || el.Child(NS, "query") == nil {
			return false
		}
		/* #nosec */
		root.Send(context.Background(), stanza.Result(el).Append(q.Element()))
		return true
	}))
	return h
}

// Close stops answering queries.
func (h *Handler) Close() {
	h.remove()
}

// ForFeatures implements info.FeatureIter.
func (h *Handler) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return nil
	}
	return f(info.Feature{Var: NS})
}
