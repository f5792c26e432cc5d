// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements XEP-0199: XMPP Ping.
package ping // import "mellium.im/xmppcore/ping"

import (
	"context"
	"errors"
	"time"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// NS is the XML namespace used by XMPP pings. It is provided as a convenience.
const NS = `urn:xmpp:ping`

// IQ returns a ping request addressed to to.
func IQ(to jid.JID) *element.Element {
	return stanza.NewIQ(stanza.GetIQ, to, element.New(NS, "ping"))
}

// Send pings to and returns the round trip time.
// A service-unavailable or feature-not-implemented reply still proves that the
// entity is reachable and is not treated as an error.
func Send(ctx context.Context, root *task.Root, to jid.JID) (time.Duration, error) {
	start := time.Now()
	_, err := root.SendIQ(ctx, IQ(to))
	rtt := time.Since(start)
	var e stanza.Error
	if errors.As(err, &e) {
		switch e.Condition {
		case stanza.ServiceUnavailable, stanza.FeatureNotImplemented:
			return rtt, nil
		}
	}
	return rtt, err
}

// Handler answers pings.
type Handler struct {
	remove func()
}

// Handle registers a task on root that answers pings.
func Handle(root *task.Root) *Handler {
	h := &Handler{}
	h.remove = root.Add(task.TakeFunc(func(el *element.Element) bool {
		if !stanza.IsIQ(el, stanza.GetIQ) || el.Child(NS, "ping") == nil {
			return false
		}
		/* #nosec */
		root.Send(context.Background(), stanza.Result(el))
		return true
	}))
	return h
}

// Close stops answering pings.
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
