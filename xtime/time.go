// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xtime implements time related XMPP functionality.
//
// In particular, this package implements XEP-0202: Entity Time and XEP-0082:
// XMPP Date and Time Profiles.
package xtime // import "mellium.im/xmppcore/xtime"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

const (
	// NS is the XML namespace used by XMPP entity time requests.
	// It is provided as a convenience.
	NS = "urn:xmpp:time"

	// LegacyDateTime implements the legacy profile mentioned in XEP-0082.
	//
	// Unless you are implementing an older XEP that specifically calls for this
	// format, time.RFC3339 should be used instead.
	LegacyDateTime = "20060102T15:04:05"
)

const tzd = "Z07:00"

// ErrNoTime is returned when an entity time response has no time payload.
var ErrNoTime = errors.New("xtime: response has no time payload")

// Format returns t in the DateTime profile in UTC.
// Fractions of a second are only included when they are not zero.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse reads a time in the DateTime profile, with or without fractional
// seconds, or in the legacy profile which is always UTC.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if legacy, lerr := time.Parse(LegacyDateTime, s); lerr == nil {
		return legacy, nil
	}
	return time.Time{}, fmt.Errorf("xtime: bad date time %q: %w", s, err)
}

// Element returns an entity time payload for t.
func Element(t time.Time) *element.Element {
	return element.New(NS, "time").Append(
		element.New("", "tzo").AppendText(t.Format(tzd)),
		element.New("", "utc").AppendText(t.UTC().Format(time.RFC3339)),
	)
}

// ParseElement reads an entity time payload.
// The returned time is in the zone that the entity reported.
func ParseElement(el *element.Element) (time.Time, error) {
	if !el.Is(NS, "time") {
		return time.Time{}, ErrNoTime
	}
	zone, err := time.Parse(tzd, el.ChildText("", "tzo"))
	if err != nil {
		return time.Time{}, fmt.Errorf("xtime: bad timezone offset: %w", err)
	}
	utc, err := time.Parse(time.RFC3339Nano, el.ChildText("", "utc"))
	if err != nil {
		return time.Time{}, fmt.Errorf("xtime: bad utc time: %w", err)
	}
	_, offset := zone.Zone()
	return utc.In(time.FixedZone("", offset)), nil
}

// Get sends a request to the provided JID asking for its time.
func Get(ctx context.Context, root *task.Root, to jid.JID) (time.Time, error) {
	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, to, element.New(NS, "time")))
	if err != nil {
		return time.Time{}, err
	}
	return ParseElement(resp.Child(NS, "time"))
}

// Handle registers a task on root that responds to requests for our time.
// If timeFunc is nil, time.Now is used.
// It returns a function that unregisters the task.
func Handle(root *task.Root, timeFunc func() time.Time) (remove func()) {
	if timeFunc == nil {
		timeFunc = time.Now
	}
	return root.Add(task.TakeFunc(func(el *element.Element) bool {
		if !stanza.IsIQ(el, stanza.GetIQ) || el.Child(NS, "time") == nil {
			return false
		}
		/* #nosec */
		root.Send(context.Background(), stanza.Result(el).Append(Element(timeFunc())))
		return true
	}))
}
