// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package history

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/form"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/paging"
	"mellium.im/xmppcore/xtime"
)

// ErrNotQuery is returned when parsing an element that is not an archive
// query.
var ErrNotQuery = errors.New("history: element is not an archive query")

// Query is a request to the archive for data.
// An empty query indicates all messages should be fetched without a filter and
// with a random ID.
type Query struct {
	// Query parameters
	ID      string
	Archive jid.JID

	// Filters
	With             jid.JID
	IncludeGroupchat bool
	Start            time.Time
	End              time.Time
	BeforeID         string
	AfterID          string
	IDs              []string

	// Max is the page size requested from the archive.
	Max uint64

	// Limit limits the total number of messages returned by Fetch.
	Limit uint64

	// Last starts fetching from the last page.
	Last bool

	// Reverse flips messages returned within a page.
	Reverse bool
}

const (
	fieldWith      = "with"
	fieldGroupchat = "include-groupchat"
	fieldStart     = "start"
	fieldEnd       = "end"
	fieldAfter     = "after-id"
	fieldBefore    = "before-id"
	fieldIDs       = "ids"
)

func (q Query) filter() *form.Data {
	dataForm := form.New(
		form.Hidden("FORM_TYPE", form.Value(NS)),
		form.JID(fieldWith),
		form.Boolean(fieldGroupchat),
		form.Text(fieldStart),
		form.Text(fieldEnd),
		form.Text(fieldAfter),
		form.Text(fieldBefore),
		form.ListMulti(fieldIDs),
	)
	if !q.With.IsZero() {
		/* #nosec */
		dataForm.Set(fieldWith, q.With)
	}
	if q.IncludeGroupchat {
		/* #nosec */
		dataForm.Set(fieldGroupchat, true)
	}
	if !q.Start.IsZero() {
		/* #nosec */
		dataForm.Set(fieldStart, xtime.Format(q.Start))
	}
	if !q.End.IsZero() {
		/* #nosec */
		dataForm.Set(fieldEnd, xtime.Format(q.End))
	}
	if q.AfterID != "" {
		/* #nosec */
		dataForm.Set(fieldAfter, q.AfterID)
	}
	if q.BeforeID != "" {
		/* #nosec */
		dataForm.Set(fieldBefore, q.BeforeID)
	}
	if len(q.IDs) > 0 {
		/* #nosec */
		dataForm.Set(fieldIDs, q.IDs)
	}
	filter, _ := dataForm.Submit()
	return filter
}

// Element returns the query for the first page.
func (q Query) Element() *element.Element {
	return q.page("")
}

// page builds the query for the page following cursor.
// The cursor is an RSM after value, or a before value when paging from the
// end.
func (q Query) page(cursor string) *element.Element {
	el := element.New(NS, "query")
	if q.ID != "" {
		el.SetAttr("queryid", q.ID)
	}
	el.Append(q.filter().Element())
	switch {
	case q.Last:
		el.Append((&paging.RequestPrev{Max: q.Max, Before: cursor}).Element())
	case q.Max > 0 || cursor != "":
		el.Append((&paging.RequestNext{Max: q.Max, After: cursor}).Element())
	}
	if q.Reverse {
		el.Append(element.New("", "flip-page"))
	}
	return el
}

// ParseQuery reads an archive query.
// The archive address is not part of the query and is left empty.
func ParseQuery(el *element.Element) (Query, error) {
	if !el.Is(NS, "query") {
		return Query{}, ErrNotQuery
	}
	q := Query{ID: el.Attribute("queryid")}
	if x := el.Child(form.NS, "x"); x != nil {
		data, err := form.Parse(x)
		if err != nil {
			return Query{}, err
		}
		q.With, _ = data.GetJID(fieldWith)
		q.IncludeGroupchat, _ = data.GetBool(fieldGroupchat)
		if s, ok := data.GetString(fieldStart); ok {
			q.Start, err = xtime.Parse(s)
			if err != nil {
				return Query{}, err
			}
		}
		if s, ok := data.GetString(fieldEnd); ok {
			q.End, err = xtime.Parse(s)
			if err != nil {
				return Query{}, err
			}
		}
		q.AfterID, _ = data.GetString(fieldAfter)
		q.BeforeID, _ = data.GetString(fieldBefore)
		q.IDs, _ = data.GetStrings(fieldIDs)
	}
	if set := el.Child(paging.NS, "set"); set != nil {
		if max := strings.TrimSpace(set.ChildText("", "max")); max != "" {
			n, err := strconv.ParseUint(max, 10, 64)
			if err != nil {
				return Query{}, err
			}
			q.Max = n
		}
		q.Last = set.Child("", "before") != nil
	}
	q.Reverse = el.Child("", "flip-page") != nil
	return q, nil
}
