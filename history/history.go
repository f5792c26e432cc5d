// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package history

import (
	"context"
	"sync"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/forward"
	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// Message is a single message returned from the archive.
type Message struct {
	// ID is the archive's identifier for the message.
	ID string
	forward.Forwarded
}

// Element wraps the archived message in a message stanza answering the query
// with the given id.
func (m Message) Element(to jid.JID, queryID string) *element.Element {
	result := element.New(NS, "result").SetAttr("id", m.ID)
	if queryID != "" {
		result.SetAttr("queryid", queryID)
	}
	return stanza.NewMessage(to, "", "").Append(result.Append(m.Forwarded.Element()))
}

// Fetch requests messages from the archive, following pages until the archive
// reports that the query is complete or Limit messages have been received.
// Messages are returned in the order they were delivered.
// When paging from the end with Reverse set this is newest first.
func Fetch(ctx context.Context, root *task.Root, q Query) ([]Message, error) {
	if q.ID == "" {
		q.ID = attr.RandomID()
	}
	var (
		all    []Message
		cursor string
		seen   = make(map[string]struct{})
	)
	for {
		msgs, res, err := FetchPage(ctx, root, q, cursor)
		if err != nil {
			return all, err
		}
		all = append(all, msgs...)
		if q.Limit > 0 && uint64(len(all)) >= q.Limit {
			return all[:q.Limit], nil
		}
		if res.Complete || res.Set == nil || len(msgs) == 0 {
			return all, nil
		}
		next := res.Set.Last
		if q.Last {
			next = res.Set.First.ID
		}
		if next == "" {
			return all, nil
		}
		if _, ok := seen[next]; ok {
			return all, nil
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

// FetchPage requests a single page from the archive.
// The cursor is the last ID of the previous page, or its first ID when
// paging from the end, and is empty for the first page.
func FetchPage(ctx context.Context, root *task.Root, q Query, cursor string) ([]Message, Result, error) {
	if q.ID == "" {
		q.ID = attr.RandomID()
	}
	local := root.LocalAddr().Bare()
	var (
		mu   sync.Mutex
		msgs []Message
	)
	remove := root.Add(task.TakeFunc(func(el *element.Element) bool {
		if k, ok := stanza.KindOf(el); !ok || k != stanza.MessageKind {
			return false
		}
		result := el.Child(NS, "result")
		if result == nil || result.Attribute("queryid") != q.ID {
			return false
		}
		if !fromArchive(stanza.From(el), el.Attribute("from"), q.Archive, local) {
			return false
		}
		f, err := forward.Parse(result.Child(forward.NS, "forwarded"))
		if err != nil {
			return false
		}
		mu.Lock()
		msgs = append(msgs, Message{ID: result.Attribute("id"), Forwarded: f})
		mu.Unlock()
		return true
	}))
	defer remove()

	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.SetIQ, q.Archive, q.page(cursor)))
	if err != nil {
		return nil, Result{}, err
	}
	res, err := ParseResult(resp.Child(NS, "fin"))
	if err != nil {
		return nil, Result{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	return msgs, res, nil
}

// fromArchive reports whether a result was sent by the archive that was
// queried.
// The user's own archive may answer without a from address.
func fromArchive(from jid.JID, raw string, archive, local jid.JID) bool {
	if archive.IsZero() || archive.Equal(local) {
		return raw == "" || from.Equal(local)
	}
	return from.Equal(archive)
}
