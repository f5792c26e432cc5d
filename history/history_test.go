// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package history_test

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/delay"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/forward"
	"mellium.im/xmppcore/history"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/paging"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

var (
	local = jid.MustParse("juliet@capulet.lit/balcony")
	room  = jid.MustParse("coven@chat.shakespeare.lit")
	epoch = time.Date(2010, 7, 10, 23, 8, 25, 0, time.UTC)
)

var queryTests = [...]struct {
	in  history.Query
	out string
}{
	0: {
		in:  history.Query{},
		out: `<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field></x></query>`,
	},
	1: {
		in:  history.Query{ID: "f27", With: jid.MustParse("example.net")},
		out: `<query xmlns='urn:xmpp:mam:2' queryid='f27'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field><field type='jid-single' var='with'><value>example.net</value></field></x></query>`,
	},
	2: {
		in:  history.Query{Start: time.Unix(1, 0), End: time.Unix(2, 0)},
		out: `<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field><field type='text-single' var='start'><value>1970-01-01T00:00:01Z</value></field><field type='text-single' var='end'><value>1970-01-01T00:00:02Z</value></field></x></query>`,
	},
	3: {
		in:  history.Query{IncludeGroupchat: true, AfterID: "a", BeforeID: "b"},
		out: `<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field><field type='boolean' var='include-groupchat'><value>true</value></field><field type='text-single' var='after-id'><value>a</value></field><field type='text-single' var='before-id'><value>b</value></field></x></query>`,
	},
	4: {
		in:  history.Query{IDs: []string{"1", "2"}, Max: 10},
		out: `<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field><field type='list-multi' var='ids'><value>1</value><value>2</value></field></x><set xmlns='http://jabber.org/protocol/rsm'><max>10</max></set></query>`,
	},
	5: {
		in:  history.Query{Last: true, Reverse: true},
		out: `<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field type='hidden' var='FORM_TYPE'><value>urn:xmpp:mam:2</value></field></x><set xmlns='http://jabber.org/protocol/rsm'><before/></set><flip-page/></query>`,
	},
}

func TestQuery(t *testing.T) {
	for i, tc := range queryTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			el := tc.in.Element()
			require.Equal(t, tc.out, el.String())

			decoded, err := element.Read(xml.NewDecoder(strings.NewReader(el.String())))
			require.NoError(t, err)
			q, err := history.ParseQuery(decoded)
			require.NoError(t, err)
			require.Equal(t, tc.in.ID, q.ID)
			require.True(t, tc.in.With.Equal(q.With))
			require.Equal(t, tc.in.IncludeGroupchat, q.IncludeGroupchat)
			require.True(t, tc.in.Start.Equal(q.Start))
			require.True(t, tc.in.End.Equal(q.End))
			require.Equal(t, tc.in.AfterID, q.AfterID)
			require.Equal(t, tc.in.BeforeID, q.BeforeID)
			require.Equal(t, tc.in.IDs, q.IDs)
			require.Equal(t, tc.in.Max, q.Max)
			require.Equal(t, tc.in.Last, q.Last)
			require.Equal(t, tc.in.Reverse, q.Reverse)
		})
	}
}

func TestParseQueryErrors(t *testing.T) {
	_, err := history.ParseQuery(element.New("urn:example", "query"))
	require.ErrorIs(t, err, history.ErrNotQuery)

	el, err := element.Read(xml.NewDecoder(strings.NewReader(
		`<query xmlns='urn:xmpp:mam:2'><x xmlns='jabber:x:data' type='submit'><field var='start'><value>later</value></field></x></query>`)))
	require.NoError(t, err)
	_, err = history.ParseQuery(el)
	require.Error(t, err)
}

var resultTests = [...]struct {
	in       string
	complete bool
	unstable bool
	last     string
	err      bool
}{
	0: {
		in:       `<fin xmlns='urn:xmpp:mam:2' complete='true'><set xmlns='http://jabber.org/protocol/rsm'><first>a</first><last>b</last></set></fin>`,
		complete: true,
		last:     "b",
	},
	1: {
		in:       `<fin xmlns='urn:xmpp:mam:2' stable='false'/>`,
		unstable: true,
	},
	2: {in: `<fin xmlns='urn:xmpp:mam:2' complete='1'/>`, complete: true},
	3: {in: `<fin xmlns='urn:xmpp:mam:1'/>`, err: true},
	4: {in: `<fin xmlns='urn:xmpp:mam:2'><set xmlns='http://jabber.org/protocol/rsm'><count>x</count></set></fin>`, err: true},
}

func TestParseResult(t *testing.T) {
	for i, tc := range resultTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			el, err := element.Read(xml.NewDecoder(strings.NewReader(tc.in)))
			require.NoError(t, err)
			r, err := history.ParseResult(el)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.complete, r.Complete)
			require.Equal(t, tc.unstable, r.Unstable)
			if tc.last != "" {
				require.NotNil(t, r.Set)
				require.Equal(t, tc.last, r.Set.Last)
			}
		})
	}
}

func TestResultElement(t *testing.T) {
	r := history.Result{Complete: true, Set: &paging.Set{Last: "b"}}
	r.Set.First.ID = "a"
	require.Equal(t,
		`<fin xmlns='urn:xmpp:mam:2' complete='true' stable='true'><set xmlns='http://jabber.org/protocol/rsm'><first>a</first><last>b</last></set></fin>`,
		r.Element().String())
}

func archived(id, body string, minutes int) history.Message {
	return history.Message{
		ID: id,
		Forwarded: forward.Forwarded{
			Delay:  delay.Delay{Time: epoch.Add(time.Duration(minutes) * time.Minute)},
			Stanza: stanza.NewMessage(local, "chat", body),
		},
	}
}

// archive answers queries from pages of messages.
// Each page is delivered in order followed by the fin, all from a single
// goroutine as they would be read from a stream.
type archive struct {
	from    jid.JID
	pages   [][]history.Message
	mu      sync.Mutex
	queries []history.Query
	cursors []string
}

func (a *archive) connect(t *testing.T) *task.Root {
	var root *task.Root
	sender := &xmpptest.Sender{}
	root = task.NewRoot(sender, func() jid.JID { return local })
	sender.OnSend = func(el *element.Element) error {
		if !stanza.IsIQ(el, stanza.SetIQ) {
			return nil
		}
		q, err := history.ParseQuery(el.Child(history.NS, "query"))
		require.NoError(t, err)
		set := el.Child(history.NS, "query").Child(paging.NS, "set")
		cursor := set.ChildText("", "after")
		if q.Last {
			cursor = set.ChildText("", "before")
		}
		a.mu.Lock()
		a.queries = append(a.queries, q)
		a.cursors = append(a.cursors, cursor)
		a.mu.Unlock()

		idx := a.pageFor(cursor, q.Last)
		var out []*element.Element
		res := history.Result{Complete: true}
		if idx >= 0 && idx < len(a.pages) {
			page := a.pages[idx]
			for _, m := range page {
				out = append(out, a.stamp(m.Element(local, q.ID)))
			}
			res.Set = &paging.Set{Last: page[len(page)-1].ID}
			res.Set.First.ID = page[0].ID
			if q.Last {
				res.Complete = idx == 0
			} else {
				res.Complete = idx == len(a.pages)-1
			}
		}
		out = append(out, a.stamp(stanza.Result(el).Append(res.Element())))
		go func() {
			for _, e := range out {
				/* #nosec */
				root.HandleElement(e)
			}
		}()
		return nil
	}
	return root
}

func (a *archive) stamp(el *element.Element) *element.Element {
	if !a.from.IsZero() {
		el.SetAttr("from", a.from.String())
	}
	return el
}

func (a *archive) pageFor(cursor string, last bool) int {
	if cursor == "" {
		if last {
			return len(a.pages) - 1
		}
		return 0
	}
	for i, page := range a.pages {
		if !last && page[len(page)-1].ID == cursor {
			return i + 1
		}
		if last && page[0].ID == cursor {
			return i - 1
		}
	}
	return -1
}

func ids(msgs []history.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestFetch(t *testing.T) {
	a := &archive{pages: [][]history.Message{
		{archived("1", "one", 1), archived("2", "two", 2)},
		{archived("3", "three", 3), archived("4", "four", 4)},
		{archived("5", "five", 5)},
	}}
	root := a.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := history.Fetch(ctx, root, history.Query{ID: "q1", Max: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(msgs))
	require.Equal(t, []string{"", "2", "4"}, a.cursors)
	require.Equal(t, "three", msgs[2].Stanza.ChildText("", "body"))
	require.True(t, epoch.Add(3*time.Minute).Equal(msgs[2].Delay.Time))
	for _, q := range a.queries {
		require.Equal(t, "q1", q.ID)
		require.Equal(t, uint64(2), q.Max)
	}
	require.Equal(t, 0, root.Len())
}

func TestFetchLast(t *testing.T) {
	a := &archive{from: room, pages: [][]history.Message{
		{archived("1", "one", 1)},
		{archived("2", "two", 2), archived("3", "three", 3)},
	}}
	root := a.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := history.Fetch(ctx, root, history.Query{Archive: room, Last: true})
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "1"}, ids(msgs))
	require.Equal(t, []string{"", "2"}, a.cursors)
	require.NotEmpty(t, a.queries[0].ID)
	require.Equal(t, a.queries[0].ID, a.queries[1].ID)
}

func TestFetchLimit(t *testing.T) {
	a := &archive{pages: [][]history.Message{
		{archived("1", "one", 1), archived("2", "two", 2)},
		{archived("3", "three", 3), archived("4", "four", 4)},
	}}
	root := a.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := history.Fetch(ctx, root, history.Query{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, ids(msgs))
	require.Len(t, a.queries, 2)
}

func TestFetchEmpty(t *testing.T) {
	a := &archive{}
	root := a.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := history.Fetch(ctx, root, history.Query{})
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Len(t, a.queries, 1)
}

func TestFetchIgnoresOtherSenders(t *testing.T) {
	// The archive is the room but results claim to come from elsewhere.
	a := &archive{from: jid.MustParse("mallory@example.net"), pages: [][]history.Message{
		{archived("1", "one", 1)},
	}}
	root := a.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := history.Fetch(ctx, root, history.Query{Archive: room})
	require.Error(t, err)
}

func TestFetchError(t *testing.T) {
	sender := &xmpptest.Sender{}
	root := task.NewRoot(sender, func() jid.JID { return local })
	sender.OnSend = func(el *element.Element) error {
		reply := stanza.ErrorReply(el, stanza.NewError(stanza.FeatureNotImplemented, ""))
		go func() {
			/* #nosec */
			root.HandleElement(reply)
		}()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := history.Fetch(ctx, root, history.Query{})
	require.ErrorIs(t, err, stanza.NewError(stanza.FeatureNotImplemented, ""))
}
