// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package task_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

var local = jid.MustParse("me@example.net/laptop")

func localAddr() jid.JID { return local }

func reply(id, typ, from string) *element.Element {
	el := element.New(stanza.NS, "iq").SetAttr("id", id).SetAttr("type", typ)
	return el.SetAttr("from", from)
}

var verifyTests = [...]struct {
	reply *element.Element
	to    string
	ok    bool
}{
	0:  {reply: reply("a1", "result", "example.net"), to: "example.net", ok: true},
	1:  {reply: reply("a1", "result", "attacker@x/r"), to: "example.net", ok: false},
	2:  {reply: reply("a1", "result", ""), to: "example.net", ok: true},
	3:  {reply: reply("a1", "result", ""), to: "", ok: true},
	4:  {reply: reply("a1", "result", ""), to: "peer@example.org", ok: false},
	5:  {reply: reply("a1", "result", "peer@example.org/x"), to: "peer@example.org/x", ok: true},
	6:  {reply: reply("a1", "error", "peer@example.org/x"), to: "peer@example.org/x", ok: true},
	7:  {reply: reply("a2", "result", "example.net"), to: "example.net", ok: false},
	8:  {reply: reply("a1", "get", "example.net"), to: "example.net", ok: false},
	9:  {reply: reply("a1", "result", "me@example.net"), to: "me@example.net", ok: true},
	10: {reply: reply("a1", "result", "me@example.net"), to: "", ok: true},
	11: {reply: reply("a1", "result", "example.net"), to: "", ok: true},
	12: {reply: reply("a1", "result", "me@example.net"), to: "peer@example.org", ok: false},
	13: {reply: element.New(stanza.NS, "message").SetAttr("id", "a1"), to: "", ok: false},
}

func TestVerify(t *testing.T) {
	for i, tc := range verifyTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			var to jid.JID
			if tc.to != "" {
				to = jid.MustParse(tc.to)
			}
			require.Equal(t, tc.ok, task.Verify(tc.reply, to, "a1", local))
		})
	}
}

func TestSendIQ(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr)
	s.OnSend = func(el *element.Element) error {
		go func() {
			// A reply from elsewhere is ignored before the real one arrives.
			/* #nosec */
			root.HandleElement(reply(el.Attribute("id"), "result", "attacker@x/r"))
			/* #nosec */
			root.HandleElement(reply(el.Attribute("id"), "result", "example.net").
				Append(element.New("urn:example", "pong")))
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	iq := stanza.NewIQ(stanza.GetIQ, jid.MustParse("example.net"), element.New("urn:example", "ping"))
	resp, err := root.SendIQ(ctx, iq)
	require.NoError(t, err)
	require.NotNil(t, resp.Child("urn:example", "pong"))
	require.Equal(t, "example.net", resp.Attribute("from"))
	require.Equal(t, 0, root.Len())

	// The reply from the attacker was not taken, so it was not a request and
	// nothing was sent in answer.
	require.Len(t, s.Sent(), 1)
}

func TestSendIQAssignsID(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr)
	iq := element.New(stanza.NS, "iq").SetAttr("type", "set")
	pending, err := root.StartIQ(context.Background(), iq)
	require.NoError(t, err)
	require.NotEmpty(t, pending.ID())
	require.Equal(t, pending.ID(), s.Last().Attribute("id"))
	require.Equal(t, task.Running, pending.State())
	root.Disconnect()
}

func TestSendIQError(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr)
	iq := stanza.NewIQ(stanza.GetIQ, jid.JID{}, element.New("urn:example", "ping"))
	pending, err := root.StartIQ(context.Background(), iq)
	require.NoError(t, err)

	errReply := stanza.ErrorReply(iq, stanza.NewError(stanza.FeatureNotImplemented, ""))
	require.NoError(t, root.HandleElement(errReply))

	resp, err := pending.Wait(context.Background())
	require.NotNil(t, resp)
	require.ErrorIs(t, err, stanza.NewError(stanza.FeatureNotImplemented, ""))
	var se stanza.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, 501, se.Code)
	require.Equal(t, task.Done, pending.State())
}

func TestTimeout(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr, task.Timeout(10*time.Millisecond))
	_, err := root.SendIQ(context.Background(), stanza.NewIQ(stanza.GetIQ, jid.JID{}, nil))
	require.ErrorIs(t, err, task.ErrTimeout)
	require.Equal(t, 0, root.Len())
}

func TestDisconnect(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr)
	var pending []*task.IQ
	for i := 0; i < 3; i++ {
		iq, err := root.StartIQ(context.Background(), stanza.NewIQ(stanza.GetIQ, jid.JID{}, nil))
		require.NoError(t, err)
		pending = append(pending, iq)
	}
	root.Disconnect()
	for _, iq := range pending {
		<-iq.Done()
		_, err := iq.Result()
		require.ErrorIs(t, err, task.ErrDisc)
	}
	require.Equal(t, 0, root.Len())
}

func TestUnhandledRequest(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, localAddr)
	req := stanza.NewIQ(stanza.GetIQ, local, element.New("urn:example", "unknown")).
		SetAttr("from", "peer@example.org/x")
	require.NoError(t, root.HandleElement(req))

	sent := s.Last()
	require.NotNil(t, sent)
	require.Equal(t, "error", sent.Attribute("type"))
	require.Equal(t, req.Attribute("id"), sent.Attribute("id"))
	require.Equal(t, "peer@example.org/x", sent.Attribute("to"))
	se, ok := stanza.ErrorFrom(sent)
	require.True(t, ok)
	require.Equal(t, stanza.ServiceUnavailable, se.Condition)

	// Messages are never answered.
	require.NoError(t, root.HandleElement(stanza.NewMessage(local, "chat", "hi")))
	require.Len(t, s.Sent(), 1)
}

func TestTakeDepthFirst(t *testing.T) {
	var order []string
	record := func(name string, take bool) task.Task {
		return task.TakeFunc(func(*element.Element) bool {
			order = append(order, name)
			return take
		})
	}

	root := task.NewRoot(&xmpptest.Sender{}, localAddr)
	nested := &task.Parent{}
	nested.Add(record("nested-a", false))
	nested.Add(record("nested-b", true))
	root.Add(record("first", false))
	root.Add(nested)
	remove := root.Add(record("last", true))

	msg := stanza.NewMessage(local, "chat", "hi")
	require.True(t, root.Take(msg))
	require.Equal(t, []string{"first", "nested-a", "nested-b"}, order)

	remove()
	require.Equal(t, 2, root.Len())
}
