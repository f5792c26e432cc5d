// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ibb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

var peerAddr = jid.MustParse("peer@example.net/x")

func activeConn(s *xmpptest.Sender) (*task.Root, *Conn) {
	root := task.NewRoot(s, func() jid.JID { return jid.MustParse("me@example.net/y") })
	m := NewManager(root)
	c := newConn(m, peerAddr, "wrap", 4)
	c.state = Active
	/* #nosec */
	m.add(c)
	return root, c
}

func TestIncomingSequenceWraps(t *testing.T) {
	s := &xmpptest.Sender{}
	root, c := activeConn(s)
	c.inSeq = 0xffff

	for _, seq := range []string{"65535", "0"} {
		iq := stanza.NewIQ(stanza.SetIQ, jid.JID{}, element.New(NS, "data").
			SetAttr("sid", "wrap").
			SetAttr("seq", seq).
			AppendText("YWI=")).
			SetAttr("from", peerAddr.String())
		require.NoError(t, root.HandleElement(iq))
		require.Equal(t, "result", s.Last().Attribute("type"), "seq %s", seq)
	}
	require.Equal(t, uint16(1), c.inSeq)
	require.Equal(t, "abab", string(c.ReadAvailable(0)))
}

func TestOutgoingSequenceWraps(t *testing.T) {
	s := &xmpptest.Sender{}
	root, c := activeConn(s)
	c.outSeq = 0xffff
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	first, err := s.Wait(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "65535", first.Child(NS, "data").Attribute("seq"))

	ack := stanza.Result(first).SetAttr("from", peerAddr.String())
	require.NoError(t, root.HandleElement(ack))
	second, err := s.Wait(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "0", second.Child(NS, "data").Attribute("seq"))
}
