// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package version_test

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/task"
	"mellium.im/xmppcore/version"
)

var marshalTests = [...]struct {
	in  version.Query
	out string
}{
	0: {out: `<query xmlns='jabber:iq:version'/>`},
	1: {
		in:  version.Query{Name: "xmppcore", Version: "1.0", OS: "linux"},
		out: `<query xmlns='jabber:iq:version'><name>xmppcore</name><version>1.0</version><os>linux</os></query>`,
	},
	2: {
		in:  version.Query{Version: "2"},
		out: `<query xmlns='jabber:iq:version'><version>2</version></query>`,
	},
}

func TestMarshal(t *testing.T) {
	for i, tc := range marshalTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			el := tc.in.Element()
			require.Equal(t, tc.out, el.String())
			decoded, err := element.Read(xml.NewDecoder(strings.NewReader(el.String())))
			require.NoError(t, err)
			q, err := version.Parse(decoded)
			require.NoError(t, err)
			require.Equal(t, tc.in, q)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	local := jid.MustParse("me@example.net/a")
	peer := jid.MustParse("peer@example.net/b")
	want := version.Query{Name: "xmppcore", Version: "1.0"}

	aSender, bSender := &xmpptest.Sender{}, &xmpptest.Sender{}
	a := task.NewRoot(aSender, func() jid.JID { return local })
	b := task.NewRoot(bSender, func() jid.JID { return peer })
	h := version.Handle(b, want)
	defer h.Close()
	aSender.OnSend = func(el *element.Element) error {
		el = el.Copy().SetAttr("from", local.String())
		go func() {
			/* #nosec */
			b.HandleElement(el)
		}()
		return nil
	}
	bSender.OnSend = func(el *element.Element) error {
		el = el.Copy().SetAttr("from", peer.String())
		go func() {
			/* #nosec */
			a.HandleElement(el)
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := version.Get(ctx, a, peer)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseWrongPayload(t *testing.T) {
	_, err := version.Parse(element.New("urn:example", "query"))
	require.ErrorIs(t, err, version.ErrNoQuery)
}
