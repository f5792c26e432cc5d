// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xtime_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/task"
	"mellium.im/xmppcore/xtime"
)

var parseTests = [...]struct {
	in  string
	out time.Time
	err bool
}{
	0: {in: "2002-09-10T23:08:25Z", out: time.Date(2002, 9, 10, 23, 8, 25, 0, time.UTC)},
	1: {in: "2002-09-10T23:08:25.123Z", out: time.Date(2002, 9, 10, 23, 8, 25, 123000000, time.UTC)},
	2: {in: "2002-09-10T17:08:25-06:00", out: time.Date(2002, 9, 10, 23, 8, 25, 0, time.UTC)},
	3: {in: "20020910T23:08:25", out: time.Date(2002, 9, 10, 23, 8, 25, 0, time.UTC)},
	4: {in: "yesterday", err: true},
}

func TestParse(t *testing.T) {
	for i, tc := range parseTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, err := xtime.Parse(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, tc.out.Equal(out), "want=%v, got=%v", tc.out, out)
		})
	}
}

func TestFormat(t *testing.T) {
	zone := time.FixedZone("CST", -6*60*60)
	require.Equal(t, "2006-12-19T23:58:35Z", xtime.Format(time.Date(2006, 12, 19, 17, 58, 35, 0, zone)))
	require.Equal(t, "2006-12-19T17:58:35.5Z", xtime.Format(time.Date(2006, 12, 19, 17, 58, 35, 500000000, time.UTC)))
}

func TestElement(t *testing.T) {
	zone := time.FixedZone("CST", -6*60*60)
	now := time.Date(2006, 12, 19, 17, 58, 35, 0, zone)
	require.Equal(t,
		`<time xmlns='urn:xmpp:time'><tzo>-06:00</tzo><utc>2006-12-19T23:58:35Z</utc></time>`,
		xtime.Element(now).String())

	_, err := xtime.ParseElement(nil)
	require.ErrorIs(t, err, xtime.ErrNoTime)
}

func TestRoundTrip(t *testing.T) {
	zone := time.FixedZone("CST", -6*60*60)
	now := time.Date(2006, 12, 19, 17, 58, 35, 0, zone)
	local := jid.MustParse("me@example.net/a")
	peer := jid.MustParse("peer@example.net/b")

	aSender, bSender := &xmpptest.Sender{}, &xmpptest.Sender{}
	a := task.NewRoot(aSender, func() jid.JID { return local })
	b := task.NewRoot(bSender, func() jid.JID { return peer })
	xtime.Handle(b, func() time.Time { return now })
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
	got, err := xtime.Get(ctx, a, peer)
	require.NoError(t, err)
	require.True(t, now.Equal(got), "want=%v, got=%v", now, got)
	_, offset := got.Zone()
	require.Equal(t, -6*60*60, offset)
}
