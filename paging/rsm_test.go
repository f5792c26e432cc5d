// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package paging_test

import (
	"encoding/xml"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/paging"
)

func index(n uint64) *uint64 { return &n }

var requestTests = [...]struct {
	req interface{ Element() *element.Element }
	out string
}{
	0: {req: &paging.RequestCount{}, out: `<set xmlns='http://jabber.org/protocol/rsm'><max>0</max></set>`},
	1: {req: &paging.RequestNext{}, out: `<set xmlns='http://jabber.org/protocol/rsm'/>`},
	2: {req: &paging.RequestNext{Max: 10, After: "2"}, out: `<set xmlns='http://jabber.org/protocol/rsm'><max>10</max><after>2</after></set>`},
	3: {req: &paging.RequestPrev{Max: 10}, out: `<set xmlns='http://jabber.org/protocol/rsm'><max>10</max><before/></set>`},
	4: {req: &paging.RequestPrev{Before: "a"}, out: `<set xmlns='http://jabber.org/protocol/rsm'><before>a</before></set>`},
	5: {req: &paging.RequestIndex{Max: 5, Index: 3}, out: `<set xmlns='http://jabber.org/protocol/rsm'><max>5</max><index>3</index></set>`},
	6: {
		req: func() *paging.Set {
			s := &paging.Set{Last: "z", Count: index(20)}
			s.First.ID = "a"
			s.First.Index = index(0)
			return s
		}(),
		out: `<set xmlns='http://jabber.org/protocol/rsm'><first index='0'>a</first><last>z</last><count>20</count></set>`,
	},
}

func TestRequests(t *testing.T) {
	for i, tc := range requestTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			require.Equal(t, tc.out, tc.req.Element().String())
		})
	}
}

func parse(t *testing.T, s string) *element.Element {
	t.Helper()
	el, err := element.Read(xml.NewDecoder(strings.NewReader(s)))
	require.NoError(t, err)
	return el
}

func TestSplit(t *testing.T) {
	el := parse(t, `<query xmlns='urn:example'><a>1</a><b/><set xmlns='http://jabber.org/protocol/rsm'>
<first index='4'>1</first>
<last>2</last>
<count>9</count>
</set></query>`)
	items, set, err := paging.Split(el)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].Name.Local)
	require.NotNil(t, set)
	require.Equal(t, "1", set.First.ID)
	require.Equal(t, uint64(4), *set.First.Index)
	require.Equal(t, "2", set.Last)
	require.Equal(t, uint64(9), *set.Count)

	require.Equal(t, &paging.RequestNext{Max: 10, After: "2"}, set.Next(10))
	require.Equal(t, &paging.RequestPrev{Max: 10, Before: "1"}, set.Prev(10))
}

func TestSplitUnpaged(t *testing.T) {
	items, set, err := paging.Split(parse(t, `<query xmlns='urn:example'><a/></query>`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, set)
	require.Nil(t, set.Next(10))
	require.Nil(t, set.Prev(10))
}

var badSets = [...]string{
	0: `<set xmlns='http://jabber.org/protocol/rsm'><count>x</count></set>`,
	1: `<set xmlns='http://jabber.org/protocol/rsm'><first index='-1'>a</first></set>`,
}

func TestBadSet(t *testing.T) {
	for i, tc := range badSets {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			_, err := paging.ParseSet(parse(t, tc))
			require.Error(t, err)
		})
	}
	_, err := paging.ParseSet(element.New("urn:example", "set"))
	require.ErrorIs(t, err, paging.ErrNotSet)
}
