// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package extdisco_test

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/extdisco"
	"mellium.im/xmppcore/internal/xmpptest"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

var (
	local  = jid.MustParse("me@example.net/laptop")
	server = jid.MustParse("example.net")
)

func parse(t *testing.T, s string) *element.Element {
	t.Helper()
	el, err := element.Read(xml.NewDecoder(strings.NewReader(s)))
	require.NoError(t, err)
	return el
}

var parseTests = [...]struct {
	in  string
	out []extdisco.Service
	err error
}{
	0: {
		in: `<services xmlns='urn:xmpp:extdisco:2'/>`,
	},
	1: {
		in: `<services xmlns='urn:xmpp:extdisco:2'>
  <service host='stun.shakespeare.lit' port='9998' transport='udp' type='stun'/>
  <service host='turn.shakespeare.lit' port='3478' transport='tcp' type='turn'
           username='a' password='b' restricted='1' expires='2028-10-19T09:00:00Z' name='relay'/>
</services>`,
		out: []extdisco.Service{{
			Host: "stun.shakespeare.lit", Port: 9998, Transport: "udp", Type: "stun",
		}, {
			Host: "turn.shakespeare.lit", Port: 3478, Transport: "tcp", Type: "turn",
			Username: "a", Password: "b", Restricted: true, Name: "relay",
			Expires: time.Date(2028, 10, 19, 9, 0, 0, 0, time.UTC),
		}},
	},
	2: {
		in:  `<services xmlns='urn:xmpp:extdisco:2'><service host='a' type='stun' action='replace'/></services>`,
		err: extdisco.ErrBadAction,
	},
	3: {
		in:  `<other xmlns='urn:xmpp:extdisco:2'/>`,
		err: extdisco.ErrNoPayload,
	},
	4: {
		in: `<credentials xmlns='urn:xmpp:extdisco:2'><service host='a' type='turn' action='delete'/></credentials>`,
		out: []extdisco.Service{{
			Host: "a", Type: "turn", Action: extdisco.ActionDelete,
		}},
	},
}

func TestParse(t *testing.T) {
	for i, tc := range parseTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, err := extdisco.Parse(parse(t, tc.in))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.out, out)
		})
	}
}

var badServices = [...]string{
	0: `<service xmlns='urn:xmpp:extdisco:2' type='stun'/>`,
	1: `<service xmlns='urn:xmpp:extdisco:2' host='a' type='stun' port='70000'/>`,
	2: `<service xmlns='urn:xmpp:extdisco:2' host='a' type='stun' expires='tomorrow'/>`,
}

func TestBadService(t *testing.T) {
	for i, tc := range badServices {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			_, err := extdisco.ParseService(parse(t, tc))
			require.Error(t, err)
		})
	}
}

func TestTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, ok := extdisco.Service{}.TTL(now)
	require.False(t, ok)
	ttl, ok := extdisco.Service{Expires: now.Add(time.Minute)}.TTL(now)
	require.True(t, ok)
	require.Equal(t, time.Minute, ttl)
}

func TestServiceElement(t *testing.T) {
	s := extdisco.Service{
		Host: "turn.example.net", Port: 3478, Type: "turn", Transport: "udp",
		Restricted: true, Expires: time.Date(2028, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	el := s.Element()
	require.Equal(t, `<service xmlns='urn:xmpp:extdisco:2' host='turn.example.net' type='turn' port='3478' transport='udp' expires='2028-01-02T03:04:05Z' restricted='true'/>`, el.String())
	parsed, err := extdisco.ParseService(el)
	require.NoError(t, err)
	require.Equal(t, s, parsed)
}

// respond returns a root whose IQs are answered with a payload built by f.
func respond(f func(q *element.Element) *element.Element) (*task.Root, *xmpptest.Sender) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, func() jid.JID { return local })
	s.OnSend = func(el *element.Element) error {
		if !stanza.IsIQ(el, stanza.GetIQ) {
			return nil
		}
		reply := stanza.Result(el).SetAttr("from", server.String())
		if p := f(el.Elements()[0]); p != nil {
			reply.Append(p)
		}
		go func() {
			/* #nosec */
			root.HandleElement(reply)
		}()
		return nil
	}
	return root, s
}

func TestGet(t *testing.T) {
	var query *element.Element
	root, _ := respond(func(q *element.Element) *element.Element {
		query = q
		return element.New(extdisco.NS, "services").Append(
			extdisco.Service{Host: "stun.example.net", Port: 3478, Type: "stun", Transport: "udp"}.Element(),
		)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	services, err := extdisco.Get(ctx, root, server, "stun")
	require.NoError(t, err)
	require.Equal(t, "stun", query.Attribute("type"))
	require.Equal(t, []extdisco.Service{{Host: "stun.example.net", Port: 3478, Type: "stun", Transport: "udp"}}, services)
}

func TestGetNoPayload(t *testing.T) {
	root, _ := respond(func(*element.Element) *element.Element { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := extdisco.Get(ctx, root, server, "")
	require.ErrorIs(t, err, extdisco.ErrNoPayload)
}

func TestGetCredentials(t *testing.T) {
	var query *element.Element
	root, _ := respond(func(q *element.Element) *element.Element {
		query = q
		return element.New(extdisco.NS, "credentials").Append(
			extdisco.Service{Host: "turn.example.net", Port: 3478, Type: "turn", Username: "u", Password: "p"}.Element(),
		)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := extdisco.GetCredentials(ctx, root, server, extdisco.Service{Host: "turn.example.net", Port: 3478, Type: "turn", Restricted: true})
	require.NoError(t, err)
	require.Equal(t, "credentials", query.Name.Local)
	require.Equal(t, "3478", query.Child("", "service").Attribute("port"))
	require.Equal(t, "u", s.Username)
	require.Equal(t, "p", s.Password)
}

func TestHandlePush(t *testing.T) {
	s := &xmpptest.Sender{}
	root := task.NewRoot(s, func() jid.JID { return local })
	pushed := make(chan []extdisco.Service, 1)
	remove := extdisco.Handle(root, func(services []extdisco.Service) {
		pushed <- services
	})

	push := stanza.NewIQ(stanza.SetIQ, local, element.New(extdisco.NS, "services").Append(
		extdisco.Service{Host: "a", Type: "stun", Action: extdisco.ActionAdd}.Element(),
	)).SetAttr("from", server.String())
	require.NoError(t, root.HandleElement(push))
	require.Equal(t, []extdisco.Service{{Host: "a", Type: "stun", Action: extdisco.ActionAdd}}, <-pushed)
	require.Equal(t, "result", s.Last().Attribute("type"))

	bad := stanza.NewIQ(stanza.SetIQ, local, element.New(extdisco.NS, "services").Append(
		element.New("", "service").SetAttr("host", "a").SetAttr("type", "stun").SetAttr("action", "bogus"),
	))
	require.NoError(t, root.HandleElement(bad))
	e, ok := stanza.ErrorFrom(s.Last())
	require.True(t, ok)
	require.Equal(t, stanza.BadRequest, e.Condition)

	// Pushes from anyone but the server are not taken.
	spoofed := push.Copy().SetAttr("from", "mallory@example.org")
	require.NoError(t, root.HandleElement(spoofed))
	e, ok = stanza.ErrorFrom(s.Last())
	require.True(t, ok)
	require.Equal(t, stanza.ServiceUnavailable, e.Condition)

	remove()
	require.Equal(t, 0, root.Len())
}
