// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element_test

import (
	"encoding/xml"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
)

func mustDecode(t *testing.T, s string) *element.Element {
	t.Helper()
	el, err := element.Read(xml.NewDecoder(strings.NewReader(s)))
	require.NoError(t, err)
	return el
}

var serializeTests = [...]struct {
	el        *element.Element
	inherited string
	out       string
}{
	0: {
		el:  element.New("jabber:client", "message"),
		out: `<message xmlns='jabber:client'/>`,
	},
	1: {
		el:        element.New("jabber:client", "message"),
		inherited: "jabber:client",
		out:       `<message/>`,
	},
	2: {
		el: element.New("jabber:client", "iq", xml.Attr{Name: xml.Name{Local: "id"}, Value: "a1"}).
			Append(element.New("urn:ietf:params:xml:ns:xmpp-bind", "bind").
				Append(element.New("", "resource").AppendText("balcony"))),
		inherited: "jabber:client",
		out:       `<iq id='a1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>balcony</resource></bind></iq>`,
	},
	3: {
		el:  element.New("", "body").AppendText(`a < b > c & 'd'`),
		out: `<body>a &lt; b &gt; c &amp; 'd'</body>`,
	},
	4: {
		el:  element.New("", "x", xml.Attr{Name: xml.Name{Local: "v"}, Value: `'"<>`}),
		out: `<x v='&apos;&quot;&lt;&gt;'/>`,
	},
	5: {
		el: element.New("http://etherx.jabber.org/streams", "stream",
			xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: "jabber:client"},
			xml.Attr{Name: xml.Name{Space: "xmlns", Local: "stream"}, Value: "http://etherx.jabber.org/streams"},
			xml.Attr{Name: xml.Name{Space: "xml", Local: "lang"}, Value: "en"},
		).Append(element.New("jabber:client", "x")),
		out: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' xml:lang='en'><x/></stream:stream>`,
	},
	6: {
		el: element.New("http://etherx.jabber.org/streams", "features").
			Append(element.New("urn:ietf:params:xml:ns:xmpp-tls", "starttls")),
		inherited: "jabber:client",
		out:       `<features xmlns='http://etherx.jabber.org/streams'><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></features>`,
	},
	7: {
		el: element.New("urn:a", "x", xml.Attr{Name: xml.Name{Space: "urn:b", Local: "attr"}, Value: "v"}).
			Append(element.New("urn:a", "y", xml.Attr{Name: xml.Name{Space: "urn:b", Local: "attr"}, Value: "w"})),
		out: `<x xmlns='urn:a' xmlns:ns0='urn:b' ns0:attr='v'><y ns0:attr='w'/></x>`,
	},
	8: {
		el: element.New("", "x",
			xml.Attr{Name: xml.Name{Space: "xmlns", Local: "ns0"}, Value: "urn:c"},
			xml.Attr{Name: xml.Name{Space: "urn:d", Local: "a"}, Value: "1"},
			xml.Attr{Name: xml.Name{Space: "urn:c", Local: "b"}, Value: "2"},
		),
		out: `<x xmlns:ns1='urn:d' xmlns:ns0='urn:c' ns1:a='1' ns0:b='2'/>`,
	},
	9: {
		el: element.New("urn:a", "x").
			Append(element.New("urn:a", "y", xml.Attr{Name: xml.Name{Space: "urn:b", Local: "p"}, Value: "1"})).
			Append(element.New("urn:a", "z", xml.Attr{Name: xml.Name{Space: "urn:c", Local: "q"}, Value: "2"})),
		out: `<x xmlns='urn:a'><y xmlns:ns0='urn:b' ns0:p='1'/><z xmlns:ns0='urn:c' ns0:q='2'/></x>`,
	},
}

func TestSerialize(t *testing.T) {
	for i, tc := range serializeTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out := string(tc.el.AppendXML(nil, tc.inherited))
			require.Equal(t, tc.out, out)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for i, tc := range serializeTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			// Round trip from the root so that the namespace is explicit.
			s := tc.el.String()
			parsed := mustDecode(t, s)
			require.True(t, tc.el.Equal(parsed), "round trip mismatch:\n%s\n%s", s, parsed)
		})
	}
}

func TestRoundTripForeignAttr(t *testing.T) {
	in := `<message><x xmlns='urn:a' xmlns:b='urn:b' b:attr='v'/></message>`
	parsed := mustDecode(t, in)
	out := parsed.String()
	require.Equal(t, `<message><x xmlns='urn:a' xmlns:ns0='urn:b' ns0:attr='v'/></message>`, out)

	again := mustDecode(t, out)
	require.True(t, parsed.Equal(again), "round trip mismatch:\n%s\n%s", out, again)
	x := again.Child("urn:a", "x")
	require.NotNil(t, x)
	require.Equal(t, []xml.Attr{{Name: xml.Name{Space: "urn:b", Local: "attr"}, Value: "v"}}, x.Attr)
}

func TestEqualAttrOrder(t *testing.T) {
	a := mustDecode(t, `<iq xmlns='jabber:client' id='1' type='get' to='a@b'/>`)
	b := mustDecode(t, `<iq to='a@b' type='get' xmlns='jabber:client' id='1'/>`)
	require.True(t, a.Equal(b))

	c := mustDecode(t, `<iq xmlns='jabber:client' id='2' type='get' to='a@b'/>`)
	require.False(t, a.Equal(c))
}

func TestEqualChildOrder(t *testing.T) {
	a := mustDecode(t, `<a xmlns='x'><b/><c/></a>`)
	b := mustDecode(t, `<a xmlns='x'><c/><b/></a>`)
	require.False(t, a.Equal(b))
}

func TestEqualInheritedNamespace(t *testing.T) {
	parsed := mustDecode(t, `<message xmlns='jabber:client'><body>hi</body></message>`)
	built := element.New("jabber:client", "message").Append(element.New("", "body").AppendText("hi"))
	require.True(t, parsed.Equal(built))
	require.Equal(t, "jabber:client", parsed.Child("", "body").Name.Space)
}

func TestStripRedundantNS(t *testing.T) {
	parsed := mustDecode(t, `<message xmlns='jabber:client'><body>hi</body><x xmlns='jabber:x:data'><field/></x></message>`)
	stripped := parsed.StripRedundantNS()

	require.Equal(t, "jabber:client", stripped.Name.Space)
	require.Equal(t, "", stripped.Child("", "body").Name.Space)
	x := stripped.Child("", "x")
	require.Equal(t, "jabber:x:data", x.Name.Space)
	require.Equal(t, "", x.Child("", "field").Name.Space)
	require.True(t, parsed.Equal(stripped))

	// The original is left untouched.
	require.Equal(t, "jabber:client", parsed.Child("", "body").Name.Space)
}

func TestAccessors(t *testing.T) {
	el := mustDecode(t, `<iq xmlns='jabber:client' xml:lang='de' id='x'><query xmlns='q'>a<![CDATA[b]]>c</query></iq>`)
	require.Equal(t, "de", el.Lang())
	require.Equal(t, "x", el.Attribute("id"))
	require.True(t, el.Is("jabber:client", "iq"))
	require.True(t, el.Is("", "iq"))
	require.False(t, el.Is("q", "iq"))
	require.Equal(t, "abc", el.ChildText("q", "query"))
	require.Nil(t, el.Child("other", "query"))

	el.SetAttr("id", "y").SetAttr("type", "get")
	require.Equal(t, "y", el.Attribute("id"))
	el.SetAttr("type", "")
	require.Equal(t, "", el.Attribute("type"))
}

func TestCopyIsDeep(t *testing.T) {
	el := element.New("a", "b").Append(element.New("", "c"))
	c := el.Copy()
	c.Elements()[0].Name.Local = "d"
	c.SetAttr("k", "v")
	require.Equal(t, "c", el.Elements()[0].Name.Local)
	require.Empty(t, el.Attr)
}

func TestTokenReader(t *testing.T) {
	el := element.New("urn:example", "a").Append(element.New("", "b").AppendText("t"))
	decoded, err := element.Read(el.TokenReader())
	require.NoError(t, err)
	require.True(t, el.Equal(decoded))
}

func TestReadEmpty(t *testing.T) {
	_, err := element.Read(xml.NewDecoder(strings.NewReader("")))
	require.ErrorIs(t, err, element.ErrNoElement)
}
