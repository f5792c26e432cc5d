// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stream"
)

func TestHeader(t *testing.T) {
	info := stream.Info{
		XMLNS: "jabber:client",
		To:    jid.MustParse("example.net"),
		Lang:  "en",
	}
	open, closeTag := info.Header()
	require.Equal(t, `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.net' version='1.0' xml:lang='en'>`, open)
	require.Equal(t, `</stream:stream>`, closeTag)

	// The header must be readable by a namespace aware decoder.
	d := xml.NewDecoder(strings.NewReader(open + closeTag))
	tok, err := d.Token()
	require.NoError(t, err)
	start := tok.(xml.StartElement)

	var parsed stream.Info
	parsed.XMLNS = "jabber:client"
	require.NoError(t, parsed.FromStartElement(start))
	require.Equal(t, info.To, parsed.To)
	require.Equal(t, "en", parsed.Lang)
	require.Equal(t, stream.DefaultVersion, parsed.Version)
}

var infoTests = [...]struct {
	header string
	err    error
}{
	0: {header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='1' version='1.0'>`},
	1: {header: `<stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`, err: stream.ErrNamespaceMismatch},
	2: {header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='2.0'>`, err: stream.ErrVersionMismatch},
	3: {header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`, err: stream.ErrVersionMismatch},
	4: {header: `<stream xmlns='jabber:client' version='1.0'>`, err: stream.ErrNamespaceMismatch},
	5: {header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1'>`, err: stream.BadFormat},
}

func TestFromStartElement(t *testing.T) {
	for i, tc := range infoTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			d := xml.NewDecoder(strings.NewReader(tc.header))
			tok, err := d.Token()
			require.NoError(t, err)
			info := stream.Info{XMLNS: "jabber:client"}
			err = info.FromStartElement(tok.(xml.StartElement))
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tc.err), "want=%v, got=%v", tc.err, err)
		})
	}
}

func TestErrorElementRoundTrip(t *testing.T) {
	e := stream.Error{
		Err:  "policy-violation",
		Text: "too many stanzas",
		Lang: "en",
		App:  element.New("urn:example:app", "rate-limit"),
	}
	parsed := stream.FromElement(e.Element())
	require.Equal(t, e.Err, parsed.Err)
	require.Equal(t, e.Text, parsed.Text)
	require.Equal(t, "en", parsed.Lang)
	require.True(t, e.App.Equal(parsed.App))
	require.True(t, errors.Is(parsed, stream.PolicyViolation))
	require.False(t, errors.Is(parsed, stream.SystemShutdown))
}

func TestErrorSerialize(t *testing.T) {
	out := string(stream.BadFormat.Element().AppendXMLIn(nil, "jabber:client", map[string]string{stream.NS: "stream"}))
	require.Equal(t, `<stream:error><bad-format xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`, out)
}

func TestParseVersion(t *testing.T) {
	for i, tc := range [...]struct {
		in  string
		out stream.Version
		err bool
	}{
		0: {in: "1.0", out: stream.Version{Major: 1}},
		1: {in: "1.22", out: stream.Version{Major: 1, Minor: 22}},
		2: {in: "1", err: true},
		3: {in: "a.b", err: true},
		4: {in: "1.0.0", err: true},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			v, err := stream.ParseVersion(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.out, v)
			require.Equal(t, tc.in, v.String())
		})
	}
	require.True(t, stream.Version{Major: 0, Minor: 9}.Less(stream.DefaultVersion))
}
