// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package protocol_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/protocol"
	"mellium.im/xmppcore/stream"
)

const (
	clientHeader = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.net' version='1.0' xml:lang='en'>`
	serverHeader = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='s1' from='example.net' version='1.0'>`
)

// opened returns an initiating engine that has exchanged stream headers and
// acknowledged its own header.
func opened(t *testing.T, opts ...protocol.Option) *protocol.Engine {
	t.Helper()
	e := protocol.New(opts...)
	require.Equal(t, protocol.SendOpen, e.State())
	require.NoError(t, e.Start(stream.Info{To: jid.MustParse("example.net"), Lang: "en"}))
	require.Equal(t, protocol.RecvOpen, e.State())

	out := e.TakeOutgoingData()
	require.Equal(t, clientHeader, string(out))
	e.OutgoingDataWritten(len(out))

	e.AddIncomingData([]byte(serverHeader))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventOpened, step.Event)
	require.Equal(t, protocol.Open, e.State())
	require.Equal(t, "s1", e.Peer().ID)
	require.Equal(t, protocol.NeedRecv, step.Need)
	return e
}

func TestEnqueueOrder(t *testing.T) {
	e := opened(t)
	stanzas := []*element.Element{
		element.New("jabber:client", "message").SetAttr("to", "a@example.net").
			Append(element.New("", "body").AppendText("x > y")),
		element.New("jabber:client", "presence"),
		element.New("http://etherx.jabber.org/streams", "features"),
	}
	var want string
	for _, s := range stanzas {
		require.NoError(t, e.WriteElement(s, false))
	}
	want = `<message to='a@example.net'><body>x &gt; y</body></message><presence/><stream:features/>`
	step := e.ProcessStep()
	require.Equal(t, protocol.NeedSend, step.Need)
	require.NotZero(t, step.Notify&protocol.NotifySend)
	require.Equal(t, want, string(e.TakeOutgoingData()))
	require.Nil(t, e.TakeOutgoingData())
}

func TestUrgentFirst(t *testing.T) {
	e := opened(t)
	require.NoError(t, e.WriteRaw("<normal/>", false))
	require.NoError(t, e.WriteRaw("<urgent/>", true))
	require.Equal(t, "<urgent/><normal/>", string(e.TakeOutgoingData()))
}

type recorder struct {
	ids   []int
	sizes []int
}

func (r *recorder) ItemWritten(id, size int) {
	r.ids = append(r.ids, id)
	r.sizes = append(r.sizes, size)
}

func TestItemWritten(t *testing.T) {
	e := opened(t)
	rec := &recorder{}
	e.Observe(rec)

	require.NoError(t, e.WriteTracked(element.New("jabber:client", "message").SetAttr("id", "1"), 1, false))
	require.NoError(t, e.WriteTracked(element.New("jabber:client", "message").SetAttr("id", "2"), 2, false))
	require.NoError(t, e.WriteTracked(element.New("urn:xmpp:sm:3", "a").SetAttr("h", "3"), 3, true))
	data := e.TakeOutgoingData()
	require.True(t, strings.HasPrefix(string(data), "<a xmlns='urn:xmpp:sm:3' h='3'/>"))

	for written := 0; written < len(data); written += 5 {
		n := 5
		if written+n > len(data) {
			n = len(data) - written
		}
		e.OutgoingDataWritten(n)
	}
	require.Equal(t, []int{3, 1, 2}, rec.ids)
	var sum int
	for _, s := range rec.sizes {
		sum += s
	}
	require.Equal(t, len(data), sum)
	require.Zero(t, e.Unwritten())

	// Each item is reported once.
	e.OutgoingDataWritten(100)
	require.Len(t, rec.ids, 3)
}

var sanitizeTests = [...]struct {
	in  string
	out string
}{
	0: {in: "<body>a\x01b</body>", out: "<body>ab</body>"},
	1: {in: "<body>a>b</body>", out: "<body>a&gt;b</body>"},
	2: {in: "<body>\U0001F600</body>", out: "<body>\U0001F600</body>"},
	3: {in: "<x a='>' b=\"'>\"/>", out: "<x a='>' b=\"'>\"/>"},
	4: {in: "<body>a\xed\xa0\x80b</body>", out: "<body>ab</body>"},
	5: {in: "<body>\xff\uFFFD</body>", out: "<body>\uFFFD</body>"},
	6: {in: "<body>tab\tnl\ncr\r</body>", out: "<body>tab\tnl\ncr\r</body>"},
	7: {in: "<body>\uFFFE</body>", out: "<body></body>"},
}

func TestSanitize(t *testing.T) {
	for i, tc := range sanitizeTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out := protocol.Sanitize([]byte(tc.in), zerolog.Nop())
			require.Equal(t, tc.out, string(out))
		})
	}
}

func TestSanitizeElement(t *testing.T) {
	e := opened(t)
	msg := element.New("jabber:client", "message").
		Append(element.New("", "body").AppendText("a\x01b \U0001F600"))
	require.NoError(t, e.WriteElement(msg, false))
	require.Equal(t, "<message><body>ab \U0001F600</body></message>", string(e.TakeOutgoingData()))
}

func TestReceiveElements(t *testing.T) {
	e := opened(t)
	e.AddIncomingData([]byte(`<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features><message from='a@b'>`))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventElement, step.Event)
	require.True(t, step.Element.Is("http://etherx.jabber.org/streams", "features"))
	require.Equal(t, `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`, step.Raw)

	step = e.ProcessStep()
	require.Equal(t, protocol.EventNone, step.Event)
	require.Equal(t, protocol.NeedRecv, step.Need)

	e.AddIncomingData([]byte(`</message>`))
	step = e.ProcessStep()
	require.Equal(t, protocol.EventElement, step.Event)
	require.True(t, step.Element.Is("jabber:client", "message"))
}

func TestCloseHandshake(t *testing.T) {
	e := opened(t)
	e.Close()
	require.Equal(t, protocol.Closing, e.State())
	require.Equal(t, "</stream:stream>", string(e.TakeOutgoingData()))
	require.ErrorIs(t, e.WriteRaw("<late/>", false), protocol.ErrClosed)

	step := e.ProcessStep()
	require.Equal(t, protocol.NeedTimer, step.Need)
	require.NotZero(t, step.Notify&protocol.NotifyTimeout)

	e.AddIncomingData([]byte(`</stream:stream>`))
	step = e.ProcessStep()
	require.Equal(t, protocol.EventClosed, step.Event)
	require.Equal(t, protocol.Closed, e.State())
	require.Equal(t, protocol.NeedNone, step.Need)
}

func TestPeerClosesFirst(t *testing.T) {
	e := opened(t)
	e.AddIncomingData([]byte(`</stream:stream>`))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventPeerClosed, step.Event)
	require.Equal(t, protocol.Open, e.State())

	e.Close()
	require.Equal(t, protocol.Closed, e.State())
	require.Equal(t, "</stream:stream>", string(e.TakeOutgoingData()))
}

func TestCloseTimeout(t *testing.T) {
	e := opened(t)
	e.Close()
	e.Timeout()
	require.Equal(t, protocol.Closed, e.State())
}

func TestParseErrorInitiating(t *testing.T) {
	e := opened(t)
	e.AddIncomingData([]byte(`<message><body></message>`))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventError, step.Event)
	require.ErrorIs(t, step.Err, protocol.ErrParse)
	require.Equal(t, protocol.CodeParse, protocol.ErrorCode(step.Err))
	require.Equal(t, protocol.Closed, e.State())

	// Errors are sticky.
	step = e.ProcessStep()
	require.Equal(t, protocol.EventError, step.Event)
}

func TestParseErrorAccepting(t *testing.T) {
	e := protocol.New(protocol.Accepting())
	require.Equal(t, protocol.RecvOpen, e.State())
	e.AddIncomingData([]byte(`<<garbage`))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventError, step.Event)
	require.Equal(t, protocol.CodeParse, protocol.ErrorCode(step.Err))
	require.Equal(t, protocol.Open, e.State())

	require.NoError(t, e.Start(stream.Info{From: jid.MustParse("example.net")}))
	require.NoError(t, e.WriteElement(stream.BadFormat.Element(), false))
	e.Close()
	require.Equal(t, protocol.Closed, e.State())
	out := string(e.TakeOutgoingData())
	require.True(t, strings.HasSuffix(out, `<stream:error><bad-format xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`), out)
}

func TestAcceptingOpen(t *testing.T) {
	e := protocol.New(protocol.Accepting())
	e.AddIncomingData([]byte(clientHeader))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventOpened, step.Event)
	require.Equal(t, protocol.SendOpen, e.State())
	require.Equal(t, "example.net", e.Peer().To.String())
	require.NoError(t, e.Start(stream.Info{From: jid.MustParse("example.net"), ID: "s1"}))
	require.Equal(t, protocol.Open, e.State())
}

var headerErrorTests = [...]struct {
	header string
	code   protocol.Code
}{
	0: {
		header: `<stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`,
		code:   protocol.CodeNamespace,
	},
	1: {
		header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='2.0'>`,
		code:   protocol.CodeVersion,
	},
	2: {
		header: `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`,
		code:   protocol.CodeVersion,
	},
}

func TestHeaderErrors(t *testing.T) {
	for i, tc := range headerErrorTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			e := protocol.New()
			require.NoError(t, e.Start(stream.Info{To: jid.MustParse("example.net")}))
			e.AddIncomingData([]byte(tc.header))
			step := e.ProcessStep()
			require.Equal(t, protocol.EventError, step.Event)
			require.Equal(t, tc.code, protocol.ErrorCode(step.Err))
		})
	}
}

func TestStreamError(t *testing.T) {
	e := opened(t)
	e.AddIncomingData([]byte(`<stream:error><host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/><text xmlns='urn:ietf:params:xml:ns:xmpp-streams'>bye</text></stream:error>`))
	step := e.ProcessStep()
	require.Equal(t, protocol.EventError, step.Event)
	require.Equal(t, protocol.CodeStreamError, protocol.ErrorCode(step.Err))
	require.True(t, errors.Is(step.Err, stream.HostUnknown))
}

func TestResetIdempotent(t *testing.T) {
	e := opened(t)
	e.AddIncomingData([]byte(`<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>` + "\x16\x03\x01"))
	step := e.ProcessStep()
	require.True(t, step.Element.Is("urn:ietf:params:xml:ns:xmpp-tls", "proceed"))

	require.Equal(t, []byte("\x16\x03\x01"), e.Reset())
	require.Equal(t, protocol.SendOpen, e.State())
	require.Nil(t, e.Reset())
	require.Equal(t, protocol.SendOpen, e.State())

	require.NoError(t, e.Start(stream.Info{To: jid.MustParse("example.net"), Lang: "en"}))
	require.Equal(t, clientHeader, string(e.TakeOutgoingData()))
}
