// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	xmpp "mellium.im/xmppcore"
	"mellium.im/xmppcore/auth"
	"mellium.im/xmppcore/dial"
	"mellium.im/xmppcore/protocol"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
	"mellium.im/xmppcore/task"
)

var classifyTests = [...]struct {
	err  error
	kind xmpp.ErrorKind
}{
	0:  {err: nil, kind: xmpp.KindNone},
	1:  {err: dial.ErrConnectionRefused, kind: xmpp.KindTransport},
	2:  {err: fmt.Errorf("dialing: %w", dial.ErrHostNotFound), kind: xmpp.KindTransport},
	3:  {err: io.ErrUnexpectedEOF, kind: xmpp.KindTransport},
	4:  {err: xmpp.ErrTLSHandshake, kind: xmpp.KindTransport},
	5:  {err: errors.New("something else"), kind: xmpp.KindTransport},
	6:  {err: fmt.Errorf("%w: bad token", protocol.ErrParse), kind: xmpp.KindProtocol},
	7:  {err: xmpp.ErrUnexpectedElement, kind: xmpp.KindProtocol},
	8:  {err: stream.ErrVersionMismatch, kind: xmpp.KindProtocol},
	9:  {err: stream.ErrNamespaceMismatch, kind: xmpp.KindProtocol},
	10: {err: stream.HostUnknown, kind: xmpp.KindProtocol},
	11: {err: xmpp.ErrNoMechanism, kind: xmpp.KindAuth},
	12: {err: xmpp.SASLError{Condition: "not-authorized"}, kind: xmpp.KindAuth},
	13: {err: auth.ErrServerSignature, kind: xmpp.KindAuth},
	14: {err: xmpp.ErrAbort, kind: xmpp.KindAuth},
	15: {err: stanza.NewError(stanza.ItemNotFound, ""), kind: xmpp.KindStanza},
	16: {err: xmpp.ErrSMTimeout, kind: xmpp.KindSM},
	17: {err: fmt.Errorf("%w: item-not-found", xmpp.ErrSMResumeFailed), kind: xmpp.KindSM},
	18: {err: task.ErrTimeout, kind: xmpp.KindTask},
	19: {err: task.ErrDisc, kind: xmpp.KindTask},
	20: {err: fmt.Errorf("%w: h=5, sent 1", xmpp.ErrSMHandledTooHigh), kind: xmpp.KindSM},
}

func TestClassify(t *testing.T) {
	for i, tc := range classifyTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			kind := xmpp.Classify(tc.err)
			require.Equal(t, tc.kind, kind, "got %s", kind)
		})
	}
}

func TestSASLError(t *testing.T) {
	err := xmpp.SASLError{Condition: "not-authorized", Text: "bad password", Lang: "en"}
	require.Equal(t, "xmpp: authentication failed: not-authorized: bad password", err.Error())
	require.ErrorIs(t, fmt.Errorf("negotiating: %w", err), xmpp.SASLError{Condition: "not-authorized"})
	require.NotErrorIs(t, err, xmpp.SASLError{Condition: "aborted"})
}
