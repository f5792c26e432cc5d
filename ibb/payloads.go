// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ibb

import (
	"encoding/base64"
	"strconv"
	"strings"

	"mellium.im/xmppcore/element"
)

const iqType = "iq"

func openPayload(sid string, blockSize int) *element.Element {
	return element.New(NS, "open").
		SetAttr("sid", sid).
		SetAttr("block-size", strconv.Itoa(blockSize)).
		SetAttr("stanza", iqType)
}

func closePayload(sid string) *element.Element {
	return element.New(NS, "close").SetAttr("sid", sid)
}

func dataPayload(sid string, seq uint16, p []byte) *element.Element {
	return element.New(NS, "data").
		SetAttr("sid", sid).
		SetAttr("seq", strconv.FormatUint(uint64(seq), 10)).
		AppendText(base64.StdEncoding.EncodeToString(p))
}

// payload returns the first IBB child of an IQ, or nil.
func payload(iq *element.Element) *element.Element {
	for _, child := range iq.Elements() {
		if child.Name.Space == NS {
			return child
		}
	}
	return nil
}

func parseBlockSize(s string) (int, bool) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return int(n), true
}

func parseSeq(s string) (uint16, bool) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// decodeData decodes the character data of a data payload.
// Whitespace is ignored.
func decodeData(el *element.Element) ([]byte, error) {
	text := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, el.Text())
	return base64.StdEncoding.DecodeString(text)
}
