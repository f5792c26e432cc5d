// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// IDLen is the standard length of stanza and stream identifiers.
const IDLen = 16

// RandomID generates a new random identifier of length IDLen.
// If the system entropy source fails RandomID panics.
func RandomID() string {
	return randomID(IDLen, rand.Reader)
}

// RandomLen is like RandomID but the length is configurable.
func RandomLen(n int) string {
	return randomID(n, rand.Reader)
}

func randomID(n int, r io.Reader) string {
	b := make([]byte, (n/2)+(n&1))
	switch n, err := io.ReadFull(r, b); {
	case err != nil:
		panic(err)
	case n != len(b):
		panic("attr: could not read enough randomness")
	}
	return hex.EncodeToString(b)[:n]
}
