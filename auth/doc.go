// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth provides SASL mechanisms that are used by XMPP clients but are
// not part of the sasl package: EXTERNAL, DIGEST-MD5, and SCRAM-SHA-1 with and
// without channel binding.
//
// Each mechanism is a sasl.Mechanism and is driven by a sasl.Negotiator.
package auth // import "mellium.im/xmppcore/auth"

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// Errors returned by the mechanisms in this package.
var (
	ErrServerSignature = errors.New("auth: server signature mismatch")
	ErrNoTLS           = errors.New("auth: channel binding requires a TLS connection")
	ErrBadChallenge    = errors.New("auth: malformed challenge")
)

// nonceLen is the number of random bytes in a client nonce.
const nonceLen = 32

// Option configures a mechanism.
type Option func(*options)

type options struct {
	nonce func() string
}

// Nonce replaces the source of client nonces.
// It is meant for reproducible tests.
func Nonce(f func() string) Option {
	return func(o *options) {
		o.nonce = f
	}
}

func getOpts(opts []Option) options {
	o := options{nonce: randomNonce(rand.Reader)}
	for _, f := range opts {
		f(&o)
	}
	return o
}

// randomNonce returns a function that reads nonceLen bytes from r and encodes
// them in padded standard base64.
func randomNonce(r io.Reader) func() string {
	return func() string {
		b := make([]byte, nonceLen)
		if _, err := io.ReadFull(r, b); err != nil {
			panic("auth: could not read randomness for nonce: " + err.Error())
		}
		return base64.StdEncoding.EncodeToString(b)
	}
}
