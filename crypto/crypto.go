// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package crypto names the hash functions used on the wire by entity
// capabilities and the hashes element.
package crypto // import "mellium.im/xmppcore/crypto"

import (
	"crypto"
	// Register the hash functions that can be named on the wire.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"

	_ "golang.org/x/crypto/blake2b"
	_ "golang.org/x/crypto/sha3"

	"mellium.im/xmppcore/element"
)

// NS is the namespace used by this package.
const NS = "urn:xmpp:hashes:2"

// A list of errors returned by functions in this package.
var (
	ErrMissingAlgo = errors.New("crypto: no algo attr found")
	ErrUnknownAlgo = errors.New("crypto: unknown hash value")
)

// Hash identifies a hash function by the name it has in XMPP.
// It is like crypto.Hash from the standard library, except that only hash
// functions commonly supported in XMPP are given names.
type Hash crypto.Hash

// A list of supported hashes.
const (
	SHA1        = Hash(crypto.SHA1)
	SHA224      = Hash(crypto.SHA224)
	SHA256      = Hash(crypto.SHA256)
	SHA384      = Hash(crypto.SHA384)
	SHA512      = Hash(crypto.SHA512)
	SHA3_256    = Hash(crypto.SHA3_256)
	SHA3_512    = Hash(crypto.SHA3_512)
	BLAKE2b_256 = Hash(crypto.BLAKE2b_256)
	BLAKE2b_512 = Hash(crypto.BLAKE2b_512)
)

var names = map[Hash]string{
	SHA1:        "sha-1",
	SHA224:      "sha-224",
	SHA256:      "sha-256",
	SHA384:      "sha-384",
	SHA512:      "sha-512",
	SHA3_256:    "sha3-256",
	SHA3_512:    "sha3-512",
	BLAKE2b_256: "blake2b256",
	BLAKE2b_512: "blake2b512",
}

// Parse creates a hash from the hash name as a string.
func Parse(name string) (Hash, error) {
	for h, n := range names {
		if n == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w %s", ErrUnknownAlgo, name)
}

// Valid reports whether h is one of the named hashes.
func (h Hash) Valid() bool {
	_, ok := names[h]
	return ok
}

// String returns the name of the hash as it appears on the wire.
func (h Hash) String() string {
	if n, ok := names[h]; ok {
		return n
	}
	return "unknown hash value " + strconv.Itoa(int(h))
}

// HashFunc returns the hash as a crypto.Hash and implements crypto.SignerOpts.
func (h Hash) HashFunc() crypto.Hash {
	return crypto.Hash(h)
}

// New returns a new hash.Hash calculating the given hash function.
// New panics if the hash is invalid.
func (h Hash) New() hash.Hash {
	return crypto.Hash(h).New()
}

// Element returns a hash-used element naming h.
func (h Hash) Element() *element.Element {
	return element.New(NS, "hash-used").SetAttr("algo", h.String())
}

// HashOutput is the result of a hash calculation.
type HashOutput struct {
	Hash Hash
	Out  []byte
}

// Element returns the output as a hash element with base64 content.
func (h HashOutput) Element() *element.Element {
	return element.New(NS, "hash").
		SetAttr("algo", h.Hash.String()).
		AppendText(base64.StdEncoding.EncodeToString(h.Out))
}

// ParseOutput reads a hash element.
func ParseOutput(el *element.Element) (HashOutput, error) {
	algo := el.Attribute("algo")
	if algo == "" {
		return HashOutput{}, ErrMissingAlgo
	}
	h, err := Parse(algo)
	if err != nil {
		return HashOutput{}, err
	}
	out, err := base64.StdEncoding.DecodeString(el.Text())
	if err != nil {
		return HashOutput{}, fmt.Errorf("crypto: decoding hash output: %w", err)
	}
	return HashOutput{Hash: h, Out: out}, nil
}
