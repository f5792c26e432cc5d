// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"bytes"
	"crypto/hmac"
	/* #nosec */
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"

	"mellium.im/sasl"
)

const (
	exporterLabel = "EXPORTER-Channel-Binding"
	exporterLen   = 32

	gs2NoCB       = "n"
	gs2CBNotUsed  = "y"
	gs2TLSUnique  = "p=tls-unique"
	gs2TLSExport  = "p=tls-exporter"
	serverKeyText = "Server Key"
	clientKeyText = "Client Key"
)

var (
	// ScramSHA1 is SCRAM-SHA-1 as defined by RFC 5802.
	ScramSHA1 = SCRAM("SCRAM-SHA-1", sha1.New)

	// ScramSHA1Plus is SCRAM-SHA-1-PLUS. It binds to tls-exporter on TLS 1.3
	// connections and to tls-unique otherwise.
	ScramSHA1Plus = SCRAM("SCRAM-SHA-1-PLUS", sha1.New)
)

type scramCache struct {
	clientFirstBare []byte
	gs2             []byte
	nonce           string
	serverSignature []byte
}

// SCRAM returns a client SCRAM mechanism with the given name and hash.
// Names ending in -PLUS use channel binding.
func SCRAM(name string, fn func() hash.Hash, opts ...Option) sasl.Mechanism {
	o := getOpts(opts)
	plus := strings.HasSuffix(name, "-PLUS")
	return sasl.Mechanism{
		Name: name,
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			user, _, identity := m.Credentials()
			gs2, err := gs2Header(plus, m, identity)
			if err != nil {
				return false, nil, nil, err
			}
			saslname, err := Saslname(string(user))
			if err != nil {
				return false, nil, nil, err
			}
			nonce := o.nonce()
			bare := []byte("n=" + saslname + ",r=" + nonce)
			resp := append(append([]byte{}, gs2...), bare...)
			return true, resp, &scramCache{clientFirstBare: bare, gs2: gs2, nonce: nonce}, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			cache, ok := data.(*scramCache)
			if !ok || len(challenge) == 0 {
				return false, nil, nil, sasl.ErrInvalidChallenge
			}
			switch m.State() & sasl.StepMask {
			case sasl.AuthTextSent:
				resp, err := scramFinal(fn, m, challenge, cache)
				if err != nil {
					return false, nil, nil, err
				}
				return true, resp, cache, nil
			case sasl.ResponseSent:
				return false, nil, nil, verifyServerFinal(challenge, cache)
			}
			return false, nil, nil, sasl.ErrTooManySteps
		},
	}
}

// Saslname prepares a username with the OpaqueString profile and escapes it
// for use in a SCRAM message.
func Saslname(user string) (string, error) {
	prepped, err := precis.OpaqueString.String(user)
	if err != nil {
		return "", err
	}
	prepped = strings.ReplaceAll(prepped, "=", "=3D")
	return strings.ReplaceAll(prepped, ",", "=2C"), nil
}

// gs2Header builds the GS2 header for the client-first message.
func gs2Header(plus bool, m *sasl.Negotiator, identity []byte) ([]byte, error) {
	flag := gs2NoCB
	cs := m.TLSState()
	switch {
	case plus && cs == nil:
		return nil, ErrNoTLS
	case plus && cs.Version >= tls.VersionTLS13:
		flag = gs2TLSExport
	case plus:
		flag = gs2TLSUnique
	case cs != nil && !remotePlus(m.RemoteMechanisms()):
		flag = gs2CBNotUsed
	}
	var b bytes.Buffer
	b.WriteString(flag)
	b.WriteByte(',')
	if len(identity) > 0 {
		authz, err := Saslname(string(identity))
		if err != nil {
			return nil, err
		}
		b.WriteString("a=")
		b.WriteString(authz)
	}
	b.WriteByte(',')
	return b.Bytes(), nil
}

func remotePlus(mechs []string) bool {
	for _, name := range mechs {
		if strings.HasSuffix(name, "-PLUS") {
			return true
		}
	}
	return false
}

func channelBinding(gs2 []byte, cs *tls.ConnectionState) ([]byte, error) {
	data := append([]byte{}, gs2...)
	switch {
	case bytes.HasPrefix(gs2, []byte(gs2TLSExport)):
		keying, err := cs.ExportKeyingMaterial(exporterLabel, nil, exporterLen)
		if err != nil {
			return nil, err
		}
		data = append(data, keying...)
	case bytes.HasPrefix(gs2, []byte(gs2TLSUnique)):
		if len(cs.TLSUnique) == 0 {
			return nil, errors.New("auth: no tls-unique data available")
		}
		data = append(data, cs.TLSUnique...)
	}
	return data, nil
}

func scramFinal(fn func() hash.Hash, m *sasl.Negotiator, challenge []byte, cache *scramCache) ([]byte, error) {
	var (
		nonce string
		salt  []byte
		iter  = -1
		err   error
	)
	for _, field := range strings.Split(string(challenge), ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch v := field[2:]; field[0] {
		case 'r':
			nonce = v
		case 's':
			salt, err = base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, err
			}
		case 'i':
			iter, err = strconv.Atoi(v)
			if err != nil {
				return nil, err
			}
		case 'm':
			return nil, errors.New("auth: server sent reserved attribute m")
		case 'e':
			return nil, errors.New("auth: " + v)
		}
	}
	switch {
	case iter <= 0:
		return nil, errors.New("auth: invalid iteration count")
	case !strings.HasPrefix(nonce, cache.nonce) || len(nonce) == len(cache.nonce):
		return nil, errors.New("auth: server nonce does not extend client nonce")
	case len(salt) == 0:
		return nil, errors.New("auth: server sent empty salt")
	}

	cb, err := channelBinding(cache.gs2, m.TLSState())
	if err != nil {
		return nil, err
	}
	withoutProof := []byte("c=" + base64.StdEncoding.EncodeToString(cb) + ",r=" + nonce)

	authMessage := make([]byte, 0, len(cache.clientFirstBare)+len(challenge)+len(withoutProof)+2)
	authMessage = append(authMessage, cache.clientFirstBare...)
	authMessage = append(authMessage, ',')
	authMessage = append(authMessage, challenge...)
	authMessage = append(authMessage, ',')
	authMessage = append(authMessage, withoutProof...)

	_, password, _ := m.Credentials()
	prepped, err := precis.OpaqueString.Bytes(password)
	if err != nil {
		return nil, err
	}
	salted := pbkdf2.Key(prepped, salt, iter, fn().Size(), fn)

	clientKey := mac(fn, salted, []byte(clientKeyText))
	serverKey := mac(fn, salted, []byte(serverKeyText))
	h := fn()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientSignature := mac(fn, storedKey, authMessage)
	cache.serverSignature = mac(fn, serverKey, authMessage)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return append(withoutProof, []byte(",p="+base64.StdEncoding.EncodeToString(proof))...), nil
}

func verifyServerFinal(challenge []byte, cache *scramCache) error {
	s := string(challenge)
	if strings.HasPrefix(s, "e=") {
		return errors.New("auth: " + s[2:])
	}
	if !strings.HasPrefix(s, "v=") {
		return ErrBadChallenge
	}
	sig, err := base64.StdEncoding.DecodeString(strings.SplitN(s[2:], ",", 2)[0])
	if err != nil {
		return ErrBadChallenge
	}
	if !hmac.Equal(sig, cache.serverSignature) {
		return ErrServerSignature
	}
	return nil
}

func mac(fn func() hash.Hash, key, msg []byte) []byte {
	h := hmac.New(fn, key)
	h.Write(msg)
	return h.Sum(nil)
}
