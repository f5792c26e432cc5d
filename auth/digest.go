// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"crypto/hmac"
	/* #nosec */
	"crypto/md5"
	"encoding/hex"
	"strings"

	"mellium.im/sasl"
)

const digestNC = "00000001"

type digestCache struct {
	rspauth string
}

// DigestMD5 returns the DIGEST-MD5 mechanism defined by RFC 2831 for the
// given service and host, such as "xmpp" and "example.net".
// The server's rspauth value is verified before the exchange succeeds.
func DigestMD5(service, host string, opts ...Option) sasl.Mechanism {
	o := getOpts(opts)
	digestURI := service + "/" + host
	return sasl.Mechanism{
		Name: "DIGEST-MD5",
		Start: func(*sasl.Negotiator) (bool, []byte, interface{}, error) {
			return true, nil, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			params, err := parseDigest(string(challenge))
			if err != nil {
				return false, nil, nil, err
			}
			if rspauth, ok := params["rspauth"]; ok {
				cache, ok := data.(*digestCache)
				if !ok || !hmac.Equal([]byte(rspauth), []byte(cache.rspauth)) {
					return false, nil, nil, ErrServerSignature
				}
				return false, nil, nil, nil
			}
			if m.State()&sasl.StepMask != sasl.AuthTextSent {
				return false, nil, nil, sasl.ErrTooManySteps
			}

			nonce := params["nonce"]
			if nonce == "" {
				return false, nil, nil, ErrBadChallenge
			}
			if qop, ok := params["qop"]; ok && !hasToken(qop, "auth") {
				return false, nil, nil, ErrBadChallenge
			}
			realm := params["realm"]
			if realm == "" {
				realm = host
			}
			user, password, identity := m.Credentials()
			cnonce := o.nonce()

			response := digestResponse(string(user), realm, string(password), nonce, cnonce, digestURI, string(identity), "AUTHENTICATE")
			rspauth := digestResponse(string(user), realm, string(password), nonce, cnonce, digestURI, string(identity), "")

			var b strings.Builder
			b.WriteString(`charset=utf-8,username=`)
			b.WriteString(quote(string(user)))
			b.WriteString(`,realm=`)
			b.WriteString(quote(realm))
			b.WriteString(`,nonce=`)
			b.WriteString(quote(nonce))
			b.WriteString(`,nc=` + digestNC + `,cnonce=`)
			b.WriteString(quote(cnonce))
			b.WriteString(`,digest-uri=`)
			b.WriteString(quote(digestURI))
			b.WriteString(`,response=` + response + `,qop=auth`)
			if len(identity) > 0 {
				b.WriteString(`,authzid=`)
				b.WriteString(quote(string(identity)))
			}
			return true, []byte(b.String()), &digestCache{rspauth: rspauth}, nil
		},
	}
}

func digestResponse(user, realm, password, nonce, cnonce, uri, authzid, method string) string {
	/* #nosec */
	userHash := md5.Sum([]byte(user + ":" + realm + ":" + password))
	a1 := string(userHash[:]) + ":" + nonce + ":" + cnonce
	if authzid != "" {
		a1 += ":" + authzid
	}
	a2 := method + ":" + uri
	return h(h(a1) + ":" + nonce + ":" + digestNC + ":" + cnonce + ":auth:" + h(a2))
}

func h(s string) string {
	/* #nosec */
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func hasToken(list, tok string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.TrimSpace(t) == tok {
			return true
		}
	}
	return false
}

// parseDigest splits a digest challenge into its directives.
// The first occurrence of a directive wins.
func parseDigest(s string) (map[string]string, error) {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, ErrBadChallenge
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")
		var val string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, ErrBadChallenge
			}
			val = b.String()
			s = s[i+1:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		if _, ok := params[key]; !ok {
			params[key] = val
		}
	}
}
