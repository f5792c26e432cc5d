// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"mellium.im/sasl"

	"mellium.im/xmppcore/auth"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/internal/saslerr"
)

// mechanisms returns the supported SASL mechanisms in order of preference.
func (s *Stream) mechanisms() []sasl.Mechanism {
	all := []sasl.Mechanism{
		auth.ScramSHA1Plus,
		auth.ScramSHA1,
		auth.DigestMD5("xmpp", s.cfg.JID.Domainpart()),
		sasl.Plain,
		auth.External,
		sasl.Anonymous,
	}
	mechs := all[:0]
	for _, m := range all {
		if strings.HasSuffix(m.Name, "-PLUS") && s.tlsState == nil {
			continue
		}
		if s.cfg.allowed(m.Name) {
			mechs = append(mechs, m)
		}
	}
	return mechs
}

// saslFeature returns a stream feature that authenticates using the Simple
// Authentication and Security Layer (SASL) as defined in RFC 4422.
func saslFeature() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.SASL, Local: "mechanisms"},
		Prohibited: Authn,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			var offered []string
			for _, m := range el.Elements() {
				if m.Name.Local == "mechanism" {
					offered = append(offered, strings.TrimSpace(m.Text()))
				}
			}

			// Select a mechanism, preferring the client order.
			var selected sasl.Mechanism
		selectmechanism:
			for _, m := range s.mechanisms() {
				for _, name := range offered {
					if name == m.Name {
						selected = m
						break selectmechanism
					}
				}
			}
			if selected.Name == "" {
				return 0, ErrNoMechanism
			}

			opts := []sasl.Option{
				sasl.Credentials(func() ([]byte, []byte, []byte) {
					return []byte(s.cfg.JID.Localpart()), []byte(s.cfg.Password), []byte(s.cfg.Identity)
				}),
				sasl.RemoteMechanisms(offered...),
			}
			if s.tlsState != nil {
				opts = append(opts, sasl.TLSState(*s.tlsState))
			}
			client := sasl.NewClient(selected, opts...)
			if err := s.authenticate(ctx, client, selected.Name); err != nil {
				return 0, err
			}
			s.mechanism = selected.Name
			s.logger.Info().Str("mechanism", selected.Name).Msg("authenticated")
			return Authn | streamRestart, nil
		},
	}
}

func encodeSASL(el *element.Element, resp []byte) *element.Element {
	if len(resp) > 0 {
		el.AppendText(base64.StdEncoding.EncodeToString(resp))
	}
	return el
}

func decodeSASL(el *element.Element) ([]byte, error) {
	text := strings.TrimSpace(el.Text())
	if text == "" || text == "=" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrBadChallenge, err)
	}
	return b, nil
}

func (s *Stream) authenticate(ctx context.Context, client *sasl.Negotiator, name string) error {
	more, resp, err := client.Step(nil)
	if err != nil {
		return err
	}

	authEl := element.New(ns.SASL, "auth").SetAttr("mechanism", name)
	// RFC6120 §6.4.2:
	//     If the initiating entity needs to send a zero-length initial
	//     response, it MUST transmit the response as a single equals sign
	//     character ("="), which indicates that the response is present but
	//     contains no data.
	if resp != nil && len(resp) == 0 {
		authEl.AppendText("=")
	} else {
		encodeSASL(authEl, resp)
	}
	if err := s.send(authEl); err != nil {
		return err
	}

	for {
		el, err := s.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.abortSASL()
				return fmt.Errorf("%w: %v", ErrAbort, ctx.Err())
			}
			return err
		}
		if el.Name.Space != ns.SASL {
			return ErrUnexpectedElement
		}
		switch el.Name.Local {
		case "challenge":
			challenge, err := decodeSASL(el)
			if err != nil {
				s.abortSASL()
				return err
			}
			more, resp, err = client.Step(challenge)
			if err != nil {
				s.abortSASL()
				return err
			}
			if err := s.send(encodeSASL(element.New(ns.SASL, "response"), resp)); err != nil {
				return err
			}
		case "success":
			data, err := decodeSASL(el)
			if err != nil {
				return err
			}
			switch {
			case more && len(data) > 0:
				if _, _, err = client.Step(data); err != nil {
					return err
				}
			case more:
				// The server finished without proving that it knows the credentials.
				return auth.ErrServerSignature
			case len(data) > 0:
				s.logger.Debug().Msg("ignoring additional data with success")
			}
			return nil
		case "failure":
			lang := language.Und
			if tag, err := language.Parse(s.cfg.Lang); err == nil {
				lang = tag
			}
			return newSASLError(saslerr.FromElement(el, lang))
		default:
			return ErrUnexpectedElement
		}
	}
}

// abortSASL tells the server that the client is giving up on the exchange.
func (s *Stream) abortSASL() {
	/* #nosec */
	s.send(element.New(ns.SASL, "abort"))
}
