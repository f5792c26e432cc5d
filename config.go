// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmppcore/jid"
)

// TLSMode controls STARTTLS negotiation.
type TLSMode int

// A list of TLS modes.
const (
	// TLSOptional negotiates STARTTLS when the server offers it.
	TLSOptional TLSMode = iota

	// TLSRequire fails negotiation if the server does not offer STARTTLS.
	TLSRequire

	// TLSDisabled never negotiates STARTTLS.
	TLSDisabled
)

func (m TLSMode) String() string {
	switch m {
	case TLSRequire:
		return "require"
	case TLSDisabled:
		return "disabled"
	}
	return "optional"
}

// Default timeouts.
const (
	DefaultAckTimeout   = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// Config represents the configuration of a client stream.
type Config struct {
	// JID is the address to authenticate as. If it has a resourcepart, that
	// resource is requested during binding; otherwise the server picks one.
	JID jid.JID

	// The password to authenticate with.
	Password string

	// Identity is the SASL authorization identity. It is used when a user wants
	// to act on behalf of another user and is normally left blank.
	Identity string

	// Lang is the default xml:lang of the stream.
	Lang string

	TLS TLSMode

	// TLSConfig is used for STARTTLS. If nil, a config with the JID's domain as
	// the server name is used.
	TLSConfig *tls.Config

	// Compression requests zlib stream compression if the server offers it.
	Compression bool

	// Mechanisms limits SASL to the named mechanisms. If empty, every supported
	// mechanism may be used.
	Mechanisms []string

	// Session forces a legacy session to be established even if the server
	// marks it as optional.
	Session bool

	// StreamManagement enables XEP-0198 if the server supports it.
	StreamManagement bool

	// Resume, if set, attempts to resume a previous stream instead of binding a
	// new resource.
	Resume *ResumeState

	// AckInterval is how often an ack is requested for unacknowledged stanzas
	// while serving. Zero disables the periodic request.
	AckInterval time.Duration

	// AckTimeout is how long to wait for an ack once requested.
	AckTimeout time.Duration

	// CloseTimeout is how long Close waits for the server's closing tag.
	CloseTimeout time.Duration

	Logger zerolog.Logger
}

func (c Config) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return DefaultAckTimeout
}

func (c Config) closeTimeout() time.Duration {
	if c.CloseTimeout > 0 {
		return c.CloseTimeout
	}
	return DefaultCloseTimeout
}

func (c Config) tlsConfig() *tls.Config {
	if c.TLSConfig == nil {
		return &tls.Config{
			ServerName: c.JID.Domainpart(),
			MinVersion: tls.VersionTLS12,
		}
	}
	if c.TLSConfig.ServerName != "" {
		return c.TLSConfig
	}
	cfg := c.TLSConfig.Clone()
	cfg.ServerName = c.JID.Domainpart()
	return cfg
}

func (c Config) allowed(mechanism string) bool {
	if len(c.Mechanisms) == 0 {
		return true
	}
	for _, name := range c.Mechanisms {
		if name == mechanism {
			return true
		}
	}
	return false
}
