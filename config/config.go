// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads client configuration from YAML files.
//
// A file has four optional sections:
//
//	stream:
//	  jid: juliet@example.net
//	  password: secret
//	  resource: balcony
//	  tls: require
//	  compression: zlib
//	  mechanisms: [SCRAM-SHA-1-PLUS, SCRAM-SHA-1]
//	  stream_management: true
//	  ack_interval: 30s
//	dial:
//	  family: v6_then_v4
//	  failsafe: {host: xmpp.example.net, port: 5222}
//	  nameservers: ["192.0.2.53:53"]
//	  timeout: 10s
//	tunnel:
//	  localbase: 40000
//	  channels: 4
//	  stun: stun.example.net
//	  relay: true
//	log:
//	  level: debug
//
// Sections are validated as they are decoded and errors name the offending
// key.
package config // import "mellium.im/xmppcore/config"

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v2"

	xmpp "mellium.im/xmppcore"
	"mellium.im/xmppcore/dial"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/resolver"
)

// Config is the contents of a configuration file.
type Config struct {
	Stream Stream `yaml:"stream"`
	Dial   Dial   `yaml:"dial"`
	Tunnel Tunnel `yaml:"tunnel"`
	Log    Log    `yaml:"log"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse parses a configuration file.
// Unknown keys are an error.
func Parse(b []byte) (*Config, error) {
	cfg := &Config{Log: Log{Level: zerolog.InfoLevel}}
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return cfg, nil
}

// keyError names the key that failed validation.
func keyError(key string, err error) error {
	return fmt.Errorf("%s: %w", key, err)
}

// Stream configures the client stream.
type Stream struct {
	JID              jid.JID
	Password         string
	Resource         string
	Lang             string
	TLS              xmpp.TLSMode
	Compression      bool
	Mechanisms       []string
	StreamManagement bool
	Session          bool
	AckInterval      time.Duration
	AckTimeout       time.Duration
}

type streamProxy struct {
	JID              string        `yaml:"jid"`
	Password         string        `yaml:"password"`
	Resource         string        `yaml:"resource"`
	Lang             string        `yaml:"lang"`
	TLS              string        `yaml:"tls"`
	Compression      string        `yaml:"compression"`
	Mechanisms       []string      `yaml:"mechanisms"`
	StreamManagement bool          `yaml:"stream_management"`
	Session          bool          `yaml:"session"`
	AckInterval      time.Duration `yaml:"ack_interval"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

// UnmarshalYAML satisfies the yaml.Unmarshaler interface.
func (s *Stream) UnmarshalYAML(unmarshal func(interface{}) error) error {
	p := streamProxy{}
	if err := unmarshal(&p); err != nil {
		return err
	}
	out := Stream{
		Password:         p.Password,
		Resource:         p.Resource,
		Lang:             p.Lang,
		Mechanisms:       p.Mechanisms,
		StreamManagement: p.StreamManagement,
		Session:          p.Session,
		AckInterval:      p.AckInterval,
		AckTimeout:       p.AckTimeout,
	}
	if p.JID != "" {
		j, err := jid.Parse(p.JID)
		if err != nil {
			return keyError("stream.jid", err)
		}
		out.JID = j
	}
	if p.Resource != "" {
		if _, err := out.JID.WithResource(p.Resource); err != nil {
			return keyError("stream.resource", err)
		}
	}
	switch p.TLS {
	case "", "prefer", "optional":
		out.TLS = xmpp.TLSOptional
	case "require":
		out.TLS = xmpp.TLSRequire
	case "disable", "disabled":
		out.TLS = xmpp.TLSDisabled
	default:
		return keyError("stream.tls", fmt.Errorf("unrecognized mode %q", p.TLS))
	}
	switch p.Compression {
	case "", "off":
	case "zlib":
		out.Compression = true
	default:
		return keyError("stream.compression", fmt.Errorf("unrecognized method %q", p.Compression))
	}
	if p.AckInterval < 0 {
		return keyError("stream.ack_interval", errors.New("must not be negative"))
	}
	if p.AckTimeout < 0 {
		return keyError("stream.ack_timeout", errors.New("must not be negative"))
	}
	*s = out
	return nil
}

// XMPP returns the stream options as an xmpp.Config.
func (s Stream) XMPP(logger zerolog.Logger) xmpp.Config {
	addr := s.JID
	if s.Resource != "" {
		// Validated when the section was decoded.
		addr, _ = s.JID.WithResource(s.Resource)
	}
	return xmpp.Config{
		JID:              addr,
		Password:         s.Password,
		Lang:             s.Lang,
		TLS:              s.TLS,
		Compression:      s.Compression,
		Mechanisms:       s.Mechanisms,
		Session:          s.Session,
		StreamManagement: s.StreamManagement,
		AckInterval:      s.AckInterval,
		AckTimeout:       s.AckTimeout,
		Logger:           logger,
	}
}

// Dial configures how the server is located and connected to.
type Dial struct {
	Family      dial.Family
	Failsafe    string
	Nameservers []string
	Timeout     time.Duration
}

type failsafeProxy struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type dialProxy struct {
	Family      string        `yaml:"family"`
	Failsafe    failsafeProxy `yaml:"failsafe"`
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
}

// UnmarshalYAML satisfies the yaml.Unmarshaler interface.
func (d *Dial) UnmarshalYAML(unmarshal func(interface{}) error) error {
	p := dialProxy{}
	if err := unmarshal(&p); err != nil {
		return err
	}
	out := Dial{Timeout: p.Timeout}
	if p.Family != "" {
		f, err := dial.ParseFamily(p.Family)
		if err != nil {
			return keyError("dial.family", err)
		}
		out.Family = f
	}
	if p.Failsafe.Port < 0 || p.Failsafe.Port > 65535 {
		return keyError("dial.failsafe.port", fmt.Errorf("out of range: %d", p.Failsafe.Port))
	}
	if p.Failsafe.Host != "" || p.Failsafe.Port != 0 {
		port := ""
		if p.Failsafe.Port != 0 {
			port = strconv.Itoa(p.Failsafe.Port)
		}
		out.Failsafe = net.JoinHostPort(p.Failsafe.Host, port)
	}
	for _, ns := range p.Nameservers {
		addr, err := nameserver(ns)
		if err != nil {
			return keyError("dial.nameservers", err)
		}
		out.Nameservers = append(out.Nameservers, addr)
	}
	if p.Timeout < 0 {
		return keyError("dial.timeout", errors.New("must not be negative"))
	}
	*d = out
	return nil
}

// nameserver adds the default DNS port to addresses without one.
func nameserver(s string) (string, error) {
	if ip := net.ParseIP(s); ip != nil {
		return net.JoinHostPort(s, "53"), nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("bad port in %q", s)
	}
	return net.JoinHostPort(host, port), nil
}

// Resolver returns a DNS resolver using the configured name servers or nil if
// none are configured.
func (d Dial) Resolver(logger zerolog.Logger) *resolver.DNS {
	if len(d.Nameservers) == 0 {
		return nil
	}
	return &resolver.DNS{
		Servers: d.Nameservers,
		Timeout: d.Timeout,
		Logger:  logger,
	}
}

// Dialer returns a dialer for the section.
func (d Dial) Dialer(logger zerolog.Logger) *dial.Dialer {
	dialer := &dial.Dialer{
		Family:   d.Family,
		Failsafe: d.Failsafe,
		Timeout:  d.Timeout,
		Logger:   logger,
	}
	if r := d.Resolver(logger); r != nil {
		dialer.Resolver = r
	}
	return dialer
}

// Tunnel holds the options of a media tunnel negotiated over the stream.
type Tunnel struct {
	LocalBase uint16 `yaml:"localbase"`
	Channels  int    `yaml:"channels"`
	STUN      string `yaml:"stun"`
	Relay     bool   `yaml:"relay"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
}

type tunnelProxy Tunnel

// UnmarshalYAML satisfies the yaml.Unmarshaler interface.
func (t *Tunnel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	p := tunnelProxy{}
	if err := unmarshal(&p); err != nil {
		return err
	}
	if p.Channels < 0 {
		return keyError("tunnel.channels", fmt.Errorf("must not be negative: %d", p.Channels))
	}
	if p.Channels > 0 && int(p.LocalBase)+p.Channels*2 > 65536 {
		return keyError("tunnel.localbase", fmt.Errorf("%d channels do not fit above port %d", p.Channels, p.LocalBase))
	}
	if p.STUN != "" && !validAddr(p.STUN) {
		return keyError("tunnel.stun", fmt.Errorf("bad address %q", p.STUN))
	}
	if p.Relay && p.STUN == "" {
		return keyError("tunnel.relay", errors.New("relaying requires a stun server"))
	}
	if (p.User == "") != (p.Pass == "") {
		return keyError("tunnel.user", errors.New("user and pass must be set together"))
	}
	*t = Tunnel(p)
	return nil
}

// validAddr reports whether s is a host name or IP address with an optional
// port.
func validAddr(s string) bool {
	host := s
	if h, port, err := net.SplitHostPort(s); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return false
		}
		host = h
	}
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	_, err := idna.Lookup.ToASCII(host)
	return err == nil
}

// Log configures logging.
type Log struct {
	Level zerolog.Level
}

type logProxy struct {
	Level string `yaml:"level"`
}

// UnmarshalYAML satisfies the yaml.Unmarshaler interface.
func (l *Log) UnmarshalYAML(unmarshal func(interface{}) error) error {
	p := logProxy{}
	if err := unmarshal(&p); err != nil {
		return err
	}
	if p.Level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(p.Level)
	if err != nil {
		return keyError("log.level", err)
	}
	l.Level = lvl
	return nil
}

// Logger returns a logger writing to w at the configured level.
// Parsed files without a log section log at the info level.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(c.Log.Level).With().Timestamp().Logger()
}
