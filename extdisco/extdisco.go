// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package extdisco implements external service discovery.
//
// External services are STUN and TURN servers and similar infrastructure that
// an XMPP server advertises to its clients, optionally with short lived
// credentials.
package extdisco // import "mellium.im/xmppcore/extdisco"

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// NS is the namespace used by this package.
const NS = "urn:xmpp:extdisco:2"

// Errors returned by this package.
var (
	ErrBadAction = errors.New("extdisco: unknown service action")
	ErrNoPayload = errors.New("extdisco: response has no services payload")
)

// Action describes how a pushed service changes the known set.
type Action string

// A list of possible actions.
// An empty action is used in responses to queries.
const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
	ActionModify Action = "modify"
)

// Service is an external service advertised by the server.
type Service struct {
	Host       string
	Port       uint16
	Type       string
	Transport  string
	Name       string
	Username   string
	Password   string
	Expires    time.Time
	Restricted bool
	Action     Action
}

// TTL returns how long the service remains valid after now and whether the
// service expires at all.
func (s Service) TTL(now time.Time) (ttl time.Duration, ok bool) {
	if s.Expires.IsZero() {
		return 0, false
	}
	return s.Expires.Sub(now), true
}

// Element returns the service as an element.
func (s Service) Element() *element.Element {
	el := element.New(NS, "service").
		SetAttr("host", s.Host).
		SetAttr("type", s.Type)
	if s.Port != 0 {
		el.SetAttr("port", strconv.FormatUint(uint64(s.Port), 10))
	}
	el.SetAttr("transport", s.Transport).
		SetAttr("name", s.Name).
		SetAttr("username", s.Username).
		SetAttr("password", s.Password).
		SetAttr("action", string(s.Action))
	if !s.Expires.IsZero() {
		el.SetAttr("expires", s.Expires.UTC().Format(time.RFC3339))
	}
	if s.Restricted {
		el.SetAttr("restricted", "true")
	}
	return el
}

// ParseService reads a service element.
func ParseService(el *element.Element) (Service, error) {
	s := Service{
		Host:      el.Attribute("host"),
		Type:      el.Attribute("type"),
		Transport: el.Attribute("transport"),
		Name:      el.Attribute("name"),
		Username:  el.Attribute("username"),
		Password:  el.Attribute("password"),
		Action:    Action(el.Attribute("action")),
	}
	if s.Host == "" || s.Type == "" {
		return Service{}, errors.New("extdisco: service requires a host and type")
	}
	switch s.Action {
	case "", ActionAdd, ActionDelete, ActionModify:
	default:
		return Service{}, fmt.Errorf("%w %q", ErrBadAction, s.Action)
	}
	if port := el.Attribute("port"); port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Service{}, fmt.Errorf("extdisco: bad port %q: %w", port, err)
		}
		s.Port = uint16(p)
	}
	if expires := el.Attribute("expires"); expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return Service{}, fmt.Errorf("extdisco: bad expiry %q: %w", expires, err)
		}
		s.Expires = t
	}
	switch el.Attribute("restricted") {
	case "1", "true":
		s.Restricted = true
	}
	return s, nil
}

// Parse reads the services from a services or credentials element.
func Parse(el *element.Element) ([]Service, error) {
	if !el.Is(NS, "services") && !el.Is(NS, "credentials") {
		return nil, ErrNoPayload
	}
	var out []Service
	for _, c := range el.Elements() {
		if c.Name.Local != "service" {
			continue
		}
		s, err := ParseService(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func payload(resp *element.Element) *element.Element {
	for _, c := range resp.Elements() {
		if c.Is(NS, "services") || c.Is(NS, "credentials") {
			return c
		}
	}
	return nil
}

// Get asks server for the external services it offers.
// If typ is not empty only services of that type are requested.
func Get(ctx context.Context, root *task.Root, server jid.JID, typ string) ([]Service, error) {
	q := element.New(NS, "services")
	if typ != "" {
		q.SetAttr("type", typ)
	}
	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, server, q))
	if err != nil {
		return nil, err
	}
	return Parse(payload(resp))
}

// GetCredentials asks server for credentials to use a restricted service.
func GetCredentials(ctx context.Context, root *task.Root, server jid.JID, s Service) (Service, error) {
	q := element.New(NS, "credentials").Append(
		element.New("", "service").
			SetAttr("host", s.Host).
			SetAttr("type", s.Type).
			SetAttr("port", portString(s.Port)),
	)
	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, server, q))
	if err != nil {
		return Service{}, err
	}
	services, err := Parse(payload(resp))
	if err != nil {
		return Service{}, err
	}
	if len(services) == 0 {
		return Service{}, ErrNoPayload
	}
	return services[0], nil
}

func portString(p uint16) string {
	if p == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(p), 10)
}

// Handle registers a task on root that accepts service pushes from the
// account's server and calls f with the changed services.
// It returns a function that unregisters the task.
func Handle(root *task.Root, f func([]Service)) (remove func()) {
	return root.Add(task.TakeFunc(func(el *element.Element) bool {
		if !stanza.IsIQ(el, stanza.SetIQ) {
			return false
		}
		q := el.Child(NS, "services")
		if q == nil {
			return false
		}
		if from := el.Attribute("from"); from != "" {
			server := root.LocalAddr().Domain()
			if j, err := jid.Parse(from); err != nil || !j.Equal(server) {
				return false
			}
		}
		var reply *element.Element
		services, err := Parse(q)
		if err != nil {
			reply = stanza.ErrorReply(el, stanza.NewError(stanza.BadRequest, err.Error()))
		} else {
			reply = stanza.Result(el)
		}
		/* #nosec */
		root.Send(context.Background(), reply)
		if err == nil {
			f(services)
		}
		return true
	}))
}
