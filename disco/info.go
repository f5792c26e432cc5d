// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"context"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/form"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// Info is a response to a disco info query.
type Info struct {
	Node     string
	Identity []info.Identity
	Features []info.Feature
	Form     []*form.Data
}

// HasFeature reports whether the entity advertised the feature.
func (i Info) HasFeature(v string) bool {
	for _, f := range i.Features {
		if f.Var == v {
			return true
		}
	}
	return false
}

// Element returns the info as a query element.
func (i Info) Element() *element.Element {
	q := infoQuery(i.Node)
	for _, ident := range i.Identity {
		q.Append(ident.Element())
	}
	for _, f := range i.Features {
		q.Append(f.Element())
	}
	for _, f := range i.Form {
		q.Append(f.Element())
	}
	return q
}

// ParseInfo reads a disco info query element.
func ParseInfo(el *element.Element) (Info, error) {
	if !el.Is(NSInfo, "query") {
		return Info{}, ErrNoQuery
	}
	i := Info{Node: el.Attribute("node")}
	for _, c := range el.Elements() {
		switch {
		case c.Name.Local == "identity":
			i.Identity = append(i.Identity, info.ParseIdentity(c))
		case c.Name.Local == "feature":
			i.Features = append(i.Features, info.Feature{Var: c.Attribute("var")})
		case c.Is(form.NS, "x"):
			f, err := form.Parse(c)
			if err != nil {
				return Info{}, err
			}
			i.Form = append(i.Form, f)
		}
	}
	return i, nil
}

func infoQuery(node string) *element.Element {
	q := element.New(NSInfo, "query")
	if node != "" {
		q.SetAttr("node", node)
	}
	return q
}

// GetInfo discovers the identities, features, and extended information of the
// entity at to and an optional node.
// An empty to queries the account's server.
func GetInfo(ctx context.Context, root *task.Root, to jid.JID, node string) (Info, error) {
	resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, to, infoQuery(node)))
	if err != nil {
		return Info{}, err
	}
	return ParseInfo(resp.Child(NSInfo, "query"))
}
