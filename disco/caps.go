// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"encoding/base64"
	"hash"
	"sort"
	"strings"

	"mellium.im/xmppcore/crypto"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/form"
)

// Caps can be included in a presence stanza or in stream features to advertise
// entity capabilities.
// Node is a string that uniquely identifies your client (eg.
// https://example.com/myclient) and ver is the hash of an Info value.
type Caps struct {
	Hash crypto.Hash
	Node string
	Ver  string
}

// Element returns the caps as an element.
// The hash attribute is omitted if the hash is not valid.
func (c Caps) Element() *element.Element {
	el := element.New(NSCaps, "c")
	if c.Hash.Valid() {
		el.SetAttr("hash", c.Hash.String())
	}
	return el.SetAttr("node", c.Node).SetAttr("ver", c.Ver)
}

// ParseCaps reads entity capabilities from a c element.
func ParseCaps(el *element.Element) (Caps, error) {
	h, err := crypto.Parse(el.Attribute("hash"))
	if err != nil {
		return Caps{}, err
	}
	return Caps{
		Hash: h,
		Node: el.Attribute("node"),
		Ver:  el.Attribute("ver"),
	}, nil
}

// Caps returns entity capabilities for the info using the given hash.
func (i Info) Caps(node string, h crypto.Hash) Caps {
	return Caps{
		Hash: h,
		Node: node,
		Ver:  string(i.AppendHash(nil, h.New())),
	}
}

// AppendHash appends the base64 encoded verification string of the info to
// dst and returns the resulting slice.
func (i Info) AppendHash(dst []byte, h hash.Hash) []byte {
	var b strings.Builder

	idents := make([]string, 0, len(i.Identity))
	for _, ident := range i.Identity {
		idents = append(idents, ident.Category+"/"+ident.Type+"/"+ident.Lang+"/"+ident.Name)
	}
	sort.Strings(idents)
	for _, s := range idents {
		b.WriteString(s)
		b.WriteByte('<')
	}

	features := make([]string, 0, len(i.Features))
	for _, f := range i.Features {
		features = append(features, f.Var)
	}
	sort.Strings(features)
	for _, s := range features {
		b.WriteString(s)
		b.WriteByte('<')
	}

	type extField struct {
		name string
		s    string
	}
	type extForm struct {
		typ    string
		fields []extField
	}
	var forms []extForm
	for _, f := range i.Form {
		typ, ok := f.Raw("FORM_TYPE")
		if !ok || len(typ) == 0 {
			continue
		}
		ext := extForm{typ: typ[0]}
		f.ForFields(func(field form.FieldData) {
			if field.Var == "FORM_TYPE" || field.Var == "" {
				return
			}
			values, _ := f.Raw(field.Var)
			values = append([]string(nil), values...)
			sort.Strings(values)
			s := field.Var + "<"
			for _, v := range values {
				s += v + "<"
			}
			ext.fields = append(ext.fields, extField{name: field.Var, s: s})
		})
		sort.Slice(ext.fields, func(a, b int) bool { return ext.fields[a].name < ext.fields[b].name })
		forms = append(forms, ext)
	}
	sort.Slice(forms, func(a, b int) bool { return forms[a].typ < forms[b].typ })
	for _, f := range forms {
		b.WriteString(f.typ)
		b.WriteByte('<')
		for _, field := range f.fields {
			b.WriteString(field.s)
		}
	}

	h.Reset()
	/* #nosec */
	h.Write([]byte(b.String()))
	sum := h.Sum(nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum)
	return append(dst, out...)
}
