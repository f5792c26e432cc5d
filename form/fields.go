// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package form

import (
	"encoding/xml"
	"strings"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
)

var newlineReplacer = strings.NewReplacer(
	"\r\n", " ",
	"\n\r", " ",
	"\r", " ",
	"\n", " ",
)

// FieldType is the type attribute of a form field.
type FieldType string

// A list of possible field types.
const (
	TypeBoolean   FieldType = "boolean"
	TypeFixed     FieldType = "fixed"
	TypeHidden    FieldType = "hidden"
	TypeJIDMulti  FieldType = "jid-multi"
	TypeJID       FieldType = "jid-single"
	TypeListMulti FieldType = "list-multi"
	TypeList      FieldType = "list-single"
	TypeTextMulti FieldType = "text-multi"
	TypeTextPriv  FieldType = "text-private"
	TypeText      FieldType = "text-single"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeBoolean, TypeFixed, TypeHidden, TypeJIDMulti, TypeJID,
		TypeListMulti, TypeList, TypeTextMulti, TypeTextPriv, TypeText:
		return true
	}
	return false
}

func (t FieldType) multi() bool {
	switch t {
	case TypeHidden, TypeJIDMulti, TypeListMulti, TypeTextMulti:
		return true
	}
	return false
}

// FieldOption is a selectable value of a list field.
type FieldOption struct {
	Label string
	Value string
}

// FieldData is the read only information of a field passed to the callback of
// ForFields.
type FieldData struct {
	Type     FieldType
	Var      string
	Label    string
	Desc     string
	Required bool
	Options  []FieldOption
}

type field struct {
	typ      FieldType
	varName  string
	label    string
	desc     string
	required bool
	value    []string
	option   []FieldOption
}

func newField(typ FieldType, id string, o ...Option) Field {
	f := field{typ: typ, varName: id}
	for _, opt := range o {
		opt(&f)
	}
	if typ != TypeList && typ != TypeListMulti {
		f.option = nil
	}
	return func(data *Data) {
		data.fields = append(data.fields, f)
	}
}

// Boolean fields enable an entity to gather or provide an either-or choice
// between two options.
func Boolean(id string, o ...Option) Field {
	return newField(TypeBoolean, id, o...)
}

// Fixed is intended for data description (e.g., human-readable text such as
// "section" headers) rather than data gathering or provision.
func Fixed(o ...Option) Field {
	return newField(TypeFixed, "", o...)
}

// Hidden fields are not shown by the form-submitting entity, but instead are
// returned, generally unmodified, with the form.
func Hidden(id string, o ...Option) Field {
	return newField(TypeHidden, id, o...)
}

// JIDMulti enables an entity to gather or provide multiple Jabber IDs.
func JIDMulti(id string, o ...Option) Field {
	return newField(TypeJIDMulti, id, o...)
}

// JID enables an entity to gather or provide a Jabber ID.
func JID(id string, o ...Option) Field {
	return newField(TypeJID, id, o...)
}

// ListMulti enables an entity to gather or provide one or more entries from a
// list.
func ListMulti(id string, o ...Option) Field {
	return newField(TypeListMulti, id, o...)
}

// List enables an entity to gather or provide a single entry from a list.
func List(id string, o ...Option) Field {
	return newField(TypeList, id, o...)
}

// TextMulti enables an entity to gather or provide multiple lines of text.
func TextMulti(id string, o ...Option) Field {
	return newField(TypeTextMulti, id, o...)
}

// TextPrivate enables an entity to gather or provide a line of text that
// should be obscured in the user interface (e.g., with multiple instances of
// the "*" character).
func TextPrivate(id string, o ...Option) Field {
	return newField(TypeTextPriv, id, o...)
}

// Text enables an entity to gather or provide a line of text.
func Text(id string, o ...Option) Field {
	return newField(TypeText, id, o...)
}

// values returns the values of the field that are valid for its type.
func (f field) values() []string {
	switch f.typ {
	case TypeBoolean:
		for _, v := range f.value {
			if b, ok := parseBool(v); ok {
				return []string{formatBool(b)}
			}
		}
		return nil
	case TypeJID:
		for _, v := range f.value {
			if _, err := jid.Parse(v); err == nil {
				return []string{v}
			}
		}
		return nil
	case TypeJIDMulti:
		var out []string
		for _, v := range f.value {
			if _, err := jid.Parse(v); err == nil {
				out = append(out, v)
			}
		}
		return out
	}
	if !f.typ.multi() && len(f.value) > 1 {
		return f.value[:1]
	}
	return f.value
}

func (f field) data() FieldData {
	return FieldData{
		Type:     f.typ,
		Var:      f.varName,
		Label:    f.label,
		Desc:     f.desc,
		Required: f.required,
		Options:  append([]FieldOption(nil), f.option...),
	}
}

func (f field) element(values []string, options bool) *element.Element {
	el := element.New("", "field")
	if f.typ != "" {
		el.SetAttr("type", string(f.typ))
	}
	if f.varName != "" {
		el.SetAttr("var", f.varName)
	}
	if f.label != "" {
		el.SetAttr("label", f.label)
	}
	if f.desc != "" {
		el.Append(element.New("", "desc").AppendText(f.desc))
	}
	if f.required {
		el.Append(element.New("", "required"))
	}
	for _, v := range values {
		el.Append(element.New("", "value").AppendText(v))
	}
	if options {
		for _, o := range f.option {
			opt := element.New("", "option", xml.Attr{Name: xml.Name{Local: "label"}, Value: o.Label})
			opt.Append(element.New("", "value").AppendText(o.Value))
			el.Append(opt)
		}
	}
	return el
}

func parseField(el *element.Element) field {
	f := field{
		typ:     FieldType(el.Attribute("type")),
		varName: el.Attribute("var"),
		label:   el.Attribute("label"),
	}
	if f.typ == "" {
		f.typ = TypeText
	}
	for _, c := range el.Elements() {
		switch c.Name.Local {
		case "desc":
			f.desc = c.Text()
		case "required":
			f.required = true
		case "value":
			f.value = append(f.value, c.Text())
		case "option":
			f.option = append(f.option, FieldOption{
				Label: c.Attribute("label"),
				Value: c.ChildText("", "value"),
			})
		}
	}
	return f
}

func parseBool(s string) (bool, bool) {
	switch strings.TrimSpace(s) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n\r", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}
