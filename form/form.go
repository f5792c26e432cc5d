// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package form

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
)

// NS is the data forms namespace.
const NS = "jabber:x:data"

// Type is the type attribute of a data form.
type Type string

// A list of possible form types.
const (
	// TypeForm indicates that the form-processing entity is asking the
	// form-submitting entity to complete a form.
	TypeForm Type = "form"

	// TypeSubmit indicates that the form-submitting entity is submitting data to
	// the form-processing entity.
	TypeSubmit Type = "submit"

	// TypeCancel indicates that the form-submitting entity has cancelled
	// submission of data to the form-processing entity.
	TypeCancel Type = "cancel"

	// TypeResult indicates that the form-processing entity is returning data
	// (e.g., search results) to the form-submitting entity, or the data is a
	// generic data set.
	TypeResult Type = "result"
)

// Errors returned by this package.
var (
	ErrNotForm  = errors.New("form: element is not a data form")
	ErrBadType  = errors.New("form: unknown form type")
	ErrNoVar    = errors.New("form: field has no variable name")
	ErrBadValue = errors.New("form: value does not match the field type")
)

var (
	_ xml.Marshaler       = (*Data)(nil)
	_ xml.Unmarshaler     = (*Data)(nil)
	_ xmlstream.Marshaler = (*Data)(nil)
	_ xmlstream.WriterTo  = (*Data)(nil)
)

// Data represents a data form.
type Data struct {
	typ          Type
	title        string
	instructions []string
	fields       []field
}

// New builds a new data form from the provided options.
func New(o ...Field) *Data {
	data := &Data{typ: TypeForm}
	for _, f := range o {
		f(data)
	}
	return data
}

// Cancel returns a form that cancels a submission.
func Cancel(title, instructions string) *Data {
	data := &Data{typ: TypeCancel}
	Title(title)(data)
	Instructions(instructions)(data)
	return data
}

// Parse reads a data form from its element.
// Fields without a type are treated as text-single.
func Parse(el *element.Element) (*Data, error) {
	if !el.Is(NS, "x") {
		return nil, ErrNotForm
	}
	data := &Data{typ: Type(el.Attribute("type"))}
	switch data.typ {
	case TypeForm, TypeSubmit, TypeCancel, TypeResult:
	case "":
		data.typ = TypeForm
	default:
		return nil, fmt.Errorf("%w %q", ErrBadType, data.typ)
	}
	for _, c := range el.Elements() {
		switch c.Name.Local {
		case "title":
			data.title = c.Text()
		case "instructions":
			data.instructions = append(data.instructions, c.Text())
		case "field":
			f := parseField(c)
			if !f.typ.valid() {
				return nil, fmt.Errorf("form: unknown field type %q", f.typ)
			}
			data.fields = append(data.fields, f)
		}
	}
	return data, nil
}

// Type returns the type of the form.
func (d *Data) Type() Type {
	if d == nil {
		return TypeForm
	}
	return d.typ
}

// Title returns the title of the form.
func (d *Data) Title() string {
	if d == nil {
		return ""
	}
	return d.title
}

// Instructions returns the instructions of the form joined by newlines.
func (d *Data) Instructions() string {
	if d == nil {
		return ""
	}
	return strings.Join(d.instructions, "\n")
}

// Len returns the number of fields on the form.
func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.fields)
}

// ForFields calls f for each field on the form.
func (d *Data) ForFields(f func(FieldData)) {
	if d == nil {
		return
	}
	for _, field := range d.fields {
		f(field.data())
	}
}

// Element returns the form as an element.
// Values that are invalid for a field's type are omitted.
func (d *Data) Element() *element.Element {
	el := element.New(NS, "x")
	el.SetAttr("type", string(d.Type()))
	if d == nil {
		return el
	}
	if d.title != "" {
		el.Append(element.New("", "title").AppendText(d.title))
	}
	for _, line := range d.instructions {
		el.Append(element.New("", "instructions").AppendText(line))
	}
	for _, f := range d.fields {
		el.Append(f.element(f.values(), true))
	}
	return el
}

// TokenReader implements xmlstream.Marshaler for Data.
func (d *Data) TokenReader() xml.TokenReader {
	return d.Element().TokenReader()
}

// WriteXML implements xmlstream.WriterTo for Data.
func (d *Data) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, d.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface for *Data.
func (d *Data) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := d.WriteXML(e)
	if err != nil {
		return err
	}
	return e.Flush()
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for *Data.
func (d *Data) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	el, err := element.Decode(dec, start)
	if err != nil {
		return err
	}
	data, err := Parse(el)
	if err != nil {
		return err
	}
	*d = *data
	return nil
}

// Submit returns a form of type submit containing the values of each field.
// Fixed fields and fields without a value are left out unless the field is
// required, in which case ok is false.
// A required boolean without a value is submitted as false.
func (d *Data) Submit() (submission *Data, ok bool) {
	ok = true
	submission = &Data{typ: TypeSubmit}
	if d == nil {
		return submission, ok
	}
	for _, f := range d.fields {
		if f.typ == TypeFixed {
			continue
		}
		values := f.values()
		if len(values) == 0 {
			if !f.required {
				continue
			}
			ok = false
			if f.typ == TypeBoolean {
				values = []string{formatBool(false)}
			}
		}
		submission.fields = append(submission.fields, field{
			typ:      f.typ,
			varName:  f.varName,
			required: f.required,
			value:    values,
		})
	}
	return submission, ok
}

func (d *Data) lookup(id string) (int, bool) {
	if d == nil || id == "" {
		return 0, false
	}
	for i, f := range d.fields {
		if f.varName == id {
			return i, true
		}
	}
	return 0, false
}

// Raw returns the values of the field with the given var as they appear on the
// form.
func (d *Data) Raw(id string) ([]string, bool) {
	i, ok := d.lookup(id)
	if !ok {
		return nil, false
	}
	return d.fields[i].value, true
}

// Set sets the value of the field with the given var.
// The type of v must match the field: bool for booleans, jid.JID and
// []jid.JID for JID fields, []string for list-multi, and a string or []string
// for text-multi.
// Other field types take a string.
// Setting a var that does not exist adds a field of a type inferred from v and
// reports ok as false.
func (d *Data) Set(id string, v interface{}) (ok bool, err error) {
	if id == "" {
		return false, ErrNoVar
	}
	i, ok := d.lookup(id)
	if !ok {
		typ, err := inferType(v)
		if err != nil {
			return false, err
		}
		d.fields = append(d.fields, field{typ: typ, varName: id})
		i = len(d.fields) - 1
	}
	values, err := encodeValues(d.fields[i].typ, v)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", id, err)
	}
	d.fields[i].value = values
	return ok, nil
}

func inferType(v interface{}) (FieldType, error) {
	switch v.(type) {
	case bool:
		return TypeBoolean, nil
	case jid.JID:
		return TypeJID, nil
	case []jid.JID:
		return TypeJIDMulti, nil
	case string:
		return TypeText, nil
	case []string:
		return TypeTextMulti, nil
	}
	return "", ErrBadValue
}

func encodeValues(typ FieldType, v interface{}) ([]string, error) {
	switch typ {
	case TypeFixed:
		return nil, ErrBadValue
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return []string{formatBool(b)}, nil
		case string:
			if parsed, ok := parseBool(b); ok {
				return []string{formatBool(parsed)}, nil
			}
		}
	case TypeJID:
		if j, ok := v.(jid.JID); ok {
			return []string{j.String()}, nil
		}
	case TypeJIDMulti:
		if js, ok := v.([]jid.JID); ok {
			out := make([]string, 0, len(js))
			for _, j := range js {
				out = append(out, j.String())
			}
			return out, nil
		}
	case TypeListMulti:
		if s, ok := v.([]string); ok {
			return append([]string(nil), s...), nil
		}
	case TypeTextMulti, TypeHidden:
		switch s := v.(type) {
		case string:
			return splitLines(s), nil
		case []string:
			return append([]string(nil), s...), nil
		}
	default:
		if s, ok := v.(string); ok {
			return []string{s}, nil
		}
	}
	return nil, ErrBadValue
}

// Get returns the value of the field with the given var.
// Booleans are returned as bool, jid-single as jid.JID, jid-multi as
// []jid.JID, list-multi as []string and everything else as a string.
// Multiple lines of text-multi are joined with newlines.
// ok is false if the field does not exist or has no valid value.
func (d *Data) Get(id string) (v interface{}, ok bool) {
	i, ok := d.lookup(id)
	if !ok {
		return nil, false
	}
	f := d.fields[i]
	values := f.values()
	if len(values) == 0 {
		return nil, false
	}
	switch f.typ {
	case TypeBoolean:
		b, _ := parseBool(values[0])
		return b, true
	case TypeJID:
		j, err := jid.Parse(values[0])
		return j, err == nil
	case TypeJIDMulti:
		js := make([]jid.JID, 0, len(values))
		for _, s := range values {
			j, err := jid.Parse(s)
			if err == nil {
				js = append(js, j)
			}
		}
		return js, true
	case TypeListMulti:
		return append([]string(nil), values...), true
	case TypeTextMulti, TypeHidden:
		return strings.Join(values, "\n"), true
	}
	return values[0], true
}

// GetBool is like Get except that it asserts the value to be a bool.
func (d *Data) GetBool(id string) (v, ok bool) {
	raw, ok := d.Get(id)
	if !ok {
		return false, false
	}
	v, ok = raw.(bool)
	return v, ok
}

// GetString is like Get except that it asserts the value to be a string.
func (d *Data) GetString(id string) (v string, ok bool) {
	raw, ok := d.Get(id)
	if !ok {
		return "", false
	}
	v, ok = raw.(string)
	return v, ok
}

// GetStrings is like Get except that it asserts the value to be a []string.
func (d *Data) GetStrings(id string) (v []string, ok bool) {
	raw, ok := d.Get(id)
	if !ok {
		return nil, false
	}
	v, ok = raw.([]string)
	return v, ok
}

// GetJID is like Get except that it asserts the value to be a jid.JID.
func (d *Data) GetJID(id string) (v jid.JID, ok bool) {
	raw, ok := d.Get(id)
	if !ok {
		return jid.JID{}, false
	}
	v, ok = raw.(jid.JID)
	return v, ok
}

// GetJIDs is like Get except that it asserts the value to be a []jid.JID.
func (d *Data) GetJIDs(id string) (v []jid.JID, ok bool) {
	raw, ok := d.Get(id)
	if !ok {
		return nil, false
	}
	v, ok = raw.([]jid.JID)
	return v, ok
}
