// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package history

import (
	"errors"
	"strconv"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/paging"
)

// ErrNoFin is returned when the reply to a query has no fin element.
var ErrNoFin = errors.New("history: reply is missing the fin element")

// Result is the metadata (not messages) returned from a MAM query.
type Result struct {
	Complete bool
	Unstable bool
	Set      *paging.Set
}

// Element returns the result as a fin element.
func (r Result) Element() *element.Element {
	el := element.New(NS, "fin").
		SetAttr("complete", strconv.FormatBool(r.Complete)).
		SetAttr("stable", strconv.FormatBool(!r.Unstable))
	if r.Set != nil {
		el.Append(r.Set.Element())
	}
	return el
}

// ParseResult reads a fin element.
// Missing attributes take their default values: incomplete and stable.
func ParseResult(el *element.Element) (Result, error) {
	if !el.Is(NS, "fin") {
		return Result{}, ErrNoFin
	}
	r := Result{
		Complete: parseBool(el.Attribute("complete")),
		Unstable: el.Attribute("stable") == "false" || el.Attribute("stable") == "0",
	}
	set, err := paging.Find(el)
	if err != nil {
		return Result{}, err
	}
	r.Set = set
	return r, nil
}

func parseBool(s string) bool {
	return s == "true" || s == "1"
}
