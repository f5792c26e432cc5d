// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package info contains service discovery features.
//
// These were separated out into a separate package to prevent import loops.
package info // import "mellium.im/xmppcore/disco/info"

import (
	"mellium.im/xmppcore/element"
)

const (
	nsInfo = `http://jabber.org/protocol/disco#info`
)

// Feature represents a feature supported by an entity on the network.
type Feature struct {
	Var string
}

// Element returns the feature as an element.
func (f Feature) Element() *element.Element {
	return element.New(nsInfo, "feature").SetAttr("var", f.Var)
}

// FeatureIter is the interface implemented by types that implement disco
// features.
type FeatureIter interface {
	ForFeatures(node string, f func(Feature) error) error
}
