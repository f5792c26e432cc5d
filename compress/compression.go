// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package compress implements the transport filters used by XEP-0138: Stream
// Compression and XEP-0229: Stream Compression with LZW.
//
// Be advised: stream compression has many of the same security considerations
// as TLS compression (see RFC3749 §6) and may be difficult to implement safely
// without special expertise.
package compress // import "mellium.im/xmppcore/compress"

import (
	"io"

	"mellium.im/xmppcore/internal/ns"
)

// Namespaces used by stream compression.
const (
	NSFeatures = ns.Feature
	NSProtocol = ns.Compress
)

// Method is a stream compression method.
// Custom methods may be defined, but generally speaking the only supported
// methods will be those with names defined in the "Stream Compression Methods
// Registry" maintained by the XSF Editor:
// https://xmpp.org/registrar/compress.html
type Method struct {
	Name    string
	Wrapper func(io.ReadWriter) (io.ReadWriteCloser, error)
}

// Lookup returns the first method in methods whose name is offered.
func Lookup(offered []string, methods ...Method) (Method, bool) {
	for _, m := range methods {
		for _, name := range offered {
			if m.Name == name {
				return m, true
			}
		}
	}
	return Method{}, false
}
