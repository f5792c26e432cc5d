// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"bytes"
	"io"
	"net"
)

// prefixConn replays bytes that were read from a connection before it was
// handed to a new layer, such as TLS or compression.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func withPrefix(c net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return c
	}
	return &prefixConn{Conn: c, r: io.MultiReader(bytes.NewReader(prefix), c)}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// compressedConn is a connection with a compression layer.
// Deadlines and addresses are those of the underlying connection.
type compressedConn struct {
	net.Conn
	rwc io.ReadWriteCloser
}

func (c compressedConn) Read(p []byte) (int, error) {
	return c.rwc.Read(p)
}

func (c compressedConn) Write(p []byte) (int, error) {
	return c.rwc.Write(p)
}

func (c compressedConn) Close() error {
	err := c.rwc.Close()
	if e := c.Conn.Close(); e != nil {
		return e
	}
	return err
}
