// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bytestream defines a buffered, observable byte stream and a
// substrate that runs it over any io.ReadWriteCloser.
//
// In-band and SOCKS5 bytestreams as well as the client stream itself expose
// the same ByteStream interface, so higher layers can move bytes without
// knowing which transport carries them.
package bytestream // import "mellium.im/xmppcore/bytestream"

import (
	"errors"
)

// ErrClosed is returned when writing to a stream that is closed or closing.
var ErrClosed = errors.New("bytestream: stream closed")

// ByteStream is a bidirectional stream of bytes with buffered input and
// queued output.
type ByteStream interface {
	// IsOpen reports whether the stream can still be written to.
	IsOpen() bool

	// Write queues p for writing and never blocks on the transport.
	Write(p []byte) (int, error)

	// Read blocks until buffered data is available or the stream is closed.
	Read(p []byte) (int, error)

	// ReadAvailable removes and returns up to max buffered bytes without
	// blocking. A max of zero or less returns everything.
	ReadAvailable(max int) []byte

	// BytesAvailable is the number of buffered bytes that can be read.
	BytesAvailable() int

	// BytesToWrite is the number of queued bytes not yet written.
	BytesToWrite() int

	// Close closes the stream. If writes are pending the close is delayed
	// until they finish.
	Close() error
}

// Observer receives the events of a ByteStream.
// Callbacks run on the goroutine that produced the event and must not block.
type Observer interface {
	Connected()
	ReadyRead()
	BytesWritten(n int)
	ConnectionClosed()
	DelayedCloseFinished()
	Error(err error)
}

// Funcs is an Observer built from optional functions.
type Funcs struct {
	OnConnected            func()
	OnReadyRead            func()
	OnBytesWritten         func(n int)
	OnConnectionClosed     func()
	OnDelayedCloseFinished func()
	OnError                func(err error)
}

// Connected calls OnConnected if it is set.
func (f Funcs) Connected() {
	if f.OnConnected != nil {
		f.OnConnected()
	}
}

// ReadyRead calls OnReadyRead if it is set.
func (f Funcs) ReadyRead() {
	if f.OnReadyRead != nil {
		f.OnReadyRead()
	}
}

// BytesWritten calls OnBytesWritten if it is set.
func (f Funcs) BytesWritten(n int) {
	if f.OnBytesWritten != nil {
		f.OnBytesWritten(n)
	}
}

// ConnectionClosed calls OnConnectionClosed if it is set.
func (f Funcs) ConnectionClosed() {
	if f.OnConnectionClosed != nil {
		f.OnConnectionClosed()
	}
}

// DelayedCloseFinished calls OnDelayedCloseFinished if it is set.
func (f Funcs) DelayedCloseFinished() {
	if f.OnDelayedCloseFinished != nil {
		f.OnDelayedCloseFinished()
	}
}

// Error calls OnError if it is set.
func (f Funcs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Observers fans events out to a list of observers.
type Observers []Observer

// Connected calls Connected on every observer.
func (o Observers) Connected() {
	for _, ob := range o {
		ob.Connected()
	}
}

// ReadyRead calls ReadyRead on every observer.
func (o Observers) ReadyRead() {
	for _, ob := range o {
		ob.ReadyRead()
	}
}

// BytesWritten calls BytesWritten on every observer.
func (o Observers) BytesWritten(n int) {
	for _, ob := range o {
		ob.BytesWritten(n)
	}
}

// ConnectionClosed calls ConnectionClosed on every observer.
func (o Observers) ConnectionClosed() {
	for _, ob := range o {
		ob.ConnectionClosed()
	}
}

// DelayedCloseFinished calls DelayedCloseFinished on every observer.
func (o Observers) DelayedCloseFinished() {
	for _, ob := range o {
		ob.DelayedCloseFinished()
	}
}

// Error calls Error on every observer.
func (o Observers) Error(err error) {
	for _, ob := range o {
		ob.Error(err)
	}
}
