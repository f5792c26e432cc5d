// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bytestream

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BufferSize is the most input a Socket buffers before it stops reading from
// the transport.
const BufferSize = 64 * 1024

// Option configures a Socket.
type Option func(*Socket)

// Logger sets the logger used by the socket.
func Logger(l zerolog.Logger) Option {
	return func(s *Socket) {
		s.logger = l
	}
}

// Observe registers an observer before the socket starts, so that it also
// receives the Connected event.
func Observe(o Observer) Option {
	return func(s *Socket) {
		s.obs = append(s.obs, o)
	}
}

// Socket is a ByteStream over an io.ReadWriteCloser.
// A reader goroutine fills the input buffer and a writer goroutine drains the
// write queue, so neither Write nor Close block on the transport.
type Socket struct {
	rwc    io.ReadWriteCloser
	logger zerolog.Logger

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond
	obs       Observers
	rbuf      []byte
	wq        [][]byte
	wsize     int
	closing   bool
	closed    bool
	err       error
	done      chan struct{}
}

// NewSocket starts moving bytes between rwc and the returned Socket.
func NewSocket(rwc io.ReadWriteCloser, opts ...Option) *Socket {
	s := &Socket{
		rwc:    rwc,
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)
	s.obs.Connected()
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Observe registers an observer.
func (s *Socket) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = append(s.obs[:len(s.obs):len(s.obs)], o)
}

// Done is closed once the transport has been closed and observers have been
// notified.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that closed the socket, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// IsOpen reports whether the socket accepts writes.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.closing
}

// Write queues a copy of p.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.closing {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.wq = append(s.wq, append([]byte(nil), p...))
	s.wsize += len(p)
	s.writeCond.Signal()
	return len(p), nil
}

// Read reads buffered input, blocking until some is available.
// Once the socket is closed and the buffer is empty it returns io.EOF, or the
// error that closed the socket.
func (s *Socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.rbuf) == 0 && !s.closed {
		s.readCond.Wait()
	}
	if len(s.rbuf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.rbuf)
	s.consume(n)
	return n, nil
}

// ReadAvailable returns up to max buffered bytes.
func (s *Socket) ReadAvailable(max int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.rbuf) {
		max = len(s.rbuf)
	}
	if max == 0 {
		return nil
	}
	out := append([]byte(nil), s.rbuf[:max]...)
	s.consume(max)
	return out
}

func (s *Socket) consume(n int) {
	s.rbuf = append(s.rbuf[:0], s.rbuf[n:]...)
	s.readCond.Broadcast()
}

// BytesAvailable returns the number of buffered input bytes.
func (s *Socket) BytesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rbuf)
}

// BytesToWrite returns the number of queued output bytes.
func (s *Socket) BytesToWrite() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsize
}

// Close closes the transport.
// If writes are pending the socket stops accepting writes and closes the
// transport after the queue drains, then reports DelayedCloseFinished.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	if s.wsize > 0 {
		s.closing = true
		s.mu.Unlock()
		s.logger.Debug().Int("pending", s.BytesToWrite()).Msg("delaying close")
		return nil
	}
	s.mu.Unlock()
	return s.finish(nil, false)
}

func (s *Socket) finish(cause error, delayed bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closing = false
	s.err = cause
	err := s.rwc.Close()
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	obs := s.obs
	s.mu.Unlock()

	if cause != nil {
		s.logger.Debug().Err(cause).Msg("transport failed")
		obs.Error(cause)
	}
	if delayed {
		obs.DelayedCloseFinished()
	}
	obs.ConnectionClosed()
	close(s.done)
	return err
}

func (s *Socket) readLoop() {
	buf := make([]byte, BufferSize)
	for {
		s.mu.Lock()
		for len(s.rbuf) >= BufferSize && !s.closed {
			s.readCond.Wait()
		}
		room := BufferSize - len(s.rbuf)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := s.rwc.Read(buf[:room])
		if n > 0 {
			s.mu.Lock()
			s.rbuf = append(s.rbuf, buf[:n]...)
			s.readCond.Broadcast()
			obs := s.obs
			s.mu.Unlock()
			obs.ReadyRead()
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			} else {
				err = errors.Wrap(err, "bytestream: read")
			}
			/* #nosec */
			s.finish(err, false)
			return
		}
	}
}

func (s *Socket) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.wq) == 0 && !s.closed {
			s.writeCond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		chunk := s.wq[0]
		s.mu.Unlock()

		n, err := s.rwc.Write(chunk)

		s.mu.Lock()
		s.wq = s.wq[1:]
		s.wsize -= len(chunk)
		drained := s.wsize == 0 && s.closing
		obs := s.obs
		s.mu.Unlock()

		if n > 0 {
			obs.BytesWritten(n)
		}
		if err != nil {
			/* #nosec */
			s.finish(errors.Wrap(err, "bytestream: write"), false)
			return
		}
		if drained {
			/* #nosec */
			s.finish(nil, true)
			return
		}
	}
}
