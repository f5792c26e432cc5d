// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ibb

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"mellium.im/xmppcore/bytestream"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

var _ bytestream.ByteStream = (*Conn)(nil)

// Conn is an IBB stream.
// Writes are queued and sent one block at a time, each block waiting for the
// acknowledgement of the previous one.
type Conn struct {
	m         *Manager
	peer      jid.JID
	sid       string
	blockSize int
	logger    zerolog.Logger

	mu       sync.Mutex
	readCond *sync.Cond
	state    State
	obs      bytestream.Observers
	in       []byte
	out      []byte
	inflight int
	inSeq    uint16
	outSeq   uint16
	closing  bool
	err      error
	done     chan struct{}
}

func newConn(m *Manager, peer jid.JID, sid string, blockSize int) *Conn {
	c := &Conn{
		m:         m,
		peer:      peer,
		sid:       sid,
		blockSize: blockSize,
		logger:    m.logger.With().Str("sid", sid).Str("peer", peer.String()).Logger(),
		done:      make(chan struct{}),
	}
	c.readCond = sync.NewCond(&c.mu)
	return c
}

func (c *Conn) key() key {
	return key{peer: c.peer.String(), sid: c.sid}
}

// SID returns the session ID of the stream.
func (c *Conn) SID() string {
	return c.sid
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() jid.JID {
	return c.peer
}

// BlockSize returns the largest payload carried by a single data stanza.
func (c *Conn) BlockSize() int {
	return c.blockSize
}

// State returns the state of the stream.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		c.state = s
	}
}

// Observe registers an observer.
func (c *Conn) Observe(o bytestream.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs[:len(c.obs):len(c.obs)], o)
}

func (c *Conn) observers() bytestream.Observers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obs
}

// Done is closed when the stream is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the stream, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsOpen reports whether the stream accepts writes.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active && !c.closing
}

// Write queues p to be sent to the peer.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.state != Active || c.closing {
		c.mu.Unlock()
		return 0, bytestream.ErrClosed
	}
	c.out = append(c.out, p...)
	c.mu.Unlock()
	c.pump()
	return len(p), nil
}

// Read reads received data, blocking until some is available.
// Once the stream is closed and all data has been read it returns io.EOF, or
// the error that closed the stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && c.state != Closed {
		c.readCond.Wait()
	}
	if len(c.in) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

// ReadAvailable returns up to max bytes of received data without blocking.
func (c *Conn) ReadAvailable(max int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= 0 || max > len(c.in) {
		max = len(c.in)
	}
	if max == 0 {
		return nil
	}
	out := append([]byte(nil), c.in[:max]...)
	c.in = c.in[max:]
	return out
}

// BytesAvailable returns the number of received bytes not yet read.
func (c *Conn) BytesAvailable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.in)
}

// BytesToWrite returns the number of queued bytes that the peer has not yet
// acknowledged.
func (c *Conn) BytesToWrite() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// Close closes the stream.
// If writes are pending the stream stops accepting writes and sends the close
// request once the queue drains.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == Closed || c.closing {
		c.mu.Unlock()
		return nil
	}
	if len(c.out) > 0 {
		c.closing = true
		pending := len(c.out)
		c.mu.Unlock()
		c.logger.Debug().Int("pending", pending).Msg("delaying close")
		return nil
	}
	c.mu.Unlock()
	c.shutdown(nil, false, true)
	return nil
}

// pump sends the next block if no block is waiting for an acknowledgement.
func (c *Conn) pump() {
	c.mu.Lock()
	if c.state != Active || c.inflight > 0 {
		c.mu.Unlock()
		return
	}
	if len(c.out) == 0 {
		drained := c.closing
		c.mu.Unlock()
		if drained {
			c.shutdown(nil, true, true)
		}
		return
	}
	n := len(c.out)
	if n > c.blockSize {
		n = c.blockSize
	}
	block := append([]byte(nil), c.out[:n]...)
	c.inflight = n
	seq := c.outSeq
	c.outSeq++
	c.mu.Unlock()

	iq := stanza.NewIQ(stanza.SetIQ, c.peer, dataPayload(c.sid, seq, block))
	t, err := c.m.root.StartIQ(context.Background(), iq)
	if err != nil {
		c.shutdown(err, false, false)
		return
	}
	go c.awaitAck(t, n)
}

func (c *Conn) awaitAck(t *task.IQ, n int) {
	<-t.Done()
	if _, err := t.Result(); err != nil {
		c.logger.Debug().Err(err).Msg("data not acknowledged")
		c.shutdown(fmt.Errorf("ibb: data not acknowledged: %w", err), false, false)
		return
	}
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.out = c.out[n:]
	c.inflight = 0
	obs := c.obs
	c.mu.Unlock()
	obs.BytesWritten(n)
	c.pump()
}

func (c *Conn) handleData(iq, p *element.Element) {
	seq, ok := parseSeq(p.Attribute("seq"))
	data, decodeErr := decodeData(p)

	c.mu.Lock()
	switch {
	case c.state != Active:
		c.mu.Unlock()
		c.m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.UnexpectedRequest, "")))
		return
	case !ok || seq != c.inSeq:
		expected := c.inSeq
		c.mu.Unlock()
		c.logger.Debug().Uint16("expected", expected).Str("seq", p.Attribute("seq")).Msg("out of sequence")
		c.m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.NotAcceptable, "")))
		c.shutdown(ErrSequence, false, false)
		return
	case decodeErr != nil || len(data) > c.blockSize:
		c.mu.Unlock()
		c.m.reply(stanza.ErrorReply(iq, stanza.NewError(stanza.BadRequest, "")))
		c.shutdown(ErrEncoding, false, false)
		return
	}
	c.inSeq++
	c.in = append(c.in, data...)
	c.readCond.Broadcast()
	obs := c.obs
	c.mu.Unlock()

	c.m.reply(stanza.Result(iq))
	if len(data) > 0 {
		obs.ReadyRead()
	}
}

// shutdown moves the stream to Closed.
// If notify is set the peer is sent a close request.
func (c *Conn) shutdown(cause error, delayed, notify bool) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == Active
	c.state = Closed
	c.closing = false
	c.err = cause
	c.out = nil
	c.readCond.Broadcast()
	obs := c.obs
	c.mu.Unlock()

	c.m.forget(c)
	if notify && wasActive {
		c.logger.Debug().Msg("closing stream")
		iq := stanza.NewIQ(stanza.SetIQ, c.peer, closePayload(c.sid))
		t, err := c.m.root.StartIQ(context.Background(), iq)
		if err != nil {
			c.logger.Debug().Err(err).Msg("sending close failed")
		} else {
			go func() {
				<-t.Done()
				if _, err := t.Result(); err != nil {
					c.logger.Debug().Err(err).Msg("close not acknowledged")
				}
			}()
		}
	}

	if cause != nil {
		obs.Error(cause)
	}
	if delayed {
		obs.DelayedCloseFinished()
	}
	obs.ConnectionClosed()
	close(c.done)
}
