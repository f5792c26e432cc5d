// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package task correlates outgoing requests with incoming replies.
//
// Incoming elements are offered to a tree of tasks in depth first order until
// one of them takes it. IQ requests register a correlator that takes only the
// reply that matches their id and addressing.
package task // import "mellium.im/xmppcore/task"

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// DefaultTimeout is how long an IQ waits for its reply unless configured
// otherwise.
const DefaultTimeout = 120 * time.Second

// Errors that end a pending task.
var (
	ErrTimeout = errors.New("task: timed out waiting for a reply")
	ErrDisc    = errors.New("task: disconnected")
)

// Sender writes elements to a stream.
// A *xmpp.Stream is a Sender.
type Sender interface {
	Send(ctx context.Context, el *element.Element) error
}

// Task is offered incoming elements and reports whether it took them.
// An element that is taken is not offered to any other task.
type Task interface {
	Take(el *element.Element) bool
}

// TakeFunc is an adapter to allow the use of ordinary functions as tasks.
type TakeFunc func(el *element.Element) bool

// Take calls f(el).
func (f TakeFunc) Take(el *element.Element) bool {
	return f(el)
}

// Parent is a task that offers elements to its children in the order they
// were added. The zero value is ready to use.
type Parent struct {
	mu       sync.Mutex
	children []*child
}

type child struct {
	Task
}

// Add registers t as a child and returns a function that removes it.
func (p *Parent) Add(t Task) (remove func()) {
	c := &child{Task: t}
	p.mu.Lock()
	p.children = append(p.children, c)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, cc := range p.children {
			if cc == c {
				p.children = append(p.children[:i:i], p.children[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of children.
func (p *Parent) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// Take offers el to each child, descending into nested parents first, and
// stops at the first child that takes it.
func (p *Parent) Take(el *element.Element) bool {
	p.mu.Lock()
	children := append([]*child(nil), p.children...)
	p.mu.Unlock()
	for _, c := range children {
		if c.Take(el) {
			return true
		}
	}
	return false
}

// Option configures a Root.
type Option func(*Root)

// Timeout sets how long IQs wait for a reply.
func Timeout(d time.Duration) Option {
	return func(r *Root) {
		r.timeout = d
	}
}

// Logger sets the logger used by the root.
func Logger(l zerolog.Logger) Option {
	return func(r *Root) {
		r.logger = l
	}
}

// Root is the top of a task tree.
// It is an xmpp.Handler and should be given every element read from the
// stream.
type Root struct {
	Parent

	sender  Sender
	local   func() jid.JID
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[*IQ]struct{}
}

// NewRoot returns a root that sends through s.
// The local function reports the address the stream is bound to and is used
// to verify replies.
func NewRoot(s Sender, local func() jid.JID, opts ...Option) *Root {
	r := &Root{
		sender:  s,
		local:   local,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
		pending: make(map[*IQ]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "task").Logger()
	return r
}

// HandleElement offers el to the task tree.
// Requests that no task takes are answered with service-unavailable.
func (r *Root) HandleElement(el *element.Element) error {
	if r.Take(el) {
		return nil
	}
	if !stanza.IsIQ(el, stanza.GetIQ, stanza.SetIQ) {
		return nil
	}
	r.logger.Debug().Str("id", el.Attribute("id")).Msg("unhandled request")
	return r.sender.Send(context.Background(), stanza.ErrorReply(el, stanza.NewError(stanza.ServiceUnavailable, "")))
}

// Send writes an element through the root's sender.
func (r *Root) Send(ctx context.Context, el *element.Element) error {
	return r.sender.Send(ctx, el)
}

// LocalAddr returns the address of the stream.
func (r *Root) LocalAddr() jid.JID {
	if r.local == nil {
		return jid.JID{}
	}
	return r.local()
}

// StartIQ sends a get or set IQ and returns a task that completes when the
// reply arrives. An id is assigned if the IQ does not have one.
func (r *Root) StartIQ(ctx context.Context, iq *element.Element) (*IQ, error) {
	if !stanza.IsIQ(iq, stanza.GetIQ, stanza.SetIQ) {
		return nil, errors.New("task: expected an IQ of type get or set")
	}
	t := newIQ(r, iq)
	t.remove = r.Add(t)
	r.mu.Lock()
	r.pending[t] = struct{}{}
	r.mu.Unlock()
	t.timer = time.AfterFunc(r.timeout, func() {
		t.finish(nil, ErrTimeout)
	})
	if err := r.sender.Send(ctx, iq); err != nil {
		t.finish(nil, err)
		return nil, err
	}
	return t, nil
}

// SendIQ sends a get or set IQ and waits for the reply.
// A reply of type error is returned along with its stanza.Error.
func (r *Root) SendIQ(ctx context.Context, iq *element.Element) (*element.Element, error) {
	t, err := r.StartIQ(ctx, iq)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Disconnect ends every pending IQ with ErrDisc.
func (r *Root) Disconnect() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[*IQ]struct{})
	r.mu.Unlock()
	if len(pending) > 0 {
		r.logger.Debug().Int("pending", len(pending)).Msg("ending pending requests")
	}
	for t := range pending {
		t.finish(nil, ErrDisc)
	}
}

func (r *Root) done(t *IQ) {
	r.mu.Lock()
	delete(r.pending, t)
	r.mu.Unlock()
}
