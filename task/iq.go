// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package task

import (
	"context"
	"sync"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// State is the state of a task.
type State int

// A list of task states.
const (
	Running State = iota
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "running"
}

// IQ is a pending request waiting for its reply.
type IQ struct {
	root *Root
	id   string
	to   jid.JID

	timer  *time.Timer
	remove func()
	done   chan struct{}

	mu    sync.Mutex
	state State
	resp  *element.Element
	err   error
}

func newIQ(r *Root, iq *element.Element) *IQ {
	id := iq.Attribute("id")
	if id == "" {
		id = attr.RandomID()
		iq.SetAttr("id", id)
	}
	to, _ := jid.Parse(iq.Attribute("to"))
	return &IQ{
		root: r,
		id:   id,
		to:   to,
		done: make(chan struct{}),
	}
}

// ID returns the id of the request.
func (t *IQ) ID() string {
	return t.id
}

// State returns whether the task is still waiting for a reply.
func (t *IQ) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the reply arrives or the task fails.
func (t *IQ) Done() <-chan struct{} {
	return t.done
}

// Result returns the reply and the error that ended the task.
// It must only be called once Done is closed.
func (t *IQ) Result() (*element.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp, t.err
}

// Wait blocks until the task is done or ctx is canceled.
// Canceling ctx does not end the task.
func (t *IQ) Wait(ctx context.Context) (*element.Element, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel ends the task with err if it is still running.
func (t *IQ) Cancel(err error) {
	t.finish(nil, err)
}

// Take accepts el if it is the reply to this request.
func (t *IQ) Take(el *element.Element) bool {
	if t.State() == Done || !Verify(el, t.to, t.id, t.root.LocalAddr()) {
		return false
	}
	var err error
	if e, ok := stanza.ErrorFrom(el); ok {
		err = e
	}
	t.finish(el, err)
	return true
}

func (t *IQ) finish(resp *element.Element, err error) {
	t.mu.Lock()
	if t.state == Done {
		t.mu.Unlock()
		return
	}
	t.state = Done
	t.resp = resp
	t.err = err
	t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	if t.remove != nil {
		t.remove()
	}
	t.root.done(t)
	close(t.done)
}

// Verify reports whether reply answers the IQ with the given id sent to the
// address to by a stream bound to local.
//
// The reply must be a result or error IQ with the same id. Its from address
// must be the address that was queried, except that the server may answer
// without a from address, or with the account's bare JID or domain, for
// requests sent to no one, to the server, or to the account itself.
func Verify(reply *element.Element, to jid.JID, id string, local jid.JID) bool {
	if !stanza.IsIQ(reply, stanza.ResultIQ, stanza.ErrorIQ) || reply.Attribute("id") != id {
		return false
	}
	server := local.Domain()
	fromAttr := reply.Attribute("from")
	if fromAttr == "" {
		return to.IsZero() || to.Equal(server) || to.Equal(local.Bare())
	}
	from, err := jid.Parse(fromAttr)
	if err != nil {
		return false
	}
	if from.Equal(local.Bare()) || from.Equal(server) {
		if to.IsZero() || to.Bare().Equal(local.Bare()) || to.Equal(server) {
			return true
		}
	}
	return from.Equal(to)
}
