// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"context"
	"sync"

	"mellium.im/xmppcore/element"
)

// Sender records every element sent through it.
// If OnSend is set it is called after the element is recorded and its error
// is returned.
type Sender struct {
	OnSend func(el *element.Element) error

	mu   sync.Mutex
	sent []*element.Element
	more chan struct{}
}

// Send records a copy of el.
func (s *Sender) Send(ctx context.Context, el *element.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, el.Copy())
	if s.more != nil {
		close(s.more)
		s.more = nil
	}
	s.mu.Unlock()
	if s.OnSend != nil {
		return s.OnSend(el)
	}
	return nil
}

// Sent returns the elements sent so far.
func (s *Sender) Sent() []*element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*element.Element(nil), s.sent...)
}

// Last returns the most recently sent element or nil.
func (s *Sender) Last() *element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

// Wait blocks until at least n elements have been sent or ctx is done, and
// returns the nth element.
func (s *Sender) Wait(ctx context.Context, n int) (*element.Element, error) {
	for {
		s.mu.Lock()
		if len(s.sent) >= n {
			el := s.sent[n-1]
			s.mu.Unlock()
			return el, nil
		}
		if s.more == nil {
			s.more = make(chan struct{})
		}
		more := s.more
		s.mu.Unlock()
		select {
		case <-more:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
