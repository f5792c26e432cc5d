// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stream"
)

// NSSM is the namespace of XEP-0198: Stream Management.
const NSSM = ns.SM

// ResumeState is what a stream needs to resume a previous stream that was
// interrupted. It is obtained from the failed stream and passed to the next
// one in Config.Resume.
type ResumeState struct {
	ID       string
	Location string
	JID      jid.JID
	HIn      uint32
	HOut     uint32
	Unacked  []*element.Element
}

type smState struct {
	id        string
	resumable bool
	location  string
	hIn       uint32
	hOut      uint32
	unacked   []*element.Element

	// requested is when the oldest unanswered <r/> was sent.
	requested time.Time
	acked     chan struct{}
}

func newSMState() *smState {
	return &smState{acked: make(chan struct{})}
}

// sent counts an outgoing stanza and keeps it until it is acknowledged.
func (sm *smState) sent(el *element.Element) {
	sm.hOut++
	sm.unacked = append(sm.unacked, el.Copy())
}

// ack drops the stanzas covered by the peer's count h.
// Counts behind the last ack are ignored and counts of stanzas that were never
// sent are an error. Both counters wrap at 2^32.
func (sm *smState) ack(h uint32) error {
	pending := uint32(len(sm.unacked))
	acked := sm.hOut - pending
	diff := h - acked
	if int32(diff) < 0 {
		return nil
	}
	if diff > pending {
		return fmt.Errorf("%w: h=%d, sent %d", ErrSMHandledTooHigh, h, sm.hOut)
	}
	sm.unacked = sm.unacked[diff:]
	sm.requested = time.Time{}
	close(sm.acked)
	sm.acked = make(chan struct{})
	return nil
}

// handledTooHigh is the stream error sent when the peer acknowledges stanzas
// that were never sent.
func handledTooHigh(h, sent uint32) stream.Error {
	return stream.Error{
		Err: stream.UndefinedCondition.Err,
		App: element.New(ns.SM, "handled-count-too-high").
			SetAttr("h", strconv.FormatUint(uint64(h), 10)).
			SetAttr("send-count", strconv.FormatUint(uint64(sent), 10)),
	}
}

func parseH(el *element.Element) (uint32, error) {
	h, err := strconv.ParseUint(el.Attribute("h"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad h attribute on %s", ErrUnexpectedElement, el.Name.Local)
	}
	return uint32(h), nil
}

func ackElement(h uint32) *element.Element {
	return element.New(ns.SM, "a").SetAttr("h", strconv.FormatUint(uint64(h), 10))
}

// enableSM returns a stream feature that enables stream management.
func enableSM() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.SM, Local: "sm"},
		Necessary:  Bound,
		Prohibited: Resumed,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			if err := s.send(element.New(ns.SM, "enable").SetAttr("resume", "true")); err != nil {
				return 0, err
			}
			resp, err := s.next(ctx)
			if err != nil {
				return 0, err
			}
			switch {
			case resp.Is(ns.SM, "enabled"):
			case resp.Is(ns.SM, "failed"):
				s.logger.Warn().Msg("stream management refused")
				return 0, nil
			default:
				return 0, ErrUnexpectedElement
			}
			sm := newSMState()
			sm.id = resp.Attribute("id")
			sm.location = resp.Attribute("location")
			switch resp.Attribute("resume") {
			case "true", "1":
				sm.resumable = sm.id != ""
			}
			s.sm = sm
			s.logger.Info().Bool("resumable", sm.resumable).Msg("stream management enabled")
			return 0, nil
		},
	}
}

// resume returns a stream feature that resumes the stream in Config.Resume in
// place of binding a resource.
func resume() streamFeature {
	return streamFeature{
		Name:       xml.Name{Space: ns.SM, Local: "sm"},
		Necessary:  Authn,
		Prohibited: Bound,
		Negotiate: func(ctx context.Context, s *Stream, el *element.Element) (SessionState, error) {
			prev := s.cfg.Resume
			req := element.New(ns.SM, "resume").
				SetAttr("h", strconv.FormatUint(uint64(prev.HIn), 10)).
				SetAttr("previd", prev.ID)
			if err := s.send(req); err != nil {
				return 0, err
			}
			resp, err := s.next(ctx)
			if err != nil {
				return 0, err
			}
			switch {
			case resp.Is(ns.SM, "resumed"):
			case resp.Is(ns.SM, "failed"):
				cond := "undefined-condition"
				if c := resp.Elements(); len(c) > 0 {
					cond = c[0].Name.Local
				}
				s.mu.Lock()
				s.resumeErr = fmt.Errorf("%w: %s", ErrSMResumeFailed, cond)
				s.lost = copyElements(prev.Unacked)
				s.mu.Unlock()
				s.logger.Warn().Str("condition", cond).Msg("resumption failed, binding")
				return 0, nil
			default:
				return 0, ErrUnexpectedElement
			}

			h, err := parseH(resp)
			if err != nil {
				return 0, err
			}
			sm := newSMState()
			sm.id = prev.ID
			sm.resumable = true
			sm.location = prev.Location
			sm.hIn = prev.HIn
			sm.hOut = prev.HOut
			sm.unacked = copyElements(prev.Unacked)
			if err := sm.ack(h); err != nil {
				/* #nosec */
				s.send(handledTooHigh(h, sm.hOut).Element())
				return 0, err
			}
			s.sm = sm
			s.local = prev.JID
			s.logger.Info().Int("resend", len(sm.unacked)).Msg("stream resumed")
			return Bound | Resumed, nil
		},
	}
}

func copyElements(els []*element.Element) []*element.Element {
	out := make([]*element.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el.Copy())
	}
	return out
}

// handleSM processes a stream management element received after negotiation.
// It must be called with the stream locked.
// An error means the stream must be failed.
func (s *Stream) handleSM(el *element.Element) error {
	if s.sm == nil {
		s.logger.Debug().Str("name", el.Name.Local).Msg("stream management element while disabled")
		return nil
	}
	switch el.Name.Local {
	case "r":
		/* #nosec */
		s.engine.WriteElement(ackElement(s.sm.hIn), true)
	case "a":
		h, err := parseH(el)
		if err != nil {
			s.logger.Debug().Err(err).Msg("ignoring ack")
			return nil
		}
		if err := s.sm.ack(h); err != nil {
			s.logger.Warn().Err(err).Msg("peer acknowledged unsent stanzas")
			/* #nosec */
			s.engine.WriteElement(handledTooHigh(h, s.sm.hOut).Element(), true)
			return err
		}
	}
	return nil
}

// RequestAck asks the server how many stanzas it has received and waits for
// the answer. Serve must be running to receive it.
func (s *Stream) RequestAck(ctx context.Context) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.sm == nil {
		s.mu.Unlock()
		return ErrSMDisabled
	}
	acked := s.requestLocked()
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.ackTimeout())
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSMTimeout
	}
}

// requestLocked sends <r/> and returns a channel that is closed on the next
// ack.
func (s *Stream) requestLocked() <-chan struct{} {
	if s.sm.requested.IsZero() {
		s.sm.requested = time.Now()
	}
	/* #nosec */
	s.engine.WriteElement(element.New(ns.SM, "r"), true)
	s.flushLocked()
	return s.sm.acked
}

// startAckTicker periodically requests acks for unacknowledged stanzas and
// fails the stream with ErrSMTimeout if a request goes unanswered.
func (s *Stream) startAckTicker() (stop func()) {
	s.mu.Lock()
	enabled := s.sm != nil
	s.mu.Unlock()
	if !enabled || s.cfg.AckInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(s.cfg.AckInterval)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			if s.writable() != nil {
				s.mu.Unlock()
				return
			}
			timedOut := !s.sm.requested.IsZero() && time.Since(s.sm.requested) > s.cfg.ackTimeout()
			if !timedOut && len(s.sm.unacked) > 0 && s.sm.requested.IsZero() {
				s.requestLocked()
			}
			s.mu.Unlock()
			if timedOut {
				s.logger.Warn().Msg("ack timed out")
				s.fail(ErrSMTimeout)
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// ResumeState returns what is needed to resume the stream later, and false if
// the server did not allow resumption.
func (s *Stream) ResumeState() (ResumeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sm == nil || !s.sm.resumable {
		return ResumeState{}, false
	}
	return ResumeState{
		ID:       s.sm.id,
		Location: s.sm.location,
		JID:      s.local,
		HIn:      s.sm.hIn,
		HOut:     s.sm.hOut,
		Unacked:  copyElements(s.sm.unacked),
	}, true
}

// ResumeErr returns why Config.Resume could not be honored, or nil if the
// stream was resumed or no resumption was attempted.
func (s *Stream) ResumeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeErr
}

// Unacked returns the stanzas that were sent but not acknowledged.
// If resuming a previous stream failed, these are the stanzas of the previous
// stream that may have been lost.
func (s *Stream) Unacked() []*element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sm == nil || s.state&Resumed == 0 && s.lost != nil {
		return copyElements(s.lost)
	}
	return copyElements(s.sm.unacked)
}
