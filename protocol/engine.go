// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package protocol implements a push driven XML stream state machine.
//
// An Engine never touches the network. Bytes read from a transport are given
// to AddIncomingData, and bytes that must be written are collected with
// TakeOutgoingData. After every change the owner calls ProcessStep until it
// reports that nothing else can be done without more input, output, or the
// passage of time.
package protocol // import "mellium.im/xmppcore/protocol"

import (
	"errors"
	"fmt"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"

	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/parser"
	"mellium.im/xmppcore/stream"
)

// Errors returned by the engine.
var (
	ErrParse    = errors.New("protocol: malformed stream")
	ErrClosed   = errors.New("protocol: stream closed")
	ErrNotReady = errors.New("protocol: stream header already sent")
)

// Code classifies engine errors.
type Code int

// A list of error codes.
const (
	CodeNone Code = iota
	CodeParse
	CodeNamespace
	CodeVersion
	CodeStreamError
	CodeClosed
	CodeOther
)

// ErrorCode returns the code of an error returned in a Step.
func ErrorCode(err error) Code {
	var se stream.Error
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrParse):
		return CodeParse
	case errors.Is(err, stream.ErrNamespaceMismatch):
		return CodeNamespace
	case errors.Is(err, stream.ErrVersionMismatch):
		return CodeVersion
	case errors.As(err, &se):
		return CodeStreamError
	case errors.Is(err, ErrClosed):
		return CodeClosed
	}
	return CodeOther
}

// State is the state of an Engine.
type State int

// A list of engine states.
const (
	SendOpen State = iota
	RecvOpen
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case SendOpen:
		return "send-open"
	case RecvOpen:
		return "recv-open"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return "closed"
}

// Need is what the engine is waiting on.
type Need int

// A list of needs.
const (
	NeedNone Need = iota
	NeedSend
	NeedRecv
	NeedTimer
)

// Event is something that happened during a step.
type Event int

// A list of events.
const (
	EventNone Event = iota
	EventOpened
	EventElement
	EventPeerClosed
	EventClosed
	EventError
)

// Notify is a set of conditions the owner should report back to the engine.
type Notify uint8

// A list of notification flags.
const (
	NotifySend Notify = 1 << iota
	NotifyRecv
	NotifyTimeout
)

// Step is the result of ProcessStep.
type Step struct {
	Need    Need
	Event   Event
	Notify  Notify
	Element *element.Element
	Raw     string
	Err     error
}

// ItemKind is the kind of a TransferItem.
type ItemKind int

// A list of transfer item kinds.
const (
	RawItem ItemKind = iota
	CloseItem
	CustomItem
)

// TransferItem tracks a run of queued bytes until the transport reports them
// written.
type TransferItem struct {
	Kind ItemKind
	ID   int
	Size int

	remaining int
}

// WriteObserver is notified once all of the bytes of a tracked element have
// been written.
type WriteObserver interface {
	ItemWritten(id, size int)
}

// Option configures an Engine.
type Option func(*Engine)

// Accepting marks the engine as the accepting side of a stream.
// An accepting engine that receives malformed XML before the peer's stream
// header is moved to Open so that a stream error can still be written.
func Accepting() Option {
	return func(e *Engine) {
		e.accepting = true
		e.state = RecvOpen
	}
}

// Logger sets the logger used for wire traces and dropped characters.
func Logger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// TraceSize sets the number of recent inbound bytes kept for diagnostics.
func TraceSize(n int64) Option {
	return func(e *Engine) {
		e.traceSize = n
	}
}

// Namespace sets the content namespace expected from the peer.
// The default is jabber:client.
func Namespace(space string) Option {
	return func(e *Engine) {
		e.ns = space
	}
}

// Engine is an XML stream state machine.
// It is not safe for concurrent use.
type Engine struct {
	state      State
	accepting  bool
	ns         string
	peer       stream.Info
	closeTag   string
	closeSent  bool
	peerClosed bool
	err        error

	parser *parser.Parser
	logger zerolog.Logger

	traceSize int64
	trace     *circbuf.Buffer

	urgent, normal           []byte
	urgentItems, normalItems []*TransferItem
	observers                []WriteObserver
}

// New returns an engine in the SendOpen state, or RecvOpen when Accepting is
// given.
func New(opts ...Option) *Engine {
	e := &Engine{
		ns:        ns.Client,
		logger:    zerolog.Nop(),
		traceSize: 1024,
		parser:    parser.New(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.traceSize > 0 {
		// NewBuffer only fails for non-positive sizes.
		e.trace, _ = circbuf.NewBuffer(e.traceSize)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Peer returns the stream information sent by the peer.
func (e *Engine) Peer() stream.Info {
	return e.peer
}

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error {
	return e.err
}

// Observe registers an observer for tracked writes.
func (e *Engine) Observe(o WriteObserver) {
	e.observers = append(e.observers, o)
}

// Start queues the XML declaration and the opening stream header.
// An accepting engine that was forced to Open by a parse error may still
// call Start to send its header ahead of a stream error.
func (e *Engine) Start(info stream.Info) error {
	if e.closeTag != "" || e.closeSent {
		return ErrNotReady
	}
	if info.XMLNS == "" {
		info.XMLNS = e.ns
	}
	open, closeTag := info.Header()
	e.closeTag = closeTag
	e.queue(false, RawItem, 0, []byte("<?xml version='1.0'?>"+open))
	if e.state != SendOpen {
		return nil
	}
	if e.accepting {
		e.state = Open
	} else {
		e.state = RecvOpen
	}
	return nil
}

// AddIncomingData appends bytes read from the transport.
func (e *Engine) AddIncomingData(b []byte) {
	if e.trace != nil {
		e.trace.Write(b)
	}
	e.logger.Debug().Bytes("data", b).Msg("recv")
	e.parser.AppendData(b)
}

// WriteElement serializes el and queues it.
func (e *Engine) WriteElement(el *element.Element, urgent bool) error {
	return e.write(el, RawItem, 0, urgent)
}

// WriteTracked serializes el and queues it as a custom item. Every
// registered WriteObserver is told once all of its bytes are written.
func (e *Engine) WriteTracked(el *element.Element, id int, urgent bool) error {
	return e.write(el, CustomItem, id, urgent)
}

// WriteRaw queues s without sanitizing it.
func (e *Engine) WriteRaw(s string, urgent bool) error {
	if e.closeSent {
		return ErrClosed
	}
	e.queue(urgent, RawItem, 0, []byte(s))
	return nil
}

func (e *Engine) write(el *element.Element, kind ItemKind, id int, urgent bool) error {
	if e.closeSent {
		return ErrClosed
	}
	b := el.AppendXMLIn(nil, e.ns, map[string]string{stream.NS: "stream"})
	e.queue(urgent, kind, id, Sanitize(b, e.logger))
	return nil
}

func (e *Engine) queue(urgent bool, kind ItemKind, id int, b []byte) {
	item := &TransferItem{Kind: kind, ID: id, Size: len(b), remaining: len(b)}
	if urgent {
		e.urgent = append(e.urgent, b...)
		e.urgentItems = append(e.urgentItems, item)
		return
	}
	e.normal = append(e.normal, b...)
	e.normalItems = append(e.normalItems, item)
}

// TakeOutgoingData returns all queued bytes, urgent bytes first, and empties
// the queues.
// The items remain tracked until OutgoingDataWritten acknowledges them.
func (e *Engine) TakeOutgoingData() []byte {
	if len(e.urgent) == 0 && len(e.normal) == 0 {
		return nil
	}
	out := make([]byte, 0, len(e.urgent)+len(e.normal))
	out = append(out, e.urgent...)
	out = append(out, e.normal...)
	e.urgent = e.urgent[:0]
	e.normal = e.normal[:0]
	e.logger.Debug().Bytes("data", out).Msg("send")
	return out
}

// OutgoingDataWritten acknowledges n written bytes.
// Urgent items are acknowledged first and any remainder goes to normal
// items.
func (e *Engine) OutgoingDataWritten(n int) {
	n = e.ack(&e.urgentItems, n)
	e.ack(&e.normalItems, n)
}

func (e *Engine) ack(items *[]*TransferItem, n int) int {
	for n > 0 && len(*items) > 0 {
		item := (*items)[0]
		if n < item.remaining {
			item.remaining -= n
			return 0
		}
		n -= item.remaining
		item.remaining = 0
		*items = (*items)[1:]
		if item.Kind == CustomItem {
			for _, o := range e.observers {
				o.ItemWritten(item.ID, item.Size)
			}
		}
	}
	return n
}

// Unwritten returns the number of queued or taken bytes that have not yet
// been acknowledged.
func (e *Engine) Unwritten() int {
	var n int
	for _, it := range e.urgentItems {
		n += it.remaining
	}
	for _, it := range e.normalItems {
		n += it.remaining
	}
	return n
}

// Close queues the closing stream tag.
// If the peer has already closed its side, or the engine failed, the state
// becomes Closed; otherwise it is Closing until the peer's closing tag
// arrives or Timeout is called.
func (e *Engine) Close() {
	if e.closeSent {
		return
	}
	e.closeSent = true
	if e.closeTag == "" {
		e.state = Closed
		return
	}
	e.queue(false, CloseItem, 0, []byte(e.closeTag))
	if e.peerClosed || e.err != nil {
		e.state = Closed
		return
	}
	e.state = Closing
}

// Timeout tells a Closing engine that the peer did not close in time.
func (e *Engine) Timeout() {
	if e.state == Closing {
		e.state = Closed
	}
}

// Reset returns the engine to its initial state for a stream restart and
// returns any bytes that were received but not parsed.
// Queued output is kept. Calling Reset twice is the same as calling it once.
func (e *Engine) Reset() []byte {
	tail := e.parser.Reset()
	if e.accepting {
		e.state = RecvOpen
	} else {
		e.state = SendOpen
	}
	e.peer = stream.Info{}
	e.closeTag = ""
	e.closeSent = false
	e.peerClosed = false
	e.err = nil
	return tail
}

// ProcessStep parses at most one event and reports what the engine needs.
func (e *Engine) ProcessStep() Step {
	if e.err != nil {
		s := e.idle()
		s.Event = EventError
		s.Err = e.err
		return s
	}
	if e.state == SendOpen || e.peerClosed {
		return e.idle()
	}

	ev, ok := e.parser.ReadNext()
	if !ok {
		return e.idle()
	}
	switch ev.Type {
	case parser.DocumentOpen:
		e.peer = stream.Info{XMLNS: e.ns}
		if err := e.peer.FromStartElement(ev.Start); err != nil {
			return e.fail(err)
		}
		if e.accepting {
			e.state = SendOpen
		} else {
			e.state = Open
		}
		e.logger.Debug().Str("stream_id", e.peer.ID).Msg("stream opened")
		s := e.idle()
		s.Event = EventOpened
		s.Raw = ev.Raw
		return s
	case parser.Element:
		if ev.Element.Is(stream.NS, "error") {
			return e.fail(stream.FromElement(ev.Element))
		}
		s := e.idle()
		s.Event = EventElement
		s.Element = ev.Element
		s.Raw = ev.Raw
		return s
	case parser.DocumentClose:
		e.peerClosed = true
		if e.state == Closing {
			e.state = Closed
			s := e.idle()
			s.Event = EventClosed
			return s
		}
		s := e.idle()
		s.Event = EventPeerClosed
		return s
	}

	err := fmt.Errorf("%w: %v", ErrParse, ev.Err)
	if e.trace != nil {
		e.logger.Debug().Err(ev.Err).Str("recent", e.trace.String()).Msg("parse error")
	}
	if e.accepting && e.state == RecvOpen {
		e.err = err
		e.state = Open
		s := e.idle()
		s.Event = EventError
		s.Err = err
		return s
	}
	return e.fail(err)
}

func (e *Engine) fail(err error) Step {
	e.err = err
	if !e.closeSent {
		e.state = Closed
	}
	s := e.idle()
	s.Event = EventError
	s.Err = err
	return s
}

func (e *Engine) idle() Step {
	var s Step
	if len(e.urgent) > 0 || len(e.normal) > 0 {
		s.Need = NeedSend
		s.Notify |= NotifySend
	}
	if e.err != nil || e.peerClosed {
		return s
	}
	switch e.state {
	case RecvOpen, Open:
		s.Notify |= NotifyRecv
		if s.Need == NeedNone {
			s.Need = NeedRecv
		}
	case Closing:
		s.Notify |= NotifyRecv | NotifyTimeout
		if s.Need == NeedNone {
			s.Need = NeedTimer
		}
	}
	return s
}
