// Package session implements the per-connection state machine of spec
// §4.3: CONNECTING -> GREETED -> ACCEPTED -> CLOSING -> CLOSED, transaction
// dispatch, and the outbound queue a session drains independently of its
// reader, the same reader/writer/closed-channel split syncthing's
// lib/protocol.rawConnection uses for its wire connections.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pombredanne/paf/internal/domain"
	"github.com/pombredanne/paf/internal/logger"
	"github.com/pombredanne/paf/internal/transport"
	"github.com/pombredanne/paf/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("session", "per-connection protocol state machine")

// State is one point in the CONNECTING->GREETED->ACCEPTED->CLOSING->CLOSED
// lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateGreeted
	StateAccepted
	StateClosing
	StateClosed
)

// outboxCapacity bounds how far a slow reader can fall behind before the
// session treats it as a resource-limit violation and closes (spec §4.3's
// "tolerate ... backpressure by maintaining an outbound queue", bounded so
// one stuck client can't grow memory without limit).
const outboxCapacity = 256

// idleTimeout is how long the session waits for any client traffic (a
// command or a ping) before treating the connection as dead, per spec
// §4.3's "connection-level idle liveness is the client's responsibility
// via ping".
const idleTimeout = 2 * time.Minute

// Session owns one accepted connection's protocol state.
type Session struct {
	conn   transport.Conn
	dom    *domain.Domain
	state  atomic.Int32
	connAt time.Time

	clientID uint64 // valid once state >= StateAccepted

	outbox    chan *wire.Response
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

// New wraps an accepted connection. Call Run to start processing it.
func New(conn transport.Conn, dom *domain.Domain) *Session {
	return &Session{
		conn:   conn,
		dom:    dom,
		connAt: time.Now(),
		outbox: make(chan *wire.Response, outboxCapacity),
		closed: make(chan struct{}),
	}
}

func (s *Session) ClientID() uint64       { return s.clientID }
func (s *Session) User() string           { return s.conn.RemoteUser() }
func (s *Session) RemoteAddr() string     { return s.conn.RemoteAddr() }
func (s *Session) ConnectedAt() time.Time { return s.connAt }
func (s *Session) State() State           { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Deliver implements domain.SessionHandle: it is called from the domain's
// owning goroutine and must never block on a slow peer, so it drops the
// session instead of stalling the whole domain.
func (s *Session) Deliver(n domain.Notification) {
	resp := notificationToResponse(n)
	select {
	case s.outbox <- resp:
	case <-s.closed:
	default:
		l.Warnf("session %d: outbox full, closing (backpressure)", s.clientID)
		s.Close(errBackpressure)
	}
}

var errBackpressure = &closeReason{"outbound queue overflow"}

type closeReason struct{ msg string }

func (r *closeReason) Error() string { return r.msg }

// Run processes conn until it closes, driving the reader and writer
// loops and the idle timer. It returns once the session is fully torn
// down (CLOSED).
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writerLoop(ctx) }()
	go func() { defer s.wg.Done(); s.readerLoop(ctx) }()
	s.wg.Wait()

	s.teardown()
}

func (s *Session) readerLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		frame, err := s.conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			s.Close(err)
			return
		}
		req, err := wire.DecodeRequest(frame)
		if err != nil {
			l.Infof("session %d: malformed request: %v", s.clientID, err)
			s.Close(err)
			return
		}
		if fatal := s.handleRequest(ctx, req); fatal {
			return
		}
		select {
		case <-s.closed:
			return
		default:
		}
	}
}

func (s *Session) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case resp := <-s.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			frame, err := wire.EncodeResponse(resp)
			if err == nil {
				err = s.conn.WriteMessage(writeCtx, frame)
			}
			cancel()
			if err != nil {
				s.Close(err)
				return
			}
		}
	}
}

// send enqueues resp without blocking indefinitely; used by request
// handlers running on the reader goroutine, where genuine backpressure
// should propagate rather than silently drop.
func (s *Session) send(ctx context.Context, resp *wire.Response) {
	select {
	case s.outbox <- resp:
	case <-s.closed:
	case <-ctx.Done():
	}
}

// Close tears the session down exactly once; err is the triggering cause
// (nil for a clean server-initiated shutdown).
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeErr = err
		close(s.closed)
	})
}

func (s *Session) teardown() {
	s.setState(StateClosing)
	if s.clientID != 0 {
		s.dom.CloseSession(s.clientID)
	}
	s.conn.Close()
	s.setState(StateClosed)
	if s.closeErr != nil {
		l.Debugf("session %d closed: %v", s.clientID, s.closeErr)
	} else {
		l.Debugf("session %d closed", s.clientID)
	}
}
