package session

import (
	"context"
	"testing"
	"time"

	"github.com/pombredanne/paf/internal/domain"
	"github.com/pombredanne/paf/internal/filter"
	"github.com/pombredanne/paf/internal/props"
	"github.com/pombredanne/paf/internal/resource"
	"github.com/pombredanne/paf/internal/wire"
	"golang.org/x/time/rate"
)

// chanConn is an in-memory transport.Conn backed by channels, standing in
// for a real socket so the session state machine can be exercised without
// a listener.
type chanConn struct {
	user string
	addr string
	in   chan []byte
	out  chan []byte
	done chan struct{}
}

func newChanConnPair(userA, userB string) (*chanConn, *chanConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &chanConn{user: userA, addr: "a:0", in: ba, out: ab, done: make(chan struct{})}
	b := &chanConn{user: userB, addr: "b:0", in: ab, out: ba, done: make(chan struct{})}
	return a, b
}

func (c *chanConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) WriteMessage(ctx context.Context, msg []byte) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanConn) RemoteUser() string { return c.user }
func (c *chanConn) RemoteAddr() string { return c.addr }
func (c *chanConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

var errClosed = &closeReason{"chanConn closed"}

func newTestDomain(t *testing.T) (*domain.Domain, func()) {
	t.Helper()
	acct := resource.New(resource.Limits{}, rate.Inf, 1)
	d := domain.New("test", acct, filter.NewCache(64), 0)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, cancel
}

func sendReq(t *testing.T, conn *chanConn, req *wire.Request) {
	t.Helper()
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := conn.WriteMessage(context.Background(), frame); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func recvResp(t *testing.T, conn *chanConn) *wire.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := wire.DecodeResponse(frame)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHelloThenPublishAcceptFlow(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	clientSide, serverSide := newChanConnPair("alice", "")
	sess := New(serverSide, d)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sess.Run(ctx)

	sendReq(t, clientSide, &wire.Request{TaID: 1, Cmd: wire.CmdHello})
	hello := recvResp(t, clientSide)
	if hello.MsgType != wire.MsgAccept || hello.ClientID == 0 {
		t.Fatalf("hello response: %+v", hello)
	}

	sendReq(t, clientSide, &wire.Request{
		TaID:       2,
		Cmd:        wire.CmdPublish,
		ServiceID:  1,
		Generation: 0,
		TTL:        60,
	})
	resp := recvResp(t, clientSide)
	if resp.MsgType != wire.MsgAccept {
		t.Fatalf("publish response: %+v", resp)
	}
}

func TestMessageBeforeHelloIsRejected(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	clientSide, serverSide := newChanConnPair("alice", "")
	sess := New(serverSide, d)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sess.Run(ctx)

	sendReq(t, clientSide, &wire.Request{TaID: 1, Cmd: wire.CmdPing})
	resp := recvResp(t, clientSide)
	if resp.MsgType != wire.MsgFail || resp.FailReason != wire.ReasonNoHello {
		t.Fatalf("expected no-hello failure, got %+v", resp)
	}
}

func TestSubscribeDeliversNotifyBeforeAccept(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	pubClient, pubServer := newChanConnPair("alice", "")
	subClient, subServer := newChanConnPair("bob", "")

	pubSess := New(pubServer, d)
	subSess := New(subServer, d)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go pubSess.Run(ctx)
	go subSess.Run(ctx)

	sendReq(t, pubClient, &wire.Request{TaID: 1, Cmd: wire.CmdHello})
	recvResp(t, pubClient)
	sendReq(t, pubClient, &wire.Request{
		TaID:      2,
		Cmd:       wire.CmdPublish,
		ServiceID: 1,
		TTL:       60,
		Props:     map[string][]props.Value{"name": {props.Str("svc")}},
	})
	recvResp(t, pubClient)

	sendReq(t, subClient, &wire.Request{TaID: 1, Cmd: wire.CmdHello})
	recvResp(t, subClient)
	sendReq(t, subClient, &wire.Request{TaID: 2, Cmd: wire.CmdSubscribe, SubscriptionID: 1, Filter: "(name=*)"})

	notify := recvResp(t, subClient)
	if notify.MsgType != wire.MsgNotify || notify.MatchType != wire.MatchAppeared {
		t.Fatalf("subscribe notify: %+v", notify)
	}
	accept := recvResp(t, subClient)
	if accept.MsgType != wire.MsgAccept {
		t.Fatalf("subscribe accept: %+v", accept)
	}
}
