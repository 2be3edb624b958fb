package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pombredanne/paf/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("transport", "connection framing and listener accept loop")

// MaxMessageSize bounds a single framed message, the same way XCM's
// MAX_MSG bounds one xcm_send/xcm_receive call.
const MaxMessageSize = 4 << 20

const acceptFailureBackoff = 200 * time.Millisecond

// tcpConn frames messages over a net.Conn (plain TCP or already-upgraded
// TLS) with a 4-byte big-endian length prefix, the simplest message
// framing that satisfies spec §6's "connection-oriented, message-framed"
// requirement.
type tcpConn struct {
	nc   net.Conn
	user string
}

// NewConn wraps an already-established net.Conn (TLS-wrapped or not) as a
// transport.Conn. user is the identity string to report via RemoteUser;
// pass "" to fall back to the remote address.
func NewConn(nc net.Conn, user string) Conn {
	if user == "" {
		user = nc.RemoteAddr().String()
	}
	return &tcpConn{nc: nc, user: user}
}

func (c *tcpConn) RemoteUser() string { return c.user }
func (c *tcpConn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
func (c *tcpConn) Close() error       { return c.nc.Close() }

func (c *tcpConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}
	// Cancelling ctx unblocks a pending read by moving the deadline to now.
	stop := context.AfterFunc(ctx, func() { c.nc.SetReadDeadline(time.Now()) })
	defer stop()

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("transport: message of %d bytes exceeds maximum %d", n, MaxMessageSize)
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(c.nc, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *tcpConn) WriteMessage(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds maximum %d", len(msg), MaxMessageSize)
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))

	// A plain net.Conn.Write may write short on a congested socket; loop
	// until the whole frame (length prefix + body) is out, the same
	// partial-write tolerance spec §4.3 asks sessions to provide.
	return writeFull(c.nc, append(lenBuf[:], msg...))
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// tcpListener accepts TCP connections, optionally upgrading them to TLS,
// retrying transient Accept errors with escalating backoff the way
// syncthing's lib/connections/tcp_listen.go does.
type tcpListener struct {
	ln     net.Listener
	tlsCfg *tls.Config
}

// Listen binds addr (host:port) and returns a Listener. If tlsCfg is
// non-nil, accepted connections are TLS-server-upgraded before being
// handed back from Accept.
func Listen(addr string, tlsCfg *tls.Config) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln, tlsCfg: tlsCfg}, nil
}

func (t *tcpListener) Addr() string { return t.ln.Addr().String() }
func (t *tcpListener) Close() error { return t.ln.Close() }

func (t *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	failures := 0
	for {
		resCh := make(chan result, 1)
		go func() {
			conn, err := t.ln.Accept()
			resCh <- result{conn, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resCh:
			if res.err != nil {
				failures++
				l.Warnln("accept:", res.err)
				if failures > 10 {
					return nil, res.err
				}
				time.Sleep(time.Duration(failures) * acceptFailureBackoff)
				continue
			}

			nc := res.conn
			user := ""
			if t.tlsCfg != nil {
				tc := tls.Server(nc, t.tlsCfg)
				hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := tc.HandshakeContext(hctx)
				cancel()
				if err != nil {
					l.Infoln("TLS handshake:", err)
					tc.Close()
					failures = 0
					continue
				}
				if state := tc.ConnectionState(); len(state.PeerCertificates) > 0 {
					user = state.PeerCertificates[0].Subject.CommonName
				}
				nc = tc
			}

			failures = 0
			return NewConn(nc, user), nil
		}
	}
}

// Dial connects to addr, optionally over TLS, and returns the resulting
// Conn. Used by client-side test helpers and tools, not by the server
// itself.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return NewConn(nc, ""), nil
	}
	tc := tls.Client(nc, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return NewConn(tc, ""), nil
}
