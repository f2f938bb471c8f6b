package stratum

import (
	"net"
	"net/http"
	"sync"
)

// prefixConn replays already-consumed bytes before reading from the
// underlying connection. The mux peeks at a connection's first byte to
// decide between stratum and HTTP; whichever side gets the connection
// must still see that byte.
type prefixConn struct {
	net.Conn
	prefix []byte
	off    int
	read   bool
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if !p.read {
		if p.off < len(p.prefix) {
			n := copy(b, p.prefix[p.off:])
			p.off += n
			if p.off == len(p.prefix) {
				p.read = true
			}
			return n, nil
		}
		p.read = true
	}
	return p.Conn.Read(b)
}

// singleConnListener adapts one already-accepted connection to
// net.Listener so it can be served by http.Server. Accept returns the
// connection once, then blocks until Close.
type singleConnListener struct {
	conn net.Conn
	done chan struct{}

	mu       sync.Mutex
	accepted bool
	closed   bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted && !l.closed {
		l.accepted = true
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	}
	l.mu.Unlock()

	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// serveHTTPConn serves a single non-stratum connection with the
// configured HTTP handler, replaying the peeked prefix first.
func (s *Server) serveHTTPConn(conn net.Conn, prefix []byte) {
	wrapped := &prefixConn{Conn: conn, prefix: prefix}
	listener := &singleConnListener{conn: wrapped, done: make(chan struct{})}

	srv := &http.Server{
		Handler: s.httpHandler,
		// Unblock the listener once the connection fully closes, so
		// Serve returns instead of waiting for a second Accept.
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				_ = listener.Close()
			}
		},
	}
	srv.SetKeepAlivesEnabled(false)
	_ = srv.Serve(listener)
	_ = listener.Close()
	_ = conn.Close()
}
