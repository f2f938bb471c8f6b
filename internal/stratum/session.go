package stratum

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Authenticator is the external credential checker consulted by
// mining.authorize. The server forwards (username, password) and relays
// the verdict verbatim; it never interprets failures.
type Authenticator interface {
	Authorize(ctx context.Context, username, password string) (bool, error)
}

// Session is the per-connection miner state. It is created when the
// connection is accepted and handed explicitly to every handler; there
// is no ambient per-request lookup.
type Session struct {
	id     uint64
	conn   net.Conn
	codec  *Codec
	remote string

	// limiter bounds the request rate of one connection so a misbehaving
	// miner cannot monopolize the server.
	limiter *rate.Limiter

	vardiff *Vardiff

	mu          sync.Mutex
	extraNonce1 string
	signature   string
	username    string
	subscribed  bool
	authorized  bool
	lastJobID   string

	// sendMu serializes writes: responses from the handler goroutine and
	// notifications from broadcasts share one connection.
	sendMu sync.Mutex
}

// newSession wraps an accepted connection.
func newSession(id uint64, conn net.Conn, initialDiff float64) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		codec:   NewCodec(conn),
		remote:  conn.RemoteAddr().String(),
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		vardiff: NewVardiff(initialDiff),
	}
}

// Subscribe records the allocated extranonce1 and marks the session
// subscribed. The extranonce1 is fixed for the connection's lifetime.
func (s *Session) Subscribe(extraNonce1, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
	s.signature = signature
	s.subscribed = true
}

// Authorize records a successful authorization for username.
func (s *Session) Authorize(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.authorized = true
}

// ExtraNonce1 returns the session's assigned extranonce1 ("" before
// subscribe).
func (s *Session) ExtraNonce1() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extraNonce1
}

// Subscribed reports whether mining.subscribe has completed.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Authorized reports whether mining.authorize has succeeded.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Username returns the authorized worker name ("" before authorize).
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// RemoteAddr returns the peer address string.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Difficulty returns the session's current share difficulty.
func (s *Session) Difficulty() float64 {
	return s.vardiff.Difficulty()
}

func (s *Session) setLastJobID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastJobID = id
}

func (s *Session) sendResponse(resp *Response) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.codec.SendResponse(resp)
}

func (s *Session) sendNotification(notif *Notification) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.codec.SendNotification(notif)
}

func (s *Session) close() error {
	return s.codec.Close()
}
