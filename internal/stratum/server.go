package stratum

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djkazic/stratumd/internal/metrics"

	"go.uber.org/zap"
)

// peekTimeout bounds how long a fresh connection may stall before
// sending its first byte.
const peekTimeout = 10 * time.Second

// Job is a mining job as broadcast to miners via mining.notify.
type Job struct {
	ID             string
	PrevHash       string
	Coinbase1      string
	Coinbase2      string
	MerkleBranches []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool
}

// ShareSubmission is a mining.submit payload bound to the submitting
// session's identity.
type ShareSubmission struct {
	Username    string
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64
	RemoteAddr  string
}

// RejectError describes why a submission was refused. Code is a stratum
// error code; Reason is logged and echoed in the error tuple.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

// SubmitHandler validates a submission. nil means accept; a *RejectError
// classifies the refusal; any other error is an internal fault, logged
// and reported to the miner as a generic rejection.
type SubmitHandler func(sub *ShareSubmission) error

// Server is a Stratum v1 pool endpoint. Each accepted connection gets a
// typed Session; the only cross-connection shared mutable state is the
// extranonce allocator's counter.
type Server struct {
	logger      *zap.Logger
	initialDiff float64
	alloc       *ExtranonceAllocator

	auth          Authenticator
	submitHandler SubmitHandler
	httpHandler   http.Handler

	listener  net.Listener
	boundAddr atomic.Value // string
	connSeq   atomic.Uint64

	sessionsMu sync.RWMutex
	sessions   map[uint64]*Session

	jobMu      sync.RWMutex
	currentJob *Job

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a server with a freshly drawn random instance id.
// If the entropy source is unavailable the process must not come up: a
// predictable instance id silently breaks extranonce uniqueness across
// cooperating servers.
func NewServer(initialDiff float64, logger *zap.Logger) *Server {
	instanceID, err := GenerateInstanceID()
	if err != nil {
		logger.Fatal("cannot generate instance id", zap.Error(err))
	}
	return NewServerWithInstanceID(instanceID, initialDiff, logger)
}

// NewServerWithInstanceID creates a server with an explicit instance id.
// Callers other than tests should use NewServer.
func NewServerWithInstanceID(instanceID uint32, initialDiff float64, logger *zap.Logger) *Server {
	return &Server{
		logger:      logger,
		initialDiff: initialDiff,
		alloc:       NewExtranonceAllocator(instanceID),
		sessions:    make(map[uint64]*Session),
		quit:        make(chan struct{}),
	}
}

// SetAuthenticator installs the external credential checker. Without one,
// every authorize succeeds (open pool).
func (s *Server) SetAuthenticator(a Authenticator) {
	s.auth = a
}

// SetSubmitHandler installs the share validator.
func (s *Server) SetSubmitHandler(h SubmitHandler) {
	s.submitHandler = h
}

// SetHTTPHandler installs a handler for non-stratum connections on the
// same port (metrics, stats API). Must be called before Start.
func (s *Server) SetHTTPHandler(h http.Handler) {
	s.httpHandler = h
}

// InstanceID returns the server's extranonce instance id.
func (s *Server) InstanceID() uint32 {
	return s.alloc.InstanceID()
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.boundAddr.Store(listener.Addr().String())

	s.logger.Info("stratum server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Uint32("instance_id", s.alloc.InstanceID()),
	)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all live sessions.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		_ = sess.close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if addr, ok := s.boundAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// BroadcastJob sends a job to every subscribed session and remembers it
// for sessions that subscribe later.
func (s *Server) BroadcastJob(job *Job) {
	s.jobMu.Lock()
	s.currentJob = job
	s.jobMu.Unlock()

	s.sessionsMu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Subscribed() {
			targets = append(targets, sess)
		}
	}
	s.sessionsMu.RUnlock()

	for _, sess := range targets {
		if err := s.sendJob(sess, job); err != nil {
			s.logger.Debug("job notify failed",
				zap.String("remote", sess.RemoteAddr()),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("job broadcast",
		zap.String("job_id", job.ID),
		zap.Bool("clean", job.CleanJobs),
		zap.Int("sessions", len(targets)),
	)
}

func (s *Server) sendJob(sess *Session, job *Job) error {
	sess.setLastJobID(job.ID)
	return sess.sendNotification(&Notification{
		Method: "mining.notify",
		Params: []interface{}{
			job.ID,
			job.PrevHash,
			job.Coinbase1,
			job.Coinbase2,
			job.MerkleBranches,
			job.Version,
			job.NBits,
			job.NTime,
			job.CleanJobs,
		},
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn peeks one byte to route the connection: stratum lines start
// with '{'; anything else goes to the HTTP handler when one is set.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	first := make([]byte, 1)
	n, err := conn.Read(first)
	if err != nil || n == 0 {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first[0] != '{' && s.httpHandler != nil {
		s.serveHTTPConn(conn, first[:n])
		return
	}

	wrapped := &prefixConn{Conn: conn, prefix: first[:n]}
	sess := newSession(s.connSeq.Add(1), wrapped, s.initialDiff)

	s.register(sess)
	defer s.unregister(sess)

	s.logger.Debug("miner connected", zap.String("remote", sess.RemoteAddr()))
	s.serveSession(sess)
	s.logger.Debug("miner disconnected",
		zap.String("remote", sess.RemoteAddr()),
		zap.String("worker", sess.Username()),
	)
}

func (s *Server) register(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
	metrics.SessionsConnected.Set(float64(s.SessionCount()))
}

func (s *Server) unregister(sess *Session) {
	_ = sess.close()
	s.sessionsMu.Lock()
	delete(s.sessions, sess.id)
	s.sessionsMu.Unlock()
	metrics.SessionsConnected.Set(float64(s.SessionCount()))
}

func (s *Server) serveSession(sess *Session) {
	for {
		req, err := sess.codec.ReadRequest()
		if err != nil {
			return
		}

		if !sess.limiter.Allow() {
			_ = sess.sendResponse(&Response{
				ID:     req.ID,
				Result: nil,
				Error:  RPCError(ErrOther, "request rate too high"),
			})
			continue
		}

		s.dispatch(sess, req)
	}
}

// dispatch routes one request. Handler panics are converted into an
// error response; a fault in one request must not tear down the
// connection or the server.
func (s *Server) dispatch(sess *Session, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				zap.String("method", req.Method),
				zap.Any("panic", r),
			)
			_ = sess.sendResponse(&Response{
				ID:     req.ID,
				Result: false,
				Error:  RPCError(ErrOther, "internal error"),
			})
		}
	}()

	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(sess, req)
	case "mining.authorize":
		s.handleAuthorize(sess, req)
	case "mining.submit":
		s.handleSubmit(sess, req)
	case "mining.extranonce.subscribe":
		_ = sess.sendResponse(&Response{ID: req.ID, Result: true})
	default:
		s.logger.Debug("unknown method",
			zap.String("method", req.Method),
			zap.String("remote", sess.RemoteAddr()),
		)
		_ = sess.sendResponse(&Response{
			ID:     req.ID,
			Result: nil,
			Error:  RPCError(ErrOther, "unknown method "+req.Method),
		})
	}
}

// handleSubscribe allocates the session's extranonce1 and reports the
// fixed extranonce2 size. The signature parameter (miner name/version) is
// recorded but not validated.
func (s *Server) handleSubscribe(sess *Session, req *Request) {
	params, _ := req.StringParams()
	signature := ""
	if len(params) > 0 {
		signature = params[0]
	}

	extraNonce1 := s.alloc.NextHex()
	sess.Subscribe(extraNonce1, signature)

	subscriptions := []interface{}{
		[]interface{}{"mining.set_difficulty", extraNonce1},
		[]interface{}{"mining.notify", extraNonce1},
	}

	err := sess.sendResponse(&Response{
		ID:     req.ID,
		Result: []interface{}{subscriptions, extraNonce1, ExtraNonce2Size},
	})
	if err != nil {
		s.logger.Debug("subscribe response failed", zap.Error(err))
		return
	}

	s.logger.Info("miner subscribed",
		zap.String("remote", sess.RemoteAddr()),
		zap.String("extranonce1", extraNonce1),
		zap.String("signature", signature),
	)

	_ = s.sendDifficulty(sess, sess.Difficulty())

	s.jobMu.RLock()
	job := s.currentJob
	s.jobMu.RUnlock()
	if job != nil {
		_ = s.sendJob(sess, job)
	}
}

func (s *Server) sendDifficulty(sess *Session, diff float64) error {
	return sess.sendNotification(&Notification{
		Method: "mining.set_difficulty",
		Params: []interface{}{diff},
	})
}

// handleAuthorize forwards credentials to the external authenticator and
// relays its boolean verdict. Failures carry no reason to the miner.
func (s *Server) handleAuthorize(sess *Session, req *Request) {
	params, err := req.StringParams()
	if err != nil || len(params) < 1 {
		_ = sess.sendResponse(&Response{
			ID:     req.ID,
			Result: false,
			Error:  RPCError(ErrOther, "bad params"),
		})
		return
	}
	username := params[0]
	password := ""
	if len(params) > 1 {
		password = params[1]
	}

	ok := true
	if s.auth != nil {
		var authErr error
		ok, authErr = s.auth.Authorize(context.Background(), username, password)
		if authErr != nil {
			s.logger.Warn("authenticator error",
				zap.String("worker", username),
				zap.Error(authErr),
			)
			ok = false
		}
	}

	if ok {
		sess.Authorize(username)
		s.logger.Info("miner authorized",
			zap.String("worker", username),
			zap.String("remote", sess.RemoteAddr()),
		)
	} else {
		s.logger.Info("authorization denied",
			zap.String("worker", username),
			zap.String("remote", sess.RemoteAddr()),
		)
	}

	_ = sess.sendResponse(&Response{ID: req.ID, Result: ok})
}

// handleSubmit runs a submission through the validator. Every refusal is
// result=false with a classified error tuple; only session-state problems
// are decided here, everything else is the validator's call.
func (s *Server) handleSubmit(sess *Session, req *Request) {
	if !sess.Subscribed() {
		s.rejectSubmit(sess, req, &RejectError{ErrNotSubscribed, "not subscribed"})
		return
	}
	if !sess.Authorized() {
		s.rejectSubmit(sess, req, &RejectError{ErrUnauthorized, "unauthorized worker"})
		return
	}

	params, err := req.StringParams()
	if err != nil || len(params) < 5 {
		s.rejectSubmit(sess, req, &RejectError{ErrOther, "bad params"})
		return
	}

	sub := &ShareSubmission{
		Username:    params[0],
		JobID:       params[1],
		ExtraNonce2: params[2],
		NTime:       params[3],
		Nonce:       params[4],
		ExtraNonce1: sess.ExtraNonce1(),
		Difficulty:  sess.Difficulty(),
		RemoteAddr:  sess.RemoteAddr(),
	}

	if s.submitHandler == nil {
		s.rejectSubmit(sess, req, &RejectError{ErrUnknownJob, "no jobs available"})
		return
	}

	if err := s.submitHandler(sub); err != nil {
		var reject *RejectError
		if !errors.As(err, &reject) {
			s.logger.Error("submit handler failed",
				zap.String("worker", sub.Username),
				zap.Error(err),
			)
			reject = &RejectError{ErrOther, "internal error"}
		}
		s.rejectSubmit(sess, req, reject)
		return
	}

	metrics.SharesAccepted.Inc()
	_ = sess.sendResponse(&Response{ID: req.ID, Result: true})

	if newDiff, changed := sess.vardiff.RecordShare(time.Now()); changed {
		s.logger.Info("vardiff retarget",
			zap.String("worker", sub.Username),
			zap.Float64("difficulty", newDiff),
		)
		_ = s.sendDifficulty(sess, newDiff)
	}
}

func (s *Server) rejectSubmit(sess *Session, req *Request, reject *RejectError) {
	metrics.SharesRejected.WithLabelValues(rejectLabel(reject.Code)).Inc()
	s.logger.Info("share rejected",
		zap.String("worker", sess.Username()),
		zap.String("remote", sess.RemoteAddr()),
		zap.Int("code", reject.Code),
		zap.String("reason", reject.Reason),
	)
	_ = sess.sendResponse(&Response{
		ID:     req.ID,
		Result: false,
		Error:  RPCError(reject.Code, reject.Reason),
	})
}

func rejectLabel(code int) string {
	switch code {
	case ErrUnknownJob:
		return "stale_job"
	case ErrDuplicate:
		return "duplicate"
	case ErrLowDifficulty:
		return "low_difficulty"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrNotSubscribed:
		return "not_subscribed"
	default:
		return "other"
	}
}
