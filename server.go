package wspp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the process-wide registrar: shared configuration, the
// default application handler, and the accept loop that mints Sessions.
// Grounded on go-mizu-mizu's App/AppOption/ServeContext shape
// (app.go), generalized from one http.Server per process to an accept
// loop that spawns a long-lived Session goroutine per connection
// instead of handling one request at a time.
type Server struct {
	defaultHandler Handler
	logger         *Logger

	maxMessageSize   atomic.Int64
	handshakeTimeout atomic.Int64 // time.Duration, nanoseconds
	ident            atomic.Value // string

	mu       sync.Mutex
	sessions map[string]*Session

	drainTimeout time.Duration
}

// ServerOption configures a Server, mirroring go-mizu-mizu's AppOption.
type ServerOption func(*Server)

// WithMaxMessageSize overrides the default 16 MiB cap on an assembled
// message's size.
func WithMaxMessageSize(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageSize.Store(n)
		}
	}
}

// WithLogger sets the Logger sink. If nil (or never called), a Logger
// wrapping slog.Default() is used.
func WithLogger(l *Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHandshakeTimeout overrides the 5s default timer armed while
// reading the opening HTTP request.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout.Store(int64(d))
		}
	}
}

// WithDefaultHandler sets the Handler new sessions are bound to.
func WithDefaultHandler(h Handler) ServerOption {
	return func(s *Server) {
		if h != nil {
			s.defaultHandler = h
		}
	}
}

// WithServerIdentity overrides the Server response header's value
// (default "wspp/1.0"); tests may pin it for deterministic comparisons.
func WithServerIdentity(id string) ServerOption {
	return func(s *Server) {
		if id != "" {
			s.ident.Store(id)
		}
	}
}

// WithDrainTimeout bounds how long Serve waits for in-flight sessions
// to reach CLOSED after ctx is canceled, mirroring app.go's
// WithShutdownTimeout.
func WithDrainTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// NewServer builds a Server with conservative defaults: 16 MiB max
// message size, 5s handshake timeout, a NoopHandler, and a Logger over
// slog.Default().
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		defaultHandler: NoopHandler{},
		logger:         NewLogger(nil),
		sessions:       map[string]*Session{},
		drainTimeout:   15 * time.Second,
	}
	s.maxMessageSize.Store(defaultMaxMessageSize)
	s.handshakeTimeout.Store(int64(handshakeTimeout))
	s.ident.Store("wspp/1.0")
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxMessageSize returns the current cap, safe for concurrent use with
// SetMaxMessageSize.
func (s *Server) MaxMessageSize() int64 { return s.maxMessageSize.Load() }

// SetMaxMessageSize updates the cap; in-flight sessions observe the new
// value on their next frame.
func (s *Server) SetMaxMessageSize(n int64) { s.maxMessageSize.Store(n) }

// HandshakeTimeout returns the duration armed while reading the opening
// HTTP request.
func (s *Server) HandshakeTimeout() time.Duration {
	return time.Duration(s.handshakeTimeout.Load())
}

func (s *Server) identityString() string { return s.ident.Load().(string) }

// SetErrorLevel delegates to the Logger's threshold.
func (s *Server) SetErrorLevel(level ErrorLevel) { s.logger.SetErrorLevel(level) }

// TestErrorLevel delegates to the Logger's threshold.
func (s *Server) TestErrorLevel(level ErrorLevel) bool { return s.logger.TestErrorLevel(level) }

// SetAccessLevel delegates to the Logger's bitmask.
func (s *Server) SetAccessLevel(flags AccessFlag) { s.logger.SetAccessLevel(flags) }

// UnsetAccessLevel delegates to the Logger's bitmask.
func (s *Server) UnsetAccessLevel(flags AccessFlag) { s.logger.UnsetAccessLevel(flags) }

// TestAccessLevel delegates to the Logger's bitmask.
func (s *Server) TestAccessLevel(flags AccessFlag) bool { return s.logger.TestAccessLevel(flags) }

// Serve accepts connections from l until ctx is canceled, spawning a
// Session driver goroutine per connection. On cancellation it stops
// accepting, closes l, and waits up to the configured drain timeout for
// in-flight sessions to reach CLOSED. Mirrors app.go's ServeContext
// start/signal/drain shape, generalized from one HTTP request per
// handler invocation to a long-lived duplex session per connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	addr := l.Addr().String()
	log := s.slog().With(slog.String("addr", addr))
	s.logAccessEvent(AccessInfo, "server starting addr=%s", addr)

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					acceptErr <- nil
				default:
					acceptErr <- err
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	select {
	case err := <-acceptErr:
		if err != nil {
			log.Error("accept failed", slog.Any("error", err))
		}
		return err

	case <-ctx.Done():
		s.logAccessEvent(AccessInfo, "shutdown initiated addr=%s", addr)
		l.Close()
		<-acceptErr

		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			s.logAccessEvent(AccessInfo, "server stopped gracefully addr=%s", addr)
		case <-time.After(s.drainTimeout):
			log.Warn("drain timeout expired with sessions still open")
		}
		return nil
	}
}

// logAccessEvent emits a category-gated access-log record not tied to a
// particular Session (server-lifecycle events), per the AccessInfo
// category declared in log.go.
func (s *Server) logAccessEvent(category AccessFlag, format string, args ...any) {
	s.logger.Accessf(context.Background(), category, fmt.Sprintf(format, args...))
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	t := newNetConnTransport(conn)
	id := s.newSessionID()
	sess := newSession(id, t, s, s.defaultHandler)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logAccess(sess, AccessConnect, "connection accepted remote=%s", t.RemoteAddr())
	sess.run(ctx)
	s.logAccess(sess, AccessDisconnect, "connection closed remote=%s", t.RemoteAddr())
}

func (s *Server) releaseSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

var sessionSeq atomic.Uint64

func (s *Server) newSessionID() string {
	return fmt.Sprintf("sess-%d", sessionSeq.Add(1))
}

func (s *Server) identity() string { return s.identityString() }

func (s *Server) slog() *slog.Logger { return s.logger.sink }

func (s *Server) logAccess(sess *Session, category AccessFlag, format string, args ...any) {
	s.logger.Accessf(context.Background(), category, fmt.Sprintf(format, args...), slog.String("session", sess.id))
}

func (s *Server) logError(sess *Session, level ErrorLevel, format string, args ...any) {
	s.logger.Errorf(context.Background(), level, fmt.Sprintf(format, args...), slog.String("session", sess.id))
}

func (s *Server) logTransportError(sess *Session, err error) {
	s.logError(sess, LevelWarn, "transport error: %v", err)
}
