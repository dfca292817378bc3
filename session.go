package wspp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Session drives one connection's handshake and, once upgraded, its
// full-duplex framed message exchange. Apart from the write channel, the
// atomic state, and the HTTP-mode completion signal (httpDone,
// httpCloseCh, which HTTPWrite may trigger from another goroutine),
// everything on Session is only ever touched from the session's own
// goroutine (its "driver"), so none of it is guarded by a mutex; the
// write queue is a channel because a separate writer goroutine
// (runWriter) drains it. Grounded on go-mizu-mizu's chat
// blueprint connection.go (readPump/writePump split over a buffered
// channel) generalized from a gorilla/websocket-backed chat connection
// to a from-scratch RFC 6455 engine.
type Session struct {
	id        string
	transport Transport
	server    *Server
	handler   Handler

	state atomic.Int32 // State

	version      int
	subprotocol  string
	extensions   []string
	origin       string
	resourcePath string
	method       string
	httpVersion  string
	reqHeader    map[string]string
	respHeader   []keyValue
	body         []byte

	// in-progress inbound message assembly
	assembling  bool
	msgOpcode   Opcode
	msgPayload  []byte
	msgValidate *Utf8Validator

	handshakeTimer *time.Timer

	writeCh        chan []byte
	closeFrameSent bool

	httpMode      bool // StartHTTP was called; no upgrade will happen
	httpDone      atomic.Bool
	httpCloseCh   chan struct{} // closed once, when the http response is done
	httpCloseOnce sync.Once
}

func newSession(id string, t Transport, srv *Server, h Handler) *Session {
	s := &Session{
		id:          id,
		transport:   t,
		server:      srv,
		handler:     h,
		reqHeader:   map[string]string{},
		msgValidate: NewUtf8Validator(),
		writeCh:     make(chan []byte, 16),
		httpCloseCh: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// ID is an opaque per-session identifier, stable for the session's
// lifetime; used for logging and, in Server, as the registry key.
func (s *Session) ID() string { return s.id }

// ResourcePath is the request target from the opening handshake line.
func (s *Session) ResourcePath() string { return s.resourcePath }

// Origin is the request's Origin (or Sec-WebSocket-Origin for drafts
// 7/8) header, if present.
func (s *Session) Origin() string { return s.origin }

// Version is the negotiated protocol draft (7, 8, or 13).
func (s *Session) Version() int { return s.version }

// Subprotocol is the value most recently passed to SelectSubprotocol.
func (s *Session) Subprotocol() string { return s.subprotocol }

// Body is the optional handshake request body read when Content-Length
// was present and declared more bytes than arrived with the headers.
func (s *Session) Body() []byte { return s.body }

// RequestHeader returns the value of a client header, folded the way
// parseHandshakeRequest folds repeats (joined with ", ").
func (s *Session) RequestHeader(name string) string {
	return s.reqHeader[http.CanonicalHeaderKey(name)]
}

// SetHeader queues an outgoing response header, appended to the fixed
// headers emitted by buildHandshakeResponse, in call order.
func (s *Session) SetHeader(name, value string) {
	s.respHeader = append(s.respHeader, keyValue{name, value})
}

// SelectSubprotocol picks name from the client's offered
// Sec-WebSocket-Protocol list, or rejects the handshake if name wasn't
// offered. An empty name clears any prior selection.
func (s *Session) SelectSubprotocol(name string) error {
	if name == "" {
		s.subprotocol = ""
		kept := s.respHeader[:0]
		for _, kv := range s.respHeader {
			if kv.key != "Sec-WebSocket-Protocol" {
				kept = append(kept, kv)
			}
		}
		s.respHeader = kept
		return nil
	}
	for _, offered := range splitTokenList(s.reqHeader["Sec-Websocket-Protocol"]) {
		if offered == name {
			s.subprotocol = name
			s.SetHeader("Sec-WebSocket-Protocol", name)
			return nil
		}
	}
	return NewHandshakeError(400, "subprotocol not offered: "+name)
}

// SelectExtension appends name to the negotiated extension list if the
// client offered it in Sec-WebSocket-Extensions; extensions are recorded
// in selection order, not renegotiated or applied to framing.
func (s *Session) SelectExtension(name string) error {
	for _, offered := range splitTokenList(s.reqHeader["Sec-Websocket-Extensions"]) {
		if offered == name {
			s.extensions = append(s.extensions, name)
			return nil
		}
	}
	return NewHandshakeError(400, "extension not offered: "+name)
}

// Send enqueues a single unfragmented data frame (opcode OpText or
// OpBinary) for delivery; writes stay FIFO behind anything already
// queued, preserving wire order with frames the core itself enqueues
// (pong replies, close frames).
func (s *Session) Send(opcode Opcode, payload []byte) {
	if s.State() != StateOpen {
		return
	}
	s.enqueueWrite(writeFrame(opcode, payload, true))
}

// Close enqueues a close frame with the given code and reason and moves
// the session to CLOSING; the transition to CLOSED happens once the
// peer's close echo arrives or the read side ends. A reason longer than
// 123 bytes is cut short so the frame stays within the control-frame limit.
func (s *Session) Close(code uint16, reason string) {
	if s.State() != StateOpen {
		return
	}
	s.setState(StateClosing)
	s.enqueueClose(code, reason)
}

func (s *Session) enqueueClose(code uint16, reason string) {
	if s.closeFrameSent {
		return
	}
	s.closeFrameSent = true
	// The 2-byte code plus the reason must fit a control frame's 125
	// bytes; trim back to a whole UTF-8 sequence.
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
		for len(reason) > 0 && !ValidUTF8Message([]byte(reason)) {
			reason = reason[:len(reason)-1]
		}
	}
	s.enqueueWrite(encodeCloseFrame(code, reason))
}

func (s *Session) enqueueWrite(p []byte) {
	s.writeCh <- p
}

// run is the session's driver goroutine: it owns the handshake, then the
// frame read loop, until the session reaches CLOSED. Grounded on
// pepnova-9-go-websocket-server's handleConnection, split into a
// reader half (this goroutine) and a writer half (runWriter) the way
// the chat blueprint's readPump/writePump are split.
func (s *Session) run(ctx context.Context) {
	defer s.teardown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runWriter()
	}()

	opened := s.doHandshake()
	switch {
	case s.httpMode && !s.httpDone.Load():
		// done=false: keep the socket open for further HTTPWrite calls;
		// reads are only watched to detect the peer closing or sending
		// unexpected data, per spec §4.C.
		s.watchHTTPDone()
	case opened:
		s.setState(StateOpen)
		s.invokeHandler("OnOpen", func() { s.handler.OnOpen(s) })
		s.readLoop()
	}

	close(s.writeCh)
	<-done
}

// teardown runs once the driver goroutine is done, regardless of how the
// session got there (normal close, protocol/policy violation, transport
// error, or a never-opened handshake): it always lands the state machine
// on its terminal CLOSED state before releasing the session, per spec
// §3's "transitions are monotone ... CLOSED" invariant.
func (s *Session) teardown() {
	s.transport.Shutdown()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	s.setState(StateClosed)
	s.server.releaseSession(s.id)
}

// runWriter drains writeCh in FIFO order, the session's single writer,
// realizing "at most one write in flight" (spec invariant, §3).
func (s *Session) runWriter() {
	for p := range s.writeCh {
		if err := s.transport.Write(p); err != nil {
			s.server.logTransportError(s, err)
			return
		}
	}
}

// doHandshake runs the CONNECTING-state transitions of §4.D: read the
// request, invoke on_client_connect, run validation, and emit the
// response. Returns false if the session should close without ever
// reaching OPEN.
func (s *Session) doHandshake() bool {
	s.handshakeTimer = time.AfterFunc(s.server.HandshakeTimeout(), func() {
		s.transport.Shutdown()
	})

	raw, err := s.transport.ReadUntil(crlfcrlf)
	if err != nil {
		s.server.logTransportError(s, err)
		return false
	}
	req, err := parseHandshakeRequest(raw)
	if err != nil {
		s.failHandshake(err)
		return false
	}
	if cl := req.Header["Content-Length"]; cl != "" {
		if n := parseContentLength(cl); n > 0 {
			body, err := s.transport.ReadExact(n)
			if err != nil {
				s.server.logTransportError(s, err)
				return false
			}
			req.Body = body
		}
	}

	s.method = req.Method
	s.resourcePath = req.Target
	s.httpVersion = req.Version
	s.reqHeader = req.Header
	s.body = req.Body

	// OnClientConnect runs on the raw parsed request, before intrinsic
	// handshake validation, so it can divert non-upgrade requests to
	// StartHTTP even when they'd otherwise fail validateHandshake.
	if !s.callHandshakeHook("OnClientConnect", func() { s.handler.OnClientConnect(s) }) {
		return false
	}
	if s.httpMode {
		s.handshakeTimer.Stop()
		return false
	}

	version, origin, err := validateHandshake(req)
	if err != nil {
		s.failHandshake(err)
		return false
	}
	s.version = version
	s.origin = origin

	var validateErr error
	if !s.callHandshakeHook("Validate", func() { validateErr = s.handler.Validate(s) }) {
		return false
	}
	if validateErr != nil {
		s.failHandshake(validateErr)
		return false
	}

	resp := buildHandshakeResponse(req.Header["Sec-Websocket-Key"], s.server.identity(), s.respHeader)
	s.handshakeTimer.Stop()
	if err := s.transport.Write(resp); err != nil {
		s.server.logTransportError(s, err)
		return false
	}
	s.server.logAccess(s, AccessHandshake, "handshake accepted version=%d path=%q", s.version, s.resourcePath)
	return true
}

func (s *Session) failHandshake(err error) {
	status := 400
	message := err.Error()
	if he, ok := err.(*HandshakeError); ok {
		status = he.Status
		message = he.Message
	}
	s.transport.Write(buildErrorResponse(status, message))
	s.server.logError(s, LevelWarn, "handshake rejected: %s", message)
}

// StartHTTP switches the session into plain-HTTP response mode from
// within OnClientConnect: no upgrade occurs. done=true closes the write
// side after flushing; done=false leaves it open for further HTTPWrite
// calls from another goroutine, with the read side only watched to
// detect the peer closing the connection or sending unexpected data.
func (s *Session) StartHTTP(code int, body string, done bool) {
	s.httpMode = true
	s.transport.Write(buildErrorResponse(code, body))
	if done {
		s.markHTTPDone()
	}
}

// HTTPWrite appends body to an HTTP-mode response begun by StartHTTP. It
// may be called from a goroutine other than the one that called
// StartHTTP, for as long as the prior call left done=false.
func (s *Session) HTTPWrite(body string, done bool) {
	if !s.httpMode {
		return
	}
	s.transport.Write([]byte(body))
	if done {
		s.markHTTPDone()
	}
}

// markHTTPDone signals watchHTTPDone (if it's still waiting) that the
// HTTP-mode response is complete and the session can tear down.
func (s *Session) markHTTPDone() {
	s.httpCloseOnce.Do(func() {
		s.httpDone.Store(true)
		close(s.httpCloseCh)
	})
}

// watchHTTPDone blocks until either markHTTPDone is called (the
// application finished its HTTP-mode response) or a read on the
// transport returns — success or error alike, since any data arriving
// in HTTP mode closes the session per spec §4.C. The blocking read runs
// on its own goroutine so a slow/absent peer doesn't leak past
// markHTTPDone; teardown's Shutdown unblocks it on the way out.
func (s *Session) watchHTTPDone() {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 512)
		s.transport.ReadAtLeast(buf, 1)
	}()
	select {
	case <-readDone:
	case <-s.httpCloseCh:
	}
}

// readLoop is the OPEN/CLOSING-state frame loop: decode, route control
// frames immediately, assemble data messages, and enforce max size and
// UTF-8 validity per §4.A/§4.D.
func (s *Session) readLoop() {
	br := &transportByteReader{t: s.transport}
	for s.State() == StateOpen || s.State() == StateClosing {
		frame, err := readFrame(br)
		if err != nil {
			s.handleReadError(err)
			return
		}
		if s.State() == StateClosing {
			// Only close-echoes and EOF matter once CLOSING; drop anything else.
			if frame.Opcode == OpClose {
				return
			}
			continue
		}
		s.server.logAccess(s, AccessFrame, "frame opcode=%s fin=%t len=%d", frame.Opcode, frame.Fin, len(frame.Payload))
		if frame.Opcode.IsControl() {
			if !s.handleControlFrame(frame) {
				return
			}
			continue
		}
		if !s.handleDataFrame(frame) {
			return
		}
	}
}

func (s *Session) handleReadError(err error) {
	if te, ok := err.(*TransportError); ok {
		s.server.logTransportError(s, te)
		s.invokeHandler("OnFail", func() { s.handler.OnFail(s, te) })
		s.setState(StateClosed)
		return
	}
	if pe, ok := err.(*ProtocolError); ok {
		s.failProtocol(pe.Code, pe.Reason)
		return
	}
	s.failProtocol(CloseInternalError, err.Error())
}

func (s *Session) failProtocol(code uint16, reason string) {
	if s.State() != StateOpen {
		return
	}
	s.setState(StateClosing)
	s.enqueueClose(code, reason)
	s.invokeHandler("OnClose", func() { s.handler.OnClose(s, code, reason) })
}

// failPolicy closes the session for a PolicyError (§7): oversize
// message, invalid UTF-8, or unexpected opcode, as distinct from a
// ProtocolError's framing/sequencing violations. The wire behavior is
// identical to failProtocol; the distinction is in which error type
// callers construct and what gets logged.
func (s *Session) failPolicy(err *PolicyError) {
	if s.State() != StateOpen {
		return
	}
	s.server.logError(s, LevelWarn, "policy violation: %s", err.Error())
	s.setState(StateClosing)
	s.enqueueClose(err.Code, err.Reason)
	s.invokeHandler("OnClose", func() { s.handler.OnClose(s, err.Code, err.Reason) })
}

// invokeHandler runs fn, an application Handler callback, recovering
// from a panic into an ApplicationError: logged and treated as close
// code 1011, per spec §7's "exception raised by a handler" kind.
func (s *Session) invokeHandler(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := NewApplicationError(name, fmt.Errorf("%v", r))
			s.server.logError(s, LevelError, "%s", err.Error())
			if s.State() == StateOpen {
				s.setState(StateClosing)
				s.enqueueClose(CloseInternalError, "internal error")
			}
		}
	}()
	fn()
}

// callHandshakeHook runs a pre-OPEN handler callback (OnClientConnect,
// Validate), recovering a panic into a logged ApplicationError. Returns
// false if fn panicked, telling doHandshake to abort the upgrade.
func (s *Session) callHandshakeHook(name string, fn func()) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err := NewApplicationError(name, fmt.Errorf("%v", r))
			s.server.logError(s, LevelError, "%s", err.Error())
		}
	}()
	fn()
	return ok
}

func (s *Session) handleControlFrame(f Frame) bool {
	switch f.Opcode {
	case OpPing:
		s.server.logAccess(s, AccessMiscControl, "ping len=%d", len(f.Payload))
		s.enqueueWrite(writeFrame(OpPong, f.Payload, true))
		return true
	case OpPong:
		s.server.logAccess(s, AccessMiscControl, "pong len=%d", len(f.Payload))
		s.invokeHandler("OnPong", func() { s.handler.OnPong(s, f.Payload) })
		return true
	case OpClose:
		code, reason := decodeCloseFrame(f.Payload)
		if len(f.Payload) >= 2 && !ValidUTF8Message([]byte(reason)) {
			s.failPolicy(NewPolicyError(CloseInvalidPayload, "invalid UTF-8 in close reason"))
			return false
		}
		s.setState(StateClosing)
		s.enqueueClose(code, "")
		s.invokeHandler("OnClose", func() { s.handler.OnClose(s, code, reason) })
		return false
	default:
		s.failProtocol(CloseProtocolError, "reserved control opcode")
		return false
	}
}

func (s *Session) handleDataFrame(f Frame) bool {
	if !s.assembling {
		if !f.Opcode.IsData() || f.Opcode == OpContinuation {
			s.failProtocol(CloseProtocolError, "continuation frame with no message in progress")
			return false
		}
		s.assembling = true
		s.msgOpcode = f.Opcode
		s.msgPayload = nil
		s.msgValidate.Reset()
	} else if f.Opcode != OpContinuation {
		s.failProtocol(CloseProtocolError, "new data frame while assembling a message")
		return false
	}

	limit := s.server.MaxMessageSize()
	if int64(len(s.msgPayload)+len(f.Payload)) > limit {
		s.failPolicy(NewPolicyError(CloseMessageTooBig, "message exceeds max_message_size"))
		return false
	}
	s.msgPayload = append(s.msgPayload, f.Payload...)

	if s.msgOpcode == OpText {
		if s.msgValidate.Write(f.Payload) == UTF8Reject {
			s.failPolicy(NewPolicyError(CloseInvalidPayload, "invalid UTF-8 in text message"))
			return false
		}
	}

	if !f.Fin {
		return true
	}
	if s.msgOpcode == OpText && s.msgValidate.State() != UTF8Accept {
		s.failPolicy(NewPolicyError(CloseInvalidPayload, "incomplete UTF-8 sequence at end of message"))
		return false
	}

	payload := s.msgPayload
	opcode := s.msgOpcode
	s.assembling = false
	s.msgPayload = nil

	s.server.logAccess(s, AccessMessage, "message opcode=%s len=%d", opcode, len(payload))
	s.invokeHandler("OnMessage", func() { s.handler.OnMessage(s, opcode, payload) })
	return true
}

// transportByteReader adapts Transport's ReadAtLeast to the
// io.Reader + ReadByte surface readFrame needs, without requiring
// Transport itself to expose byte-at-a-time reads.
type transportByteReader struct {
	t   Transport
	buf [1]byte
}

func (r *transportByteReader) Read(p []byte) (int, error) {
	n, err := r.t.ReadAtLeast(p, 1)
	return n, err
}

func (r *transportByteReader) ReadByte() (byte, error) {
	if _, err := r.t.ReadAtLeast(r.buf[:], 1); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

func decodeCloseFrame(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return CloseNoStatusRcvd, ""
	}
	code := uint16(payload[0])<<8 | uint16(payload[1])
	return code, string(payload[2:])
}

func parseContentLength(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
