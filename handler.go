package wspp

// Handler is the application-defined callback surface invoked by the core
// on session lifecycle events. Callbacks fire synchronously from the
// session's single goroutine (see session.go); none of them may block
// indefinitely without stalling that session's reads and writes.
type Handler interface {
	// OnClientConnect fires once the opening request is parsed, before
	// validation. NoopHandler's
	// implementation does nothing, letting the handshake proceed to Validate.
	OnClientConnect(s *Session)

	// Validate runs after intrinsic handshake validation. It may call
	// s.SetHeader, s.SelectSubprotocol, s.SelectExtension, or return a
	// *HandshakeError to reject the upgrade.
	Validate(s *Session) error

	// OnOpen fires once, after the upgrade response is flushed and before
	// any OnMessage call.
	OnOpen(s *Session)

	// OnMessage fires once per assembled message (after UTF-8 validation
	// for text messages), in wire order.
	OnMessage(s *Session, opcode Opcode, payload []byte)

	// OnClose fires at most once, after all OnMessage calls, when a close
	// frame from the peer or a protocol or policy violation moves the
	// session from OPEN to CLOSING. It does not fire when the session
	// reaches CLOSING through Close or a recovered handler panic, nor when
	// the connection ends with a transport error.
	OnClose(s *Session, code uint16, reason string)

	// OnPong fires when an unsolicited pong (not a reply the core itself
	// tracks) is received.
	OnPong(s *Session, payload []byte)

	// OnPongTimeout is part of the interface for handlers that send and
	// track their own pings. The core never pings and never calls it.
	OnPongTimeout(s *Session)

	// OnFail fires when reading a frame fails with a transport error; the
	// error is logged as well.
	OnFail(s *Session, err error)
}

// NoopHandler implements Handler with no-ops for every method. Embed it in
// an application handler to only override the callbacks that matter, the
// way go-mizu-mizu's AppOption values only set the fields they care about.
type NoopHandler struct{}

func (NoopHandler) OnClientConnect(*Session)           {}
func (NoopHandler) Validate(*Session) error            { return nil }
func (NoopHandler) OnOpen(*Session)                    {}
func (NoopHandler) OnMessage(*Session, Opcode, []byte) {}
func (NoopHandler) OnClose(*Session, uint16, string)   {}
func (NoopHandler) OnPong(*Session, []byte)            {}
func (NoopHandler) OnPongTimeout(*Session)              {}
func (NoopHandler) OnFail(*Session, error)              {}

var _ Handler = NoopHandler{}
