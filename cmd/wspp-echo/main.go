// Package main runs an example echo server on top of wspp: every text
// or binary message it receives is sent back unchanged.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wspp-go/wspp"
)

var (
	addr           string
	maxMessageSize int64
	accessLogFlags []string
)

func main() {
	root := &cobra.Command{
		Use:   "wspp-echo",
		Short: "Run a WebSocket echo server",
		RunE:  run,
	}
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "address to listen on")
	root.Flags().Int64Var(&maxMessageSize, "max-message-size", 16*1024*1024, "maximum assembled message size in bytes")
	root.Flags().StringSliceVar(&accessLogFlags, "access-log", []string{"connect", "disconnect", "handshake"}, "access-log categories to enable")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger := wspp.NewLogger(slog.Default())
	logger.UnsetAccessLevel(wspp.AccessControl | wspp.AccessHandshake)
	logger.SetAccessLevel(parseAccessFlags(accessLogFlags))

	srv := wspp.NewServer(
		wspp.WithMaxMessageSize(maxMessageSize),
		wspp.WithLogger(logger),
		wspp.WithDefaultHandler(&echoHandler{}),
	)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	slog.Info("wspp-echo listening", slog.String("addr", addr))
	return srv.Serve(ctx, l)
}

func parseAccessFlags(names []string) wspp.AccessFlag {
	var flags wspp.AccessFlag
	for _, name := range names {
		switch name {
		case "connect":
			flags |= wspp.AccessConnect
		case "disconnect":
			flags |= wspp.AccessDisconnect
		case "misc_control":
			flags |= wspp.AccessMiscControl
		case "frame":
			flags |= wspp.AccessFrame
		case "message":
			flags |= wspp.AccessMessage
		case "info":
			flags |= wspp.AccessInfo
		case "handshake":
			flags |= wspp.AccessHandshake
		}
	}
	return flags
}

// echoHandler sends each client a UUID in an X-Connection-Id response
// header and echoes every message back to its sender. Its close log
// identifies the session by s.ID(), not by that UUID.
type echoHandler struct {
	wspp.NoopHandler
}

func (h *echoHandler) OnClientConnect(s *wspp.Session) {
	s.SetHeader("X-Connection-Id", uuid.NewString())
}

func (h *echoHandler) OnMessage(s *wspp.Session, opcode wspp.Opcode, payload []byte) {
	s.Send(opcode, payload)
}

func (h *echoHandler) OnClose(s *wspp.Session, code uint16, reason string) {
	slog.Info("session closed", slog.String("session", s.ID()), slog.Int("code", int(code)), slog.String("reason", reason))
}
