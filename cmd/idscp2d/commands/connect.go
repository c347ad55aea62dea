package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/server"
)

var (
	connectTimeout     time.Duration
	connectSendTimeout time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Establish an outbound IDSCP2 session",
	Long: `connect dials the given peer, completes the IDSCP2 handshake, and then
reads lines from stdin, sending each as one application message. Messages
received from the peer are printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 30*time.Second, "handshake timeout")
	connectCmd.Flags().DurationVar(&connectSendTimeout, "send-timeout", 10*time.Second, "per-message blocking send timeout")
}

func runConnect(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()

	conn, err := server.Connect(ctx, args[0], rt.tlsCfg, rt.opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	lctx := logger.WithContext(cmd.Context(),
		logger.NewLogContext(conn.ID(), args[0]).WithRole("client"))

	done := make(chan struct{})
	conn.AddMessageListener(func(payload []byte) {
		fmt.Printf("< %s\n", payload)
	})
	conn.AddConnectionListener(&connectListener{lctx: lctx, done: done})
	conn.UnlockMessaging()

	logger.InfoCtx(lctx, "session established")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		if err := conn.BlockingSend(payload, connectSendTimeout); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if rt.metrics != nil {
			rt.metrics.RecordMessage("sent", len(payload))
		}
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return scanner.Err()
}

type connectListener struct {
	lctx context.Context
	done chan struct{}
}

func (l *connectListener) OnError(err error) {
	logger.WarnCtx(l.lctx, "session error", "error", err)
}

func (l *connectListener) OnClose() {
	close(l.done)
}
