package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/connection"
	"github.com/idscp2go/idscp2go/pkg/metrics"
	"github.com/idscp2go/idscp2go/pkg/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for inbound IDSCP2 sessions",
	Long: `serve binds the configured TLS identity to an address and answers
inbound IDSCP2 handshakes. Every application message received on an
established session is logged and echoed back to the sender.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", ":29292", "listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	srv, err := server.Listen(serveAddr, rt.tlsCfg, rt.opts, func(conn *connection.Connection) {
		lctx := logger.WithContext(ctx, logger.NewLogContext(conn.ID(), "").WithRole("server"))
		conn.AddMessageListener(func(payload []byte) {
			logger.InfoCtx(lctx, "message received", "bytes", len(payload))
			if rt.metrics != nil {
				rt.metrics.RecordMessage("received", len(payload))
			}
			if err := conn.NonBlockingSend(payload); err != nil {
				logger.WarnCtx(lctx, "echo failed", "error", err)
			}
		})
		conn.AddConnectionListener(&loggingListener{lctx: lctx, id: conn.ID(), metrics: rt.metrics})
		conn.UnlockMessaging()
	})
	if err != nil {
		return err
	}

	logger.Info("idscp2d listening", "address", srv.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	srv.Close()
	return nil
}

// loggingListener reports session lifecycle events.
type loggingListener struct {
	lctx    context.Context
	id      string
	metrics metrics.Metrics
}

func (l *loggingListener) OnError(err error) {
	logger.WarnCtx(l.lctx, "session error", "error", err)
}

func (l *loggingListener) OnClose() {
	logger.InfoCtx(l.lctx, "session closed")
	if l.metrics != nil {
		l.metrics.ConnectionClosed(l.id)
	}
}
