package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"interview-talk/server/internal/api"
	"interview-talk/server/internal/session"
	"interview-talk/server/internal/transcript"
)

var serveAddr string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the interview HTTP API and voice WebSocket",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.host/port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	if rt.logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	entry := logrus.NewEntry(rt.logger)
	server := api.NewServer(rt.cfg, api.Deps{
		Store:       session.NewInMemoryStore(),
		Transcripts: transcript.NewInMemoryStore(),
		Sink:        transcript.NewFileSink(rt.cfg.Paths.Transcripts),
		Script:      rt.script,
		Pipeline:    rt.pipeline,
		Logger:      entry,
	})

	addr := serveAddr
	if addr == "" {
		addr = rt.cfg.Server.Addr()
	}
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.Routes(),
		ReadTimeout: rt.cfg.Server.ReadTimeout,
		// WriteTimeout 不设置：/stream 是长连接，由网关自己控制写超时。
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("interview server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	entry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
