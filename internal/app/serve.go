package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/trace-crm/internal/api"
	"github.com/Martian-dev/trace-crm/internal/auth"
	natsjs "github.com/Martian-dev/trace-crm/internal/nats"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  "Serves the email sync API, drains the event outbox and optionally polls connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if e.cfg.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url is required to serve")
		}
		verifier, err := auth.NewJWTVerifier(ctx, e.cfg.Auth.JWKSURL, e.cfg.Auth.Issuer, 0)
		if err != nil {
			return err
		}

		if e.cfg.NATS.URL != "" {
			pub, err := natsjs.NewPublisher(e.cfg.NATS.URL, e.cfg.NATS.Stream, e.log)
			if err != nil {
				return err
			}
			defer pub.Close()
			if err := pub.EnsureStream(ctx); err != nil {
				return err
			}
			go sync.NewDispatcher(e.store, pub, e.log).Run(ctx)
			e.log.WithField("stream", e.cfg.NATS.Stream).Info("outbox dispatcher started")
		} else {
			e.log.Info("nats.url not set, interaction events stay in the outbox")
		}

		if e.cfg.Sync.PollInterval > 0 {
			go e.manager.Poll(ctx, e.cfg.Sync.PollInterval, e.cfg.Sync.PollConcurrency)
			e.log.WithField("interval", e.cfg.Sync.PollInterval.String()).Info("sync poller started")
		}

		srv := &http.Server{
			Addr:              e.cfg.HTTP.Addr,
			Handler:           api.New(e.manager, verifier, e.log).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			e.log.WithField("addr", srv.Addr).Info("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			e.log.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}

		e.manager.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.log.WithError(err).Warn("http server did not stop cleanly")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("http.addr", ":8080", "HTTP listen address")
	_ = viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("http.addr"))

	rootCmd.AddCommand(serveCmd)
}
