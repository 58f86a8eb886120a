package main

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

	"github.com/dshills/medgraph/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the diagnosis REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			if issues := c.cfg.Validate(); len(issues) > 0 {
				for _, issue := range issues {
					c.log.Error("invalid configuration", "issue", issue)
				}
				return fmt.Errorf("%d configuration issue(s), run validate-config for details", len(issues))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.log, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			c.log.Error("shutdown", "error", err)
		}
	}()

	api, err := httpapi.NewServer(httpapi.Config{
		Sessions:       a.sessions,
		Predictor:      a.predictor,
		Classifier:     a.classifier,
		Events:         a.events,
		Symptoms:       a.symptoms,
		Logger:         c.log,
		AllowedOrigins: c.cfg.Server.AllowedOrigins,
		MaxUploadBytes: c.cfg.Server.MaxUploadBytes,
		Registerer:     a.registry,
		Gatherer:       a.registry,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              c.cfg.Server.Addr,
		Handler:           api,
		ReadTimeout:       c.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		c.log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	c.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
