package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/ca"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr           string
	tlsCert        string
	tlsKey         string
	trustedProxies []string
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, global, opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&opts.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&opts.tlsKey, "tls-key", "", "Path to TLS key file")
	serveCmd.Flags().StringSliceVar(&opts.trustedProxies, "trusted-proxy", nil,
		"CIDR whose forwarding headers are trusted for audit client addresses (repeatable)")
	serveCmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")
	return serveCmd
}

func runServe(cmd *cobra.Command, global *globalOptions, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := global.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer inst.close()

	server := inst.cfg.Server
	if opts.addr != "" {
		server.Addr = opts.addr
	}
	if opts.tlsCert != "" {
		server.TLSCert, server.TLSKey = opts.tlsCert, opts.tlsKey
	}

	apiOpts := []api.Option{api.WithLogger(inst.logger)}
	if len(opts.trustedProxies) > 0 {
		proxyOpt, err := api.WithTrustedProxies(opts.trustedProxies)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, proxyOpt)
	}

	srv := &http.Server{
		Addr:              server.Addr,
		Handler:           newHandler(inst.svc, inst.logger, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       server.ReadTimeout,
		WriteTimeout:      server.WriteTimeout,
		IdleTimeout:       server.IdleTimeout,
	}

	if server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(server.TLSCert, server.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Serving CA %q on %s (storage: %s)\n", inst.cfg.CA.Name, server.Addr, inst.cfg.Storage.Driver)

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// newHandler assembles the server routes: health, Prometheus metrics and
// the versioned API.
func newHandler(svc *ca.Service, logger *slog.Logger, opts ...api.Option) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", api.New(svc, opts...).Router())
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
