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

	"golang.org/x/sync/errgroup"

	"vote-service/internal/factory"
	"vote-service/internal/handler"
	"vote-service/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	f, err := factory.NewFactory(ctx)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	if err := run(ctx, f); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *factory.Factory) error {
	cfg := f.Config()
	services := f.ServiceFactory()

	if cfg.Ledger.ReconcileOnStart {
		drifts, err := services.Ledger().Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile tallies: %w", err)
		}
		util.Info("Tallies reconciled", util.Int("repaired", len(drifts)))
	}

	router := setupRouter(f)
	servers := buildServers(f, router)

	g, gctx := errgroup.WithContext(ctx)

	for _, r := range services.Runners() {
		g.Go(func() error {
			util.Info("Starting background worker", util.String("worker", r.Name))
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			return nil
		})
	}

	for _, s := range servers {
		g.Go(func() error {
			util.Info("Starting server",
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls),
				util.String("environment", cfg.Environment))
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	logger := f.Logger()

	return handler.NewRouter(handler.RouterConfig{
		RequireHTTPS:   cfg.Server.RequireHTTPS,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	},
		handler.NewOTPHandler(services.OTPManager(), logger),
		handler.NewVoteHandler(services.Issuer(), services.Ledger(), logger),
		services.Hub(),
		f,
		logger,
	)
}

type server struct {
	srv *http.Server
	tls bool
}

// buildServers returns the API server and, with autocert, the port 80
// listener that answers ACME challenges and redirects to HTTPS.
func buildServers(f *factory.Factory, router http.Handler) []server {
	cfg := f.Config()

	api := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// the tally stream is long lived; per write deadlines bound it instead
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled", util.String("environment", cfg.Environment))
		return []server{{srv: api}}
	}

	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = f.TLSManager().GetTLSConfig()
	servers := []server{{srv: api, tls: true}}

	if acme := f.TLSManager().GetAutocertManager(); acme != nil && cfg.IsProduction() {
		servers = append(servers, server{srv: &http.Server{
			Addr:              ":80",
			Handler:           acme.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}})
	}
	return servers
}
