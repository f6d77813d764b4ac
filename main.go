package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"caseace/pkg/config"
	"caseace/pkg/logger"
)

var (
	cfg       *config.Config
	jwtSecret []byte // from JWT_SECRET, dev fallback in config
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "caseace",
		Short:         "CaseAce law firm case management backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		migrateCmd(),
		createUserCmd(),
		resetPasswordCmd(),
		billingCmd(),
		reportCmd(),
		inboxCmd(),
	)
	return root
}

func loadConfig() error {
	path := os.Getenv("CASEACE_CONFIG")
	if path == "" {
		path = "caseace.yaml"
	}
	c, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}
	if err := logger.Setup(c.GetLoggerConfig()); err != nil {
		log.Error().Err(err).Msg("failed to set up logger")
		return err
	}
	cfg = c
	jwtSecret = []byte(c.JWTSecret)
	return nil
}

func serve(ctx context.Context) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	if err := boot(ctx); err != nil {
		return err
	}
	if cfg.UsesDevSecret() {
		log.Warn().Msg("JWT_SECRET not set, using the development secret")
	}
	go purgeRefreshTokens(ctx, time.Hour)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: newRouter()}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger())
	setupRoutes(r)
	return r
}

// purgeRefreshTokens drops expired and revoked refresh tokens every interval.
func purgeRefreshTokens(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := app.accounts.PurgeRefreshTokens(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("refresh token purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("refresh tokens purged")
			}
		}
	}
}
