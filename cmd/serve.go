package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jupark12/build-broker/auth"
	"github.com/jupark12/build-broker/broadcast"
	"github.com/jupark12/build-broker/config"
	"github.com/jupark12/build-broker/queue"
	"github.com/jupark12/build-broker/server"
	"github.com/jupark12/build-broker/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	Long: `Run the broker: accept uploads, hand jobs to polling agents, relay build
logs over WebSocket and record results.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "listen port")
	serveCmd.Flags().Bool("strict-completion", false, "reject results for unknown job ids")
	bindFlag("server.port", serveCmd.Flags(), "port")
	bindFlag("dispatch.strict_completion", serveCmd.Flags(), "strict-completion")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	authSvc, closeAuth, err := newAuthService(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	coord := queue.NewCoordinator(
		queue.WithLogger(logger.Named("dispatch")),
		queue.WithStrictCompletion(cfg.Dispatch.StrictCompletion),
		queue.WithHistoryLimit(cfg.Dispatch.HistoryLimit),
	)

	deps := server.Deps{
		Coordinator: coord,
		Broadcaster: broadcast.New(cfg.Broadcast.Buffer, logger.Named("broadcast")),
		Store:       store,
		Auth:        authSvc,
		Logger:      logger,
	}
	if local, ok := store.(*storage.LocalStore); ok {
		deps.Artifacts = local.Handler()
	}

	srv, err := server.NewServer(serverConfig(cfg), deps)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("Broker started",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("auth", authSvc != nil))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	return srv.Shutdown(context.WithoutCancel(ctx))
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:               cfg.Server.Addr(),
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		CORSOrigin:         cfg.Server.CORSOrigin,
		MaxPending:         cfg.Dispatch.MaxPending,
		SubmitRate:         cfg.Dispatch.SubmitRate,
		SubmitBurst:        cfg.Dispatch.SubmitBurst,
		LeaseTimeout:       cfg.Dispatch.LeaseTimeout,
		LeaseCheckInterval: cfg.Dispatch.LeaseCheckInterval,
		CallbackTimeout:    cfg.Dispatch.CallbackTimeout,
		RequireToken:       cfg.Auth.RequireToken,
	}
}

// newAuthService returns nil when auth is disabled. The returned func
// releases the user store.
func newAuthService(ctx context.Context, cfg config.AuthConfig, logger *zap.Logger) (*auth.Service, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop, nil
	}

	secret := cfg.JWTSecret
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return nil, noop, err
		}
		secret = generated
		logger.Warn("auth.jwt_secret is not set; tokens will not survive a restart")
	}

	var (
		users   auth.UserStore
		release = noop
	)
	switch cfg.Store {
	case config.AuthStorePostgres:
		pg, err := auth.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect user database: %w", err)
		}
		users, release = pg, pg.Close
	case config.AuthStoreFile:
		fs, err := auth.NewFileStore(cfg.UsersFile)
		if err != nil {
			return nil, noop, fmt.Errorf("open users file: %w", err)
		}
		users = fs
	default:
		return nil, noop, errors.New("unknown auth store " + cfg.Store)
	}

	svc, err := auth.NewService(users, auth.Options{
		Secret:     secret,
		TokenTTL:   cfg.TokenTTL,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		release()
		return nil, noop, err
	}
	return svc, release, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
