package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stackfall/stackfall/internal/auth"
	"github.com/stackfall/stackfall/internal/config"
	"github.com/stackfall/stackfall/internal/database"
	"github.com/stackfall/stackfall/internal/engine"
	"github.com/stackfall/stackfall/internal/logging"
	"github.com/stackfall/stackfall/internal/netsync"
	"github.com/stackfall/stackfall/internal/peer"
	"github.com/stackfall/stackfall/internal/render"
	"github.com/stackfall/stackfall/internal/store"
	"github.com/stackfall/stackfall/internal/storeserver"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "stackfall",
		Short: "Cooperative falling-block arena",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shared store service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	playCmd := &cobra.Command{
		Use:   "play",
		Short: "Join an arena as a headless client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, playCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Store service listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("store-url", defaults.GetString("store.url"), "Store service base URL")
	cmd.PersistentFlags().String("peer-address", defaults.GetString("peer.address"), "Peer endpoint bind address")
	cmd.PersistentFlags().String("nickname", "", "Display name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.url", "store-url")
	bindFlag(cmd, "peer.address", "peer-address")
	bindFlag(cmd, "player.nickname", "nickname")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(serverConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(serverConfig.SigningSecret),
		Issuer:        "stackfall-store",
		Audience:      "stackfall-client",
	})

	service, err := storeserver.NewService(storeserver.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := storeserver.NewHTTPHandler(storeserver.Dependencies{
		Sessions: sessions,
		Service:  service,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    serverConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("store service starting", zap.String("address", serverConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runClient(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientID := uuid.NewString()
	db, err := store.NewClient(signalCtx, store.ClientConfig{
		BaseURL:  clientConfig.StoreURL,
		ClientID: clientID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	transport := peer.NewWebsocketTransport(clientID, clientConfig.PeerAddress, logger)

	coordinator, err := netsync.NewCoordinator(netsync.Config{
		Store:     db,
		Transport: transport,
		Renderer:  render.Nop{},
		Logger:    logger,
		ClientID:  clientID,
		Nickname:  clientConfig.Nickname,
	})
	if err != nil {
		return err
	}
	if err := coordinator.Initialize(signalCtx); err != nil {
		return err
	}

	loop, err := engine.NewLoop(coordinator, engine.Idle{})
	if err != nil {
		return err
	}

	logger.Info("client running",
		zap.String("client_id", clientID),
		zap.String("nickname", coordinator.Nickname()))

	runErr := loop.Run(signalCtx, time.Second/30)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
