package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/paperfall-labs/paperfall/backend/internal/blob"
	"github.com/paperfall-labs/paperfall/backend/internal/chat"
	"github.com/paperfall-labs/paperfall/backend/internal/config"
	"github.com/paperfall-labs/paperfall/backend/internal/database"
	"github.com/paperfall-labs/paperfall/backend/internal/gallery"
	"github.com/paperfall-labs/paperfall/backend/internal/janitor"
	"github.com/paperfall-labs/paperfall/backend/internal/logging"
	"github.com/paperfall-labs/paperfall/backend/internal/papers"
	"github.com/paperfall-labs/paperfall/backend/internal/server"
	"github.com/paperfall-labs/paperfall/backend/internal/stats"
	"github.com/paperfall-labs/paperfall/backend/internal/votes"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "paperfall-api",
		Short: "Paperfall backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("votes-path", defaults.GetString("votes.path"), "Vote ledger path")
	cmd.PersistentFlags().String("blob-dir", defaults.GetString("blob.dir"), "Gallery image directory")
	cmd.PersistentFlags().String("static-dir", defaults.GetString("static.dir"), "Static asset directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringSlice("mirrors", defaults.GetStringSlice("mirrors"), "Paper mirror base URLs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "votes.path", "votes-path")
	bindFlag(cmd, "blob.dir", "blob-dir")
	bindFlag(cmd, "static.dir", "static-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "mirrors", "mirrors")
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
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := stats.NewStore(stats.StoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	blobs, err := blob.NewStore(appConfig.BlobDirectory, "/images")
	if err != nil {
		return err
	}

	ledger, err := votes.Open(appConfig.VoteLedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	hub, err := chat.NewHub(chat.HubConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	galleryService, err := gallery.NewService(gallery.ServiceConfig{
		Store:  store,
		Blobs:  blobs,
		Ledger: ledger,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	fetcher, err := papers.NewFetcher(papers.FetcherConfig{
		Mirrors: appConfig.Mirrors,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	pipeline, err := papers.NewPipeline(papers.NewPDFCPUExtractor(), logger)
	if err != nil {
		return err
	}

	chatJanitor, err := janitor.New(janitor.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Fetcher:         fetcher,
		Pipeline:        pipeline,
		Gallery:         galleryService,
		Hub:             hub,
		Logger:          logger,
		BlobDirectory:   appConfig.BlobDirectory,
		StaticDirectory: appConfig.StaticDir,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(signalCtx)
	go chatJanitor.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
