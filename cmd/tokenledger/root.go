package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkforge/token-engine/api"
	"github.com/inkforge/token-engine/catalog"
	"github.com/inkforge/token-engine/config"
	"github.com/inkforge/token-engine/ledger"
	"github.com/inkforge/token-engine/store/sqlite"
)

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "tokenledger",
		Short:         "Token ledger service for paid generation operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(&configPath))
	return rootCmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var listen, dbPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override the listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override the SQLite database path (\":memory:\" for ephemeral)")
	return cmd
}

func serve(cfg config.Config) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.NewHandler(ledger.NewService(store), catalog.Default())
	handler.WebhookToken = cfg.WebhookToken

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.NewRouter(handler, cfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Token ledger listening on %s (db: %s)", cfg.Listen, cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	log.Println("Server stopped")
	return nil
}
