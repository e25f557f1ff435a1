package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crewdeck/crewdeck/internal/logging"
	"github.com/crewdeck/crewdeck/internal/server"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "crewdeck",
	Short:   "Crewdeck - multi-tenant SaaS backend",
	Long:    `Crewdeck is a multi-tenant SaaS backend: organization-scoped task and order management with identity sync and Stripe subscription billing.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Crewdeck %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single subscription reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	logging.Init(logging.Config{
		Format:    os.Getenv("CREWDECK_LOG_FORMAT"),
		Level:     os.Getenv("CREWDECK_LOG_LEVEL"),
		Component: "crewdeck",
	})

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}

	log.Info().Str("version", Version).Msg("Starting Crewdeck server")
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func runReconcile(ctx context.Context) error {
	logging.Init(logging.Config{
		Format:    os.Getenv("CREWDECK_LOG_FORMAT"),
		Level:     os.Getenv("CREWDECK_LOG_LEVEL"),
		Component: "crewdeck-reconcile",
	})

	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return server.ReconcileOnce(ctx, cfg, st)
}
