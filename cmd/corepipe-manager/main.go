// Command corepipe-manager runs the Manager's HTTP lease service: the
// SQL-backed catalog store, static topology definitions, and the
// bearer-token-guarded lock API Workers poll against. Cobra/viper
// wiring follows the teacher's src/cmd/root.go shape (persistent
// --config flag, cobra.OnInitialize(initConfig)).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/corepipe/corepipe/src/config"
	"github.com/corepipe/corepipe/src/manager/api"
	"github.com/corepipe/corepipe/src/manager/lock"
	"github.com/corepipe/corepipe/src/manager/static"
	"github.com/corepipe/corepipe/src/manager/store"
	"github.com/corepipe/corepipe/src/worker/wlog"
)

var (
	configPath   string
	topologyPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "corepipe-manager",
		Short: "Run the corepipe Manager lease service",
		RunE:  runManager,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a corepipe.yaml config file")
	root.PersistentFlags().StringVar(&topologyPath, "topology", "", "path to the static topology YAML file")
	return root
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("corepipe-manager: load config: %w", err)
	}

	logger := wlog.New(cfg.Logging.Pretty)
	log.Logger = logger

	if topologyPath == "" {
		return fmt.Errorf("corepipe-manager: --topology is required")
	}
	definitions, err := static.Load(topologyPath)
	if err != nil {
		return fmt.Errorf("corepipe-manager: load topology: %w", err)
	}

	if cfg.Manager.DatabaseURL == "" {
		return fmt.Errorf("corepipe-manager: manager.database_url is required")
	}
	db, err := store.Open(cfg.Manager.DatabaseURL)
	if err != nil {
		return fmt.Errorf("corepipe-manager: open store: %w", err)
	}
	defer db.Close()

	if cfg.Manager.JWTSecret == "" {
		return fmt.Errorf("corepipe-manager: manager.jwt_secret is required")
	}
	auth := api.NewAuthService(cfg.Manager.JWTSecret, 0)

	srv := &api.Server{
		Auth:        auth,
		MaxAssigned: cfg.Manager.MaxAssigned,
		LockOptions: api.DefaultLockOptions(cfg.Manager.MaxAssigned, definitions, db, db, joinDefinitions(definitions)),
	}

	httpServer := &http.Server{Addr: cfg.Manager.Addr, Handler: srv.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Manager.Addr).Msg("corepipe-manager: listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("corepipe-manager: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Manager.LeaseDuration)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("corepipe-manager: serve: %w", err)
		}
		return nil
	}
}

// joinDefinitions resolves each record's declared executor against
// the pipeline's optional version constraint, the one piece of
// definitions-joining this deployment needs: resource and executor
// existence are already checked inline by lock.AssignJobs via
// StaticDefinitions.
func joinDefinitions(definitions *static.Definitions) lock.JoinDefinitions {
	return func(record *lock.Record, _ lock.StaticDefinitions) error {
		constraint, ok := record.QueueItem.Pipeline.Args["executor_version"].(string)
		if !ok || constraint == "" {
			return nil
		}
		satisfies, err := definitions.ExecutorSatisfies(record.QueueItem.Executor, constraint)
		if err != nil {
			return err
		}
		if !satisfies {
			return fmt.Errorf("executor %s does not satisfy constraint %q", record.QueueItem.Executor, constraint)
		}
		return nil
	}
}
