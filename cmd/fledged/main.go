// Fledge Daemon - trust score and milestone progression engine
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fledge-hq/fledge/internal/api"
	"github.com/fledge-hq/fledge/internal/config"
	"github.com/fledge-hq/fledge/internal/engine"
	"github.com/fledge-hq/fledge/internal/ledger"
	"github.com/fledge-hq/fledge/internal/logging"
	"github.com/fledge-hq/fledge/internal/scheduler"
	"github.com/fledge-hq/fledge/internal/storage"
)

var (
	dataDir    string
	port       int
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fledged",
		Short: "Fledge Daemon - trust score and milestone progression engine",
		RunE:  runDaemon,
	}

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".fledge")

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir, "Data directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if cfg.Features.DebugMode {
		logging.SetLevel(logging.DEBUG)
	}

	logging.Info("Starting Fledge daemon")

	// Open database
	dbPath := filepath.Join(cfg.DataDir, "fledge.db")
	db, err := storage.Open(storage.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Audit ledger
	ledgerStore := ledger.NewStore(db.Conn())
	if err := ledgerStore.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	// Engine
	eng := engine.New(engine.Options{
		Stores: storage.EngineStores(db),
		Policy: cfg.Policy,
		Audit:  ledger.NewRecorder(ledgerStore),
	})

	// Periodic jobs
	var sched *scheduler.Scheduler
	if cfg.Features.EnableScheduler {
		sched = scheduler.New()

		sched.Register(&scheduler.Task{
			ID:   "regression-sweep",
			Name: "Advance lapsed regression grace periods",
			Schedule: scheduler.Schedule{
				Type:     scheduler.ScheduleInterval,
				Interval: time.Hour,
			},
			Handler: func(ctx context.Context) error {
				n, err := eng.SweepRegressions(ctx)
				if n > 0 {
					logging.Info("regression sweep advanced %d events", n)
				}
				return err
			},
		})

		sched.Register(&scheduler.Task{
			ID:   "reduction-sweep",
			Name: "Stamp reduction eligibility for sustained high scores",
			Schedule: scheduler.Schedule{
				Type: scheduler.ScheduleDaily,
				At:   "03:00",
			},
			Handler: func(ctx context.Context) error {
				n, err := eng.SweepReductions(ctx)
				if n > 0 {
					logging.Info("reduction sweep stamped %d children eligible", n)
				}
				return err
			},
		})

		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()
		logging.Info("Scheduler started")
	}

	if !cfg.Features.EnableAPI {
		logging.Info("API disabled, running headless until interrupted")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		return nil
	}

	// API server; it also receives engine events for WebSocket fan-out
	server := api.New(api.Config{
		Port:        cfg.Server.Port,
		Engine:      eng,
		LedgerStore: ledgerStore,
		Scheduler:   sched,
	})
	eng.SetEvents(server)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logging.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()

	return server.Start()
}

// verifyCmd checks the audit ledger's hash chain.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}

			db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, "fledge.db")})
			if err != nil {
				return err
			}
			defer db.Close()

			store := ledger.NewStore(db.Conn())
			if err := store.VerifyChain(); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}

			count, _ := store.Count()
			fmt.Printf("Ledger verified: %d entries, chain intact\n", count)
			return nil
		},
	}
}
