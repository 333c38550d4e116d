// Package cli is the thin supervisory command surface over the embedded
// engine: run the loops, run the boot-time reconciler out-of-band, or dump
// the persisted capital state. It only observes and supervises; no entry or
// exit decision ever waits on a human here.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftpool/clamm-engine/internal/capital"
	"github.com/driftpool/clamm-engine/internal/config"
	"github.com/driftpool/clamm-engine/internal/datasource"
	"github.com/driftpool/clamm-engine/internal/decay"
	"github.com/driftpool/clamm-engine/internal/engine"
	"github.com/driftpool/clamm-engine/internal/httpstatus"
	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/reconciler"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/telemetry"
	"github.com/driftpool/clamm-engine/internal/types"
	"github.com/driftpool/clamm-engine/internal/volatility"
)

// NewRootCommand builds the engine command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Concentrated-liquidity position engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newReconcileCommand())
	root.AddCommand(newStatusCommand())
	return root
}

// Execute runs the CLI; configuration failures terminate the process before
// any loop starts.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// bootstrap loads environment configuration, initializes logging, and opens
// the persistence pool. Shared by every subcommand.
func bootstrap() (config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found; relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logger.Initialize(cfg.LogLevel)

	dsn := cfg.PersistenceURL
	if cfg.PersistenceKey != "" && !strings.Contains(dsn, "password=") {
		dsn += " password=" + cfg.PersistenceKey
	}
	if err := state.InitDBFromURL(dsn); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRunCommand() *cobra.Command {
	var webPort string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine's six monitoring loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer state.CloseDB()
			ctx := context.Background()

			if err := state.EnsureSchema(); err != nil {
				return fmt.Errorf("schema setup failed: %w", err)
			}
			if err := state.VerifyDbHealth(ctx); err != nil {
				return fmt.Errorf("database health verification failed: %w", err)
			}

			grpcConn, err := datasource.Dial(cfg.RPCURL)
			if err != nil {
				return fmt.Errorf("data-source dial failed: %w", err)
			}
			defer grpcConn.Close()

			capStore := state.NewCapitalStore()
			capState, err := capStore.LoadCapitalState(ctx)
			if err == sql.ErrNoRows {
				log.Info().Float64("initialCapitalUSD", cfg.InitialCapitalUSD).Msg("seeding capital ledger")
				if err := state.BootstrapCapitalState(ctx, cfg.InitialCapitalUSD); err != nil {
					return fmt.Errorf("capital bootstrap failed: %w", err)
				}
				capState = types.CapitalState{AvailableBalance: cfg.InitialCapitalUSD}
			} else if err != nil {
				return fmt.Errorf("capital state load failed: %w", err)
			}
			capManager := capital.New(capStore, capState)

			eng, err := engine.NewEngine(engine.Config{
				Capital:            capManager,
				Telemetry:          telemetry.New(),
				Volatility:         volatility.New(),
				Decay:              decay.New(),
				Store:              state.NewPGStore(),
				Regimes:            engine.StaticRegimeSource{Regime: types.RegimeNeutral},
				MaxConcurrentPools: cfg.MaxConcurrentPools,
				MaxExposurePct:     cfg.MaxExposurePct,
			})
			if err != nil {
				return err
			}

			if !eng.Initialize(ctx) {
				return fmt.Errorf("engine initialization failed")
			}
			// Orphan sweep runs after recovery so rows the engine still
			// monitors are not force-closed out from under it.
			if _, err := reconciler.Reconcile(ctx, time.Now(), eng.GetPortfolioStatus().OpenPositionIDs); err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			if err := eng.Start(); err != nil {
				return err
			}

			statusServer := httpstatus.NewServer(webPort, eng)
			go func() {
				if err := statusServer.Start(); err != nil {
					log.Error().Err(err).Msg("status server exited")
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			eng.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&webPort, "web-port", "8080", "status/metrics HTTP port")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Force-close orphaned open trade and position rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := bootstrap(); err != nil {
				return err
			}
			defer state.CloseDB()
			ctx := context.Background()

			if err := state.VerifyDbHealth(ctx); err != nil {
				return fmt.Errorf("database health verification failed: %w", err)
			}
			// Out-of-band maintenance preserves consistent open trade/position
			// pairs; only open position rows whose trade row is missing or no
			// longer open are orphans.
			recovered, err := state.ListOpenTradeIDs(ctx)
			if err != nil {
				return fmt.Errorf("open trade listing failed: %w", err)
			}
			res, err := reconciler.Reconcile(ctx, time.Now(), recovered)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "force-closed %d trades, %d positions\n",
				len(res.ClosedTradeIDs), len(res.ClosedPositionIDs))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted capital ledger state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := bootstrap(); err != nil {
				return err
			}
			defer state.CloseDB()

			s, err := state.NewCapitalStore().LoadCapitalState(context.Background())
			if err != nil {
				return fmt.Errorf("capital state load failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "available: %.2f USD\nlocked: %.2f USD\nrealized pnl: %.2f USD\n",
				s.AvailableBalance, s.LockedBalance, s.TotalRealizedPnL)
			return nil
		},
	}
}
