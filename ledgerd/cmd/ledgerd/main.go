package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/openmev/surplus/ledgerd/pkg/ledger"
	"github.com/openmev/surplus/ledgerd/pkg/metrics"
	"github.com/openmev/surplus/ledgerd/pkg/server"
	"github.com/openmev/surplus/ledgerd/pkg/store"
	"github.com/openmev/surplus/utils/pkg/logger"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LEDGERD_LISTEN_ADDR env var)")
	epochLengthFlag := flag.Duration("epoch-length", 600*time.Second, "epoch length in whole seconds (or set LEDGERD_EPOCH_LENGTH env var)")
	weightAuthorityFlag := flag.String("weight-authority", "", "identity of the trusted weight authority (or set LEDGERD_WEIGHT_AUTHORITY env var)")
	authorityTokenFlag := flag.String("authority-token", "", "bearer token for the weight endpoint (or set LEDGERD_AUTHORITY_TOKEN env var)")
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL DSN for audit/payout persistence; empty runs in-memory only (or set LEDGERD_POSTGRES_DSN env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations at startup")
	snapshotIntervalFlag := flag.Duration("snapshot-interval", 5*time.Minute, "interval between ledger state snapshots (persistent mode only)")
	flag.Parse()

	// Load a local .env in development; missing files are fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("LEDGERD_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("LEDGERD_EPOCH_LENGTH"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("invalid LEDGERD_EPOCH_LENGTH: %w", err)
		}
		*epochLengthFlag = d
	}
	if env := os.Getenv("LEDGERD_WEIGHT_AUTHORITY"); env != "" {
		*weightAuthorityFlag = env
	}
	if env := os.Getenv("LEDGERD_AUTHORITY_TOKEN"); env != "" {
		*authorityTokenFlag = env
	}
	if env := os.Getenv("LEDGERD_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	var (
		st         *store.Store
		recorder   ledger.Recorder
		transferor ledger.Transferor
		payouts    server.PayoutReader
	)
	if *postgresDSNFlag != "" {
		if *migrateFlag {
			if err := store.RunMigrations(log, *postgresDSNFlag); err != nil {
				return err
			}
		}
		pool, err := store.Connect(ctx, log, *postgresDSNFlag)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err = store.New(store.Config{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		recorder = st
		transferor = st
		payouts = st
	} else {
		log.Warn("no postgres DSN configured, running without persistence")
		recorder = ledger.NewMemoryRecorder()
		transferor = ledger.NewMemoryTreasury()
	}

	l, err := ledger.New(ledger.Config{
		Logger:          log,
		Clock:           clock,
		EpochLength:     *epochLengthFlag,
		WeightAuthority: ledger.Participant(*weightAuthorityFlag),
		Transferor:      transferor,
		Recorder:        recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	if st != nil {
		snap, err := st.LatestSnapshot(ctx)
		if err != nil {
			return err
		}
		if snap != nil {
			if err := l.Restore(*snap); err != nil {
				return fmt.Errorf("failed to restore ledger snapshot: %w", err)
			}
			log.Info("restored ledger state from snapshot")
		}
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Ledger:          l,
		WeightAuthority: ledger.Participant(*weightAuthorityFlag),
		AuthorityToken:  *authorityTokenFlag,
		Payouts:         payouts,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("starting ledgerd", "version", version, "epoch_length", *epochLengthFlag)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if st != nil {
		g.Go(func() error {
			snapshotLoop(gctx, log, clock, l, st, *snapshotIntervalFlag)
			return nil
		})
	}
	return g.Wait()
}

// snapshotLoop periodically persists the full ledger state, and once more on
// shutdown so a restart can resume from the latest state.
func snapshotLoop(ctx context.Context, log *slog.Logger, clock clockwork.Clock, l *ledger.Ledger, st *store.Store, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	save := func(ctx context.Context) {
		if err := st.SaveSnapshot(ctx, l.Snapshot()); err != nil {
			log.Error("failed to save ledger snapshot", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			save(shutdownCtx)
			cancel()
			return
		case <-ticker.Chan():
			save(ctx)
		}
	}
}
