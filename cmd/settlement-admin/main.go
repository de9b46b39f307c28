package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/the-recircle-app/recircle/internal/ledger"
	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string (or set DATABASE_URL env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show database migration status")
	listStuckFlag := flag.Bool("list-stuck", false, "list unfinished and partially settled distributions")
	requeueFlag := flag.String("requeue", "", "reopen the timed-out legs of a distribution_partial receipt")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if *databaseURLFlag == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}

	if *migrateFlag {
		return ledger.RunMigrations(log, *databaseURLFlag)
	}
	if *migrateStatusFlag {
		return ledger.MigrationStatus(log, *databaseURLFlag)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURLFlag)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()

	store, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	if *listStuckFlag {
		return listStuck(ctx, store)
	}
	if *requeueFlag != "" {
		return requeue(ctx, log, store, *requeueFlag)
	}

	flag.Usage()
	return errors.New("no command given")
}

func listStuck(ctx context.Context, store *ledger.Store) error {
	unfinished, err := store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	partial, err := store.ListPartial(ctx)
	if err != nil {
		return err
	}

	if len(unfinished) == 0 && len(partial) == 0 {
		fmt.Println("no stuck distributions")
		return nil
	}

	fmt.Printf("%-38s %-10s %-24s %-24s %s\n", "RECEIPT", "USER", "USER LEG", "APP FUND LEG", "AGE")
	for _, d := range append(unfinished, partial...) {
		fmt.Printf("%-38s %-10s %-24s %-24s %s\n",
			d.ReceiptID, d.UserID,
			legSummary(d.UserLeg), legSummary(d.AppFundLeg),
			time.Since(d.CreatedAt).Round(time.Second))
	}
	return nil
}

func legSummary(leg settle.Leg) string {
	if leg.FailReason != "" {
		return fmt.Sprintf("%s (%s)", leg.Status, leg.FailReason)
	}
	return string(leg.Status)
}

// requeue reopens the timed-out legs of a partially settled receipt and puts
// it back in front of the confirmation poller. Reverted legs are left alone:
// a reversion is a logic or balance fault, not a transient one.
func requeue(ctx context.Context, log *slog.Logger, store *ledger.Store, receiptID string) error {
	dist, err := store.GetDistribution(ctx, receiptID)
	if err != nil {
		return err
	}

	reopened := 0
	for _, leg := range []settle.Leg{dist.UserLeg, dist.AppFundLeg} {
		if leg.Status != settle.LegFailed || leg.FailReason != settle.FailReasonTimeout {
			continue
		}
		if err := store.ReopenTimedOutLeg(ctx, receiptID, leg.Kind); err != nil {
			return err
		}
		log.Info("leg reopened", "receipt", receiptID, "leg", leg.Kind)
		reopened++
	}
	if reopened == 0 {
		return fmt.Errorf("receipt %s has no timed-out legs to requeue", receiptID)
	}

	err = store.UpdateReceiptStatus(ctx, receiptID, settle.ReceiptDistributionPartial, settle.ReceiptDistributionPending)
	if err != nil {
		return fmt.Errorf("failed to reset receipt %s for redistribution: %w", receiptID, err)
	}
	log.Info("receipt requeued for distribution", "receipt", receiptID, "legsReopened", reopened)
	return nil
}
