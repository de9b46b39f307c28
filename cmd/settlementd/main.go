package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/the-recircle-app/recircle/internal/chain"
	"github.com/the-recircle-app/recircle/internal/classifier"
	"github.com/the-recircle-app/recircle/internal/distributor"
	"github.com/the-recircle-app/recircle/internal/ledger"
	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/pipeline"
	"github.com/the-recircle-app/recircle/internal/poller"
	"github.com/the-recircle-app/recircle/internal/review"
	"github.com/the-recircle-app/recircle/internal/server"
	"github.com/the-recircle-app/recircle/pkg/logger"
	"github.com/the-recircle-app/recircle/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the HTTP API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address for prometheus metrics")
	migrateFlag := flag.Bool("migrate", false, "run database migrations on boot")

	pollIntervalFlag := flag.Duration("poll-interval", 5*time.Second, "confirmation poll interval")
	maxWaitFlag := flag.Duration("max-confirmation-wait", 2*time.Minute, "how long a submitted leg may stay unconfirmed before resubmission")
	maxResubmissionsFlag := flag.Int("max-resubmissions", 3, "resubmission budget per payout leg")
	rpcRateFlag := flag.Float64("rpc-rate", 10, "max chain RPC status polls per second")

	databaseURLFlag := flag.String("database-url", "", "Postgres connection string (or set DATABASE_URL env var)")
	rpcURLFlag := flag.String("rpc-url", chain.DefaultRPCURL, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	appFundAddressFlag := flag.String("app-fund-address", "", "app fund wallet token account (or set APP_FUND_ADDRESS env var)")
	sourceAccountFlag := flag.String("source-token-account", "", "treasury token account holding the reward mint (or set SOURCE_TOKEN_ACCOUNT env var)")
	reviewWebhookFlag := flag.String("review-webhook-url", "", "manual-review system webhook URL (or set REVIEW_WEBHOOK_URL env var)")
	enableClassifierFlag := flag.Bool("enable-classifier", true, "classify receipt images with the vision model (needs ANTHROPIC_API_KEY)")

	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("APP_FUND_ADDRESS"); env != "" {
		*appFundAddressFlag = env
	}
	if env := os.Getenv("SOURCE_TOKEN_ACCOUNT"); env != "" {
		*sourceAccountFlag = env
	}
	if env := os.Getenv("REVIEW_WEBHOOK_URL"); env != "" {
		*reviewWebhookFlag = env
	}

	if *databaseURLFlag == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}
	if *appFundAddressFlag == "" {
		return errors.New("--app-fund-address or APP_FUND_ADDRESS is required")
	}
	if *sourceAccountFlag == "" {
		return errors.New("--source-token-account or SOURCE_TOKEN_ACCOUNT is required")
	}
	treasuryKey := os.Getenv("TREASURY_PRIVATE_KEY")
	if treasuryKey == "" {
		return errors.New("TREASURY_PRIVATE_KEY env var is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: fmt.Sprintf("settlementd@%s", version),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	// Start metrics server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if err := ledger.RunMigrations(log, *databaseURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, *databaseURLFlag)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	store, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	signer, err := chain.NewSigner(treasuryKey)
	if err != nil {
		return fmt.Errorf("failed to load treasury key: %w", err)
	}
	log.Info("treasury signer loaded", "identity", signer.PublicKey().String())

	source, err := solana.PublicKeyFromBase58(*sourceAccountFlag)
	if err != nil {
		return fmt.Errorf("invalid source token account: %w", err)
	}

	rpcClient := chain.NewRPCClient(*rpcURLFlag)
	submitter, err := chain.NewSubmitter(chain.SubmitterConfig{
		Logger:             log,
		Client:             rpcClient,
		Signer:             signer,
		SourceTokenAccount: source,
	})
	if err != nil {
		return err
	}

	dist, err := distributor.New(distributor.Config{
		Logger:    log,
		Submitter: submitter,
		Ledger:    store,
		Retry:     retry.DefaultConfig(),
	})
	if err != nil {
		return err
	}

	notifier, err := review.NewNotifier(review.NotifierConfig{
		Logger: log,
		URL:    *reviewWebhookFlag,
	})
	if err != nil {
		return err
	}

	var cls pipeline.Classifier
	if *enableClassifierFlag && os.Getenv("ANTHROPIC_API_KEY") != "" {
		c, err := classifier.New(classifier.Config{Logger: log})
		if err != nil {
			return err
		}
		cls = c
		log.Info("receipt image classifier enabled", "model", classifier.DefaultModel)
	} else {
		log.Warn("receipt image classifier disabled, trusting upstream confidence scores")
	}

	pipe, err := pipeline.New(pipeline.Config{
		Logger:         log,
		Ledger:         store,
		Distributor:    dist,
		Notifier:       notifier,
		Classifier:     cls,
		AppFundAddress: *appFundAddressFlag,
	})
	if err != nil {
		return err
	}

	confirmer, err := poller.New(poller.Config{
		Logger:           log,
		Chain:            rpcClient,
		Submitter:        submitter,
		Ledger:           store,
		Interval:         *pollIntervalFlag,
		MaxWait:          *maxWaitFlag,
		MaxResubmissions: *maxResubmissionsFlag,
		RPCRate:          rate.NewLimiter(rate.Limit(*rpcRateFlag), 1),
	})
	if err != nil {
		return err
	}

	if err := pipe.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume unfinished distributions: %w", err)
	}
	confirmer.Start(ctx)

	srv, err := server.New(server.Config{
		Logger:   log,
		Pipeline: pipe,
		Ledger:   store,
		Addr:     *listenAddrFlag,
	})
	if err != nil {
		return err
	}

	err = srv.Start(ctx)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		log.Info("settlementd shutting down")
		return nil
	}
	return err
}
