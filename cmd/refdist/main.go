package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/unifarm/refdist/pkg/chain"
	"github.com/unifarm/refdist/pkg/distributor"
	"github.com/unifarm/refdist/pkg/ledger"
	"github.com/unifarm/refdist/pkg/logger"
	"github.com/unifarm/refdist/pkg/metrics"
	"github.com/unifarm/refdist/pkg/pg"
	"github.com/unifarm/refdist/pkg/rate"
	"github.com/unifarm/refdist/pkg/server"
	"github.com/unifarm/refdist/pkg/wallet"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP requests")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for graceful shutdown")

	// Postgres configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "refdist", "PostgreSQL database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "refdist", "PostgreSQL username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL sslmode (or set PG_SSLMODE env var)")
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")

	// Distribution configuration
	ratesFileFlag := flag.String("rates-file", "", "YAML file with per-level reward rates (empty = built-in defaults)")
	recoveryIntervalFlag := flag.Duration("recovery-interval", 5*time.Minute, "Interval between periodic recovery passes (0 = startup pass only)")
	maxRecoveryAttemptsFlag := flag.Int("max-recovery-attempts", 5, "Recovery attempts per failed batch before it is left terminal")
	rateLimitPerMinuteFlag := flag.Int("rate-limit-per-minute", 0, "Per-IP request limit per minute (0 = unlimited)")

	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override Postgres flags with environment variables if set
	if envPGHost := os.Getenv("PG_HOST"); envPGHost != "" {
		*pgHostFlag = envPGHost
	}
	if envPGPort := os.Getenv("PG_PORT"); envPGPort != "" {
		*pgPortFlag = envPGPort
	}
	if envPGDatabase := os.Getenv("PG_DATABASE"); envPGDatabase != "" {
		*pgDatabaseFlag = envPGDatabase
	}
	if envPGUsername := os.Getenv("PG_USERNAME"); envPGUsername != "" {
		*pgUsernameFlag = envPGUsername
	}
	if envPGPassword := os.Getenv("PG_PASSWORD"); envPGPassword != "" {
		*pgPasswordFlag = envPGPassword
	}
	if envPGSSLMode := os.Getenv("PG_SSLMODE"); envPGSSLMode != "" {
		*pgSSLModeFlag = envPGSSLMode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start pprof server if enabled
	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	pgCfg := pg.Config{
		Logger:   log,
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	if err := pgCfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}

	if *migrateFlag {
		if err := pg.RunMigrations(log, pgCfg.ConnStr()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	rates := rate.Default()
	if *ratesFileFlag != "" {
		rates, err = rate.Load(*ratesFileFlag)
		if err != nil {
			return fmt.Errorf("failed to load rate table: %w", err)
		}
	}
	log.Info("rate table loaded", "levels", rates.Levels())

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create batch ledger: %w", err)
	}

	walletStore, err := wallet.NewStore(wallet.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create wallet store: %w", err)
	}

	directory, err := chain.NewPGDirectory(chain.PGDirectoryConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create user directory: %w", err)
	}

	resolver, err := chain.NewResolver(chain.ResolverConfig{
		Logger:    log,
		Directory: directory,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain resolver: %w", err)
	}

	executor, err := distributor.NewExecutor(distributor.ExecutorConfig{
		Logger:   log,
		Rates:    rates,
		Resolver: resolver,
		Wallet:   walletStore,
		Ledger:   ledgerStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	scanner, err := distributor.NewScanner(distributor.ScannerConfig{
		Logger:              log,
		Ledger:              ledgerStore,
		Executor:            executor,
		Interval:            *recoveryIntervalFlag,
		MaxRecoveryAttempts: *maxRecoveryAttemptsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create recovery scanner: %w", err)
	}
	scanner.Start(ctx)

	srv, err := server.New(log, server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Distributor:        executor,
		Recoverer:          scanner,
		Batches:            ledgerStore,
		Entries:            walletStore,
		Pinger:             pool,
		RateLimitPerMinute: *rateLimitPerMinuteFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
