package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server"
	"github.com/aspect-build/teegate/internal/server/db"
	"github.com/aspect-build/teegate/internal/transfer"
	"github.com/aspect-build/teegate/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or TEEGATE_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("teegate-server"))
		fmt.Fprintf(os.Stderr, "Teegate registers TDX-attested agents whose code the owner approved and pays out of a vault on their behalf.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_OWNER             Owner address, fixed on first start (required)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_DB_PATH           SQLite database path (default: teegate.db)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_LISTEN_ADDR       Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_CORS_ORIGINS      Comma-separated allowed origins\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_API_IMAGE         Image name of the agent API service (default: shade-agent-api)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_APP_SERVICE       Compose service holding the app image (default: the only other pinned service)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_SIGNATURE_SKEW    Allowed request timestamp skew in seconds (default: 300)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_TRANSFER_BACKEND  log|evm (default: log)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_LEDGER_BALANCE    Initial vault balance of the log backend (default: 0)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_EVM_RPC_URL       JSON-RPC endpoint of the evm backend\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_EVM_VAULT_KEY     Hex private key of the vault account\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_EVM_CHAIN_ID      Chain ID (default: queried from the node)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_TRANSFER_WORKERS  Concurrent transfers (default: 2)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_TRANSFER_QUEUE    Pending transfer capacity (default: 64)\n")
		fmt.Fprintf(os.Stderr, "  TEEGATE_LOG_LEVEL         Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("teegate-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(cfg *server.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	backend, err := newTransferBackend(ctx, cfg)
	if err != nil {
		return err
	}
	scheduler := transfer.NewScheduler(backend, transfer.Options{
		Workers:   cfg.TransferWorkers,
		QueueSize: cfg.TransferQueue,
	})

	ct, err := contract.New(ctx, store, contract.Config{
		Owner:    cfg.Owner,
		Verifier: attestation.NewDCAPVerifier(),
		Resolver: attestation.NewTCBResolver(cfg.APIImage, cfg.AppService),
		Payer:    scheduler,
	})
	if err != nil {
		return fmt.Errorf("open contract: %w", err)
	}

	r := server.NewRouter(ct, cfg, reqsig.NewVerifier(cfg.SignatureSkew))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	logx.Infof("server config: owner=%s transfer_backend=%s api_image=%s app_service=%q",
		cfg.Owner, cfg.TransferBackend, cfg.APIImage, cfg.AppService)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("teegate-server listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logx.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Warnf("http shutdown: %v", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logx.Warnf("transfer drain: %v", err)
	}
	return nil
}

func newTransferBackend(ctx context.Context, cfg *server.Config) (transfer.Transferer, error) {
	switch cfg.TransferBackend {
	case server.TransferBackendEVM:
		evm, err := transfer.DialEVM(ctx, cfg.EVMRPCURL, cfg.EVMVaultKey, cfg.EVMChainID)
		if err != nil {
			return nil, fmt.Errorf("evm transfer backend: %w", err)
		}
		logx.Infof("transfer backend: evm vault=%s", evm.Address().Hex())
		return evm, nil
	default:
		logx.Infof("transfer backend: in-process ledger balance=%s", cfg.LedgerBalance)
		return transfer.NewLedger(cfg.LedgerBalance), nil
	}
}
