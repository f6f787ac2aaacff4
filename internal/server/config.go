package server

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/reqsig"
)

const (
	TransferBackendLog = "log"
	TransferBackendEVM = "evm"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	Owner       string
	DBPath      string
	ListenAddr  string
	CORSOrigins []string

	APIImage   string
	AppService string

	SignatureSkew time.Duration

	TransferBackend string
	TransferWorkers int
	TransferQueue   int
	// LedgerBalance seeds the in-process vault of the log backend.
	LedgerBalance *big.Int
	EVMRPCURL     string
	EVMVaultKey   string
	EVMChainID    *big.Int
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	ownerRaw := os.Getenv("TEEGATE_OWNER")
	if ownerRaw == "" {
		return nil, fmt.Errorf("TEEGATE_OWNER is required")
	}
	owner, err := reqsig.NormalizeIdentity(ownerRaw)
	if err != nil {
		return nil, fmt.Errorf("TEEGATE_OWNER: %w", err)
	}

	cfg := &Config{
		Owner:           owner,
		DBPath:          envOr("TEEGATE_DB_PATH", "teegate.db"),
		ListenAddr:      envOr("TEEGATE_LISTEN_ADDR", ":8080"),
		CORSOrigins:     splitList(os.Getenv("TEEGATE_CORS_ORIGINS")),
		APIImage:        envOr("TEEGATE_API_IMAGE", attestation.DefaultAPIImage),
		AppService:      strings.TrimSpace(os.Getenv("TEEGATE_APP_SERVICE")),
		TransferBackend: strings.ToLower(envOr("TEEGATE_TRANSFER_BACKEND", TransferBackendLog)),
		EVMRPCURL:       strings.TrimSpace(os.Getenv("TEEGATE_EVM_RPC_URL")),
		EVMVaultKey:     strings.TrimSpace(os.Getenv("TEEGATE_EVM_VAULT_KEY")),
	}

	skew, err := envInt("TEEGATE_SIGNATURE_SKEW", int(reqsig.DefaultSkew/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.SignatureSkew = time.Duration(skew) * time.Second

	if cfg.TransferWorkers, err = envInt("TEEGATE_TRANSFER_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.TransferQueue, err = envInt("TEEGATE_TRANSFER_QUEUE", 64); err != nil {
		return nil, err
	}

	switch cfg.TransferBackend {
	case TransferBackendLog:
		cfg.LedgerBalance, err = envBig("TEEGATE_LEDGER_BALANCE", "0")
		if err != nil {
			return nil, err
		}
	case TransferBackendEVM:
		if cfg.EVMRPCURL == "" || cfg.EVMVaultKey == "" {
			return nil, fmt.Errorf("TEEGATE_EVM_RPC_URL and TEEGATE_EVM_VAULT_KEY are required for the evm transfer backend")
		}
		if v := strings.TrimSpace(os.Getenv("TEEGATE_EVM_CHAIN_ID")); v != "" {
			cfg.EVMChainID, err = envBig("TEEGATE_EVM_CHAIN_ID", "")
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("TEEGATE_TRANSFER_BACKEND must be one of log/evm")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func envBig(key, def string) (*big.Int, error) {
	v := envOr(key, def)
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
