package transfer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const nativeTransferGas = 21000

// EVMClient is the subset of ethclient.Client the EVM backend uses.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMTransferer pays out native currency (wei) from a vault key.
type EVMTransferer struct {
	client  EVMClient
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	// Serializes nonce lookup and submission.
	mu sync.Mutex
}

// DialEVM connects to rpcURL. When chainID is nil it is queried from the node.
func DialEVM(ctx context.Context, rpcURL, vaultKeyHex string, chainID *big.Int) (*EVMTransferer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return NewEVMTransferer(ctx, client, vaultKeyHex, chainID)
}

func NewEVMTransferer(ctx context.Context, client EVMClient, vaultKeyHex string, chainID *big.Int) (*EVMTransferer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(vaultKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse vault key: %w", err)
	}
	if chainID == nil {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}
	return &EVMTransferer{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address is the vault account transfers are sent from.
func (e *EVMTransferer) Address() common.Address { return e.from }

func (e *EVMTransferer) ValidateTarget(target string) error {
	if !common.IsHexAddress(target) {
		return fmt.Errorf("%w: %q is not a hex address", ErrInvalidTarget, target)
	}
	return nil
}

func (e *EVMTransferer) Transfer(ctx context.Context, req Request) (string, error) {
	if err := e.ValidateTarget(req.Target); err != nil {
		return "", err
	}
	to := common.HexToAddress(req.Target)

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, req.Amount, nativeTransferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (e *EVMTransferer) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, fmt.Errorf("vault balance: %w", err)
	}
	return bal, nil
}
