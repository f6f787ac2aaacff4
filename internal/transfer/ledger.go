package transfer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/aspect-build/teegate/internal/logx"
)

// Ledger is an in-process backend that tracks a vault balance and the
// payouts made from it. Used for dry runs and tests.
type Ledger struct {
	mu       sync.Mutex
	balance  *big.Int
	payouts  map[string]*big.Int
	sequence int
}

func NewLedger(initial *big.Int) *Ledger {
	if initial == nil {
		initial = new(big.Int)
	}
	return &Ledger{
		balance: new(big.Int).Set(initial),
		payouts: make(map[string]*big.Int),
	}
}

func (l *Ledger) Transfer(_ context.Context, req Request) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance.Cmp(req.Amount) < 0 {
		return "", fmt.Errorf("insufficient vault balance: have %s, need %s", l.balance, req.Amount)
	}
	l.balance.Sub(l.balance, req.Amount)
	paid, ok := l.payouts[req.Target]
	if !ok {
		paid = new(big.Int)
		l.payouts[req.Target] = paid
	}
	paid.Add(paid, req.Amount)
	l.sequence++
	logx.Debugf("transfer.ledger target=%s amount=%s balance=%s", req.Target, req.Amount, l.balance)
	return fmt.Sprintf("ledger-%d", l.sequence), nil
}

func (l *Ledger) Balance(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance), nil
}

// PaidTo returns the total transferred to target.
func (l *Ledger) PaidTo(target string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if paid, ok := l.payouts[target]; ok {
		return new(big.Int).Set(paid)
	}
	return new(big.Int)
}
