// Package transfer moves vault funds to agent-chosen targets. Transfers are
// queued and executed in the background; callers only get a ticket back.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInvalidAmount = errors.New("invalid transfer amount")
	ErrInvalidTarget = errors.New("invalid transfer target")
	ErrQueueFull     = errors.New("transfer queue is full")
	ErrStopped       = errors.New("transfer scheduler is stopped")
)

// Request is one value transfer out of the vault.
type Request struct {
	// Worker is the identity that authorized the transfer.
	Worker string
	Target string
	Amount *big.Int
}

// Ticket identifies a scheduled transfer.
type Ticket struct {
	ID          string    `json:"transfer_id"`
	Worker      string    `json:"worker"`
	Target      string    `json:"target"`
	Amount      string    `json:"amount"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Result is the outcome of an executed transfer. It is only logged and
// reported to an optional observer.
type Result struct {
	Ticket Ticket
	TxRef  string
	Err    error
}

// Transferer is the primitive that actually moves value.
type Transferer interface {
	Transfer(ctx context.Context, req Request) (string, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// TargetValidator is implemented by backends with a target address format.
type TargetValidator interface {
	ValidateTarget(target string) error
}

// ParseAmount parses a positive integer amount in the backend's base unit.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, s)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, s)
	}
	return amount, nil
}
