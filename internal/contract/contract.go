// Package contract is the attestation-gated worker registry. A Contract owns
// the persisted state {owner, approved codehashes, workers} and executes one
// call at a time, each inside a single store transaction.
package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/server/db"
	"github.com/aspect-build/teegate/internal/transfer"
)

// Payer schedules transfers out of the vault.
type Payer interface {
	Schedule(req transfer.Request) (*transfer.Ticket, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// Config wires a Contract. Verifier, Resolver and Owner are required.
type Config struct {
	Owner    string
	Verifier attestation.Verifier
	Resolver attestation.Resolver
	Payer    Payer
	// Policy guards re-registration. Defaults to AllowAllOverwrites.
	Policy OverwritePolicy
	// Now is the trusted clock used as the verification reference time.
	Now func() time.Time
}

type Contract struct {
	mu sync.Mutex

	store    *db.Store
	owner    string
	verifier attestation.Verifier
	resolver attestation.Resolver
	payer    Payer
	policy   OverwritePolicy
	now      func() time.Time
}

// New binds a Contract to store, recording cfg.Owner on first use. Opening a
// store that already has a different owner fails with ErrOwnerMismatch.
func New(ctx context.Context, store *db.Store, cfg Config) (*Contract, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if cfg.Verifier == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("verifier and resolver are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAllOverwrites
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	err := store.Update(ctx, func(tx *db.Tx) error {
		current, err := tx.Owner()
		if err != nil {
			return err
		}
		if current == "" {
			logx.Infof("contract.init owner=%s", cfg.Owner)
			return tx.SetOwner(cfg.Owner)
		}
		if current != cfg.Owner {
			return fmt.Errorf("%w: stored %s, configured %s", ErrOwnerMismatch, current, cfg.Owner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Contract{
		store:    store,
		owner:    cfg.Owner,
		verifier: cfg.Verifier,
		resolver: cfg.Resolver,
		payer:    cfg.Payer,
		policy:   cfg.Policy,
		now:      cfg.Now,
	}, nil
}

func (c *Contract) Owner() string { return c.owner }

// normalizeCodehash lowercases sha256 hex digests so they match resolved
// image digests. Other labels are kept as given.
func normalizeCodehash(codehash string) (string, error) {
	codehash = strings.TrimPrefix(strings.TrimSpace(codehash), "sha256:")
	if codehash == "" {
		return "", fmt.Errorf("%w: empty codehash", ErrBadEncoding)
	}
	if len(codehash) == 2*sha256.Size {
		if _, err := hex.DecodeString(codehash); err == nil {
			codehash = strings.ToLower(codehash)
		}
	}
	return codehash, nil
}

func (c *Contract) requireOwner(caller string) error {
	if caller != c.owner {
		return fmt.Errorf("%w: %q is not the owner", ErrPermissionDenied, caller)
	}
	return nil
}

// ApproveCodehash adds codehash to the allow-list. Owner only; approving an
// existing entry succeeds with added == false.
func (c *Contract) ApproveCodehash(ctx context.Context, caller, codehash string) (bool, error) {
	if err := c.requireOwner(caller); err != nil {
		logx.Warnf("contract.approve denied caller=%s codehash=%s", caller, codehash)
		return false, err
	}
	codehash, err := normalizeCodehash(codehash)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var added bool
	err = c.store.Update(ctx, func(tx *db.Tx) error {
		added, err = tx.ApproveCodehash(codehash, c.now())
		return err
	})
	if err != nil {
		return false, err
	}
	logx.Infof("contract.approve codehash=%s added=%v", codehash, added)
	return added, nil
}

// RevokeCodehash removes codehash from the allow-list. Owner only. Workers
// registered with it stay recorded but fail the authorization gate.
func (c *Contract) RevokeCodehash(ctx context.Context, caller, codehash string) (bool, error) {
	if err := c.requireOwner(caller); err != nil {
		logx.Warnf("contract.revoke denied caller=%s codehash=%s", caller, codehash)
		return false, err
	}
	codehash, err := normalizeCodehash(codehash)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed bool
	err = c.store.Update(ctx, func(tx *db.Tx) error {
		removed, err = tx.RevokeCodehash(codehash)
		return err
	})
	if err != nil {
		return false, err
	}
	logx.Infof("contract.revoke codehash=%s removed=%v", codehash, removed)
	return removed, nil
}

func (c *Contract) IsApproved(ctx context.Context, codehash string) (bool, error) {
	codehash, err := normalizeCodehash(codehash)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var ok bool
	err = c.store.View(ctx, func(tx *db.Tx) error {
		ok, err = tx.IsApproved(codehash)
		return err
	})
	return ok, err
}

func (c *Contract) ListCodehashes(ctx context.Context) ([]db.ApprovedCodehash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list []db.ApprovedCodehash
	err := c.store.View(ctx, func(tx *db.Tx) error {
		var err error
		list, err = tx.ListCodehashes()
		return err
	})
	return list, err
}

// GetAgent returns the worker registered under identity, or ErrNotFound.
func (c *Contract) GetAgent(ctx context.Context, identity string) (*db.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var w *db.Worker
	err := c.store.View(ctx, func(tx *db.Tx) error {
		var err error
		w, err = tx.GetWorker(identity)
		return err
	})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: no worker for %s", ErrNotFound, identity)
	}
	return w, nil
}

func (c *Contract) ListAgents(ctx context.Context) ([]db.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var workers []db.Worker
	err := c.store.View(ctx, func(tx *db.Tx) error {
		var err error
		workers, err = tx.ListWorkers()
		return err
	})
	return workers, err
}

// RequireApprovedCaller is the authorization gate for privileged operations.
// The worker's codehash is checked against the allow-list as it is now.
func (c *Contract) RequireApprovedCaller(ctx context.Context, caller string) (*db.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var w *db.Worker
	err := c.store.View(ctx, func(tx *db.Tx) error {
		var err error
		w, err = c.gate(tx, caller)
		return err
	})
	return w, err
}

func (c *Contract) gate(tx *db.Tx, caller string) (*db.Worker, error) {
	w, err := tx.GetWorker(caller)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, caller)
	}
	ok, err := tx.IsApproved(w.Codehash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s runs %s", ErrCodeRevoked, caller, w.Codehash)
	}
	return w, nil
}

// PayByAgent passes the gate and schedules a transfer of amount to target.
// It returns once the transfer is queued; the outcome is never reported back.
func (c *Contract) PayByAgent(ctx context.Context, caller, target, amount string) (*transfer.Ticket, error) {
	if c.payer == nil {
		return nil, errors.New("transfers are not configured")
	}
	value, err := transfer.ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var ticket *transfer.Ticket
	err = c.store.View(ctx, func(tx *db.Tx) error {
		if _, err := c.gate(tx, caller); err != nil {
			return err
		}
		ticket, err = c.payer.Schedule(transfer.Request{Worker: caller, Target: target, Amount: value})
		return err
	})
	if err != nil {
		logx.Warnf("contract.pay denied caller=%s target=%s amount=%s: %v", caller, target, amount, err)
		return nil, err
	}
	return ticket, nil
}

// VaultBalance reports what the vault can still pay out.
func (c *Contract) VaultBalance(ctx context.Context) (*big.Int, error) {
	if c.payer == nil {
		return nil, errors.New("transfers are not configured")
	}
	return c.payer.Balance(ctx)
}

func decodeQuote(quoteHex string) (attestation.QuoteBytes, error) {
	s := strings.TrimPrefix(strings.TrimSpace(quoteHex), "0x")
	if s == "" {
		return nil, fmt.Errorf("%w: empty quote", ErrBadEncoding)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: quote hex: %v", ErrBadEncoding, err)
	}
	return attestation.QuoteBytes(raw), nil
}
