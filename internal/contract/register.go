package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/server/db"
)

// RegisterRequest is the evidence an agent submits to become a worker.
type RegisterRequest struct {
	QuoteHex   string
	Collateral string
	// Checksum is an application label stored verbatim.
	Checksum string
	TCBInfo  string
}

type Registration struct {
	Worker     db.Worker              `json:"worker"`
	Codehashes attestation.Codehashes `json:"codehashes"`
	Replaced   bool                   `json:"replaced"`
}

// Register runs the registration pipeline for caller. Each step
// short-circuits, and nothing is written unless every step passes:
//
//  1. decode the quote and collateral
//  2. verify the quote at the current trusted time
//  3. bind the report data to caller
//  4. resolve RTMR3 to the API and app codehashes
//  5. require both codehashes to be approved
//  6. store Worker{checksum, app codehash} under caller
func (c *Contract) Register(ctx context.Context, caller string, req RegisterRequest) (*Registration, error) {
	quote, err := decodeQuote(req.QuoteHex)
	if err != nil {
		return nil, err
	}
	collateral, err := attestation.ParseCollateral([]byte(req.Collateral))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadEncoding, err)
	}

	now := c.now().Truncate(time.Second)
	report, err := c.verifier.Verify(quote, collateral, now)
	if err != nil {
		logx.Warnf("contract.register caller=%s verification failed: %v", caller, err)
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if report == nil || report.Version != attestation.ReportTD10 {
		return nil, fmt.Errorf("%w: unsupported report version", ErrVerification)
	}

	if err := attestation.BindReport(report, caller); err != nil {
		logx.Warnf("contract.register caller=%s identity mismatch: %v", caller, err)
		return nil, fmt.Errorf("%w: %w", ErrIdentityMismatch, err)
	}

	hashes, err := c.resolver.Resolve(report, req.TCBInfo)
	if err != nil {
		logx.Warnf("contract.register caller=%s resolution failed: %v", caller, err)
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reg := &Registration{Codehashes: hashes}
	err = c.store.Update(ctx, func(tx *db.Tx) error {
		if err := requireApproved(tx, hashes); err != nil {
			return err
		}
		next := db.Worker{Identity: caller, Checksum: req.Checksum, Codehash: hashes.App}
		replaced, err := c.overwriteWorker(tx, next)
		if err != nil {
			return err
		}
		reg.Replaced = replaced

		stored, err := tx.GetWorker(caller)
		if err != nil {
			return err
		}
		if stored == nil {
			return errors.New("registered worker not found")
		}
		reg.Worker = *stored
		return nil
	})
	if err != nil {
		logx.Warnf("contract.register caller=%s api=%s app=%s rejected: %v", caller, hashes.API, hashes.App, err)
		return nil, err
	}

	logx.Infof("contract.register caller=%s app=%s replaced=%v", caller, hashes.App, reg.Replaced)
	return reg, nil
}

// requireApproved checks both codehashes and names every one that is missing.
func requireApproved(tx *db.Tx, hashes attestation.Codehashes) error {
	var missing []string
	for _, h := range []string{hashes.API, hashes.App} {
		ok, err := tx.IsApproved(h)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not approved", ErrUnauthorizedCode, strings.Join(missing, ", "))
	}
	return nil
}

// overwriteWorker stores next, replacing any record the identity already has
// if the overwrite policy allows it. Reports whether a record was replaced.
func (c *Contract) overwriteWorker(tx *db.Tx, next db.Worker) (bool, error) {
	prev, err := tx.GetWorker(next.Identity)
	if err != nil {
		return false, err
	}
	if prev != nil {
		if err := c.policy.AllowOverwrite(next.Identity, *prev, next); err != nil {
			return false, fmt.Errorf("%w: %w", ErrOverwriteRefused, err)
		}
	}
	if err := tx.PutWorker(&next, c.now()); err != nil {
		return false, err
	}
	return prev != nil, nil
}
