package attestation

import (
	"context"
	"time"
)

// Verifier validates a quote against caller-supplied collateral at a fixed
// reference time. Implementations must not perform network I/O.
type Verifier interface {
	Verify(quote QuoteBytes, collateral *Collateral, now time.Time) (*Report, error)
}

// Resolver maps a verified report plus the CVM's TCB info to codehashes.
type Resolver interface {
	Resolve(report *Report, tcbInfo string) (Codehashes, error)
}

// Collector gathers evidence inside the CVM with reportData embedded in the quote.
type Collector interface {
	Collect(ctx context.Context, reportData [64]byte) (Evidence, error)
}
