package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/logx"
)

// RegisterSelf collects a quote whose report data is the client's own
// identity, attaches the collateral read from collateralPath and submits
// the registration.
func (c *Client) RegisterSelf(ctx context.Context, collector attestation.Collector, collateralPath, checksum string) (*RegisterResponse, error) {
	identity := c.Identity()
	if identity == "" {
		return nil, fmt.Errorf("registration requires a signing key")
	}
	reportData, err := attestation.ReportDataFor(identity)
	if err != nil {
		return nil, err
	}

	collateral, err := os.ReadFile(collateralPath)
	if err != nil {
		return nil, fmt.Errorf("read collateral: %w", err)
	}
	if !json.Valid(collateral) {
		return nil, fmt.Errorf("collateral file %s is not valid JSON", collateralPath)
	}

	evidence, err := collector.Collect(ctx, reportData)
	if err != nil {
		return nil, fmt.Errorf("collect attestation: %w", err)
	}
	logx.Debugf("client.register identity=%s quote_bytes=%d tcb_info_bytes=%d", identity, len(evidence.QuoteHex)/2, len(evidence.TCBInfo))

	return c.Register(ctx, RegisterRequest{
		QuoteHex:   evidence.QuoteHex,
		Collateral: json.RawMessage(collateral),
		Checksum:   checksum,
		TCBInfo:    evidence.TCBInfo,
	})
}
