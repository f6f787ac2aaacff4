package attestation

import (
	"context"
	"encoding/hex"
	"fmt"

	dstacksdk "github.com/Dstack-TEE/dstack/sdk/go/dstack"
	tdx_client "github.com/google/go-tdx-guest/client"
)

// QuoteProvider produces a raw TDX quote over reportData.
type QuoteProvider interface {
	Quote(ctx context.Context, reportData [64]byte) ([]byte, error)
}

// GuestAgentQuoteProvider asks the dstack guest agent for a quote. It is the
// only quote source exposed inside a dstack app container.
type GuestAgentQuoteProvider struct {
	client *dstacksdk.DstackClient
}

func (p GuestAgentQuoteProvider) Quote(ctx context.Context, reportData [64]byte) ([]byte, error) {
	resp, err := p.client.GetQuote(ctx, reportData[:])
	if err != nil {
		return nil, fmt.Errorf("dstack get quote: %w", err)
	}
	quote, err := resp.DecodeQuote()
	if err != nil {
		return nil, fmt.Errorf("decode dstack quote: %w", err)
	}
	if len(quote) == 0 {
		return nil, fmt.Errorf("dstack returned an empty quote")
	}
	return quote, nil
}

// ConfigFSQuoteProvider asks the kernel TSM configfs for a quote, falling back
// to the legacy /dev/tdx_guest device. Use it on bare TDX guests.
type ConfigFSQuoteProvider struct{}

func (ConfigFSQuoteProvider) Quote(_ context.Context, reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("open tdx guest device: %w", err)
	}
	defer qd.Close()
	return tdx_client.GetRawQuote(qd, reportData)
}

// DstackCollector collects registration evidence inside a dstack CVM: the quote
// and tcb_info from the guest agent. A nil QuoteProvider uses the guest agent.
type DstackCollector struct {
	client *dstacksdk.DstackClient
	quotes QuoteProvider
}

func NewDstackCollector(endpoint string, quotes QuoteProvider) *DstackCollector {
	opts := []dstacksdk.DstackClientOption{}
	if endpoint != "" {
		opts = append(opts, dstacksdk.WithEndpoint(endpoint))
	}
	c := dstacksdk.NewDstackClient(opts...)
	if quotes == nil {
		quotes = GuestAgentQuoteProvider{client: c}
	}
	return &DstackCollector{client: c, quotes: quotes}
}

func (c *DstackCollector) Collect(ctx context.Context, reportData [64]byte) (Evidence, error) {
	info, err := c.client.Info(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dstack info: %w", err)
	}
	quote, err := c.quotes.Quote(ctx, reportData)
	if err != nil {
		return Evidence{}, fmt.Errorf("tdx quote: %w", err)
	}
	return Evidence{
		QuoteHex: hex.EncodeToString(quote),
		TCBInfo:  info.TcbInfo,
	}, nil
}
