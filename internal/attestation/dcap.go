package attestation

import (
	"fmt"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"

	"github.com/aspect-build/teegate/internal/logx"
)

const (
	quoteVersionV4 = 4
	teeTypeTDX     = 0x00000081
)

// DCAPVerifier checks TDX v4 quotes with go-tdx-guest, serving the PCS
// collateral from the bundle passed to Verify instead of Intel's endpoints.
type DCAPVerifier struct{}

func NewDCAPVerifier() *DCAPVerifier {
	return &DCAPVerifier{}
}

func (v *DCAPVerifier) Verify(quote QuoteBytes, collateral *Collateral, now time.Time) (*Report, error) {
	if collateral == nil {
		return nil, fmt.Errorf("%w: collateral is required", ErrVerification)
	}

	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: parse quote: %v", ErrVerification, err)
	}
	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type %T", ErrVerification, protoQuote)
	}

	options := verify.DefaultOptions()
	options.GetCollateral = true
	options.CheckRevocations = true
	options.Getter = collateral.Getter()
	options.Now = now
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	report, err := reportFromQuote(v4Quote)
	if err != nil {
		return nil, err
	}
	logx.Debugf("attestation.verify ok mrtd=%x rtmr3=%s", report.MrTd, report.RTMRHex(3))
	return report, nil
}

// reportFromQuote extracts the TD 1.0 fields. Every field is length-checked;
// nothing defaults to zero.
func reportFromQuote(q *tdx_pb.QuoteV4) (*Report, error) {
	header := q.GetHeader()
	if header == nil {
		return nil, fmt.Errorf("%w: quote has no header", ErrVerification)
	}
	if header.GetVersion() != quoteVersionV4 {
		return nil, fmt.Errorf("%w: unsupported quote version %d", ErrVerification, header.GetVersion())
	}
	if header.GetTeeType() != teeTypeTDX {
		return nil, fmt.Errorf("%w: tee type 0x%x is not TDX", ErrVerification, header.GetTeeType())
	}

	body := q.GetTdQuoteBody()
	if body == nil {
		return nil, fmt.Errorf("%w: quote has no TD report body", ErrVerification)
	}

	r := &Report{Version: ReportTD10}
	if err := copyExact(r.ReportData[:], body.GetReportData(), "report_data"); err != nil {
		return nil, err
	}
	if err := copyExact(r.MrTd[:], body.GetMrTd(), "mr_td"); err != nil {
		return nil, err
	}
	rtmrs := body.GetRtmrs()
	if len(rtmrs) != len(r.RTMRs) {
		return nil, fmt.Errorf("%w: expected %d RTMRs, got %d", ErrVerification, len(r.RTMRs), len(rtmrs))
	}
	for i, m := range rtmrs {
		if err := copyExact(r.RTMRs[i][:], m, fmt.Sprintf("rtmr%d", i)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func copyExact(dst, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrVerification, field, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
