package attestation

import (
	"bytes"
	"encoding/hex"
	"errors"
)

var (
	ErrVerification     = errors.New("quote verification failed")
	ErrIdentityMismatch = errors.New("report data does not match caller")
	ErrResolution       = errors.New("measurement resolution failed")
	ErrBadCollateral    = errors.New("malformed collateral")
)

// QuoteBytes is a raw TDX quote as emitted by the quoting enclave.
type QuoteBytes []byte

// Compare orders quotes bytewise.
func (q QuoteBytes) Compare(other QuoteBytes) int { return bytes.Compare(q, other) }

func (q QuoteBytes) Equal(other QuoteBytes) bool { return bytes.Equal(q, other) }

// ReportVersion tags the TD report layout extracted from a quote.
type ReportVersion int

const (
	ReportUnknown ReportVersion = iota
	ReportTD10
)

func (v ReportVersion) String() string {
	switch v {
	case ReportTD10:
		return "TD10"
	default:
		return "unknown"
	}
}

// Report is the verified content of a TD 1.0 quote body.
type Report struct {
	Version    ReportVersion
	ReportData [64]byte
	MrTd       [48]byte
	RTMRs      [4][48]byte
}

// RTMRHex returns the lowercase hex encoding of runtime measurement register i.
func (r *Report) RTMRHex(i int) string {
	return hex.EncodeToString(r.RTMRs[i][:])
}

// Codehashes are the two image digests a registration is judged on.
type Codehashes struct {
	API string `json:"api"`
	App string `json:"app"`
}

// Evidence is what an agent submits from inside the CVM.
type Evidence struct {
	QuoteHex string `json:"quote_hex"`
	TCBInfo  string `json:"tcb_info"`
}
