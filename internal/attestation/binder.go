package attestation

import (
	"bytes"
	"fmt"
	"strings"
)

// ReportDataString decodes report data as UTF-8, replacing invalid sequences
// with U+FFFD. Trailing NUL padding is dropped.
func ReportDataString(rd [64]byte) string {
	return strings.ToValidUTF8(string(bytes.TrimRight(rd[:], "\x00")), "\uFFFD")
}

// BindReport requires the report to carry exactly the caller identity.
func BindReport(r *Report, caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: empty caller", ErrIdentityMismatch)
	}
	got := ReportDataString(r.ReportData)
	if got != caller {
		return fmt.Errorf("%w: report data %q, caller %q", ErrIdentityMismatch, got, caller)
	}
	return nil
}

// ReportDataFor builds the report data an agent embeds in its quote.
func ReportDataFor(identity string) ([64]byte, error) {
	var rd [64]byte
	if len(identity) > len(rd) {
		return rd, fmt.Errorf("identity %q exceeds %d bytes", identity, len(rd))
	}
	copy(rd[:], identity)
	return rd, nil
}
