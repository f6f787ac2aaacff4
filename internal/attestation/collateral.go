package attestation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-tdx-guest/verify/trust"
)

// PCS response headers carrying URL-escaped PEM issuer chains.
const (
	headerTCBInfoIssuerChain    = "Tcb-Info-Issuer-Chain"
	headerQEIdentityIssuerChain = "Sgx-Enclave-Identity-Issuer-Chain"
	headerPCKCRLIssuerChain     = "Sgx-Pck-Crl-Issuer-Chain"
)

// HexBytes decodes a JSON hex string, with or without a 0x prefix.
type HexBytes []byte

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// Collateral is the quote verification collateral bundle, laid out as the
// quote collateral v3 JSON produced by dcap-qvl and the Phala collateral API.
type Collateral struct {
	PCKCRLIssuerChain     string   `json:"pck_crl_issuer_chain"`
	RootCACRL             HexBytes `json:"root_ca_crl"`
	PCKCRL                HexBytes `json:"pck_crl"`
	TCBInfoIssuerChain    string   `json:"tcb_info_issuer_chain"`
	TCBInfo               string   `json:"tcb_info"`
	TCBInfoSignature      HexBytes `json:"tcb_info_signature"`
	QEIdentityIssuerChain string   `json:"qe_identity_issuer_chain"`
	QEIdentity            string   `json:"qe_identity"`
	QEIdentitySignature   HexBytes `json:"qe_identity_signature"`
}

// ParseCollateral decodes and sanity-checks a collateral JSON document.
// Signature and validity checks are left to the verifier.
func ParseCollateral(data []byte) (*Collateral, error) {
	var c Collateral
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCollateral, err)
	}
	required := []struct {
		name  string
		value string
	}{
		{"tcb_info_issuer_chain", c.TCBInfoIssuerChain},
		{"tcb_info", c.TCBInfo},
		{"qe_identity_issuer_chain", c.QEIdentityIssuerChain},
		{"qe_identity", c.QEIdentity},
		{"pck_crl_issuer_chain", c.PCKCRLIssuerChain},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, fmt.Errorf("%w: %s is missing", ErrBadCollateral, f.name)
		}
	}
	if !json.Valid([]byte(c.TCBInfo)) {
		return nil, fmt.Errorf("%w: tcb_info is not JSON", ErrBadCollateral)
	}
	if !json.Valid([]byte(c.QEIdentity)) {
		return nil, fmt.Errorf("%w: qe_identity is not JSON", ErrBadCollateral)
	}
	return &c, nil
}

// Getter serves this collateral in place of Intel PCS. Requests for anything
// the bundle does not contain fail, so verification never reaches the network.
func (c *Collateral) Getter() trust.HTTPSGetter {
	return &collateralGetter{c: c}
}

type collateralGetter struct {
	c *Collateral
}

func (g *collateralGetter) Get(rawURL string) (map[string][]string, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse collateral url: %w", err)
	}
	path := strings.ToLower(u.Path)

	switch {
	case strings.HasSuffix(path, "/tcb"):
		body := fmt.Sprintf(`{"tcbInfo":%s,"signature":%q}`, g.c.TCBInfo, hex.EncodeToString(g.c.TCBInfoSignature))
		return issuerChainHeader(headerTCBInfoIssuerChain, g.c.TCBInfoIssuerChain), []byte(body), nil
	case strings.HasSuffix(path, "/qe/identity"):
		body := fmt.Sprintf(`{"enclaveIdentity":%s,"signature":%q}`, g.c.QEIdentity, hex.EncodeToString(g.c.QEIdentitySignature))
		return issuerChainHeader(headerQEIdentityIssuerChain, g.c.QEIdentityIssuerChain), []byte(body), nil
	case strings.HasSuffix(path, "/pckcrl"):
		if len(g.c.PCKCRL) == 0 {
			return nil, nil, fmt.Errorf("collateral has no pck_crl")
		}
		return issuerChainHeader(headerPCKCRLIssuerChain, g.c.PCKCRLIssuerChain), g.c.PCKCRL, nil
	case strings.HasSuffix(path, ".der") || strings.HasSuffix(path, ".crl"):
		if len(g.c.RootCACRL) == 0 {
			return nil, nil, fmt.Errorf("collateral has no root_ca_crl")
		}
		return map[string][]string{}, g.c.RootCACRL, nil
	default:
		return nil, nil, fmt.Errorf("collateral for %s was not supplied", rawURL)
	}
}

func issuerChainHeader(name, chain string) map[string][]string {
	return map[string][]string{name: {url.QueryEscape(chain)}}
}
