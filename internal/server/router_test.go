package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server/db"
)

type echoVerifier struct{}

func (echoVerifier) Verify(quote attestation.QuoteBytes, _ *attestation.Collateral, _ time.Time) (*attestation.Report, error) {
	r := &attestation.Report{Version: attestation.ReportTD10}
	copy(r.ReportData[:], quote)
	return r, nil
}

type fixedResolver struct{}

func (fixedResolver) Resolve(*attestation.Report, string) (attestation.Codehashes, error) {
	return attestation.Codehashes{API: "api-v1", App: "app-v1"}, nil
}

func newSigner(t *testing.T) *reqsig.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return reqsig.NewSigner(key)
}

func newTestRouter(t *testing.T, owner string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := db.NewStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ct, err := contract.New(context.Background(), store, contract.Config{
		Owner:    owner,
		Verifier: echoVerifier{},
		Resolver: fixedResolver{},
	})
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	cfg := &Config{CORSOrigins: []string{"https://ui.example/"}}
	return NewRouter(ct, cfg, reqsig.NewVerifier(time.Minute))
}

func signedRequest(t *testing.T, s *reqsig.Signer, method, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if s != nil {
		if err := s.Sign(req, raw); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSignedOwnerAndAgentFlow(t *testing.T) {
	owner := newSigner(t)
	agent := newSigner(t)
	r := newTestRouter(t, owner.Identity())

	for _, h := range []string{"api-v1", "app-v1"} {
		w := serve(r, signedRequest(t, owner, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": h}))
		if w.Code != http.StatusOK {
			t.Fatalf("approve %s: %d %s", h, w.Code, w.Body.String())
		}
	}

	// The agent's quote carries its own address.
	body := map[string]any{
		"quote_hex":  hex.EncodeToString([]byte(agent.Identity())),
		"collateral": json.RawMessage(`{"pck_crl_issuer_chain":"c","root_ca_crl":"00","pck_crl":"00","tcb_info_issuer_chain":"c","tcb_info":"{}","tcb_info_signature":"00","qe_identity_issuer_chain":"c","qe_identity":"{}","qe_identity_signature":"00"}`),
		"checksum":   "cs",
		"tcb_info":   "{}",
	}
	w := serve(r, signedRequest(t, agent, http.MethodPost, "/v1/agents/register", body))
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}

	// Lower-cased path identities resolve to the checksummed record.
	w = serve(r, httptest.NewRequest(http.MethodGet, "/v1/agents/"+strings.ToLower(agent.Identity()), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get agent: %d %s", w.Code, w.Body.String())
	}

	// A non-owner signature is authenticated but not authorized.
	w = serve(r, signedRequest(t, agent, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": "x"}))
	if w.Code != http.StatusForbidden {
		t.Fatalf("agent approve: %d %s", w.Code, w.Body.String())
	}
}

func TestUnsignedMutationsRejected(t *testing.T) {
	owner := newSigner(t)
	r := newTestRouter(t, owner.Identity())

	w := serve(r, signedRequest(t, nil, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": "x"}))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: %d %s", w.Code, w.Body.String())
	}

	// Signature over a different body.
	req := signedRequest(t, owner, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": "x"})
	req.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"codehash":"y"}`)).Body
	w = serve(r, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered: %d %s", w.Code, w.Body.String())
	}

	// Replay of an accepted request.
	req = signedRequest(t, owner, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": "x"})
	replay := req.Clone(context.Background())
	replay.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"codehash":"x"}`)).Body
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("first: %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, replay); w.Code != http.StatusUnauthorized {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, newSigner(t).Identity())

	req := httptest.NewRequest(http.MethodOptions, "/v1/codehashes", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := serve(r, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, reqsig.HeaderSignature) {
		t.Fatalf("allow headers: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = serve(r, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected CORS grant")
	}
}
