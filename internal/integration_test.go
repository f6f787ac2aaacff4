package internal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/client"
	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server"
	"github.com/aspect-build/teegate/internal/server/db"
	"github.com/aspect-build/teegate/internal/transfer"
)

const testCollateral = `{"pck_crl_issuer_chain":"c","root_ca_crl":"00","pck_crl":"00",` +
	`"tcb_info_issuer_chain":"c","tcb_info":"{}","tcb_info_signature":"00",` +
	`"qe_identity_issuer_chain":"c","qe_identity":"{}","qe_identity_signature":"00"}`

// measuredVerifier accepts quotes laid out as RTMR3 (48 bytes) followed by
// the report data. It stands in for DCAP signature checking only.
type measuredVerifier struct{}

func (measuredVerifier) Verify(quote attestation.QuoteBytes, _ *attestation.Collateral, _ time.Time) (*attestation.Report, error) {
	if len(quote) < 48 {
		return nil, fmt.Errorf("%w: short quote", attestation.ErrVerification)
	}
	r := &attestation.Report{Version: attestation.ReportTD10}
	copy(r.RTMRs[3][:], quote[:48])
	copy(r.ReportData[:], quote[48:])
	return r, nil
}

// stubResolver returns fixed codehashes and counts how often it was asked.
type stubResolver struct {
	mu     sync.Mutex
	hashes attestation.Codehashes
	calls  int
}

func (s *stubResolver) Resolve(*attestation.Report, string) (attestation.Codehashes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.hashes, nil
}

func (s *stubResolver) set(h attestation.Codehashes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = h
}

func (s *stubResolver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// harness runs a full server over HTTP with named signing identities.
type harness struct {
	ts     *httptest.Server
	store  *db.Store
	ledger *transfer.Ledger
	sched  *transfer.Scheduler
	keys   map[string]*reqsig.Signer
}

func newHarness(ownerName string, balance int64, resolver attestation.Resolver) (*harness, error) {
	store, err := db.NewStore(":memory:")
	if err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	h := &harness{
		store:  store,
		ledger: transfer.NewLedger(big.NewInt(balance)),
		keys:   make(map[string]*reqsig.Signer),
	}
	h.sched = transfer.NewScheduler(h.ledger, transfer.Options{Workers: 1})

	owner, err := h.signer(ownerName)
	if err != nil {
		return nil, err
	}
	ct, err := contract.New(context.Background(), store, contract.Config{
		Owner:    owner.Identity(),
		Verifier: measuredVerifier{},
		Resolver: resolver,
		Payer:    h.sched,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	router := server.NewRouter(ct, &server.Config{}, reqsig.NewVerifier(time.Minute))
	h.ts = httptest.NewServer(router)
	return h, nil
}

func (h *harness) close() {
	if h.ts != nil {
		h.ts.Close()
	}
	if h.sched != nil {
		h.sched.Stop(context.Background())
	}
	if h.store != nil {
		h.store.Close()
	}
}

func (h *harness) signer(name string) (*reqsig.Signer, error) {
	if s, ok := h.keys[name]; ok {
		return s, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	s := reqsig.NewSigner(key)
	h.keys[name] = s
	return s, nil
}

func (h *harness) identity(name string) string {
	s, err := h.signer(name)
	if err != nil {
		panic(err)
	}
	return s.Identity()
}

// call sends a request signed by name, or unsigned when name is empty.
func (h *harness) call(name, method, path string, body any) (int, []byte, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if name != "" {
		s, err := h.signer(name)
		if err != nil {
			return 0, nil, err
		}
		if err := s.Sign(req, raw); err != nil {
			return 0, nil, err
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

// quoteHex builds a quote for measuredVerifier.
func quoteHex(rtmr3 [48]byte, reportIdentity string) string {
	return hex.EncodeToString(append(rtmr3[:], []byte(reportIdentity)...))
}

func (h *harness) registerBody(reportName, checksum string, rtmr3 [48]byte, tcbInfo string) map[string]any {
	return map[string]any{
		"quote_hex":  quoteHex(rtmr3, h.identity(reportName)),
		"collateral": json.RawMessage(testCollateral),
		"checksum":   checksum,
		"tcb_info":   tcbInfo,
	}
}

// dstackEvidence builds a tcb_info whose event log commits to compose and
// the RTMR3 value that log replays to.
func dstackEvidence(t *testing.T, compose string) (string, [48]byte) {
	t.Helper()
	composeHash := sha256.Sum256([]byte(compose))
	var events []attestation.Event
	var mr [48]byte
	for _, ev := range []struct {
		name    string
		payload []byte
	}{
		{"system-preparing", nil},
		{"app-id", []byte{0x01, 0x02}},
		{"compose-hash", composeHash[:]},
		{"instance-id", []byte{0x03}},
		{"boot-mr-done", nil},
	} {
		d := attestation.RuntimeEventDigest(attestation.RuntimeEventType, ev.name, ev.payload)
		events = append(events, attestation.Event{
			IMR:          3,
			EventType:    attestation.RuntimeEventType,
			Digest:       hex.EncodeToString(d[:]),
			Event:        ev.name,
			EventPayload: hex.EncodeToString(ev.payload),
		})
		sum := sha512.New384()
		sum.Write(mr[:])
		sum.Write(d[:])
		copy(mr[:], sum.Sum(nil))
	}
	doc, err := json.Marshal(attestation.TCBInfo{EventLog: events, AppCompose: compose})
	if err != nil {
		t.Fatalf("marshal tcb_info: %v", err)
	}
	return string(doc), mr
}

func appCompose(apiDigest, appDigest string) string {
	services := "services:\n" +
		"  shade-agent-api:\n" +
		"    image: mattdlockyer/shade-agent-api@sha256:" + apiDigest + "\n" +
		"  my-agent:\n" +
		"    image: example/my-agent:1.0@sha256:" + appDigest + "\n"
	doc, _ := json.Marshal(map[string]any{
		"manifest_version":    2,
		"runner":              "docker-compose",
		"docker_compose_file": services,
	})
	return string(doc)
}

func newMeasuredHarness(t *testing.T) *harness {
	t.Helper()
	h, err := newHarness("owner", 1000, attestation.NewTCBResolver("", ""))
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(h.close)
	return h
}

func mustCall(t *testing.T, h *harness, wantStatus int, name, method, path string, body any) map[string]any {
	t.Helper()
	status, raw, err := h.call(name, method, path, body)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	if status != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d body=%s", method, path, wantStatus, status, raw)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func TestMeasuredRegistrationEndToEnd(t *testing.T) {
	h := newMeasuredHarness(t)
	apiDigest := strings.Repeat("a1", 32)
	appDigest := strings.Repeat("b2", 32)
	tcbInfo, rtmr3 := dstackEvidence(t, appCompose(apiDigest, appDigest))

	// Nothing approved yet.
	out := mustCall(t, h, http.StatusForbidden, "alice", http.MethodPost, "/v1/agents/register",
		h.registerBody("alice", "cs-1", rtmr3, tcbInfo))
	if out["code"] != "unauthorized_code" {
		t.Fatalf("expected unauthorized_code, got %v", out)
	}

	for _, d := range []string{apiDigest, "sha256:" + appDigest} {
		mustCall(t, h, http.StatusOK, "owner", http.MethodPost, "/v1/codehashes", map[string]string{"codehash": d})
	}

	out = mustCall(t, h, http.StatusOK, "alice", http.MethodPost, "/v1/agents/register",
		h.registerBody("alice", "cs-1", rtmr3, tcbInfo))
	if out["registered"] != true {
		t.Fatalf("register: %v", out)
	}

	worker := mustCall(t, h, http.StatusOK, "", http.MethodGet, "/v1/agents/"+h.identity("alice"), nil)
	if worker["codehash"] != appDigest || worker["checksum"] != "cs-1" {
		t.Fatalf("worker = %v", worker)
	}

	// A quote whose RTMR3 does not match the event log fails resolution.
	var wrong [48]byte
	out = mustCall(t, h, http.StatusUnprocessableEntity, "alice", http.MethodPost, "/v1/agents/register",
		h.registerBody("alice", "cs-2", wrong, tcbInfo))
	if out["code"] != "resolution_failed" {
		t.Fatalf("expected resolution_failed, got %v", out)
	}
	worker = mustCall(t, h, http.StatusOK, "", http.MethodGet, "/v1/agents/"+h.identity("alice"), nil)
	if worker["checksum"] != "cs-1" {
		t.Fatalf("failed registration changed the worker: %v", worker)
	}
}

func TestPayFlowEndToEnd(t *testing.T) {
	h := newMeasuredHarness(t)
	apiDigest := strings.Repeat("0c", 32)
	appDigest := strings.Repeat("0d", 32)
	tcbInfo, rtmr3 := dstackEvidence(t, appCompose(apiDigest, appDigest))
	for _, d := range []string{apiDigest, appDigest} {
		mustCall(t, h, http.StatusOK, "owner", http.MethodPost, "/v1/codehashes", map[string]string{"codehash": d})
	}
	mustCall(t, h, http.StatusOK, "alice", http.MethodPost, "/v1/agents/register", h.registerBody("alice", "cs", rtmr3, tcbInfo))

	out := mustCall(t, h, http.StatusAccepted, "alice", http.MethodPost, "/v1/agents/pay", map[string]string{"target": "bob", "amount": "300"})
	if out["transfer_id"] == "" {
		t.Fatalf("pay: %v", out)
	}
	// Transfers beyond the vault balance are accepted and then fail silently.
	mustCall(t, h, http.StatusAccepted, "alice", http.MethodPost, "/v1/agents/pay", map[string]string{"target": "bob", "amount": "5000"})

	if err := h.sched.Stop(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if paid := h.ledger.PaidTo("bob"); paid.Int64() != 300 {
		t.Fatalf("bob was paid %s", paid)
	}
	bal := mustCall(t, h, http.StatusOK, "", http.MethodGet, "/v1/vault/balance", nil)
	if bal["balance"] != "700" {
		t.Fatalf("balance = %v", bal)
	}

	mustCall(t, h, http.StatusOK, "owner", http.MethodDelete, "/v1/codehashes/"+appDigest, nil)
	out = mustCall(t, h, http.StatusForbidden, "alice", http.MethodPost, "/v1/agents/pay", map[string]string{"target": "bob", "amount": "1"})
	if out["code"] != "code_revoked" {
		t.Fatalf("expected code_revoked, got %v", out)
	}
}

type staticCollector struct {
	rtmr3   [48]byte
	tcbInfo string
}

func (s staticCollector) Collect(_ context.Context, reportData [64]byte) (attestation.Evidence, error) {
	identity := strings.TrimRight(string(reportData[:]), "\x00")
	return attestation.Evidence{QuoteHex: quoteHex(s.rtmr3, identity), TCBInfo: s.tcbInfo}, nil
}

func TestClientRegisterSelf(t *testing.T) {
	h := newMeasuredHarness(t)
	apiDigest := strings.Repeat("1e", 32)
	appDigest := strings.Repeat("2f", 32)
	tcbInfo, rtmr3 := dstackEvidence(t, appCompose(apiDigest, appDigest))

	owner, err := client.New(h.ts.URL, h.keys["owner"], true)
	if err != nil {
		t.Fatalf("owner client: %v", err)
	}
	ctx := context.Background()
	for _, d := range []string{apiDigest, appDigest} {
		if _, err := owner.ApproveCodehash(ctx, d); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	agentSigner, _ := h.signer("agent")
	agent, err := client.New(h.ts.URL, agentSigner, true)
	if err != nil {
		t.Fatalf("agent client: %v", err)
	}
	collateralPath := filepath.Join(t.TempDir(), "collateral.json")
	if err := os.WriteFile(collateralPath, []byte(testCollateral), 0o600); err != nil {
		t.Fatalf("write collateral: %v", err)
	}

	resp, err := agent.RegisterSelf(ctx, staticCollector{rtmr3: rtmr3, tcbInfo: tcbInfo}, collateralPath, "v1.0")
	if err != nil {
		t.Fatalf("RegisterSelf: %v", err)
	}
	if resp.Worker.Identity != agent.Identity() || resp.Codehashes.App != appDigest || resp.Codehashes.API != apiDigest {
		t.Fatalf("registration = %+v", resp)
	}

	// Owner-only calls from the agent are refused with a typed error.
	_, err = agent.ApproveCodehash(ctx, "x")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "permission_denied" {
		t.Fatalf("expected permission_denied, got %v", err)
	}

	list, err := agent.ListAgents(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAgents = %v, %v", list, err)
	}
}
