//go:build bdd

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"testing"

	"github.com/cucumber/godog"

	"github.com/aspect-build/teegate/internal/attestation"
)

// bddContext holds per-scenario state.
type bddContext struct {
	h        *harness
	resolver *stubResolver
	owner    string
	balance  int64

	// last HTTP response
	lastStatus int
	lastBody   []byte
}

func (b *bddContext) reset() {
	if b.h != nil {
		b.h.close()
	}
	*b = bddContext{}
}

// server starts lazily so Background steps can configure it first.
func (b *bddContext) server() (*harness, error) {
	if b.h != nil {
		return b.h, nil
	}
	b.resolver = &stubResolver{}
	h, err := newHarness(b.owner, b.balance, b.resolver)
	if err != nil {
		return nil, err
	}
	b.h = h
	return h, nil
}

func (b *bddContext) send(name, method, path string, body any) error {
	h, err := b.server()
	if err != nil {
		return err
	}
	status, raw, err := h.call(name, method, path, body)
	if err != nil {
		return err
	}
	b.lastStatus = status
	b.lastBody = raw
	return nil
}

// ── Given steps ─────────────────────────────────────────────────────

func (b *bddContext) theContractIsOwnedBy(name string) error {
	b.owner = name
	return nil
}

func (b *bddContext) theVaultHolds(amount int64) error {
	b.balance = amount
	return nil
}

func (b *bddContext) quotesResolveTo(api, app string) error {
	if _, err := b.server(); err != nil {
		return err
	}
	b.resolver.set(attestation.Codehashes{API: api, App: app})
	return nil
}

// ── When steps ──────────────────────────────────────────────────────

func (b *bddContext) approvesCodehash(name, codehash string) error {
	return b.send(name, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": codehash})
}

func (b *bddContext) revokesCodehash(name, codehash string) error {
	return b.send(name, http.MethodDelete, "/v1/codehashes/"+codehash, nil)
}

func (b *bddContext) registersWithQuoteFor(caller, reportName, checksum string) error {
	h, err := b.server()
	if err != nil {
		return err
	}
	// The stub resolver ignores measurements.
	var rtmr3 [48]byte
	return b.send(caller, http.MethodPost, "/v1/agents/register", h.registerBody(reportName, checksum, rtmr3, "{}"))
}

func (b *bddContext) paysTo(caller string, amount int, target string) error {
	return b.send(caller, http.MethodPost, "/v1/agents/pay", map[string]string{
		"target": target,
		"amount": strconv.Itoa(amount),
	})
}

// ── Then steps ──────────────────────────────────────────────────────

func (b *bddContext) theResponseStatusShouldBe(code int) error {
	if b.lastStatus != code {
		return fmt.Errorf("expected status %d, got %d (body: %s)", code, b.lastStatus, b.lastBody)
	}
	return nil
}

func (b *bddContext) theResponseJSONShouldBe(key, expected string) error {
	var m map[string]any
	if err := json.Unmarshal(b.lastBody, &m); err != nil {
		return fmt.Errorf("unmarshal response: %w (body: %s)", err, b.lastBody)
	}
	val, ok := m[key]
	if !ok {
		return fmt.Errorf("key %q not found in response: %s", key, b.lastBody)
	}
	if got := fmt.Sprintf("%v", val); got != expected {
		return fmt.Errorf("expected %q=%q, got %q", key, expected, got)
	}
	return nil
}

func (b *bddContext) agent(name string) (int, map[string]any, error) {
	h, err := b.server()
	if err != nil {
		return 0, nil, err
	}
	status, raw, err := h.call("", http.MethodGet, "/v1/agents/"+h.identity(name), nil)
	if err != nil {
		return 0, nil, err
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return status, m, nil
}

func (b *bddContext) theAgentShouldHave(name, checksum, codehash string) error {
	status, w, err := b.agent(name)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("get agent %s: status %d", name, status)
	}
	if w["checksum"] != checksum || w["codehash"] != codehash {
		return fmt.Errorf("agent %s = %v, want checksum=%s codehash=%s", name, w, checksum, codehash)
	}
	return nil
}

func (b *bddContext) theAgentShouldNotBeRegistered(name string) error {
	status, w, err := b.agent(name)
	if err != nil {
		return err
	}
	if status != http.StatusNotFound || w["code"] != "not_found" {
		return fmt.Errorf("expected agent %s to be absent, got %d %v", name, status, w)
	}
	return nil
}

func (b *bddContext) codehashShouldNotBeApproved(codehash string) error {
	h, err := b.server()
	if err != nil {
		return err
	}
	_, raw, err := h.call("", http.MethodGet, "/v1/codehashes/"+codehash, nil)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m["approved"] != false {
		return fmt.Errorf("codehash %s approved: %s", codehash, raw)
	}
	return nil
}

func (b *bddContext) theResolverShouldNotHaveBeenConsulted() error {
	if n := b.resolver.count(); n != 0 {
		return fmt.Errorf("resolver consulted %d times", n)
	}
	return nil
}

func (b *bddContext) shouldEventuallyHaveBeenPaid(target string, amount int64) error {
	// Draining the queue waits for every scheduled transfer to finish.
	if err := b.h.sched.Stop(context.Background()); err != nil {
		return err
	}
	if paid := b.h.ledger.PaidTo(target); paid.Int64() != amount {
		return fmt.Errorf("%s was paid %s, want %d", target, paid, amount)
	}
	return nil
}

func TestBDD(t *testing.T) {
	b := &bddContext{}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				b.reset()
				return ctx, nil
			})

			// Given
			sc.Step(`^the contract is owned by "([^"]*)"$`, b.theContractIsOwnedBy)
			sc.Step(`^the vault holds (\d+)$`, b.theVaultHolds)
			sc.Step(`^quotes resolve to api codehash "([^"]*)" and app codehash "([^"]*)"$`, b.quotesResolveTo)

			// When
			sc.Step(`^"([^"]*)" approves codehash "([^"]*)"$`, b.approvesCodehash)
			sc.Step(`^"([^"]*)" revokes codehash "([^"]*)"$`, b.revokesCodehash)
			sc.Step(`^"([^"]*)" registers with a quote for "([^"]*)" and checksum "([^"]*)"$`, b.registersWithQuoteFor)
			sc.Step(`^"([^"]*)" pays (\d+) to "([^"]*)"$`, b.paysTo)

			// Then
			sc.Step(`^the response status should be (\d+)$`, b.theResponseStatusShouldBe)
			sc.Step(`^the response JSON "([^"]*)" should be "([^"]*)"$`, b.theResponseJSONShouldBe)
			sc.Step(`^the agent "([^"]*)" should have checksum "([^"]*)" and codehash "([^"]*)"$`, b.theAgentShouldHave)
			sc.Step(`^the agent "([^"]*)" should not be registered$`, b.theAgentShouldNotBeRegistered)
			sc.Step(`^codehash "([^"]*)" should not be approved$`, b.codehashShouldNotBeApproved)
			sc.Step(`^the measurement resolver should not have been consulted$`, b.theResolverShouldNotHaveBeenConsulted)
			sc.Step(`^"([^"]*)" should eventually have been paid (\d+)$`, b.shouldEventuallyHaveBeenPaid)

			sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
				b.reset()
				return ctx, nil
			})
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run BDD tests")
	}
}

func init() {
	// Suppress Gin debug output during BDD tests.
	os.Setenv("GIN_MODE", "release")
}
