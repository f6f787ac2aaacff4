// Package client talks to a teegate server on behalf of an agent or the owner.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server/db"
	"github.com/aspect-build/teegate/internal/transfer"
	"github.com/aspect-build/teegate/internal/version"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is a teegate API client. Mutating calls are signed with signer.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *reqsig.Signer
}

func normalizeServerURL(serverURL string) string {
	return strings.TrimRight(serverURL, "/")
}

// New returns a client for serverURL. signer may be nil for read-only use.
// allowInsecure controls whether plain HTTP is permitted.
func New(serverURL string, signer *reqsig.Signer, allowInsecure bool) (*Client, error) {
	serverURL = normalizeServerURL(serverURL)
	if serverURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(serverURL, "https://") {
		if !allowInsecure {
			return nil, fmt.Errorf("server URL %q is not HTTPS; use --insecure to allow plaintext HTTP", serverURL)
		}
		fmt.Fprintf(os.Stderr, "teegate: WARNING: communicating over plaintext HTTP (%s)\n", serverURL)
	}
	return &Client{
		baseURL: serverURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		signer:  signer,
	}, nil
}

// Identity is the address this client signs as, or "" without a signer.
func (c *Client) Identity() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Identity()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("teegate"))
	if signed {
		if c.signer == nil {
			return fmt.Errorf("%s %s requires a signing key", method, path)
		}
		if err := c.signer.Sign(req, body); err != nil {
			return err
		}
	}

	logx.Debugf("client.request method=%s path=%s signed=%v", method, path, signed)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) Owner(ctx context.Context) (string, error) {
	var out struct {
		Owner string `json:"owner"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/owner", nil, &out, false)
	return out.Owner, err
}

func (c *Client) ApproveCodehash(ctx context.Context, codehash string) (bool, error) {
	var out struct {
		Added bool `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/codehashes", map[string]string{"codehash": codehash}, &out, true)
	return out.Added, err
}

func (c *Client) RevokeCodehash(ctx context.Context, codehash string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/codehashes/"+url.PathEscape(codehash), nil, &out, true)
	return out.Removed, err
}

func (c *Client) ListCodehashes(ctx context.Context) ([]db.ApprovedCodehash, error) {
	var out []db.ApprovedCodehash
	err := c.do(ctx, http.MethodGet, "/v1/codehashes", nil, &out, false)
	return out, err
}

// RegisterRequest is the body of POST /v1/agents/register.
type RegisterRequest struct {
	QuoteHex   string          `json:"quote_hex"`
	Collateral json.RawMessage `json:"collateral"`
	Checksum   string          `json:"checksum"`
	TCBInfo    string          `json:"tcb_info"`
}

type RegisterResponse struct {
	Registered bool                   `json:"registered"`
	Replaced   bool                   `json:"replaced"`
	Worker     db.Worker              `json:"worker"`
	Codehashes attestation.Codehashes `json:"codehashes"`
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/v1/agents/register", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAgent(ctx context.Context, identity string) (*db.Worker, error) {
	var out db.Worker
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(identity), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]db.Worker, error) {
	var out []db.Worker
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &out, false)
	return out, err
}

// Pay asks the server to transfer amount to target from the vault. The
// returned ticket only confirms the transfer was queued.
func (c *Client) Pay(ctx context.Context, target, amount string) (*transfer.Ticket, error) {
	var out transfer.Ticket
	body := map[string]string{"target": target, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/agents/pay", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/vault/balance", nil, &out, false)
	return out.Balance, err
}
