// Package remote is an HTTP client for the kudos API. The caller identity
// travels in the bearer token, so the client surface has no caller
// parameters; the server resolves authorization from the token subject.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kudos.org/internal/reputation"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the transport. Intended for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token used on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate obtains a token for the identity and keeps it for subsequent
// calls.
func (c *Client) Authenticate(ctx context.Context, identity string, roles []string) error {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"identity": identity,
		"roles":    roles,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) RegisterOrganization(ctx context.Context, orgID string) error {
	return c.call(ctx, http.MethodPost, "/v1/orgs", map[string]any{"org_id": orgID}, nil)
}

func (c *Client) AddAwarder(ctx context.Context, orgID string, awarder reputation.Identity, name string) error {
	return c.call(ctx, http.MethodPost, "/v1/orgs/"+url.PathEscape(orgID)+"/awarders", map[string]any{
		"identity": string(awarder),
		"name":     name,
	}, nil)
}

func (c *Client) Award(ctx context.Context, orgID string, to reputation.Identity, amount int64, reason string) (reputation.Transaction, error) {
	var resp struct {
		Transaction reputation.Transaction `json:"transaction"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/orgs/"+url.PathEscape(orgID)+"/awards", map[string]any{
		"to":     string(to),
		"amount": amount,
		"reason": reason,
	}, &resp)
	return resp.Transaction, err
}

func (c *Client) Revoke(ctx context.Context, orgID string, from reputation.Identity, amount int64, reason string) (reputation.Transaction, error) {
	var resp struct {
		Transaction reputation.Transaction `json:"transaction"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/orgs/"+url.PathEscape(orgID)+"/revocations", map[string]any{
		"from":   string(from),
		"amount": amount,
		"reason": reason,
	}, &resp)
	return resp.Transaction, err
}

func (c *Client) Balance(ctx context.Context, orgID string, account reputation.Identity) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/accounts/" + url.PathEscape(string(account)) + "/balance"
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Balance, err
}

func (c *Client) BalanceDetails(ctx context.Context, orgID string, account reputation.Identity) (reputation.BalanceDetails, error) {
	var resp reputation.BalanceDetails
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/accounts/" + url.PathEscape(string(account)) + "/balance?view=details"
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) PreviewDecay(ctx context.Context, orgID string, account reputation.Identity) (int64, error) {
	var resp struct {
		PendingDecay int64 `json:"pending_decay"`
	}
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/accounts/" + url.PathEscape(string(account)) + "/decay/preview"
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.PendingDecay, err
}

func (c *Client) ApplyDecay(ctx context.Context, orgID string, account reputation.Identity) (reputation.DecayResult, error) {
	var resp reputation.DecayResult
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/accounts/" + url.PathEscape(string(account)) + "/decay"
	err := c.call(ctx, http.MethodPost, path, nil, &resp)
	return resp, err
}

func (c *Client) RunBatchDecay(ctx context.Context, orgID, cursor string, budget int) (reputation.BatchResult, error) {
	var resp reputation.BatchResult
	path := "/v1/decay/run"
	if orgID != "" {
		path = "/v1/orgs/" + url.PathEscape(orgID) + "/decay/run"
	}
	err := c.call(ctx, http.MethodPost, path, map[string]any{
		"cursor": cursor,
		"budget": budget,
	}, &resp)
	return resp, err
}

func (c *Client) ListTransactions(ctx context.Context, orgID string, offset, limit int) ([]reputation.Transaction, int, error) {
	var resp struct {
		Items []reputation.Transaction `json:"items"`
		Total int                      `json:"total"`
	}
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/transactions?offset=" +
		strconv.Itoa(offset) + "&limit=" + strconv.Itoa(limit)
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Items, resp.Total, err
}

func (c *Client) OrgStats(ctx context.Context, orgID string) (reputation.OrgStats, error) {
	var resp reputation.OrgStats
	err := c.call(ctx, http.MethodGet, "/v1/orgs/"+url.PathEscape(orgID)+"/stats", nil, &resp)
	return resp, err
}

// APIError carries the server-side error payload.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error, RequestID: apiErr.RequestID}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
