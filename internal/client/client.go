// Package client talks to the stamp tour server from a device. It implements
// the gateway operations over HTTP and treats any response it cannot confirm
// as a storage failure.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/stamptour/internal/handler"
	"github.com/dukerupert/stamptour/internal/reward"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Table is used to derive remaining quota from the listing when the
	// quota endpoint fails. Defaults to reward.DefaultTable.
	Table   reward.Table
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is an HTTP client for the stamp tour API.
type Client struct {
	baseURL    string
	table      reward.Table
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Table.Len() == 0 {
		cfg.Table = reward.DefaultTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		table:      cfg.Table,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", reward.ErrStorageUnavailable, fmt.Sprintf(format, args...))
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("%s %s: %v", method, path, err)
	}
	return resp, nil
}

// getJSON issues a GET and decodes a 200 response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return unavailable("decode %s: %v", path, err)
	}
	return nil
}

// decodeError turns a non-2xx response into the matching reward error.
func (c *Client) decodeError(resp *http.Response) error {
	var er handler.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return unavailable("status %d", resp.StatusCode)
	}

	kind := reward.KindForReason(er.Reason)
	switch {
	case errors.Is(kind, reward.ErrValidation):
		return &reward.ValidationError{Field: er.Field, Msg: validationMsg(er)}
	case errors.Is(kind, reward.ErrQuotaExhausted), errors.Is(kind, reward.ErrQuotaChanged):
		rej := &reward.RejectionError{Kind: kind, Remaining: er.Remaining}
		rej.Claimed, _ = c.table.ByKey(er.Claimed)
		if t, ok := c.table.ByKey(er.Resolved); ok {
			rej.Resolved = &t
		}
		return rej
	case errors.Is(kind, reward.ErrAuth):
		return fmt.Errorf("%w: %s", reward.ErrAuth, er.Error)
	}
	return unavailable("status %d: %s", resp.StatusCode, er.Error)
}

func validationMsg(er handler.ErrorResponse) string {
	msg := er.Error
	if er.Field != "" {
		msg = strings.TrimPrefix(msg, er.Field+": ")
	}
	return msg
}

// Tiers fetches the server's tier table.
func (c *Client) Tiers(ctx context.Context) (reward.Table, error) {
	var resp handler.TiersResponse
	if err := c.getJSON(ctx, "/api/tiers", &resp); err != nil {
		return reward.Table{}, err
	}
	table, err := reward.NewTable(resp.Tiers)
	if err != nil {
		return reward.Table{}, fmt.Errorf("server tier table: %w", err)
	}
	return table, nil
}

// List returns every submission in ledger order.
func (c *Client) List(ctx context.Context) ([]reward.Submission, error) {
	var resp handler.ListResponse
	if err := c.getJSON(ctx, "/api/submissions", &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Remaining returns the remaining quota. When the quota endpoint fails it
// derives the snapshot from the full listing instead.
func (c *Client) Remaining(ctx context.Context) (reward.Snapshot, error) {
	var resp handler.QuotaResponse
	err := c.getJSON(ctx, "/api/quota", &resp)
	if err == nil {
		return resp.Remaining, nil
	}

	c.logger.Warn("quota endpoint failed, deriving from listing", "error", err)
	subs, lerr := c.List(ctx)
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	return c.table.Derive(subs), nil
}

// CheckTier reports whether the tier with the given key has units left.
func (c *Client) CheckTier(ctx context.Context, key string) (bool, int, error) {
	var resp handler.TierQuotaResponse
	if err := c.getJSON(ctx, "/api/quota/"+url.PathEscape(key), &resp); err != nil {
		return false, 0, err
	}
	return resp.Available, resp.Remaining, nil
}

// Register submits a registration. It succeeds only on a 201 carrying a
// confirmation with a submission id; anything else that is not a known
// rejection is reported as ErrStorageUnavailable because the outcome is
// unknown.
func (c *Client) Register(ctx context.Context, sub reward.Submission) (*reward.Receipt, error) {
	req := handler.RegisterRequest{
		Name:           sub.Name,
		Position:       sub.Position,
		Company:        sub.Company,
		Phone:          sub.Phone,
		Email:          sub.Email,
		CompletedCount: sub.CompletedCount,
		RewardLevel:    sub.RewardLevel,
	}
	if !sub.SubmittedAt.IsZero() {
		at := sub.SubmittedAt
		req.SubmittedAt = &at
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/registrations", req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.decodeError(resp)
	}

	var rr handler.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, unavailable("unconfirmed registration: %v", err)
	}
	if rr.Submission.ID == "" || rr.Tier.Key == "" {
		return nil, unavailable("unconfirmed registration: empty confirmation")
	}
	return &reward.Receipt{Submission: rr.Submission, Tier: rr.Tier, Remaining: rr.Remaining}, nil
}

// Reset clears the ledger. It returns the archive location, if any.
func (c *Client) Reset(ctx context.Context, adminKey string) (string, error) {
	header := http.Header{}
	header.Set(handler.AdminKeyHeader, adminKey)

	resp, err := c.do(ctx, http.MethodPost, "/api/admin/reset", nil, header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.decodeError(resp)
	}
	var rr handler.ResetResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", unavailable("decode reset response: %v", err)
	}
	return rr.Archive, nil
}
