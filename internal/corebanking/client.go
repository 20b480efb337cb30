// Package corebanking is a thin HTTP client for the core-banking source of truth
package corebanking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
)

// Config holds core-banking client configuration
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	PageSize int
}

// Client calls the core-banking HTTP API
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new core-banking client
func NewClient(config *Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// GetCustomerAccountIDs fetches the first page of a customer's accounts
func (c *Client) GetCustomerAccountIDs(ctx context.Context, customerKey string) (*AccountIDs, error) {
	page, err := c.GetCustomerAccounts(ctx, customerKey, "")
	if err != nil {
		return nil, err
	}

	result := &AccountIDs{
		AccountIDs: page.IDs(),
		HasMore:    page.HasMore(),
		TotalSize:  page.Header.TotalSize,
	}
	if result.HasMore {
		result.NextPageToken = page.Header.PageToken
	}
	return result, nil
}

// GetCustomerAccounts fetches one page of a customer's accounts; an empty
// pageToken requests the first page
func (c *Client) GetCustomerAccounts(ctx context.Context, customerKey, pageToken string) (*AccountPage, error) {
	query := url.Values{}
	if c.config.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(c.config.PageSize))
	}
	if pageToken != "" {
		query.Set("page_token", pageToken)
	}

	path := "/v1/customers/" + url.PathEscape(customerKey) + "/accounts"

	var page AccountPage
	status, err := c.get(ctx, path, query, &page)
	if err != nil {
		return nil, domain.NewUpstreamError("get customer accounts", status, err)
	}

	c.logger.Debug("Fetched customer accounts",
		slog.String("customer_key", customerKey),
		slog.Int("page_start", page.Header.PageStart),
		slog.Int("items", len(page.Body)),
		slog.Int("total_size", page.Header.TotalSize),
	)
	return &page, nil
}

// GetAccountDetails fetches one account. A missing account yields OK=false, not an error.
func (c *Client) GetAccountDetails(ctx context.Context, accountID string) (*DetailResult, error) {
	var details AccountDetails
	status, err := c.get(ctx, "/v1/accounts/"+url.PathEscape(accountID), nil, &details)
	if status == http.StatusNotFound {
		return &DetailResult{OK: false}, nil
	}
	if err != nil {
		return nil, domain.NewUpstreamError("get account details", status, err)
	}
	return &DetailResult{OK: true, Data: &details}, nil
}

// get issues a GET and decodes a JSON body into dest. The returned status is 0
// when no response was received.
func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) (int, error) {
	endpoint := c.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("unexpected response: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}
