package corebanking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&Config{
		BaseURL:  srv.URL,
		APIKey:   "secret",
		Timeout:  time.Second,
		PageSize: 100,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAccountPage_HasMore(t *testing.T) {
	tests := []struct {
		name     string
		page     AccountPage
		expected bool
	}{
		{
			name:     "first of two pages",
			page:     AccountPage{Header: PageHeader{TotalSize: 120, PageStart: 1, PageToken: "t"}, Body: make([]AccountItem, 100)},
			expected: true,
		},
		{
			name:     "last page",
			page:     AccountPage{Header: PageHeader{TotalSize: 120, PageStart: 101, PageToken: "t"}, Body: make([]AccountItem, 20)},
			expected: false,
		},
		{
			name:     "no token",
			page:     AccountPage{Header: PageHeader{TotalSize: 120, PageStart: 1}, Body: make([]AccountItem, 100)},
			expected: false,
		},
		{
			name:     "zero page start treated as first",
			page:     AccountPage{Header: PageHeader{TotalSize: 3, PageToken: "t"}, Body: make([]AccountItem, 2)},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.page.HasMore())
		})
	}
}

func TestClient_GetCustomerAccountIDs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/CUST-1/accounts", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("page_size"))
		assert.Empty(t, r.URL.Query().Get("page_token"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(AccountPage{
			Header: PageHeader{TotalSize: 3, PageStart: 1, PageToken: "next-1"},
			Body:   []AccountItem{{AccountID: "A1"}, {AccountID: "A2"}},
		})
	})

	result, err := client.GetCustomerAccountIDs(context.Background(), "CUST-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"A1", "A2"}, result.AccountIDs)
	assert.True(t, result.HasMore)
	assert.Equal(t, "next-1", result.NextPageToken)
	assert.Equal(t, 3, result.TotalSize)
}

func TestClient_GetCustomerAccounts_PassesToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "next-1", r.URL.Query().Get("page_token"))
		json.NewEncoder(w).Encode(AccountPage{
			Header: PageHeader{TotalSize: 3, PageStart: 3},
			Body:   []AccountItem{{AccountID: "A3"}},
		})
	})

	page, err := client.GetCustomerAccounts(context.Background(), "CUST-1", "next-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A3"}, page.IDs())
	assert.False(t, page.HasMore())
}

func TestClient_UpstreamFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "core banking unavailable", http.StatusBadGateway)
	})

	_, err := client.GetCustomerAccountIDs(context.Background(), "CUST-1")
	require.Error(t, err)

	var upstreamErr *domain.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusBadGateway, upstreamErr.StatusCode)
	assert.Contains(t, err.Error(), "core banking unavailable")
}

func TestClient_GetAccountDetails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/A1":
			json.NewEncoder(w).Encode(AccountDetails{
				AccountID:    "A1",
				AccountName:  "Savings",
				Currency:     "USD",
				CategoryCode: "6001",
				CategoryName: "Savings Account",
				Balance:      250.5,
				Customer:     CustomerProfile{FullName: "Jane Doe"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	found, err := client.GetAccountDetails(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, found.OK)
	assert.Equal(t, "Savings", found.Data.AccountName)
	assert.Equal(t, "6001", found.Data.CategoryCode)
	assert.Equal(t, 250.5, found.Data.Balance)
	assert.Equal(t, "Jane Doe", found.Data.Customer.FullName)

	missing, err := client.GetAccountDetails(context.Background(), "A404")
	require.NoError(t, err)
	assert.False(t, missing.OK)
	assert.Nil(t, missing.Data)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(&Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.GetAccountDetails(context.Background(), "A1")
	require.Error(t, err)

	var upstreamErr *domain.UpstreamError
	assert.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, 0, upstreamErr.StatusCode)
}
