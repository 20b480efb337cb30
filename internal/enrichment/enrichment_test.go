package enrichment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_EnrichesAccountsAndCategories(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1", FullName: "An Nguyen", Phone: "0901", Email: "an@example.com", Address: "Hanoi"})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A1", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A2", Active: true})
	lookup.SetDetails(corebanking.AccountDetails{AccountID: "A1", AccountName: "Savings", Currency: "VND", CategoryCode: "6001", CategoryName: "Savings", Balance: 1500})
	lookup.SetDetails(corebanking.AccountDetails{AccountID: "A2", AccountName: "Current", Currency: "VND", CategoryCode: "6001", CategoryName: "Savings", Balance: 20})

	job := New(Config{}, store, lookup, discardLogger(), nil)
	stats, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats["enriched"])
	assert.Equal(t, 1, stats["categoriesCreated"])
	assert.Equal(t, 0, stats["profilesUpdated"])

	for _, a := range store.Accounts(userID) {
		assert.NotNil(t, a.EnrichedAt)
		assert.Equal(t, "VND", a.Currency)
		assert.Equal(t, "6001", a.CategoryCode)
	}
	assert.Contains(t, store.Categories(), "6001")

	// Enriched accounts are not selected again
	stats, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats["accounts"])
}

func TestRun_BackfillsOnlyMissingProfileFields(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1", FullName: "Local Name"})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A1", Active: true})
	lookup.SetDetails(corebanking.AccountDetails{
		AccountID: "A1",
		Customer: corebanking.CustomerProfile{
			FullName: "Upstream Name",
			Phone:    "0902",
			Email:    "up@example.com",
		},
	})

	job := New(Config{}, store, lookup, discardLogger(), nil)
	stats, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["profilesUpdated"])

	user, ok := store.User(userID)
	require.True(t, ok)
	assert.Equal(t, "Local Name", user.FullName)
	assert.Equal(t, "0902", user.Phone)
	assert.Equal(t, "up@example.com", user.Email)
	assert.Empty(t, user.Address)
}

func TestRun_IsolatesPerAccountFailures(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1"})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A1", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A2", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A3", Active: true})
	lookup.Fail("A1", errors.New("timeout"))
	lookup.SetDetails(corebanking.AccountDetails{AccountID: "A3", Currency: "USD"})

	job := New(Config{}, store, lookup, discardLogger(), nil)
	stats, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats["accounts"])
	assert.Equal(t, 1, stats["errors"])
	assert.Equal(t, 1, stats["notFound"])
	assert.Equal(t, 1, stats["enriched"])
}

func TestRun_UnknownAccountsDoNotStarveNewOnes(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1"})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "GONE", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "FLAKY", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "NEW", Active: true})
	lookup.Fail("FLAKY", errors.New("timeout"))
	lookup.SetDetails(corebanking.AccountDetails{AccountID: "NEW", Currency: "VND"})

	job := New(Config{BatchSize: 2}, store, lookup, discardLogger(), nil)

	stats, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats["enriched"])
	assert.Equal(t, 1, stats["notFound"])
	assert.Equal(t, 1, stats["errors"])

	stats, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["enriched"])

	byID := map[string]domain.Account{}
	for _, a := range store.Accounts(userID) {
		byID[a.AccountID] = a
	}
	assert.NotNil(t, byID["NEW"].EnrichedAt)
	assert.Nil(t, byID["NEW"].EnrichAttemptedAt)
	assert.Nil(t, byID["GONE"].EnrichedAt)
	assert.NotNil(t, byID["GONE"].EnrichAttemptedAt)
	assert.NotNil(t, byID["FLAKY"].EnrichAttemptedAt)
}

func TestRun_SpacesRequests(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1"})
	for _, id := range []string{"A1", "A2", "A3"} {
		store.AddAccount(domain.Account{UserID: userID, AccountID: id, Active: true})
	}

	job := New(Config{RequestDelay: 20 * time.Millisecond}, store, lookup, discardLogger(), nil)
	start := time.Now()
	_, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	store := testutil.NewMemoryStore()
	lookup := testutil.NewFakeLookup(0)
	userID := store.AddUser(domain.User{CustomerKey: "CUST-1"})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A1", Active: true})
	store.AddAccount(domain.Account{UserID: userID, AccountID: "A2", Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := New(Config{RequestDelay: time.Hour}, store, lookup, discardLogger(), nil)
	_, err := job.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMissingFields(t *testing.T) {
	user := &domain.User{FullName: "A", Email: "a@example.com"}
	patch := MissingFields(user, corebanking.CustomerProfile{FullName: "B", Phone: "1", Email: "b@example.com", Address: "X"})

	assert.Equal(t, domain.ProfilePatch{Phone: "1", Address: "X"}, patch)
	assert.Equal(t, []string{"phone", "address"}, patch.Fields())
}
