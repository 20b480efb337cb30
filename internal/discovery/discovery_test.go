package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/pagination"
	"github.com/cuongbtq/account-sync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func accountIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%03d", prefix, i+1)
	}
	return ids
}

type fixture struct {
	store  *testutil.MemoryStore
	lookup *testutil.FakeLookup
	queue  *pagination.Queue
	job    *Discovery
}

func newFixture(t *testing.T, cfg Config, pageSize int) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewMemoryStore(),
		lookup: testutil.NewFakeLookup(pageSize),
		queue:  pagination.NewQueue(nil),
	}
	f.job = New(cfg, f.store, f.lookup, f.queue, discardLogger(), nil)
	return f
}

func TestRun_DefersRemainingPages(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10}, 100)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.lookup.SetAccounts("CUST-1", accountIDs("A", 120)...)

	stats, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, stats["added"])
	assert.Equal(t, 1, stats["enqueued"])
	assert.Len(t, f.store.Accounts(userID), 100)
	require.Equal(t, 1, f.queue.Size())

	job := f.queue.Snapshot()[0]
	assert.Equal(t, userID, job.SubjectID)
	assert.Equal(t, "CUST-1@100", job.PageToken)
	assert.Len(t, job.CarriedState, 100)

	took, err := f.job.DrainOne(context.Background())
	require.NoError(t, err)
	assert.True(t, took)
	assert.Len(t, f.store.Accounts(userID), 120)
	assert.Equal(t, 0, f.queue.Size())

	took, err = f.job.DrainOne(context.Background())
	require.NoError(t, err)
	assert.False(t, took)
}

func TestRun_ChainsEveryPage(t *testing.T) {
	f := newFixture(t, Config{}, 10)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.lookup.SetAccounts("CUST-1", accountIDs("A", 35)...)

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)

	drained := 0
	for f.queue.Size() > 0 {
		_, err := f.job.DrainOne(context.Background())
		require.NoError(t, err)
		drained++
	}
	assert.Equal(t, 3, drained)
	assert.Len(t, f.store.Accounts(userID), 35)
}

func TestRun_SkipsKnownAccounts(t *testing.T) {
	f := newFixture(t, Config{}, 100)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.store.AddAccount(domain.Account{UserID: userID, AccountID: "A1", Active: true})
	f.lookup.SetAccounts("CUST-1", "A1", "A2", "A2")

	stats, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["added"])
	assert.Len(t, f.store.Accounts(userID), 2)

	u, ok := f.store.User(userID)
	require.True(t, ok)
	assert.NotNil(t, u.LastDiscoveryAt)
}

func TestRun_UserFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, Config{}, 100)
	f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	okID := f.store.AddUser(domain.User{CustomerKey: "CUST-2"})
	f.lookup.Fail("CUST-1", errors.New("boom"))
	f.lookup.SetAccounts("CUST-2", "B1")

	stats, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats["subjects"])
	assert.Equal(t, 1, stats["processed"])
	assert.Equal(t, 1, stats["errors"])
	assert.Len(t, f.store.Accounts(okID), 1)
}

func TestRun_StoreFailure(t *testing.T) {
	f := newFixture(t, Config{}, 100)
	f.store.Err = errors.New("db down")

	_, err := f.job.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestDrainOne_RetriesThenDrops(t *testing.T) {
	f := newFixture(t, Config{MaxPageAttempts: 3}, 2)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.lookup.SetAccounts("CUST-1", "A1", "A2", "A3")

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.Size())

	f.lookup.FailTimes("CUST-1", 10)
	for attempt := 1; attempt <= 2; attempt++ {
		took, err := f.job.DrainOne(context.Background())
		assert.True(t, took)
		assert.Error(t, err)
		require.Equal(t, 1, f.queue.Size())
		assert.Equal(t, attempt, f.queue.Snapshot()[0].Attempts)
	}

	took, err := f.job.DrainOne(context.Background())
	assert.True(t, took)
	assert.Error(t, err)
	assert.Equal(t, 0, f.queue.Size())
	assert.Len(t, f.store.Accounts(userID), 2)
}

func TestDrainOne_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, Config{MaxPageAttempts: 3}, 2)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.lookup.SetAccounts("CUST-1", "A1", "A2", "A3")

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)

	f.lookup.FailTimes("CUST-1", 1)
	_, err = f.job.DrainOne(context.Background())
	require.Error(t, err)
	_, err = f.job.DrainOne(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.store.Accounts(userID), 3)
	assert.Equal(t, 0, f.queue.Size())
}

func TestDeactivation_AfterFullChain(t *testing.T) {
	f := newFixture(t, Config{DeactivateMissing: true}, 2)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.store.AddAccount(domain.Account{UserID: userID, AccountID: "OLD", Active: true})
	f.lookup.SetAccounts("CUST-1", "A1", "A2", "A3")

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, activeOf(f.store.Accounts(userID))["OLD"], "deactivation must wait for the full list")

	_, err = f.job.DrainOne(context.Background())
	require.NoError(t, err)

	active := activeOf(f.store.Accounts(userID))
	assert.False(t, active["OLD"])
	assert.True(t, active["A1"])
	assert.True(t, active["A3"])
}

func TestDeactivation_SkippedForIncompleteList(t *testing.T) {
	f := newFixture(t, Config{DeactivateMissing: true}, 2)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.store.AddAccount(domain.Account{UserID: userID, AccountID: "A3", Active: true})
	f.lookup.SetAccounts("CUST-1", "A1", "A2", "A3")
	f.lookup.OmitPageToken("CUST-1")

	stats, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats["enqueued"])
	assert.Equal(t, 0, f.queue.Size())

	active := activeOf(f.store.Accounts(userID))
	assert.True(t, active["A1"])
	assert.True(t, active["A2"])
	assert.True(t, active["A3"], "a partial listing must not deactivate accounts")
}

func TestDeactivation_DisabledByDefault(t *testing.T) {
	f := newFixture(t, Config{}, 100)
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.store.AddAccount(domain.Account{UserID: userID, AccountID: "OLD", Active: true})
	f.lookup.SetAccounts("CUST-1", "A1")

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, activeOf(f.store.Accounts(userID))["OLD"])
}

func TestNewRunner_Status(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute, DrainInterval: 5 * time.Second}, 1)
	f.store.AddUser(domain.User{CustomerKey: "CUST-1"})
	f.lookup.SetAccounts("CUST-1", "A1", "A2")

	publisher := &testutil.RecordingPublisher{}
	runner := f.job.NewRunner(publisher)
	require.True(t, runner.Trigger(context.Background()))

	status := runner.Status()
	assert.Equal(t, domain.ServiceAccountDiscovery, runner.Service())
	assert.Equal(t, 1, status["queueDepth"])
	assert.Equal(t, int64(5000), status["drainIntervalMs"])
	assert.Equal(t, 1, status["runCount"])
	assert.Len(t, publisher.On(domain.ChannelAccountDiscovery), 2)
}

func activeOf(accounts []domain.Account) map[string]bool {
	out := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		out[a.AccountID] = a.Active
	}
	return out
}
