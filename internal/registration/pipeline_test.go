package registration

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

type fixture struct {
	store     *testutil.MemoryStore
	lookup    *testutil.FakeLookup
	publisher *testutil.RecordingPublisher
	pipeline  *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		store:     testutil.NewMemoryStore(),
		lookup:    testutil.NewFakeLookup(0),
		publisher: &testutil.RecordingPublisher{},
	}
	f.pipeline = NewPipeline(f.store, f.lookup, f.publisher, discardLogger(), nil)
	return f
}

func pending(id int64, key string) domain.Registration {
	return domain.Registration{
		ID:          id,
		CustomerKey: key,
		FullName:    "Binh Tran",
		Phone:       "0901000001",
		Email:       "binh@example.com",
		Status:      domain.RegistrationStatusPending,
	}
}

func (f *fixture) updates(t *testing.T) (interim, terminal []domain.RegistrationUpdate) {
	t.Helper()
	for _, payload := range f.publisher.On(domain.ChannelRegistrationUpdates) {
		update, ok := payload.(domain.RegistrationUpdate)
		require.True(t, ok)
		if update.ProcessLog != nil {
			terminal = append(terminal, update)
		} else {
			interim = append(interim, update)
		}
	}
	return interim, terminal
}

func TestProcess_Approved(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.lookup.SetAccounts("CUST-1", "A1", "A2")

	result, err := f.pipeline.Process(context.Background(), 1, 42)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.RegistrationStatusApproved, result.Status)
	assert.Equal(t, 2, result.AccountsFound)
	assert.GreaterOrEqual(t, result.TotalDuration, int64(0))

	var completed []string
	for _, entry := range result.ProcessLog {
		if entry.Status == domain.StageCompleted {
			completed = append(completed, entry.Stage)
			assert.NotNil(t, entry.DurationMs, entry.Stage)
		}
	}
	assert.Equal(t, []string{
		domain.StageDuplicateCheck,
		domain.StageT24Lookup,
		domain.StageAccountValidation,
		domain.StageStatusUpdate,
	}, completed)

	interim, terminal := f.updates(t)
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.RegistrationStatusApproved, terminal[0].Status)
	assert.Equal(t, 2, terminal[0].Details["accountsFound"])
	assert.Len(t, terminal[0].ProcessLog, 8)
	assert.Len(t, interim, 8)
	for _, update := range interim {
		assert.Equal(t, domain.RegistrationStatusPending, update.Status)
		assert.NotEmpty(t, update.Stage)
	}

	reg, _ := f.store.Registration(1)
	assert.Equal(t, domain.RegistrationStatusApproved, reg.Status)
	require.NotNil(t, reg.ProcessedBy)
	assert.Equal(t, int64(42), *reg.ProcessedBy)

	assert.Len(t, f.store.Accounts(result.UserID), 2)
}

func TestProcess_DuplicateWithDifferentPhone(t *testing.T) {
	f := newFixture()
	userID := f.store.AddUser(domain.User{CustomerKey: "CUST-1", FullName: "Binh Tran", Phone: "0900000000", Email: "binh@example.com"})
	f.store.AddRegistration(pending(1, "CUST-1"))

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.RegistrationStatusCompleted, result.Status)
	assert.Equal(t, []string{"phone"}, result.UpdatedFields)
	assert.Equal(t, userID, result.UserID)

	user, ok := f.store.User(userID)
	require.True(t, ok)
	assert.Equal(t, "0901000001", user.Phone)

	// No new user was created
	_, ok = f.store.User(userID + 1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.lookup.Calls("CUST-1"))

	var stages []string
	for _, entry := range result.ProcessLog {
		stages = append(stages, entry.Stage)
	}
	assert.Contains(t, stages, domain.StageUpdateUserInfo)
	assert.NotContains(t, stages, domain.StageT24Lookup)

	_, terminal := f.updates(t)
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.RegistrationStatusCompleted, terminal[0].Status)
}

func TestProcess_IdenticalDuplicate(t *testing.T) {
	f := newFixture()
	f.store.AddUser(domain.User{CustomerKey: "CUST-1", FullName: "Binh Tran", Phone: "0901000001", Email: "binh@example.com"})
	f.store.AddRegistration(pending(1, "CUST-1"))

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.RegistrationStatusDuplicate, result.Status)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, domain.RegistrationStatusDuplicate, reg.Status)
}

func TestProcess_NoAccounts(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.RegistrationStatusFailed, result.Status)

	last := result.ProcessLog[len(result.ProcessLog)-1]
	assert.Equal(t, domain.StageAccountValidation, last.Stage)
	assert.Equal(t, domain.StageFailed, last.Status)
	assert.NotNil(t, last.DurationMs)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, domain.RegistrationStatusFailed, reg.Status)
	assert.Equal(t, 1, reg.RetryCount)
}

func TestProcess_NoAccountsStatusFailureRecordedOnce(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.store.FailStatusUpdate = errors.New("connection reset")

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.RegistrationStatusFailed, result.Status)

	failed := 0
	for _, entry := range result.ProcessLog {
		if entry.Status == domain.StageFailed {
			failed++
			assert.Equal(t, domain.StageAccountValidation, entry.Stage)
		}
	}
	assert.Equal(t, 1, failed)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, 1, reg.RetryCount)
	assert.Equal(t, domain.ErrNoAccounts.Error(), reg.ErrorMessage)

	_, terminal := f.updates(t)
	assert.Len(t, terminal, 1)
}

func TestProcess_LookupFailureStaysPending(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.lookup.FailTimes("CUST-1", 1)

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, domain.RegistrationStatusPending, reg.Status)
	assert.Equal(t, 1, reg.RetryCount)
	assert.NotEmpty(t, reg.ErrorMessage)

	f.lookup.SetAccounts("CUST-1", "A1")
	result, err = f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationStatusApproved, result.Status)
}

func TestProcess_AlreadyProcessed(t *testing.T) {
	for _, status := range []string{
		domain.RegistrationStatusApproved,
		domain.RegistrationStatusCompleted,
		domain.RegistrationStatusDuplicate,
		domain.RegistrationStatusFailed,
	} {
		t.Run(status, func(t *testing.T) {
			f := newFixture()
			reg := pending(1, "CUST-1")
			reg.Status = status
			f.store.AddRegistration(reg)

			result, err := f.pipeline.Process(context.Background(), 1, 0)
			assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
			assert.True(t, IsRejection(err))
			assert.Nil(t, result)
			assert.Empty(t, f.publisher.Messages())
		})
	}
}

func TestProcess_SecondCallRejected(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.lookup.SetAccounts("CUST-1", "A1")

	_, err := f.pipeline.Process(context.Background(), 1, 0)
	require.NoError(t, err)
	published := len(f.publisher.Messages())

	_, err = f.pipeline.Process(context.Background(), 1, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Len(t, f.publisher.Messages(), published)
}

type blockingLookup struct {
	*testutil.FakeLookup
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLookup) GetCustomerAccountIDs(ctx context.Context, customerKey string) (*corebanking.AccountIDs, error) {
	close(b.entered)
	<-b.release
	return b.FakeLookup.GetCustomerAccountIDs(ctx, customerKey)
}

func TestProcess_ConcurrentCallsRunOnce(t *testing.T) {
	store := testutil.NewMemoryStore()
	publisher := &testutil.RecordingPublisher{}
	lookup := &blockingLookup{
		FakeLookup: testutil.NewFakeLookup(0),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	lookup.SetAccounts("CUST-1", "A1")
	store.AddRegistration(pending(1, "CUST-1"))
	pipeline := NewPipeline(store, lookup, publisher, discardLogger(), nil)

	type outcome struct {
		result *Result
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := pipeline.Process(context.Background(), 1, 0)
		first <- outcome{result, err}
	}()
	<-lookup.entered

	result, err := pipeline.Process(context.Background(), 1, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Nil(t, result)

	close(lookup.release)
	done := <-first
	require.NoError(t, done.err)
	assert.Equal(t, domain.RegistrationStatusApproved, done.result.Status)

	f := &fixture{publisher: publisher}
	_, terminal := f.updates(t)
	assert.Len(t, terminal, 1)
	assert.Len(t, store.Accounts(done.result.UserID), 1)
}

func TestProcess_StatusTakenByAnotherRun(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.store.AddUser(domain.User{CustomerKey: "CUST-1", FullName: "Binh Tran", Phone: "0901000001", Email: "binh@example.com"})
	f.store.FailStatusUpdate = domain.ErrAlreadyProcessed

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	require.NotNil(t, result)
	assert.Equal(t, domain.RegistrationStatusFailed, result.Status)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, 0, reg.RetryCount)
}

func TestProcess_NotFound(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.Process(context.Background(), 99, 0)
	assert.ErrorIs(t, err, domain.ErrSubjectNotFound)
	assert.True(t, IsRejection(err))
}

func TestProcess_UnexpectedError(t *testing.T) {
	f := newFixture()
	f.store.AddRegistration(pending(1, "CUST-1"))
	f.lookup.SetAccounts("CUST-1", "A1")
	f.store.FailInsertFor = map[string]error{"A1": errors.New("constraint violation")}

	result, err := f.pipeline.Process(context.Background(), 1, 0)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.RegistrationStatusFailed, result.Status)
	assert.Contains(t, result.Error, "constraint violation")

	last := result.ProcessLog[len(result.ProcessLog)-1]
	assert.Equal(t, domain.StageStatusUpdate, last.Stage)
	assert.Equal(t, domain.StageFailed, last.Status)

	reg, _ := f.store.Registration(1)
	assert.Equal(t, 1, reg.RetryCount)

	_, terminal := f.updates(t)
	assert.Len(t, terminal, 1)
}

func TestLogStage_Duration(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := NewPipeline(testutil.NewMemoryStore(), testutil.NewFakeLookup(0), nil, discardLogger(), nil)
	p.now = func() time.Time { return now }

	r := p.newRun(&domain.Registration{ID: 1}, 0)

	r.logStage("A", domain.StageStarted, "", "")
	now = now.Add(250 * time.Millisecond)
	r.logStage("A", domain.StageCompleted, "", "")
	now = now.Add(100 * time.Millisecond)
	r.logStage("B", domain.StageStarted, "", "")
	now = now.Add(100 * time.Millisecond)
	r.logStage("C", domain.StageStarted, "", "")
	now = now.Add(100 * time.Millisecond)
	r.logStage("B", domain.StageCompleted, "", "")

	require.Len(t, r.log, 5)
	assert.Nil(t, r.log[0].DurationMs)
	require.NotNil(t, r.log[1].DurationMs)
	assert.Equal(t, int64(250), *r.log[1].DurationMs)
	assert.Nil(t, r.log[2].DurationMs)
	assert.Nil(t, r.log[3].DurationMs)
	assert.Nil(t, r.log[4].DurationMs, "B completed does not directly follow B started")
	assert.Equal(t, "2026-01-02T03:04:05Z", r.log[0].Timestamp)
}

func TestChangedFields(t *testing.T) {
	user := &domain.User{FullName: "A", Phone: "1", Email: "a@example.com"}
	reg := &domain.Registration{FullName: "A", Phone: "2", Email: ""}

	patch := ChangedFields(user, reg)
	assert.Equal(t, domain.ProfilePatch{Phone: "2"}, patch)
}
