package testutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/domain"
)

// FakeLookup serves account lists and details from memory. Page tokens have
// the form "<customerKey>@<offset>".
type FakeLookup struct {
	mu       sync.Mutex
	pageSize int
	accounts map[string][]string
	details  map[string]*corebanking.AccountDetails
	failKeys map[string]error
	failures map[string]int
	calls    map[string]int
	noToken  map[string]bool
}

// NewFakeLookup creates a lookup returning pages of pageSize items
func NewFakeLookup(pageSize int) *FakeLookup {
	return &FakeLookup{
		pageSize: pageSize,
		accounts: make(map[string][]string),
		details:  make(map[string]*corebanking.AccountDetails),
		failKeys: make(map[string]error),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		noToken:  make(map[string]bool),
	}
}

// SetAccounts sets the account IDs held for a customer
func (l *FakeLookup) SetAccounts(customerKey string, ids ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[customerKey] = append([]string(nil), ids...)
}

// SetDetails sets the detail record of an account
func (l *FakeLookup) SetDetails(details corebanking.AccountDetails) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.details[details.AccountID] = &details
}

// Fail makes every call for key fail with err. key is a customer key or an account ID.
func (l *FakeLookup) Fail(key string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failKeys[key] = err
}

// FailTimes makes the next n calls for key fail
func (l *FakeLookup) FailTimes(key string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key] = n
}

// OmitPageToken makes every page for customerKey come back without a
// next-page token while still reporting the full total size
func (l *FakeLookup) OmitPageToken(customerKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noToken[customerKey] = true
}

// Calls returns how many calls were made for key
func (l *FakeLookup) Calls(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func (l *FakeLookup) fault(op, key string) error {
	l.calls[key]++
	if err, ok := l.failKeys[key]; ok {
		return domain.NewUpstreamError(op, 503, err)
	}
	if l.failures[key] > 0 {
		l.failures[key]--
		return domain.NewUpstreamError(op, 503, fmt.Errorf("injected failure for %s", key))
	}
	return nil
}

func (l *FakeLookup) GetCustomerAccountIDs(ctx context.Context, customerKey string) (*corebanking.AccountIDs, error) {
	page, err := l.GetCustomerAccounts(ctx, customerKey, "")
	if err != nil {
		return nil, err
	}
	result := &corebanking.AccountIDs{
		AccountIDs: page.IDs(),
		HasMore:    page.HasMore(),
		TotalSize:  page.Header.TotalSize,
	}
	if result.HasMore {
		result.NextPageToken = page.Header.PageToken
	}
	return result, nil
}

func (l *FakeLookup) GetCustomerAccounts(_ context.Context, customerKey, pageToken string) (*corebanking.AccountPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fault("get customer accounts", customerKey); err != nil {
		return nil, err
	}

	offset := 0
	if pageToken != "" {
		key, raw, ok := strings.Cut(pageToken, "@")
		n, err := strconv.Atoi(raw)
		if !ok || key != customerKey || err != nil {
			return nil, domain.NewUpstreamError("get customer accounts", 400, fmt.Errorf("bad page token %q", pageToken))
		}
		offset = n
	}

	ids := l.accounts[customerKey]
	end := len(ids)
	if l.pageSize > 0 && offset+l.pageSize < end {
		end = offset + l.pageSize
	}
	if offset > end {
		offset = end
	}

	page := &corebanking.AccountPage{
		Header: corebanking.PageHeader{TotalSize: len(ids), PageStart: offset + 1},
	}
	for _, id := range ids[offset:end] {
		page.Body = append(page.Body, corebanking.AccountItem{AccountID: id, CustomerID: customerKey})
	}
	if end < len(ids) && !l.noToken[customerKey] {
		page.Header.PageToken = customerKey + "@" + strconv.Itoa(end)
	}
	return page, nil
}

func (l *FakeLookup) GetAccountDetails(_ context.Context, accountID string) (*corebanking.DetailResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fault("get account details", accountID); err != nil {
		return nil, err
	}
	d, ok := l.details[accountID]
	if !ok {
		return &corebanking.DetailResult{OK: false}, nil
	}
	cp := *d
	return &corebanking.DetailResult{OK: true, Data: &cp}, nil
}
