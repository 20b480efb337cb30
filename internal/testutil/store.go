package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/storage"
)

// MemoryStore is an in-memory implementation of every store interface
type MemoryStore struct {
	mu            sync.Mutex
	nextUserID    int64
	nextAccountID int64
	nextRegID     int64
	users         map[int64]*domain.User
	accounts      []*domain.Account
	categories    map[string]domain.Category
	registrations map[int64]*domain.Registration

	// Err, when set, is returned by every call
	Err error
	// FailInsertFor makes InsertAccount fail for the listed account IDs
	FailInsertFor map[string]error
	// FailStatusUpdate, when set, is returned by UpdateRegistrationStatus
	FailStatusUpdate error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*domain.User),
		categories:    make(map[string]domain.Category),
		registrations: make(map[int64]*domain.Registration),
	}
}

// AddUser stores a copy of user and returns its ID
func (s *MemoryStore) AddUser(user domain.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		s.nextUserID++
		user.ID = s.nextUserID
	} else if user.ID > s.nextUserID {
		s.nextUserID = user.ID
	}
	s.users[user.ID] = &user
	return user.ID
}

// AddAccount stores a copy of account
func (s *MemoryStore) AddAccount(account domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAccountID++
	account.ID = s.nextAccountID
	s.accounts = append(s.accounts, &account)
}

// AddRegistration stores a copy of reg
func (s *MemoryStore) AddRegistration(reg domain.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg.ID > s.nextRegID {
		s.nextRegID = reg.ID
	}
	s.registrations[reg.ID] = &reg
}

// User returns a copy of a stored user
func (s *MemoryStore) User(id int64) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

// Registration returns a copy of a stored registration
func (s *MemoryStore) Registration(id int64) (domain.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registrations[id]
	if !ok {
		return domain.Registration{}, false
	}
	return *r, true
}

// Accounts returns copies of the accounts of a user
func (s *MemoryStore) Accounts(userID int64) []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out
}

// Categories returns the stored categories keyed by code
func (s *MemoryStore) Categories() map[string]domain.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Category, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) ListSubjectsForDiscovery(_ context.Context, limit int) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	// Never-discovered first, then oldest discovery, then ID
	sort.Slice(users, func(i, j int) bool {
		a, b := users[i].LastDiscoveryAt, users[j].LastDiscoveryAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return users[i].ID < users[j].ID
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var ids []string
	for _, a := range s.accounts {
		if a.UserID == userID {
			ids = append(ids, a.AccountID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) AccountExists(_ context.Context, userID int64, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	return s.findAccount(userID, accountID) != nil, nil
}

func (s *MemoryStore) findAccount(userID int64, accountID string) *domain.Account {
	for _, a := range s.accounts {
		if a.UserID == userID && a.AccountID == accountID {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) InsertAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if err, ok := s.FailInsertFor[account.AccountID]; ok {
		return err
	}
	if s.findAccount(account.UserID, account.AccountID) != nil {
		return nil
	}
	s.nextAccountID++
	stored := *account
	stored.ID = s.nextAccountID
	account.ID = stored.ID
	s.accounts = append(s.accounts, &stored)
	return nil
}

func (s *MemoryStore) MarkDiscovered(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrSubjectNotFound
	}
	u.LastDiscoveryAt = &at
	return nil
}

func (s *MemoryStore) DeactivateAccountsNotIn(_ context.Context, userID int64, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	set := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		set[id] = struct{}{}
	}
	n := 0
	for _, a := range s.accounts {
		if a.UserID != userID || !a.Active {
			continue
		}
		if _, ok := set[a.AccountID]; !ok {
			a.Active = false
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListAccountsMissingDetails(_ context.Context, limit int) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.Account
	for _, a := range s.accounts {
		if a.Active && a.EnrichedAt == nil {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].EnrichAttemptedAt, out[j].EnrichAttemptedAt
		switch {
		case ai == nil && aj == nil:
			return out[i].ID < out[j].ID
		case ai == nil || aj == nil:
			return ai == nil
		case !ai.Equal(*aj):
			return ai.Before(*aj)
		default:
			return out[i].ID < out[j].ID
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkEnrichmentAttempted(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, a := range s.accounts {
		if a.ID == id {
			a.EnrichAttemptedAt = &at
			return nil
		}
	}
	return domain.ErrSubjectNotFound
}

func (s *MemoryStore) UpdateAccountDetails(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, a := range s.accounts {
		if a.ID == account.ID {
			a.AccountName = account.AccountName
			a.Currency = account.Currency
			a.CategoryCode = account.CategoryCode
			a.Balance = account.Balance
			a.EnrichedAt = account.EnrichedAt
			return nil
		}
	}
	return domain.ErrSubjectNotFound
}

func (s *MemoryStore) UpsertCategory(_ context.Context, code, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.categories[code]; ok {
		return false, nil
	}
	s.categories[code] = domain.Category{Code: code, Name: name, CreatedAt: time.Now()}
	return true, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrSubjectNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUserProfile(_ context.Context, id int64, patch domain.ProfilePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return domain.ErrSubjectNotFound
	}
	if patch.FullName != "" {
		u.FullName = patch.FullName
	}
	if patch.Phone != "" {
		u.Phone = patch.Phone
	}
	if patch.Email != "" {
		u.Email = patch.Email
	}
	if patch.Address != "" {
		u.Address = patch.Address
	}
	u.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, id int64) (*domain.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	r, ok := s.registrations[id]
	if !ok {
		return nil, domain.ErrSubjectNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) FindUserByCustomerKey(_ context.Context, customerKey string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.CustomerKey == customerKey {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, u := range s.users {
		if u.CustomerKey == user.CustomerKey {
			return errors.New("duplicate customer key")
		}
	}
	s.nextUserID++
	user.ID = s.nextUserID
	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdateRegistrationStatus(_ context.Context, id int64, status string, operatorID *int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.FailStatusUpdate != nil {
		return s.FailStatusUpdate
	}
	r, ok := s.registrations[id]
	if !ok {
		return domain.ErrSubjectNotFound
	}
	if r.Status != domain.RegistrationStatusPending {
		return fmt.Errorf("registration %d: %w", id, domain.ErrAlreadyProcessed)
	}
	r.Status = status
	r.ProcessedBy = operatorID
	r.ProcessedAt = &at
	return nil
}

func (s *MemoryStore) RecordRegistrationFailure(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	r, ok := s.registrations[id]
	if !ok {
		return domain.ErrSubjectNotFound
	}
	r.RetryCount++
	r.ErrorMessage = message
	return nil
}

func (s *MemoryStore) CreateRegistration(_ context.Context, reg *domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.nextRegID++
	reg.ID = s.nextRegID
	if reg.Status == "" {
		reg.Status = domain.RegistrationStatusPending
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now()
	}
	cp := *reg
	s.registrations[reg.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRegistrations(_ context.Context, filter storage.RegistrationFilter) ([]domain.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.Registration
	for _, r := range s.registrations {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if r.CreatedAt.After(c.CreatedAt) || (r.CreatedAt.Equal(c.CreatedAt) && r.ID >= c.ID) {
				continue
			}
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}
