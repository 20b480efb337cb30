// Package enrichment fills in account detail fields from the core-banking
// source and backfills incomplete user profiles.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
	"github.com/cuongbtq/account-sync/internal/scheduler"
)

// Store is the persistence needed by enrichment
type Store interface {
	ListAccountsMissingDetails(ctx context.Context, limit int) ([]domain.Account, error)
	UpdateAccountDetails(ctx context.Context, account *domain.Account) error
	// MarkEnrichmentAttempted moves an account behind accounts not yet tried
	MarkEnrichmentAttempted(ctx context.Context, id int64, at time.Time) error
	// UpsertCategory creates the category if absent and reports whether it did
	UpsertCategory(ctx context.Context, code, name string) (bool, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	UpdateUserProfile(ctx context.Context, id int64, patch domain.ProfilePatch) error
}

// Lookup is the core-banking side of enrichment
type Lookup interface {
	GetAccountDetails(ctx context.Context, accountID string) (*corebanking.DetailResult, error)
}

// Config holds enrichment settings
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int
	// RequestDelay is the minimum spacing between detail requests
	RequestDelay time.Duration
}

// Enrichment runs enrichment passes
type Enrichment struct {
	config  Config
	store   Store
	lookup  Lookup
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type runStats struct {
	enriched          int
	notFound          int
	failed            int
	categoriesCreated int
	profilesUpdated   int
}

// New creates an enrichment job
func New(config Config, store Store, lookup Lookup, logger *slog.Logger, collector *metrics.Collector) *Enrichment {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Enrichment{
		config:  config,
		store:   store,
		lookup:  lookup,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// NewRunner wraps enrichment in a scheduler runner
func (e *Enrichment) NewRunner(publisher scheduler.Publisher, opts ...scheduler.Option) *scheduler.Runner {
	opts = append([]scheduler.Option{
		scheduler.WithStatus(func() map[string]any {
			return map[string]any{
				"batchSize":      e.config.BatchSize,
				"requestDelayMs": e.config.RequestDelay.Milliseconds(),
			}
		}),
	}, opts...)

	return scheduler.NewRunner(scheduler.Config{
		Service:      domain.ServiceAccountEnrichment,
		Channel:      domain.ChannelAccountEnrichment,
		Interval:     e.config.Interval,
		InitialDelay: e.config.InitialDelay,
	}, e.Run, publisher, e.logger, opts...)
}

// Run enriches one batch of accounts. Requests are spaced by RequestDelay.
func (e *Enrichment) Run(ctx context.Context) (map[string]any, error) {
	accounts, err := e.store.ListAccountsMissingDetails(ctx, e.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts for enrichment: %w", err)
	}

	limit := rate.Inf
	if e.config.RequestDelay > 0 {
		limit = rate.Every(e.config.RequestDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var stats runStats
	for i := range accounts {
		if err := limiter.Wait(ctx); err != nil {
			return stats.toMap(len(accounts)), fmt.Errorf("enrichment interrupted: %w", err)
		}

		account := &accounts[i]
		err := e.enrichAccount(ctx, account, &stats)
		if err != nil {
			stats.failed++
			e.metrics.RecordItemError(domain.ServiceAccountEnrichment)
			e.logger.Error("Account enrichment failed",
				slog.String("account_id", account.AccountID),
				slog.Any("error", err),
			)
		}
		if err != nil || account.EnrichedAt == nil {
			e.markAttempted(ctx, account)
		}
	}

	return stats.toMap(len(accounts)), nil
}

// markAttempted keeps unknown or failing accounts from filling every batch
func (e *Enrichment) markAttempted(ctx context.Context, account *domain.Account) {
	if err := e.store.MarkEnrichmentAttempted(ctx, account.ID, e.now()); err != nil {
		e.logger.Warn("Failed to record enrichment attempt",
			slog.String("account_id", account.AccountID),
			slog.Any("error", err),
		)
	}
}

func (e *Enrichment) enrichAccount(ctx context.Context, account *domain.Account, stats *runStats) error {
	result, err := e.lookup.GetAccountDetails(ctx, account.AccountID)
	if err != nil {
		return err
	}
	if !result.OK || result.Data == nil {
		stats.notFound++
		e.logger.Warn("Account not found in core banking",
			slog.String("account_id", account.AccountID),
		)
		return nil
	}
	details := result.Data

	if details.CategoryCode != "" {
		name := details.CategoryName
		if name == "" {
			name = details.CategoryCode
		}
		created, err := e.store.UpsertCategory(ctx, details.CategoryCode, name)
		if err != nil {
			return fmt.Errorf("failed to upsert category %s: %w", details.CategoryCode, err)
		}
		if created {
			stats.categoriesCreated++
			e.logger.Info("Created account category",
				slog.String("code", details.CategoryCode),
				slog.String("name", name),
			)
		}
	}

	now := e.now()
	account.AccountName = details.AccountName
	account.Currency = details.Currency
	account.CategoryCode = details.CategoryCode
	account.Balance = details.Balance
	account.EnrichedAt = &now
	if err := e.store.UpdateAccountDetails(ctx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	stats.enriched++

	updated, err := e.backfillProfile(ctx, account.UserID, details.Customer)
	if err != nil {
		return err
	}
	if updated {
		stats.profilesUpdated++
	}
	return nil
}

// backfillProfile sets only the user profile fields that are empty
func (e *Enrichment) backfillProfile(ctx context.Context, userID int64, source corebanking.CustomerProfile) (bool, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if !user.ProfileIncomplete() {
		return false, nil
	}

	patch := MissingFields(user, source)
	if patch.Empty() {
		return false, nil
	}

	if err := e.store.UpdateUserProfile(ctx, userID, patch); err != nil {
		return false, fmt.Errorf("failed to backfill profile: %w", err)
	}
	e.logger.Info("Backfilled user profile",
		slog.Int64("user_id", userID),
		slog.Any("fields", patch.Fields()),
	)
	return true, nil
}

// MissingFields returns the source values for fields empty on user
func MissingFields(user *domain.User, source corebanking.CustomerProfile) domain.ProfilePatch {
	var patch domain.ProfilePatch
	if user.FullName == "" {
		patch.FullName = source.FullName
	}
	if user.Phone == "" {
		patch.Phone = source.Phone
	}
	if user.Email == "" {
		patch.Email = source.Email
	}
	if user.Address == "" {
		patch.Address = source.Address
	}
	return patch
}

func (s runStats) toMap(total int) map[string]any {
	return map[string]any{
		"accounts":          total,
		"enriched":          s.enriched,
		"notFound":          s.notFound,
		"errors":            s.failed,
		"categoriesCreated": s.categoriesCreated,
		"profilesUpdated":   s.profilesUpdated,
	}
}
