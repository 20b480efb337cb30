// Package discovery finds accounts that exist in the core-banking source but
// not locally. The first page of each customer is diffed inline; remaining
// pages are deferred to the pagination queue and drained one per tick.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
	"github.com/cuongbtq/account-sync/internal/pagination"
	"github.com/cuongbtq/account-sync/internal/scheduler"
)

// Store is the persistence needed by discovery
type Store interface {
	ListSubjectsForDiscovery(ctx context.Context, limit int) ([]domain.User, error)
	ListAccountIDs(ctx context.Context, userID int64) ([]string, error)
	AccountExists(ctx context.Context, userID int64, accountID string) (bool, error)
	InsertAccount(ctx context.Context, account *domain.Account) error
	MarkDiscovered(ctx context.Context, userID int64, at time.Time) error
	DeactivateAccountsNotIn(ctx context.Context, userID int64, keep []string) (int, error)
}

// Lookup is the core-banking side of discovery
type Lookup interface {
	GetCustomerAccountIDs(ctx context.Context, customerKey string) (*corebanking.AccountIDs, error)
	GetCustomerAccounts(ctx context.Context, customerKey, pageToken string) (*corebanking.AccountPage, error)
}

// Config holds discovery settings
type Config struct {
	Interval          time.Duration
	InitialDelay      time.Duration
	BatchSize         int
	DrainInterval     time.Duration
	MaxPageAttempts   int
	DeactivateMissing bool
}

// Discovery runs discovery passes and drains the pagination queue
type Discovery struct {
	config  Config
	store   Store
	lookup  Lookup
	queue   *pagination.Queue
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates a discovery job
func New(config Config, store Store, lookup Lookup, queue *pagination.Queue, logger *slog.Logger, collector *metrics.Collector) *Discovery {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxPageAttempts <= 0 {
		config.MaxPageAttempts = 3
	}
	return &Discovery{
		config:  config,
		store:   store,
		lookup:  lookup,
		queue:   queue,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// NewRunner wraps discovery in a scheduler runner with the drainer as an auxiliary timer
func (d *Discovery) NewRunner(publisher scheduler.Publisher, opts ...scheduler.Option) *scheduler.Runner {
	opts = append([]scheduler.Option{
		scheduler.WithAuxiliary("drain", d.config.DrainInterval, d.Drain),
		scheduler.WithStatus(func() map[string]any {
			return map[string]any{
				"batchSize":  d.config.BatchSize,
				"queueDepth": d.queue.Size(),
			}
		}),
	}, opts...)

	return scheduler.NewRunner(scheduler.Config{
		Service:      domain.ServiceAccountDiscovery,
		Channel:      domain.ChannelAccountDiscovery,
		Interval:     d.config.Interval,
		InitialDelay: d.config.InitialDelay,
	}, d.Run, publisher, d.logger, opts...)
}

// Run performs one discovery pass over a batch of users. Per-user failures are
// counted and do not abort the batch.
func (d *Discovery) Run(ctx context.Context) (map[string]any, error) {
	subjects, err := d.store.ListSubjectsForDiscovery(ctx, d.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for discovery: %w", err)
	}

	var processed, failed, added, enqueued int
	for _, subject := range subjects {
		n, deferred, err := d.discoverSubject(ctx, subject)
		added += n
		if deferred {
			enqueued++
		}
		if err != nil {
			failed++
			d.metrics.RecordItemError(domain.ServiceAccountDiscovery)
			d.logger.Error("Account discovery failed for user",
				slog.Int64("user_id", subject.ID),
				slog.Any("error", err),
			)
			continue
		}
		processed++
	}

	return map[string]any{
		"subjects":  len(subjects),
		"processed": processed,
		"errors":    failed,
		"added":     added,
		"enqueued":  enqueued,
	}, nil
}

func (d *Discovery) discoverSubject(ctx context.Context, subject domain.User) (added int, deferred bool, err error) {
	resp, err := d.lookup.GetCustomerAccountIDs(ctx, subject.CustomerKey)
	if err != nil {
		return 0, false, err
	}

	added, err = d.insertNew(ctx, subject.ID, resp.AccountIDs)
	if err != nil {
		return added, false, err
	}

	if resp.HasMore && resp.NextPageToken != "" {
		deferred = d.queue.Enqueue(domain.PaginationJob{
			SubjectID:    subject.ID,
			SubjectKey:   subject.CustomerKey,
			PageToken:    resp.NextPageToken,
			CarriedState: append([]string(nil), resp.AccountIDs...),
			EnqueuedAt:   d.now().UnixMilli(),
		})
		d.logger.Debug("Deferred remaining account pages",
			slog.Int64("user_id", subject.ID),
			slog.Int("total_size", resp.TotalSize),
			slog.Bool("enqueued", deferred),
		)
	} else {
		d.completeSweep(ctx, subject.ID, resp.AccountIDs, resp.TotalSize)
	}

	if err := d.store.MarkDiscovered(ctx, subject.ID, d.now()); err != nil {
		d.logger.Warn("Failed to record discovery time",
			slog.Int64("user_id", subject.ID),
			slog.Any("error", err),
		)
	}

	if added > 0 {
		d.logger.Info("Discovered new accounts",
			slog.Int64("user_id", subject.ID),
			slog.Int("added", added),
		)
	}
	return added, deferred, nil
}

// insertNew inserts the IDs not yet known for the user. Each insert is guarded
// by a fresh existence check because the drainer may insert concurrently.
func (d *Discovery) insertNew(ctx context.Context, userID int64, ids []string) (int, error) {
	knownIDs, err := d.store.ListAccountIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list known accounts: %w", err)
	}
	known := make(map[string]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = struct{}{}
	}

	added := 0
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		known[id] = struct{}{}

		exists, err := d.store.AccountExists(ctx, userID, id)
		if err != nil {
			return added, fmt.Errorf("failed to check account %s: %w", id, err)
		}
		if exists {
			continue
		}

		account := &domain.Account{
			UserID:    userID,
			AccountID: id,
			Active:    true,
			CreatedAt: d.now(),
		}
		if err := d.store.InsertAccount(ctx, account); err != nil {
			return added, fmt.Errorf("failed to insert account %s: %w", id, err)
		}
		added++
	}
	return added, nil
}

// completeSweep runs once the last upstream page of a user is read. It
// deactivates nothing unless seen covers the reported total.
func (d *Discovery) completeSweep(ctx context.Context, userID int64, seen []string, total int) {
	if !d.config.DeactivateMissing {
		return
	}
	if len(seen) < total {
		d.logger.Warn("Account list incomplete, skipping deactivation",
			slog.Int64("user_id", userID),
			slog.Int("seen", len(seen)),
			slog.Int("total_size", total),
		)
		return
	}

	n, err := d.store.DeactivateAccountsNotIn(ctx, userID, seen)
	if err != nil {
		d.logger.Error("Failed to deactivate missing accounts",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		return
	}
	if n > 0 {
		d.logger.Info("Deactivated accounts missing upstream",
			slog.Int64("user_id", userID),
			slog.Int("deactivated", n),
		)
	}
}

// Drain processes at most one pagination job
func (d *Discovery) Drain(ctx context.Context) {
	if _, err := d.DrainOne(ctx); err != nil {
		d.logger.Warn("Pagination job failed", slog.Any("error", err))
	}
}

// DrainOne dequeues and processes one job. It reports whether a job was taken.
// A failed job is re-enqueued until it reaches MaxPageAttempts, then dropped.
func (d *Discovery) DrainOne(ctx context.Context) (bool, error) {
	job, ok := d.queue.DequeueOne()
	if !ok {
		return false, nil
	}

	logger := d.logger.With(
		slog.Int64("user_id", job.SubjectID),
		slog.String("page_token", job.PageToken),
	)

	page, err := d.lookup.GetCustomerAccounts(ctx, job.SubjectKey, job.PageToken)
	if err == nil {
		var added int
		added, err = d.insertNew(ctx, job.SubjectID, page.IDs())
		if err == nil {
			d.afterPage(ctx, job, page, added, logger)
			return true, nil
		}
	}

	job.Attempts++
	if job.Attempts < d.config.MaxPageAttempts {
		d.queue.Enqueue(job)
		d.metrics.RecordPaginationJob("retried")
		logger.Warn("Pagination job requeued",
			slog.Int("attempts", job.Attempts),
			slog.Any("error", err),
		)
	} else {
		d.metrics.RecordPaginationJob("dropped")
		logger.Error("Pagination job dropped after max attempts",
			slog.Int("attempts", job.Attempts),
			slog.Any("error", err),
		)
	}
	return true, fmt.Errorf("pagination job for user %d: %w", job.SubjectID, err)
}

func (d *Discovery) afterPage(ctx context.Context, job domain.PaginationJob, page *corebanking.AccountPage, added int, logger *slog.Logger) {
	carried := append(append([]string(nil), job.CarriedState...), page.IDs()...)

	if page.HasMore() {
		d.queue.Enqueue(domain.PaginationJob{
			SubjectID:    job.SubjectID,
			SubjectKey:   job.SubjectKey,
			PageToken:    page.Header.PageToken,
			CarriedState: carried,
			EnqueuedAt:   d.now().UnixMilli(),
		})
	} else {
		d.metrics.RecordPaginationJob("completed")
		d.completeSweep(ctx, job.SubjectID, carried, page.Header.TotalSize)
	}

	logger.Info("Pagination page processed",
		slog.Int("items", len(page.Body)),
		slog.Int("added", added),
		slog.Bool("has_more", page.HasMore()),
	)
}
