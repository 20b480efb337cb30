// Package registration runs the staged validation pipeline that turns a
// pending registration into a user with discovered accounts.
//
// Every stage transition is appended to a per-invocation process log and
// broadcast on service:registration-updates. One terminal update carrying the
// full log is broadcast before Process returns.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
)

// Store is the persistence needed by the pipeline
type Store interface {
	GetRegistration(ctx context.Context, id int64) (*domain.Registration, error)
	// FindUserByCustomerKey returns nil, nil when no user exists
	FindUserByCustomerKey(ctx context.Context, customerKey string) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error
	UpdateUserProfile(ctx context.Context, id int64, patch domain.ProfilePatch) error
	InsertAccount(ctx context.Context, account *domain.Account) error
	// UpdateRegistrationStatus moves a PENDING registration to status. It
	// returns ErrAlreadyProcessed when the registration has left PENDING.
	UpdateRegistrationStatus(ctx context.Context, id int64, status string, operatorID *int64, at time.Time) error
	// RecordRegistrationFailure increments the retry counter and stores message
	RecordRegistrationFailure(ctx context.Context, id int64, message string) error
}

// Lookup is the core-banking side of the pipeline
type Lookup interface {
	GetCustomerAccountIDs(ctx context.Context, customerKey string) (*corebanking.AccountIDs, error)
}

// Publisher receives registration updates
type Publisher interface {
	Publish(channel string, payload any)
}

// Result is returned to the caller of Process
type Result struct {
	Success       bool                  `json:"success"`
	Status        string                `json:"status"`
	Message       string                `json:"message"`
	ProcessLog    []domain.ProcessStage `json:"processLog"`
	TotalDuration int64                 `json:"totalDuration"`
	AccountsFound int                   `json:"accountsFound"`
	UpdatedFields []string              `json:"updatedFields,omitempty"`
	UserID        int64                 `json:"userId,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Pipeline processes registrations
type Pipeline struct {
	store     Store
	lookup    Lookup
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewPipeline creates a pipeline
func NewPipeline(store Store, lookup Lookup, publisher Publisher, logger *slog.Logger, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		store:     store,
		lookup:    lookup,
		publisher: publisher,
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
		inFlight:  make(map[int64]struct{}),
	}
}

// Process validates registration id on behalf of operatorID (0 when unknown).
//
// It returns ErrSubjectNotFound or ErrAlreadyProcessed without running any
// stage, including while another call holds the same id. A run whose final
// status write loses to another process returns ErrAlreadyProcessed with its
// FAILED Result. Business outcomes, including FAILED, are reported in the Result with
// a nil error. An unexpected failure returns both a FAILED Result holding the
// log accumulated so far and the error.
func (p *Pipeline) Process(ctx context.Context, id, operatorID int64) (result *Result, err error) {
	if !p.claim(id) {
		return nil, fmt.Errorf("registration %d is being processed: %w", id, domain.ErrAlreadyProcessed)
	}
	defer p.release(id)

	reg, err := p.store.GetRegistration(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration %d: %w", id, err)
	}
	if reg.Status != domain.RegistrationStatusPending {
		return nil, fmt.Errorf("registration %d is %s: %w", id, reg.Status, domain.ErrAlreadyProcessed)
	}

	r := p.newRun(reg, operatorID)
	defer func() {
		if rec := recover(); rec != nil {
			result, err = r.abort(ctx, fmt.Errorf("pipeline panicked: %v", rec))
		}
	}()

	return r.execute(ctx)
}

// claim reserves id for one Process call at a time
func (p *Pipeline) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id int64) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// run is the state of one Process invocation
type run struct {
	p          *Pipeline
	reg        *domain.Registration
	operatorID *int64
	logger     *slog.Logger
	start      time.Time

	log       []domain.ProcessStage
	startedAt time.Time
	stage     string
	finished  bool
}

func (p *Pipeline) newRun(reg *domain.Registration, operatorID int64) *run {
	r := &run{
		p:      p,
		reg:    reg,
		logger: p.logger.With(slog.Int64("registration_id", reg.ID)),
		start:  p.now(),
	}
	if operatorID != 0 {
		r.operatorID = &operatorID
	}
	return r
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	reg := r.reg

	r.logStage(domain.StageDuplicateCheck, domain.StageStarted, "Checking for an existing user", "")
	existing, err := r.p.store.FindUserByCustomerKey(ctx, reg.CustomerKey)
	if err != nil {
		return r.abort(ctx, fmt.Errorf("failed to check duplicates: %w", err))
	}
	if existing != nil {
		r.logStage(domain.StageDuplicateCheck, domain.StageCompleted, fmt.Sprintf("Existing user %d found", existing.ID), "")
		return r.resolveDuplicate(ctx, existing)
	}
	r.logStage(domain.StageDuplicateCheck, domain.StageCompleted, "No existing user", "")

	r.logStage(domain.StageT24Lookup, domain.StageStarted, "Looking up customer accounts", "")
	accounts, err := r.p.lookup.GetCustomerAccountIDs(ctx, reg.CustomerKey)
	if err != nil {
		attrs := []any{slog.Any("error", err)}
		var upstream *domain.UpstreamError
		if errors.As(err, &upstream) {
			attrs = append(attrs, slog.Int("upstream_status", upstream.StatusCode))
		}
		r.logger.Warn("Core banking lookup failed", attrs...)

		r.logStage(domain.StageT24Lookup, domain.StageFailed, "Core banking lookup failed", err.Error())
		r.recordFailure(ctx, err.Error())
		return r.finish(&Result{
			Status:  domain.RegistrationStatusFailed,
			Message: "Core banking lookup failed",
			Error:   err.Error(),
		}), nil
	}
	r.logStage(domain.StageT24Lookup, domain.StageCompleted, fmt.Sprintf("%d accounts found", accounts.TotalSize), "")

	r.logStage(domain.StageAccountValidation, domain.StageStarted, "Validating accounts", "")
	if len(accounts.AccountIDs) == 0 {
		r.logStage(domain.StageAccountValidation, domain.StageFailed, "", domain.ErrNoAccounts.Error())
		r.recordFailure(ctx, domain.ErrNoAccounts.Error())
		if err := r.updateStatus(ctx, domain.RegistrationStatusFailed); err != nil {
			return r.abort(ctx, err)
		}
		return r.finish(&Result{
			Status:  domain.RegistrationStatusFailed,
			Message: "No accounts found for customer",
			Error:   domain.ErrNoAccounts.Error(),
		}), nil
	}
	r.logStage(domain.StageAccountValidation, domain.StageCompleted, fmt.Sprintf("%d accounts valid", len(accounts.AccountIDs)), "")

	r.logStage(domain.StageStatusUpdate, domain.StageStarted, "Creating user", "")
	user := &domain.User{
		CustomerKey: reg.CustomerKey,
		FullName:    reg.FullName,
		Phone:       reg.Phone,
		Email:       reg.Email,
		CreatedAt:   r.p.now(),
		UpdatedAt:   r.p.now(),
	}
	if err := r.p.store.CreateUser(ctx, user); err != nil {
		return r.abort(ctx, fmt.Errorf("failed to create user: %w", err))
	}
	for _, accountID := range accounts.AccountIDs {
		account := &domain.Account{
			UserID:    user.ID,
			AccountID: accountID,
			Active:    true,
			CreatedAt: r.p.now(),
		}
		if err := r.p.store.InsertAccount(ctx, account); err != nil {
			return r.abort(ctx, fmt.Errorf("failed to insert account %s: %w", accountID, err))
		}
	}
	if err := r.updateStatus(ctx, domain.RegistrationStatusApproved); err != nil {
		return r.abort(ctx, err)
	}
	r.logStage(domain.StageStatusUpdate, domain.StageCompleted, "Registration approved", "")

	return r.finish(&Result{
		Success:       true,
		Status:        domain.RegistrationStatusApproved,
		Message:       "Registration approved",
		AccountsFound: len(accounts.AccountIDs),
		UserID:        user.ID,
	}), nil
}

// resolveDuplicate handles a registration whose customer is already a user.
// Differing data is applied to the user instead of rejecting the request.
func (r *run) resolveDuplicate(ctx context.Context, existing *domain.User) (*Result, error) {
	patch := ChangedFields(existing, r.reg)
	if patch.Empty() {
		r.logStage(domain.StageStatusUpdate, domain.StageStarted, "Marking duplicate", "")
		if err := r.updateStatus(ctx, domain.RegistrationStatusDuplicate); err != nil {
			return r.abort(ctx, err)
		}
		r.logStage(domain.StageStatusUpdate, domain.StageCompleted, "Registration is a duplicate", "")
		return r.finish(&Result{
			Status:  domain.RegistrationStatusDuplicate,
			Message: "User already exists with identical data",
			UserID:  existing.ID,
		}), nil
	}

	fields := patch.Fields()
	r.logStage(domain.StageUpdateUserInfo, domain.StageStarted, "Updating existing user", "")
	if err := r.p.store.UpdateUserProfile(ctx, existing.ID, patch); err != nil {
		return r.abort(ctx, fmt.Errorf("failed to update user %d: %w", existing.ID, err))
	}
	r.logStage(domain.StageUpdateUserInfo, domain.StageCompleted, fmt.Sprintf("Updated %v", fields), "")

	r.logStage(domain.StageStatusUpdate, domain.StageStarted, "Completing registration", "")
	if err := r.updateStatus(ctx, domain.RegistrationStatusCompleted); err != nil {
		return r.abort(ctx, err)
	}
	r.logStage(domain.StageStatusUpdate, domain.StageCompleted, "Registration completed", "")

	return r.finish(&Result{
		Success:       true,
		Status:        domain.RegistrationStatusCompleted,
		Message:       "Existing user updated",
		UpdatedFields: fields,
		UserID:        existing.ID,
	}), nil
}

// ChangedFields returns the registration values that are set and differ from the user
func ChangedFields(user *domain.User, reg *domain.Registration) domain.ProfilePatch {
	var patch domain.ProfilePatch
	if reg.FullName != "" && reg.FullName != user.FullName {
		patch.FullName = reg.FullName
	}
	if reg.Phone != "" && reg.Phone != user.Phone {
		patch.Phone = reg.Phone
	}
	if reg.Email != "" && reg.Email != user.Email {
		patch.Email = reg.Email
	}
	return patch
}

// logStage appends a transition and broadcasts it. A completed or failed entry
// gets a duration only when it directly follows the same stage's started entry.
func (r *run) logStage(stage, status, details, errMsg string) {
	now := r.p.now()
	entry := domain.ProcessStage{
		Stage:     stage,
		Status:    status,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Details:   details,
		Error:     errMsg,
	}

	if status != domain.StageStarted && len(r.log) > 0 {
		prev := r.log[len(r.log)-1]
		if prev.Stage == stage && prev.Status == domain.StageStarted {
			elapsed := now.Sub(r.startedAt)
			ms := elapsed.Milliseconds()
			entry.DurationMs = &ms
			r.p.metrics.ObserveStage(stage, status, elapsed.Seconds())
		}
	}
	if status == domain.StageStarted {
		r.startedAt = now
	}
	r.stage = stage
	r.log = append(r.log, entry)

	r.logger.Info("Registration stage",
		slog.String("stage", stage),
		slog.String("status", status),
		slog.String("details", details),
	)

	message := details
	if message == "" {
		message = stage + " " + status
	}
	stageDetails := map[string]any{"stageStatus": status}
	if errMsg != "" {
		stageDetails["error"] = errMsg
	}
	r.publish(domain.RegistrationUpdate{
		SubjectID: r.reg.ID,
		Status:    domain.RegistrationStatusPending,
		Timestamp: now.UnixMilli(),
		Stage:     stage,
		Message:   message,
		Details:   stageDetails,
	})
}

// finish stamps the result and publishes the single terminal update
func (r *run) finish(result *Result) *Result {
	result.ProcessLog = r.log
	result.TotalDuration = r.p.now().Sub(r.start).Milliseconds()

	if r.finished {
		return result
	}
	r.finished = true

	details := map[string]any{
		"accountsFound": result.AccountsFound,
		"totalDuration": result.TotalDuration,
	}
	if result.UserID != 0 {
		details["userId"] = result.UserID
	}
	if len(result.UpdatedFields) > 0 {
		details["updatedFields"] = result.UpdatedFields
	}
	if result.Error != "" {
		details["error"] = result.Error
	}

	r.publish(domain.RegistrationUpdate{
		SubjectID:  r.reg.ID,
		Status:     result.Status,
		Timestamp:  r.p.now().UnixMilli(),
		Message:    result.Message,
		Details:    details,
		ProcessLog: r.log,
	})
	r.p.metrics.RecordRegistration(result.Status)

	r.logger.Info("Registration processed",
		slog.String("status", result.Status),
		slog.Int64("total_duration_ms", result.TotalDuration),
	)
	return result
}

// abort converts an unexpected error into a FAILED result after recording it.
// A stage already logged as failed is not logged or recorded a second time,
// and a registration finished by another run is left untouched.
func (r *run) abort(ctx context.Context, err error) (*Result, error) {
	r.logger.Error("Registration pipeline failed",
		slog.String("stage", r.stage),
		slog.Any("error", err),
	)
	if !r.stageFailed() {
		if r.stage != "" {
			r.logStage(r.stage, domain.StageFailed, "", err.Error())
		}
		if !errors.Is(err, domain.ErrAlreadyProcessed) {
			r.recordFailure(ctx, err.Error())
		}
	}

	return r.finish(&Result{
		Status:  domain.RegistrationStatusFailed,
		Message: "Registration processing failed",
		Error:   err.Error(),
	}), err
}

func (r *run) stageFailed() bool {
	if len(r.log) == 0 {
		return false
	}
	last := r.log[len(r.log)-1]
	return last.Stage == r.stage && last.Status == domain.StageFailed
}

// recordFailure is best-effort: a secondary failure is logged only
func (r *run) recordFailure(ctx context.Context, message string) {
	if err := r.p.store.RecordRegistrationFailure(ctx, r.reg.ID, message); err != nil {
		r.logger.Error("Failed to record registration failure", slog.Any("error", err))
	}
}

func (r *run) updateStatus(ctx context.Context, status string) error {
	if err := r.p.store.UpdateRegistrationStatus(ctx, r.reg.ID, status, r.operatorID, r.p.now()); err != nil {
		return fmt.Errorf("failed to set registration status %s: %w", status, err)
	}
	return nil
}

func (r *run) publish(update domain.RegistrationUpdate) {
	if r.p.publisher == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Failed to broadcast registration update", slog.Any("panic", rec))
		}
	}()
	r.p.publisher.Publish(domain.ChannelRegistrationUpdates, update)
}

// IsRejection reports whether err means Process refused to run
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrSubjectNotFound) || errors.Is(err, domain.ErrAlreadyProcessed)
}
