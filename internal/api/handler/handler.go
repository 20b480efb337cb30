package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/account-sync/internal/broadcast"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
	"github.com/cuongbtq/account-sync/internal/pagination"
	"github.com/cuongbtq/account-sync/internal/registration"
	"github.com/cuongbtq/account-sync/internal/scheduler"
	"github.com/cuongbtq/account-sync/internal/storage"
)

// RegistrationStore is the storage used by the registration endpoints
type RegistrationStore interface {
	CreateRegistration(ctx context.Context, reg *domain.Registration) error
	GetRegistration(ctx context.Context, id int64) (*domain.Registration, error)
	ListRegistrations(ctx context.Context, filter storage.RegistrationFilter) ([]domain.Registration, error)
}

// Processor runs the registration pipeline
type Processor interface {
	Process(ctx context.Context, id, operatorID int64) (*registration.Result, error)
}

// EventSource feeds the event stream
type EventSource interface {
	Subscribe(channels []string, fn broadcast.Listener) (unsubscribe func())
}

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerState reports the broker link states
type BrokerState interface {
	State() map[string]string
}

// Dependencies holds all dependencies needed by handlers. Nil fields disable
// the routes that need them.
type Dependencies struct {
	Service       string
	Logger        *slog.Logger
	DB            HealthChecker
	Broker        BrokerState
	Metrics       *metrics.Collector
	Registry      *scheduler.Registry
	Queue         *pagination.Queue
	Registrations RegistrationStore
	Pipeline      Processor
	Events        EventSource
}
