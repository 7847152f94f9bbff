package ops

import (
	"context"

	"github.com/commodex/backoffice/internal/outbox"
)

// HealthStatus is the worker's operational snapshot.
type HealthStatus struct {
	Healthy           bool                  `json:"healthy"`
	DatabaseConnected bool                  `json:"database_connected"`
	BrokerConnected   bool                  `json:"broker_connected"`
	DispatcherRunning bool                  `json:"dispatcher_running"`
	Records           map[outbox.Status]int `json:"records"`
	Errors            []string              `json:"errors,omitempty"`
}

// Pinger is the database surface the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunStater reports whether the dispatcher loop is active.
type RunStater interface {
	Running() bool
}

// HealthChecker aggregates the worker's dependency health.
type HealthChecker struct {
	db         Pinger
	store      StatusCounter
	dispatcher RunStater
	brokerUp   func() bool
}

// StatusCounter is the store surface the health check needs.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[outbox.Status]int, error)
}

// NewHealthChecker builds a health checker. brokerUp reports broker
// connectivity; pass nil when running with the local publisher.
func NewHealthChecker(db Pinger, store StatusCounter, dispatcher RunStater, brokerUp func() bool) *HealthChecker {
	return &HealthChecker{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		brokerUp:   brokerUp,
	}
}

// Check gathers the current health snapshot.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:           true,
		DatabaseConnected: true,
		BrokerConnected:   true,
	}

	if err := h.db.Ping(ctx); err != nil {
		status.Healthy = false
		status.DatabaseConnected = false
		status.Errors = append(status.Errors, "database: "+err.Error())
	}

	if h.brokerUp != nil && !h.brokerUp() {
		status.Healthy = false
		status.BrokerConnected = false
		status.Errors = append(status.Errors, "broker: disconnected")
	}

	status.DispatcherRunning = h.dispatcher.Running()
	if !status.DispatcherRunning {
		status.Healthy = false
		status.Errors = append(status.Errors, "dispatcher: not running")
	}

	if counts, err := h.store.CountByStatus(ctx); err == nil {
		status.Records = counts
	} else {
		status.Errors = append(status.Errors, "records: "+err.Error())
	}

	return status
}
