package rest

import (
	"context"
	"net/http"

	"github.com/tripwire/notifyd/internal/config"
	"github.com/tripwire/notifyd/internal/journal"
	"github.com/tripwire/notifyd/notify"
)

// Controller is the subset of daemon.Daemon used by the REST handlers.
// Defining an interface allows handlers to be tested without live
// notifiers.
type Controller interface {
	// Watches returns every live watch ordered by path.
	Watches() ([]notify.WatchInfo, error)

	// Watch starts watching wc.Path; subject names the caller for auditing.
	Watch(wc config.WatchConfig, subject string) error

	// Unwatch stops watching path; subject names the caller for auditing.
	Unwatch(path, subject string) error

	// Recent returns up to n journalled results, newest first.
	Recent(ctx context.Context, n int) ([]journal.Record, error)

	// HealthzHandler serves the liveness probe.
	HealthzHandler(w http.ResponseWriter, r *http.Request)

	// MetricsHandler serves the Prometheus exposition.
	MetricsHandler() http.Handler
}
