// Package daemon contains the notifyd orchestrator. It owns the notifiers
// built from configuration, pumps their event streams into the journal and
// metrics, and records control-plane actions in the audit log.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tripwire/notifyd/internal/audit"
	"github.com/tripwire/notifyd/internal/config"
	"github.com/tripwire/notifyd/internal/journal"
	"github.com/tripwire/notifyd/notify"
)

// ErrNotRunning is returned by Watch and Unwatch outside Start/Stop.
var ErrNotRunning = errors.New("daemon: not running")

// Journal is the subset of the journal backends used by the daemon.
type Journal interface {
	// Append records one stream result.
	Append(ctx context.Context, rec journal.Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]journal.Record, error)
	// Close flushes and releases the backend.
	Close() error
}

// Publisher receives every stream result as it is delivered, e.g. for a
// live event feed. Publish must not block.
type Publisher interface {
	Publish(rec journal.Record)
}

// Auditor records control-plane actions.
type Auditor interface {
	Record(a audit.Action) (audit.Entry, error)
	Close() error
}

// group is one notifier and its stream. Watches with the same recursion
// profile share a group.
type group struct {
	profile  string
	notifier *notify.Notifier
	stream   *notify.Stream
}

// Daemon is the notifyd orchestrator.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	journal Journal
	audit   Auditor
	pub     Publisher
	reg     *prometheus.Registry
	metrics *metrics
	now     func() time.Time

	base      notify.Config
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.RWMutex
	running     bool
	groups      map[string]*group
	owner       map[string]string // watched path -> group profile
	lastEventAt time.Time
	wg          sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithJournal records every stream result in j. Without it results are
// only counted and logged.
func WithJournal(j Journal) Option {
	return func(d *Daemon) { d.journal = j }
}

// WithPublisher hands every stream result to p after it is journalled.
func WithPublisher(p Publisher) Option {
	return func(d *Daemon) { d.pub = p }
}

// WithAudit records watch, unwatch and shutdown actions in a.
func WithAudit(a Auditor) Option {
	return func(d *Daemon) { d.audit = a }
}

// WithMetrics registers the daemon's collectors on reg instead of a
// private registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(d *Daemon) { d.reg = reg }
}

// New creates a Daemon from cfg. Components that are not provided through
// options are disabled.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		groups: make(map[string]*group),
		owner:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = newMetrics(d.reg, d.watchCount)
	return d
}

// Start builds the engine configuration and watches every configured
// directory. A directory that cannot be watched fails Start and releases
// everything started so far.
func (d *Daemon) Start(ctx context.Context) error {
	base, err := d.cfg.Notify()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	base.Logger = d.logger.With(slog.String("component", "notify"))

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon: already running")
	}
	d.running = true
	d.base = base
	d.startTime = d.now()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.logger.Info("starting notifyd",
		slog.String("listen_addr", d.cfg.ListenAddr),
		slog.String("log_level", d.cfg.LogLevel),
		slog.String("journal", d.cfg.Journal.Driver),
		slog.Int("num_watches", len(d.cfg.Watches)),
	)

	for i, wc := range d.cfg.Watches {
		if err := d.Watch(wc, "config"); err != nil {
			d.Stop()
			return fmt.Errorf("daemon: watches[%d]: %w", i, err)
		}
	}

	d.logger.Info("notifyd started")
	return nil
}

// Stop closes every notifier, waits for the event pumps to drain their
// streams, then closes the journal and audit log. It is safe to call Stop
// multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	groups := d.groups
	d.groups = make(map[string]*group)
	d.owner = make(map[string]string)
	d.mu.Unlock()

	for _, g := range groups {
		if err := g.notifier.Close(); err != nil {
			d.logger.Warn("error closing notifier",
				slog.String("profile", g.profile), slog.Any("error", err))
		}
	}
	d.wg.Wait()
	d.cancel()

	d.recordAudit(audit.Action{Op: "close"})
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("error closing journal", slog.Any("error", err))
		}
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}

	d.logger.Info("notifyd stopped")
}

// Watch starts watching wc.Path with wc's recursion settings. subject names
// the caller in the audit log.
func (d *Daemon) Watch(wc config.WatchConfig, subject string) error {
	err := d.watch(wc)
	d.recordAudit(audit.Action{Op: "watch", Path: wc.Path, Subject: subject, Error: errString(err)})
	if err != nil {
		return err
	}
	d.logger.Info("watching directory",
		slog.String("path", wc.Path),
		slog.Bool("recursive", wc.Recursive),
		slog.String("subject", subject),
	)
	return nil
}

func (d *Daemon) watch(wc config.WatchConfig) error {
	path := d.canonical(wc.Path)
	profile := wc.Profile()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	if prev, ok := d.owner[path]; ok && prev != profile {
		return fmt.Errorf("daemon: %s is already watched with different recursion settings", path)
	}

	g, ok := d.groups[profile]
	if !ok {
		var err error
		if g, err = d.newGroup(wc); err != nil {
			return err
		}
		d.groups[profile] = g
	}
	if err := g.notifier.Watch(wc.Path); err != nil {
		return err
	}
	d.syncOwners(g)
	return nil
}

// canonical mirrors the notifier's path resolution so that owner keys
// match the paths Watches reports.
func (d *Daemon) canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if d.base.FollowSymlinks {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			return resolved
		}
	}
	return abs
}

// syncOwners rebuilds g's owner entries from the roots its notifier
// reports, picking up renamed roots and dropping removed ones. The caller
// holds d.mu.
func (d *Daemon) syncOwners(g *group) {
	infos, err := g.notifier.Watches()
	if err != nil {
		d.logger.Warn("failed to list watches", slog.String("profile", g.profile), slog.Any("error", err))
		return
	}
	for path, profile := range d.owner {
		if profile == g.profile {
			delete(d.owner, path)
		}
	}
	for _, info := range infos {
		if info.Root {
			d.owner[info.Path] = g.profile
		}
	}
}

// newGroup builds a notifier for wc's recursion profile and starts its
// event pump. The caller holds d.mu.
func (d *Daemon) newGroup(wc config.WatchConfig) (*group, error) {
	cfg, err := wc.Apply(d.base)
	if err != nil {
		return nil, err
	}
	s := notify.NewStream()
	n, err := notify.New(s, cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: start notifier: %w", err)
	}
	g := &group{profile: wc.Profile(), notifier: n, stream: s}
	d.wg.Add(1)
	go d.pump(g)
	return g, nil
}

// Unwatch stops watching path. subject names the caller in the audit log.
func (d *Daemon) Unwatch(path, subject string) error {
	err := d.unwatch(path)
	d.recordAudit(audit.Action{Op: "unwatch", Path: path, Subject: subject, Error: errString(err)})
	if err == nil {
		d.logger.Info("unwatched directory", slog.String("path", path), slog.String("subject", subject))
	}
	return err
}

// unwatch removes path from the notifier that owns it. A path the owner
// map does not know, such as a symlink alias or a root renamed since it was
// watched, is offered to every notifier, which resolve it by identity.
func (d *Daemon) unwatch(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrNotRunning
	}

	if profile, ok := d.owner[d.canonical(path)]; ok {
		g := d.groups[profile]
		err := g.notifier.Unwatch(path)
		d.syncOwners(g)
		if !errors.Is(err, notify.ErrNotWatched) {
			return err
		}
	}

	profiles := make([]string, 0, len(d.groups))
	for p := range d.groups {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)
	for _, p := range profiles {
		g := d.groups[p]
		err := g.notifier.Unwatch(path)
		if errors.Is(err, notify.ErrNotWatched) {
			continue
		}
		if err == nil {
			d.syncOwners(g)
		}
		return err
	}
	return &notify.PathError{Op: "unwatch", Path: path, Err: notify.ErrNotWatched}
}

// Watches returns every live watch across all notifiers, ordered by path.
func (d *Daemon) Watches() ([]notify.WatchInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var all []notify.WatchInfo
	for _, g := range d.groups {
		infos, err := g.notifier.Watches()
		if err != nil {
			return nil, err
		}
		all = append(all, infos...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all, nil
}

func (d *Daemon) watchCount() float64 {
	infos, err := d.Watches()
	if err != nil {
		return 0
	}
	return float64(len(infos))
}

// Recent returns up to n journalled results, newest first.
func (d *Daemon) Recent(ctx context.Context, n int) ([]journal.Record, error) {
	if d.journal == nil {
		return nil, nil
	}
	return d.journal.Recent(ctx, n)
}

// pump drains g's stream until the notifier closes it.
func (d *Daemon) pump(g *group) {
	defer d.wg.Done()
	for res := range g.stream.C() {
		d.handleResult(res)
	}
	d.logger.Debug("event stream ended", slog.String("profile", g.profile))
}

// handleResult records one stream result. Errors are logged but never stop
// the pump.
func (d *Daemon) handleResult(res notify.Result) {
	now := d.now()
	d.mu.Lock()
	d.lastEventAt = now
	d.mu.Unlock()

	d.metrics.observe(res)

	if res.Err != nil {
		level := slog.LevelWarn
		if isOverflow(res.Err) {
			level = slog.LevelError
		}
		d.logger.Log(d.ctx, level, "notifier error", slog.Any("error", res.Err))
	} else {
		d.logger.Debug("event",
			slog.String("op", res.Event.Op.String()),
			slog.String("path", res.Event.Path),
			slog.String("old_path", res.Event.OldPath),
		)
	}

	rec := journal.NewRecord(res, now)
	if d.journal != nil {
		if err := d.journal.Append(d.ctx, rec); err != nil {
			d.logger.Warn("failed to journal result", slog.Any("error", err))
		}
	}
	if d.pub != nil {
		d.pub.Publish(rec)
	}
}

func (d *Daemon) recordAudit(a audit.Action) {
	if d.audit == nil {
		return
	}
	if _, err := d.audit.Record(a); err != nil {
		d.logger.Warn("failed to write audit entry", slog.String("op", a.Op), slog.Any("error", err))
	}
}

// MetricsHandler serves the Prometheus exposition of the daemon's registry.
func (d *Daemon) MetricsHandler() http.Handler {
	return d.metrics.handler()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Watches     int     `json:"watches"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the daemon's health.
func (d *Daemon) Health() HealthStatus {
	watches, err := d.Watches()

	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{Status: "ok", Watches: len(watches)}
	switch {
	case !d.running:
		h.Status = "stopped"
	case err != nil:
		h.Status = "degraded"
	default:
		h.UptimeS = d.now().Sub(d.startTime).Seconds()
	}
	if !d.lastEventAt.IsZero() {
		h.LastEventAt = d.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with the daemon's health as JSON. It answers 503
// when the daemon is not running.
func (d *Daemon) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	code := http.StatusOK
	if h.Status == "stopped" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		d.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

func isOverflow(err error) bool { return errors.Is(err, notify.ErrOverflow) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
