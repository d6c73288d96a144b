package notify

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// watch is one live subscription on a physical directory. It is owned by
// the registry for its whole life and touched only by the worker.
type watch struct {
	key    uint64
	id     Identity
	path   string
	handle handle
	buf    []byte
	// pending is set while a read into buf is outstanding.
	pending bool
	// budget is how many directory levels below this one are still
	// subscribed; Unlimited means no bound.
	budget int
	// roots holds the keys of the explicitly watched directories whose
	// subscription reached this one.
	roots map[uint64]struct{}
}

func (w *watch) isRoot() bool {
	_, ok := w.roots[w.key]
	return ok
}

// WatchInfo describes one registry entry.
type WatchInfo struct {
	Path     string
	Identity Identity
	// Depth is the remaining recursion budget below Path; Unlimited means
	// no bound.
	Depth int
	// Root is set when Path was watched explicitly.
	Root bool
}

// registry maps identities to watches. At most one watch exists per
// identity.
type registry struct {
	port    port
	bufSize int
	logger  *slog.Logger

	byID   map[uint64]map[uint64]*watch // volume -> file index -> watch
	byKey  map[uint64]*watch
	byPath map[string]*watch
	// draining holds removed watches whose aborted read has not completed
	// yet. Their buffers stay referenced until it does.
	draining map[uint64]*watch
	nextKey  uint64
}

func newRegistry(p port, bufSize int, logger *slog.Logger) *registry {
	return &registry{
		port:     p,
		bufSize:  bufSize,
		logger:   logger,
		byID:     make(map[uint64]map[uint64]*watch),
		byKey:    make(map[uint64]*watch),
		byPath:   make(map[string]*watch),
		draining: make(map[uint64]*watch),
	}
}

func (r *registry) lookup(id Identity) *watch {
	return r.byID[id.Volume][id.Index]
}

// register inserts a watch for h unless id is already present, in which
// case h is closed and the existing watch is returned with created false.
func (r *registry) register(id Identity, h handle, path string, budget int) (w *watch, created bool, err error) {
	if existing := r.lookup(id); existing != nil {
		if err := r.port.closeHandle(h); err != nil {
			r.logger.Warn("notify: close duplicate handle",
				slog.String("path", path),
				slog.Any("error", err))
		}
		existing.budget = widerBudget(existing.budget, budget)
		return existing, false, nil
	}

	r.nextKey++
	key := r.nextKey
	if err := r.port.associate(h, key); err != nil {
		if cerr := r.port.closeHandle(h); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, false, pathErr("associate", path, err)
	}

	w = &watch{
		key:    key,
		id:     id,
		path:   path,
		handle: h,
		buf:    make([]byte, r.bufSize),
		budget: budget,
		roots:  make(map[uint64]struct{}),
	}
	if r.byID[id.Volume] == nil {
		r.byID[id.Volume] = make(map[uint64]*watch)
	}
	r.byID[id.Volume][id.Index] = w
	r.byKey[key] = w
	r.byPath[path] = w
	r.logger.Debug("notify: watch added",
		slog.String("path", path),
		slog.String("identity", id.String()),
		slog.Int("depth", budget))
	return w, true, nil
}

// remove cancels w's read, closes its handle and drops it. A watch with a
// read in flight moves to the draining set until the read completes.
func (r *registry) remove(w *watch) error {
	if r.byKey[w.key] != w {
		return ErrNotWatched
	}
	delete(r.byKey, w.key)
	if byIndex := r.byID[w.id.Volume]; byIndex != nil {
		delete(byIndex, w.id.Index)
		if len(byIndex) == 0 {
			delete(r.byID, w.id.Volume)
		}
	}
	if r.byPath[w.path] == w {
		delete(r.byPath, w.path)
	}

	var errs []error
	if w.pending {
		if err := r.port.cancel(w.handle); err != nil {
			errs = append(errs, pathErr("cancel", w.path, err))
		}
		r.draining[w.key] = w
	}
	if err := r.port.closeHandle(w.handle); err != nil {
		errs = append(errs, pathErr("close", w.path, err))
	}
	r.logger.Debug("notify: watch removed", slog.String("path", w.path))
	return errors.Join(errs...)
}

// reclaim releases a draining watch once its last completion arrived.
func (r *registry) reclaim(key uint64) bool {
	w, ok := r.draining[key]
	if !ok {
		return false
	}
	w.buf = nil
	w.pending = false
	delete(r.draining, key)
	return true
}

// closeAll removes every watch. Individual failures are collected.
func (r *registry) closeAll() error {
	var errs []error
	for _, w := range r.byKey {
		if err := r.remove(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// under returns the watches at or below dir, shallowest first.
func (r *registry) under(dir string) []*watch {
	var out []*watch
	for p, w := range r.byPath {
		if p == dir || isBelow(p, dir) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].path) < len(out[j].path) })
	return out
}

// relabel moves the logical path of every watch at or below from to the
// same place below to.
func (r *registry) relabel(from, to string) {
	for _, w := range r.under(from) {
		delete(r.byPath, w.path)
		w.path = to + w.path[len(from):]
		r.byPath[w.path] = w
	}
}

// snapshot lists the registry sorted by path.
func (r *registry) snapshot() []WatchInfo {
	out := make([]WatchInfo, 0, len(r.byKey))
	for _, w := range r.byKey {
		out = append(out, WatchInfo{
			Path:     w.path,
			Identity: w.id,
			Depth:    w.budget,
			Root:     w.isRoot(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (r *registry) len() int { return len(r.byKey) }

func isBelow(p, dir string) bool {
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(p, dir) && p != dir
	}
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}

func widerBudget(a, b int) int {
	if a < 0 || b < 0 {
		return Unlimited
	}
	if a > b {
		return a
	}
	return b
}
