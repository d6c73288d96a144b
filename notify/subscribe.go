package notify

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// subdir is a directory found below a subscription root together with the
// recursion budget left below it.
type subdir struct {
	path   string
	budget int
}

// watchPath applies a Watch instruction: canonicalise path and subscribe
// it as an explicit root with the configured recursion limit.
func (e *engine) watchPath(path string) error {
	if path == "" || strings.IndexByte(path, 0) >= 0 {
		return &PathError{Op: "watch", Path: path, Err: ErrPathInvalid}
	}
	dir, err := e.canonical(path)
	if err != nil {
		return pathErr("watch", path, err)
	}
	_, err = e.subscribe(dir, e.cfg.RecursionLimit, nil)
	return err
}

// unwatchPath applies an Unwatch instruction. The watch for path is removed
// along with every watch that no other explicitly watched directory
// reaches.
func (e *engine) unwatchPath(path string) error {
	w := e.find(path)
	if w == nil {
		return &PathError{Op: "unwatch", Path: path, Err: ErrNotWatched}
	}
	key := w.key
	err := e.reg.remove(w)
	for _, other := range e.reg.byKey {
		if _, ok := other.roots[key]; !ok {
			continue
		}
		delete(other.roots, key)
		if len(other.roots) == 0 {
			e.teardown(other)
		}
	}
	return err
}

// find resolves path to a live watch, first by logical path, then by the
// identity of the directory it names now.
func (e *engine) find(path string) *watch {
	if path == "" || strings.IndexByte(path, 0) >= 0 {
		return nil
	}
	dir, err := e.canonical(path)
	if err != nil {
		dir = filepath.Clean(path)
	}
	if w, ok := e.reg.byPath[dir]; ok {
		return w
	}
	h, err := e.port.open(dir)
	if err != nil {
		return nil
	}
	defer func() {
		if err := e.port.closeHandle(h); err != nil {
			e.logger.Warn("notify: close lookup handle", slog.String("path", dir), slog.Any("error", err))
		}
	}()
	id, err := h.identity()
	if err != nil {
		return nil
	}
	return e.reg.lookup(id)
}

func (e *engine) canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if e.cfg.FollowSymlinks {
		return filepath.EvalSymlinks(abs)
	}
	return abs, nil
}

// subscribe watches dir and, within budget, every qualifying directory
// below it. roots lists the explicit roots the subscription is on behalf
// of; nil makes dir an explicit root itself. Only a failure on dir is
// returned; failures below it go to the event stream.
func (e *engine) subscribe(dir string, budget int, roots map[uint64]struct{}) (*watch, error) {
	w, err := e.add(dir, budget)
	if err != nil {
		return nil, err
	}
	if roots == nil {
		roots = map[uint64]struct{}{w.key: {}}
	}
	addRoots(w, roots)
	if budget == 0 {
		return w, nil
	}

	found, errs := e.walk(dir, budget)
	for _, err := range errs {
		e.emitErr(err)
	}
	for _, d := range found {
		child, err := e.add(d.path, d.budget)
		if err != nil {
			e.emitErr(err)
			continue
		}
		addRoots(child, roots)
	}
	return w, nil
}

// add opens dir and registers it, arming the first read of a new watch.
func (e *engine) add(dir string, budget int) (*watch, error) {
	h, err := e.port.open(dir)
	if err != nil {
		return nil, pathErr("open", dir, err)
	}
	id, err := h.identity()
	if err != nil {
		if cerr := e.port.closeHandle(h); cerr != nil {
			e.logger.Warn("notify: close handle", slog.String("path", dir), slog.Any("error", cerr))
		}
		return nil, pathErr("identity", dir, err)
	}
	w, created, err := e.reg.register(id, h, dir, budget)
	if err != nil || !created {
		return w, err
	}
	if err := e.arm(w); err != nil {
		e.teardown(w)
		return nil, pathErr("read", dir, err)
	}
	return w, nil
}

// walk enumerates the directories below root that recursion reaches,
// parents before children.
func (e *engine) walk(root string, budget int) ([]subdir, []error) {
	var (
		mu    sync.Mutex
		found []subdir
		errs  []error
	)
	conf := fastwalk.Config{Follow: e.cfg.FollowSymlinks}
	if budget > 0 {
		conf.MaxDepth = budget
	}
	filter := e.cfg.RecursionFilter

	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			errs = append(errs, pathErr("walk", path, err))
			mu.Unlock()
			return nil
		}
		if path == root {
			return nil
		}
		if !d.IsDir() {
			if !e.cfg.FollowSymlinks || d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			fi, err := fastwalk.StatDirEntry(path, d)
			if err != nil || !fi.IsDir() {
				return nil
			}
		}
		depth := depthBelow(root, path)
		if budget > 0 && depth > budget {
			return fastwalk.SkipDir
		}
		if filter != nil && !filter(path) {
			return fastwalk.SkipDir
		}
		left := Unlimited
		if budget > 0 {
			left = budget - depth
		}
		mu.Lock()
		found = append(found, subdir{path: path, budget: left})
		mu.Unlock()
		return nil
	})
	if err != nil {
		errs = append(errs, pathErr("walk", root, err))
	}

	sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	return found, errs
}

func depthBelow(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 1
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func addRoots(w *watch, roots map[uint64]struct{}) {
	for k := range roots {
		w.roots[k] = struct{}{}
	}
}
