package notify

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

// tempDir returns a fresh directory with symlinks resolved, so that it
// matches the canonical paths the engine reports.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return dir
}

// ---------------------------------------------------------------------------
// Registry properties
// ---------------------------------------------------------------------------

func TestNotifier_WatchThenUnwatchLeavesNoEntry(t *testing.T) {
	n, fp, _ := startFake(t, testConfig())
	dir := tempDir(t)

	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, []string{dir}) {
		t.Fatalf("watches = %v, want [%s]", got, dir)
	}
	if err := n.Unwatch(dir); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if got := watchedPaths(t, n); len(got) != 0 {
		t.Errorf("watches after Unwatch = %v, want none", got)
	}
	if live := fp.liveHandles(); live != 0 {
		t.Errorf("live handles = %d, want 0", live)
	}
}

func TestNotifier_SameIdentityWatchedOnce(t *testing.T) {
	n, fp, _ := startFake(t, testConfig())
	a, b := tempDir(t), tempDir(t)
	fp.alias(a, b)

	if err := n.Watch(a); err != nil {
		t.Fatalf("Watch(a): %v", err)
	}
	if err := n.Watch(b); err != nil {
		t.Fatalf("Watch(b): %v", err)
	}

	infos, err := n.Watches()
	if err != nil {
		t.Fatalf("Watches: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d watches, want 1: %+v", len(infos), infos)
	}
	if infos[0].Path != a {
		t.Errorf("watch path = %s, want first path %s", infos[0].Path, a)
	}
	if live := fp.liveHandles(); live != 1 {
		t.Errorf("live handles = %d, want 1 (duplicate must be closed)", live)
	}

	// Unwatch by the alias resolves through the identity.
	if err := n.Unwatch(b); err != nil {
		t.Fatalf("Unwatch(b): %v", err)
	}
	if live := fp.liveHandles(); live != 0 {
		t.Errorf("live handles after Unwatch = %d, want 0", live)
	}
}

func TestNotifier_UnwatchNeverWatched(t *testing.T) {
	n, _, _ := startFake(t, testConfig())

	err := n.Unwatch(tempDir(t))
	if !errors.Is(err, ErrNotWatched) {
		t.Fatalf("Unwatch = %v, want ErrNotWatched", err)
	}
}

func TestNotifier_InvalidPath(t *testing.T) {
	n, _, _ := startFake(t, testConfig())

	for _, p := range []string{"", "bad\x00path"} {
		if err := n.Watch(p); !errors.Is(err, ErrPathInvalid) {
			t.Errorf("Watch(%q) = %v, want ErrPathInvalid", p, err)
		}
	}
}

func TestNotifier_WatchMissingDirectory(t *testing.T) {
	n, _, _ := startFake(t, testConfig())

	err := n.Watch(filepath.Join(tempDir(t), "missing"))
	var pe *PathError
	if !errors.As(err, &pe) {
		t.Fatalf("Watch = %v, want *PathError", err)
	}
}

func TestNotifier_ConcurrentWatch(t *testing.T) {
	n, _, _ := startFake(t, testConfig())

	dirs := make([]string, 8)
	for i := range dirs {
		dirs[i] = tempDir(t)
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(dirs))
	for _, d := range dirs {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			errs <- n.Watch(d)
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	}
	if got := watchedPaths(t, n); len(got) != len(dirs) {
		t.Errorf("got %d watches, want %d", len(got), len(dirs))
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestNotifier_CloseSemantics(t *testing.T) {
	n, fp, s := startFake(t, testConfig())
	dir := tempDir(t)
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if n.IsClosed() {
		t.Fatal("IsClosed before Close")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !n.IsClosed() {
		t.Error("IsClosed after Close = false")
	}
	if live := fp.liveHandles(); live != 0 {
		t.Errorf("live handles after Close = %d, want 0", live)
	}
	if !fp.closed() {
		t.Error("port not closed")
	}

	if err := n.Watch(dir); !errors.Is(err, ErrClosed) {
		t.Errorf("Watch after Close = %v, want ErrClosed", err)
	}
	if err := n.Unwatch(dir); !errors.Is(err, ErrClosed) {
		t.Errorf("Unwatch after Close = %v, want ErrClosed", err)
	}
	if _, err := n.Watches(); !errors.Is(err, ErrClosed) {
		t.Errorf("Watches after Close = %v, want ErrClosed", err)
	}
	if err := n.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}

	if _, ok := <-s.C(); ok {
		t.Error("stream still open after Close")
	}
}

func TestNotifier_WaitFailureEndsStream(t *testing.T) {
	n, fp, s := startFake(t, testConfig())
	boom := errors.New("wait failed")
	fp.failCh <- boom

	r := nextResult(t, s)
	if !errors.Is(r.Err, boom) {
		t.Fatalf("final result = %+v, want error wrapping %v", r, boom)
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("stream still open after worker exit")
	}

	if err := n.Watch(tempDir(t)); !errors.Is(err, ErrSending) {
		t.Errorf("Watch after worker exit = %v, want ErrSending", err)
	}
	if err := n.Close(); !errors.Is(err, boom) {
		t.Errorf("Close = %v, want error wrapping %v", err, boom)
	}
}

func TestNotifier_WorkerPanic(t *testing.T) {
	n, fp, s := startFake(t, testConfig())
	dir := tempDir(t)
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	fp.mu.Lock()
	fp.decodeHook = func() { panic("decoder exploded") }
	fp.mu.Unlock()

	fp.emit(t, dir, change{name: "f", op: Create})

	r := nextResult(t, s)
	if !errors.Is(r.Err, ErrThreadPanic) {
		t.Fatalf("result = %+v, want ErrThreadPanic", r)
	}
	if err := n.Close(); !errors.Is(err, ErrThreadPanic) {
		t.Errorf("Close = %v, want ErrThreadPanic", err)
	}
	if live := fp.liveHandles(); live != 0 {
		t.Errorf("live handles after panic = %d, want 0", live)
	}
}

func TestStream_AttachOnce(t *testing.T) {
	s := NewStream()
	if err := s.attach(); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.attach(); err == nil {
		t.Fatal("second attach succeeded")
	}
	s.end()
	if _, ok := <-s.C(); ok {
		t.Fatal("stream not ended")
	}
}

// ---------------------------------------------------------------------------
// Recursive subscription
// ---------------------------------------------------------------------------

func TestNotifier_RecursionLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  []string
	}{
		{0, []string{""}},
		{1, []string{"", "A"}},
		{2, []string{"", "A", "A/B"}},
		{Unlimited, []string{"", "A", "A/B", "A/B/C"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit=%d", tt.limit), func(t *testing.T) {
			root := tempDir(t)
			mkdirs(t, filepath.Join(root, "A", "B", "C"))
			n, _, _ := startFake(t, testConfig().WithRecursion(tt.limit, nil))

			if err := n.Watch(root); err != nil {
				t.Fatalf("Watch: %v", err)
			}
			want := make([]string, len(tt.want))
			for i, rel := range tt.want {
				want[i] = filepath.Join(root, filepath.FromSlash(rel))
			}
			if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
				t.Errorf("watches = %v, want %v", got, want)
			}
		})
	}
}

func TestNotifier_RecursionFilter(t *testing.T) {
	root := tempDir(t)
	mkdirs(t, filepath.Join(root, "skip", "deep"), filepath.Join(root, "keep"))
	filter := func(p string) bool { return filepath.Base(p) != "skip" }
	n, _, _ := startFake(t, testConfig().WithRecursion(Unlimited, filter))

	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	want := []string{root, filepath.Join(root, "keep")}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
		t.Errorf("watches = %v, want %v", got, want)
	}
}

func TestNotifier_SubdirFailureIsReported(t *testing.T) {
	root := tempDir(t)
	bad := filepath.Join(root, "bad")
	mkdirs(t, bad, filepath.Join(root, "good"))
	n, fp, s := startFake(t, testConfig().WithRecursion(Unlimited, nil))
	boom := errors.New("permission denied")
	fp.failOpen(bad, boom)

	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch must succeed despite a failing subdirectory: %v", err)
	}
	r := nextResult(t, s)
	var pe *PathError
	if !errors.As(r.Err, &pe) || pe.Path != bad || !errors.Is(r.Err, boom) {
		t.Fatalf("result = %+v, want *PathError for %s", r, bad)
	}
	want := []string{root, filepath.Join(root, "good")}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
		t.Errorf("watches = %v, want %v", got, want)
	}
}

func TestNotifier_UnwatchKeepsOtherRoots(t *testing.T) {
	root := tempDir(t)
	child := filepath.Join(root, "child")
	mkdirs(t, filepath.Join(child, "x"), filepath.Join(root, "other"))
	n, _, _ := startFake(t, testConfig().WithRecursion(Unlimited, nil))

	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch(root): %v", err)
	}
	if err := n.Watch(child); err != nil {
		t.Fatalf("Watch(child): %v", err)
	}
	if err := n.Unwatch(root); err != nil {
		t.Fatalf("Unwatch(root): %v", err)
	}

	want := []string{child, filepath.Join(child, "x")}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
		t.Errorf("watches = %v, want %v", got, want)
	}
}

func TestNotifier_AutoSubscribeNewDirectory(t *testing.T) {
	root := tempDir(t)
	n, fp, s := startFake(t, testConfig().WithRecursion(1, nil))
	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	sub := filepath.Join(root, "new")
	mkdirs(t, filepath.Join(sub, "inner"))
	fp.emit(t, root, change{name: "new", op: Create | IsDir})

	r := nextResult(t, s)
	if r.Err != nil || r.Event != (Event{Path: sub, Op: Create | IsDir}) {
		t.Fatalf("result = %+v, want CREATE|IS_DIR on %s", r, sub)
	}
	// The limit is one level: inner is beyond it.
	want := []string{root, sub}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
		t.Errorf("watches = %v, want %v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Event delivery
// ---------------------------------------------------------------------------

func TestNotifier_DeliversEventsWithAbsolutePaths(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, dir,
		change{name: "newfile", op: Create},
		change{name: "newfile", op: Modify},
	)

	for _, want := range []Event{
		{Path: filepath.Join(dir, "newfile"), Op: Create},
		{Path: filepath.Join(dir, "newfile"), Op: Modify},
	} {
		r := nextResult(t, s)
		if r.Err != nil || r.Event != want {
			t.Errorf("result = %+v, want %+v", r, want)
		}
	}
}

func TestNotifier_SubscribeMaskFilters(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig().WithSubscribe(Delete))
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, dir,
		change{name: "a", op: Create},
		change{name: "a", op: Delete},
	)

	r := nextResult(t, s)
	if r.Event.Op != Delete {
		t.Fatalf("first delivered op = %v, want DELETE", r.Event.Op)
	}
	expectQuiet(t, s)
}

func TestNotifier_RenamePairCoalesced(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, dir,
		change{name: "old", op: Move, half: moveFrom, cookie: 7},
		change{name: "new", op: Move, half: moveTo, cookie: 7},
	)

	r := nextResult(t, s)
	want := Event{Path: filepath.Join(dir, "new"), OldPath: filepath.Join(dir, "old"), Op: Move}
	if r.Err != nil || r.Event != want {
		t.Fatalf("result = %+v, want %+v", r, want)
	}
	expectQuiet(t, s)
}

func TestNotifier_UnpairedMoveHalves(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, dir,
		change{name: "out", op: Move, half: moveFrom, cookie: 1},
		change{name: "in", op: Move, half: moveTo, cookie: 2},
	)

	for _, want := range []Event{
		{Path: filepath.Join(dir, "out"), Op: Move},
		{Path: filepath.Join(dir, "in"), Op: Move},
	} {
		r := nextResult(t, s)
		if r.Err != nil || r.Event != want {
			t.Errorf("result = %+v, want %+v", r, want)
		}
	}
}

func TestNotifier_RenameRelabelsSubtree(t *testing.T) {
	root := tempDir(t)
	mkdirs(t, filepath.Join(root, "a", "x"))
	n, fp, s := startFake(t, testConfig().WithRecursion(Unlimited, nil))
	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, root,
		change{name: "a", op: Move | IsDir, half: moveFrom},
		change{name: "b", op: Move | IsDir, half: moveTo},
	)
	nextResult(t, s)

	want := []string{root, filepath.Join(root, "b"), filepath.Join(root, "b", "x")}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, want) {
		t.Errorf("watches = %v, want %v", got, want)
	}
}

func TestNotifier_MoveAwayTearsDownSubtree(t *testing.T) {
	root := tempDir(t)
	mkdirs(t, filepath.Join(root, "a", "x"))
	n, fp, s := startFake(t, testConfig().WithRecursion(Unlimited, nil))
	if err := n.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.emit(t, root, change{name: "a", op: Move | IsDir, half: moveFrom, cookie: 3})
	r := nextResult(t, s)
	if r.Event != (Event{Path: filepath.Join(root, "a"), Op: Move | IsDir}) {
		t.Fatalf("result = %+v", r)
	}

	if got := watchedPaths(t, n); !reflect.DeepEqual(got, []string{root}) {
		t.Errorf("watches = %v, want [%s]", got, root)
	}
	if live := fp.liveHandles(); live != 1 {
		t.Errorf("live handles = %d, want 1", live)
	}
}

// ---------------------------------------------------------------------------
// Transient read conditions
// ---------------------------------------------------------------------------

func TestNotifier_AccessDeniedRemovesWatch(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.gone(t, dir)

	r := nextResult(t, s)
	if r.Err != nil || r.Event != (Event{Path: dir, Op: Delete | IsDir}) {
		t.Fatalf("result = %+v, want synthetic DELETE|IS_DIR", r)
	}
	if got := watchedPaths(t, n); len(got) != 0 {
		t.Errorf("watches = %v, want none", got)
	}

	// The engine keeps running.
	if err := n.Watch(tempDir(t)); err != nil {
		t.Errorf("Watch after removal: %v", err)
	}
}

func TestNotifier_MoreDataResubmits(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.complete(t, dir, errMoreData)
	fp.emit(t, dir, change{name: "after", op: Create})

	r := nextResult(t, s)
	if r.Err != nil || r.Event.Path != filepath.Join(dir, "after") {
		t.Fatalf("result = %+v, want event after more-data", r)
	}
}

func TestNotifier_AbortedReadIsSwallowed(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.complete(t, dir, errAborted)
	fp.emit(t, dir, change{name: "after", op: Create})

	r := nextResult(t, s)
	if r.Err != nil || r.Event.Path != filepath.Join(dir, "after") {
		t.Fatalf("result = %+v, want event after abort", r)
	}
}

func TestNotifier_IOErrorTearsDownWatchOnly(t *testing.T) {
	a, b := tempDir(t), tempDir(t)
	n, fp, s := startFake(t, testConfig())
	for _, d := range []string{a, b} {
		if err := n.Watch(d); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}

	boom := errors.New("device error")
	fp.complete(t, a, boom)

	r := nextResult(t, s)
	var pe *PathError
	if !errors.As(r.Err, &pe) || pe.Path != a || !errors.Is(r.Err, boom) {
		t.Fatalf("result = %+v, want *PathError for %s", r, a)
	}
	if got := watchedPaths(t, n); !reflect.DeepEqual(got, []string{b}) {
		t.Errorf("watches = %v, want [%s]", got, b)
	}

	fp.emit(t, b, change{name: "still", op: Create})
	if r := nextResult(t, s); r.Event.Path != filepath.Join(b, "still") {
		t.Errorf("result = %+v, want event from surviving watch", r)
	}
}

func TestNotifier_Overflow(t *testing.T) {
	dir := tempDir(t)
	n, fp, s := startFake(t, testConfig())
	if err := n.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fp.slots.post(completion{err: ErrOverflow})
	if r := nextResult(t, s); !errors.Is(r.Err, ErrOverflow) {
		t.Fatalf("result = %+v, want ErrOverflow", r)
	}

	fp.complete(t, dir, ErrOverflow)
	r := nextResult(t, s)
	var pe *PathError
	if !errors.As(r.Err, &pe) || pe.Path != dir || !errors.Is(r.Err, ErrOverflow) {
		t.Fatalf("result = %+v, want ErrOverflow for %s", r, dir)
	}
	if got := watchedPaths(t, n); len(got) != 1 {
		t.Errorf("watch dropped after overflow: %v", got)
	}
}
