package notify

import "log/slog"

// Unlimited is the RecursionLimit value that places no bound on recursion.
const Unlimited = -1

// defaultBufferSize is the per-watch receive buffer used when
// Config.BufferSize is not set.
const defaultBufferSize = 64 * 1024

// minBufferSize is large enough for one maximal inotify record and one
// FILE_NOTIFY_INFORMATION record carrying a MAX_PATH name.
const minBufferSize = 4096

// Config is the subscription policy of a Notifier. New takes a copy, so the
// policy cannot change once the notifier is constructed.
type Config struct {
	// Subscribe selects the operations that are delivered. IS_DIR is a
	// qualifier and never selects an event on its own.
	Subscribe Op

	// FollowSymlinks resolves symbolic links when canonicalising watched
	// paths and descends through symlinked directories during recursion.
	FollowSymlinks bool

	// RecursionLimit bounds how many directory levels below an explicitly
	// watched path are subscribed. Zero disables recursion, Unlimited (or any
	// negative value) removes the bound.
	RecursionLimit int

	// RecursionFilter, when set, is consulted for every subdirectory found
	// during recursion; returning false skips the directory and everything
	// below it. It may be called from several goroutines at once.
	RecursionFilter func(path string) bool

	// BufferSize is the size in bytes of the receive buffer owned by each
	// watch. Zero selects 64 KiB.
	BufferSize int

	// Logger receives engine diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default policy: every operation, follow
// symlinks, no recursion, no filter.
func DefaultConfig() Config {
	return Config{
		Subscribe:      AllOps,
		FollowSymlinks: true,
		RecursionLimit: 0,
	}
}

// IsRecursive reports whether watched paths are subscribed recursively.
func (c Config) IsRecursive() bool {
	return c.RecursionLimit != 0
}

// WithRecursion returns a copy of c with the given recursion limit and
// filter.
func (c Config) WithRecursion(limit int, filter func(path string) bool) Config {
	c.RecursionLimit = limit
	c.RecursionFilter = filter
	return c
}

// WithSubscribe returns a copy of c subscribed to ops.
func (c Config) WithSubscribe(ops Op) Config {
	c.Subscribe = ops
	return c
}

// wants reports whether an event with op passes the subscription mask.
func (c Config) wants(op Op) bool {
	return op&^IsDir&c.Subscribe != 0
}

func (c Config) bufferSize() int {
	switch {
	case c.BufferSize <= 0:
		return defaultBufferSize
	case c.BufferSize < minBufferSize:
		return minBufferSize
	default:
		return c.BufferSize
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// descend returns the recursion budget one level below a directory whose
// budget is limit.
func descend(limit int) int {
	if limit < 0 {
		return Unlimited
	}
	return limit - 1
}
