package notify

import "fmt"

// Event describes one change observed on a watched directory.
type Event struct {
	// Path is the absolute path the change occurred on, labelled with the
	// watch's current logical path.
	Path string
	// OldPath is the previous path of a rename whose two halves were seen
	// together. It is empty for every other event.
	OldPath string
	// Op is the kind of change.
	Op Op
}

func (e Event) String() string {
	if e.OldPath != "" {
		return fmt.Sprintf("%s: %s -> %s", e.Op, e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Path)
}

// Result is one item of the event stream: either an Event or an
// engine-level failure in Err.
type Result struct {
	Event Event
	Err   error
}
