package notify

import "fmt"

// Identity identifies a physical directory independently of the path used
// to reach it: a volume (device) number and a file index (inode) on it.
type Identity struct {
	Volume uint64
	Index  uint64
}

func (id Identity) String() string {
	return fmt.Sprintf("%x:%x", id.Volume, id.Index)
}

// handle is a directory opened for watching. Ports return their own
// concrete type and type-assert it back in the other methods.
type handle interface {
	identity() (Identity, error)
}

// completion is what a port's wait returns. A zero key with a nil err is a
// wake posted by wake(); a zero key with an error is a port-wide condition
// (ErrOverflow) not attributable to one watch. Otherwise key names the
// watch whose read finished, n is the number of bytes written into the
// buffer passed to read, and err is nil or one of errMoreData,
// errAccessDenied, errAborted, ErrOverflow, or an OS error.
type completion struct {
	key uint64
	n   int
	err error
}

// moveHalf tags the two halves of a rename.
type moveHalf uint8

const (
	moveNone moveHalf = iota
	moveFrom
	moveTo
)

// change is one decoded record. name is relative to the watched directory;
// an empty name refers to the directory itself.
type change struct {
	name   string
	op     Op
	half   moveHalf
	cookie uint32
}

// port is the platform binding the engine is written against. Every method
// except wake is called only from the worker goroutine.
type port interface {
	// open opens path as a directory for watching.
	open(path string) (handle, error)
	// associate binds h to the port so its completions carry key.
	associate(h handle, key uint64) error
	// read begins one asynchronous read of change records into buf. Exactly
	// one completion is produced per successful read.
	read(h handle, buf []byte) error
	// cancel aborts the outstanding read on h, if any. The aborted read
	// still completes, with errAborted.
	cancel(h handle) error
	// closeHandle releases h. The port never produces completions for h's
	// key after the aborted one.
	closeHandle(h handle) error
	// decode parses the records a completed read wrote into buf.
	decode(buf []byte) ([]change, error)
	// wait blocks until a read completes or wake is called.
	wait() (completion, error)
	// wake makes a blocked wait return a zero completion. Safe to call from
	// any goroutine.
	wake() error
	// close releases the port itself.
	close() error
}

// platformFactory constructs the port for the running OS. It is set from
// init() in the platform files.
var platformFactory func(cfg Config) (port, error)
