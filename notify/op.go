package notify

import (
	"fmt"
	"strings"
)

// Op is a bit set describing the kind of change an Event reports. A Config's
// Subscribe field uses the same bits to select which changes are delivered.
type Op uint32

const (
	// Create reports that a file or directory was created.
	Create Op = 1 << iota
	// Delete reports that a file or directory was removed.
	Delete
	// Move reports a rename. See Event.OldPath for paired renames.
	Move
	// Access reports that a file was read.
	Access
	// Attrib reports a metadata change (permissions, timestamps, ownership,
	// extended attributes).
	Attrib
	// Modify reports that file content was written.
	Modify
	// Open reports that a file was opened.
	Open
	// CloseWrite reports that a file opened for writing was closed.
	CloseWrite
	// CloseNoWrite reports that a file not opened for writing was closed.
	CloseNoWrite
	// Unmount reports that the filesystem backing a watch was unmounted.
	Unmount
	// Mount reports that a volume was mounted beneath a watched directory.
	Mount
	// IsDir is set alongside another bit when the subject is a directory.
	IsDir
	// Overflow reports that the kernel dropped events.
	Overflow
)

// AllOps is every operation bit.
const AllOps = Create | Delete | Move | Access | Attrib | Modify | Open |
	CloseWrite | CloseNoWrite | Unmount | Mount | IsDir | Overflow

var opNames = []struct {
	op   Op
	name string
}{
	{Create, "CREATE"},
	{Delete, "DELETE"},
	{Move, "MOVE"},
	{Access, "ACCESS"},
	{Attrib, "ATTRIB"},
	{Modify, "MODIFY"},
	{Open, "OPEN"},
	{CloseWrite, "CLOSE_WRITE"},
	{CloseNoWrite, "CLOSE_NOWRITE"},
	{Unmount, "UNMOUNT"},
	{Mount, "MOUNT"},
	{IsDir, "IS_DIR"},
	{Overflow, "OVERFLOW"},
}

// Has reports whether every bit of h is set in op.
func (op Op) Has(h Op) bool { return op&h == h }

// String returns the set bits joined with "|", e.g. "CREATE|IS_DIR".
func (op Op) String() string {
	if op == 0 {
		return "0"
	}
	var b strings.Builder
	for _, n := range opNames {
		if op&n.op == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
		op &^= n.op
	}
	if op != 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "0x%x", uint32(op))
	}
	return b.String()
}

// ParseOp returns the Op named by s. Names are case-insensitive and may be
// joined with "|"; "ALL" selects every bit.
func ParseOp(s string) (Op, error) {
	var op Op
	for _, part := range strings.Split(s, "|") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "ALL" {
			op |= AllOps
			continue
		}
		found := false
		for _, n := range opNames {
			if n.name == part {
				op |= n.op
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("notify: unknown operation %q", part)
		}
	}
	return op, nil
}
