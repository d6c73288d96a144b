// Package audit keeps a tamper-evident record of control-plane actions
// (watch, unwatch, shutdown). Entries are JSON lines chained with SHA-256:
//
//	event_hash(N) = SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// The first entry uses GenesisHash as prev_hash. Reopening an existing log
// verifies the whole chain and continues it.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds one JSON line when scanning a log.
const maxLine = 1 << 20

// Entry is one audit log line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) digest() string {
	raw, err := json.Marshal(hashed{e.Seq, e.Timestamp, e.Payload, e.PrevHash})
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entry content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Action is the payload recorded for one control-plane request.
type Action struct {
	// Op is "watch", "unwatch" or "close".
	Op string `json:"op"`
	// Path is the directory the action targeted, if any.
	Path string `json:"path,omitempty"`
	// Subject identifies the caller: a JWT subject, or "config" for
	// watches established at startup.
	Subject string `json:"subject,omitempty"`
	// Error is the failure reported to the caller, if any.
	Error string `json:"error,omitempty"`
}

// Logger appends entries to one log file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens (or creates) the log at path. An existing log is verified
// first; Open fails when any entry is malformed or the chain is broken.
func Open(path string) (*Logger, error) {
	prevHash, seq := GenesisHash, int64(0)

	if f, err := os.Open(path); err == nil {
		entries, verr := readChain(f)
		f.Close()
		if verr != nil {
			return nil, fmt.Errorf("audit: existing log %q: %w", path, verr)
		}
		if n := len(entries); n > 0 {
			prevHash, seq = entries[n-1].EventHash, entries[n-1].Seq
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Logger{file: f, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Append writes payload as the next entry. A nil payload is recorded as
// JSON null.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	e.EventHash = e.digest()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq, l.prevHash = e.Seq, e.EventHash
	return e, nil
}

// Record appends a as a JSON payload.
func (l *Logger) Record(a Action) (Entry, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal action: %w", err)
	}
	return l.Append(payload)
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks the full hash chain, returning
// the entries in order. An empty file is a valid, empty chain.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()
	return readChain(f)
}

func readChain(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash := GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", len(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if computed := e.digest(); computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}
