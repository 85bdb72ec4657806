// Package audit records every settlement event in an append-only,
// hash-chained log.
//
// Each entry commits to its predecessor's hash, so truncating, reordering or
// editing any entry breaks Verify. Payloads are hashed in RFC 8785 canonical
// form, making the chain independent of Go's map and field ordering.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// GenesisHash is the PrevHash of the first entry.
const GenesisHash = "genesis"

var ErrChainBroken = errors.New("audit: hash chain is broken")

// Event is anything the core reports for audit or indexing.
type Event interface {
	EventName() string
}

// Emitter receives events after an operation has fully succeeded.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// NopEmitter drops events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }

// Entry is one immutable log record.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Sink persists entries. Write is called under the log lock, in sequence order.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Log is an in-memory hash-chained event log, optionally mirrored to a Sink.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
	sink    Sink
	logger  *slog.Logger
}

func NewLog() *Log {
	return &Log{
		head:   GenesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithSink mirrors every appended entry to s. An entry the sink rejects is
// not appended.
func (l *Log) WithSink(s Sink) *Log {
	l.sink = s
	return l
}

// Resume continues the chain after previously persisted entries.
func (l *Log) Resume(entries []Entry) error {
	if err := VerifyEntries(entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry(nil), entries...)
	l.head = GenesisHash
	if n := len(entries); n > 0 {
		l.head = entries[n-1].Hash
	}
	return nil
}

// Emit appends ev to the chain.
func (l *Log) Emit(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", ev.EventName(), err)
	}
	payload, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("audit: canonicalize %s: %w", ev.EventName(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:  uint64(len(l.entries)) + 1,
		ID:        uuid.New().String(),
		Name:      ev.EventName(),
		Payload:   payload,
		Timestamp: l.clock().UTC(),
		PrevHash:  l.head,
	}
	entry.Hash, err = entryHash(entry)
	if err != nil {
		return err
	}

	if l.sink != nil {
		if err := l.sink.Write(ctx, entry); err != nil {
			l.logger.ErrorContext(ctx, "audit sink write failed", "event", entry.Name, "sequence", entry.Sequence, "error", err)
			return fmt.Errorf("audit: persist %s: %w", entry.Name, err)
		}
	}
	l.entries = append(l.entries, entry)
	l.head = entry.Hash
	return nil
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Named returns the entries with the given event name, in order.
func (l *Log) Named(name string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the hash of the last entry.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify recomputes the whole chain.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// VerifyEntries checks sequence numbers, links and hashes of a chain that
// starts at genesis.
func VerifyEntries(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, e.Sequence, e.PrevHash, prev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.Hash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	raw, err := json.Marshal(struct {
		Seq       uint64          `json:"seq"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"ts"`
		Prev      string          `json:"prev"`
	}{e.Sequence, e.ID, e.Name, e.Payload, e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash})
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry %d: %w", e.Sequence, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry %d: %w", e.Sequence, err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
