package eventlog

import (
	"fmt"
	"maps"
	"sync"
)

// Entry is one recorded event.
type Entry struct {
	Message string
	Fields  map[string]string
}

// FakeSink is an in-memory Sink for unit tests.
type FakeSink struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// NewFakeSink creates a new FakeSink with empty state.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (f *FakeSink) Write(message string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("sink closed")
	}
	f.entries = append(f.entries, Entry{Message: message, Fields: maps.Clone(fields)})
	return nil
}

func (f *FakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Entries returns a copy of everything written so far.
func (f *FakeSink) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

// Events returns the S3GW_EVENT field of each entry, in order.
func (f *FakeSink) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Fields[FieldEvent])
	}
	return out
}
