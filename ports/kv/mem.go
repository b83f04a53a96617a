package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type MemStore struct {
	mu     sync.Mutex
	data   map[string]memEntry
	now    func() time.Time
	closed bool
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}, now: time.Now}
}

// WithClock replaces the time source used for TTL bookkeeping.
func (m *MemStore) WithClock(now func() time.Time) *MemStore {
	m.now = now
	return m
}

func (m *MemStore) newEntry(entry Entry, opts PutOptions) memEntry {
	e := memEntry{entry: Entry{Data: append([]byte(nil), entry.Data...)}}
	if opts.TTL > 0 {
		e.expiresAt = m.now().Add(opts.TTL)
	}
	return e
}

// lookupLocked returns the live entry for key, dropping it if it expired.
func (m *MemStore) lookupLocked(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return e, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return e, false
	}
	return e, true
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = m.newEntry(entry, opts)
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (entry Entry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return entry, ErrClosed
	}

	e, ok := m.lookupLocked(key)
	if !ok {
		return entry, ErrNotFound
	}

	return e.entry, nil
}

func (m *MemStore) Swap(_ context.Context, key string, entry Entry, opts PutOptions) (prev Entry, found bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return prev, false, ErrClosed
	}

	old, found := m.lookupLocked(key)
	m.data[key] = m.newEntry(entry, opts)
	return old.entry, found, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0)
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.lookupLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
