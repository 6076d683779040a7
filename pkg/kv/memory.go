package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type entry struct {
	scalar    string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryProvider is a mutex-guarded in-process Provider.
type MemoryProvider struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

var _ Provider = (*MemoryProvider)(nil)

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// WithClock replaces the time source, used to test TTL expiry.
func (m *MemoryProvider) WithClock(now func() time.Time) *MemoryProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// lookup returns the live entry for key, evicting it when expired. Caller holds mu.
func (m *MemoryProvider) lookup(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryProvider) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.isList {
		return "", false, ErrWrongType
	}
	return e.scalar, true, nil
}

func (m *MemoryProvider) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.OnlyIfAbsent && m.lookup(key) != nil {
		return false, nil
	}

	e := &entry{scalar: value}
	if opts.TTL > 0 {
		e.expiresAt = m.now().Add(opts.TTL)
	}
	m.entries[key] = e
	return true, nil
}

func (m *MemoryProvider) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookup(key) == nil {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryProvider) Increment(ctx context.Context, key string, by int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		e = &entry{scalar: "0"}
		m.entries[key] = e
	}
	if e.isList {
		return 0, ErrWrongType
	}

	current, err := strconv.ParseInt(e.scalar, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "kv: value at %q is not an integer", key)
	}
	current += by
	e.scalar = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryProvider) ListPush(ctx context.Context, key string, values ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e != nil && !e.isList {
		return 0, ErrWrongType
	}
	if len(values) == 0 {
		if e == nil {
			return 0, nil
		}
		return len(e.list), nil
	}
	if e == nil {
		e = &entry{isList: true}
		m.entries[key] = e
	}
	e.list = append(e.list, values...)
	return len(e.list), nil
}

func (m *MemoryProvider) ListPopFront(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if !e.isList {
		return "", false, ErrWrongType
	}
	if len(e.list) == 0 {
		delete(m.entries, key)
		return "", false, nil
	}

	value := e.list[0]
	e.list[0] = ""
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(m.entries, key)
	}
	return value, true, nil
}

func (m *MemoryProvider) ListLen(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return 0, nil
	}
	if !e.isList {
		return 0, ErrWrongType
	}
	return len(e.list), nil
}

func (m *MemoryProvider) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.isList || e.scalar != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryProvider) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if m.lookup(key) == nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
