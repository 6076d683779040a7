package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker implements token-owned, TTL-bounded locks on top of any Provider.
type Locker struct {
	provider Provider
}

func NewLocker(provider Provider) *Locker {
	return &Locker{provider: provider}
}

// Acquire tries once to take key for ttl. On success it returns the owner token
// that must be presented to Release.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.provider.Set(ctx, key, token, SetOptions{TTL: ttl, OnlyIfAbsent: true})
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes key only while it is still held by token. A lock that expired
// and was taken by someone else is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	return l.provider.CompareAndDelete(ctx, key, token)
}
