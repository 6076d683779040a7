// Package kv defines the small key/value and list primitives used to coordinate
// memory flushes, plus an in-process implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrWrongType is returned when a list operation targets a scalar key or vice versa.
var ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

// SetOptions controls Set behaviour.
type SetOptions struct {
	// TTL is the time to live. Zero means no expiry.
	TTL time.Duration
	// OnlyIfAbsent makes Set fail without side effects when a live value exists.
	OnlyIfAbsent bool
}

// Provider is the data-plane contract. Expired keys are treated as absent by every operation.
type Provider interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value and reports whether it was written.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// Increment adds by to the integer stored at key, creating it at zero.
	Increment(ctx context.Context, key string, by int64) (int64, error)
	// ListPush appends values and returns the new length.
	ListPush(ctx context.Context, key string, values ...string) (int, error)
	// ListPopFront removes and returns the first element. An emptied list is removed.
	ListPopFront(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Keys lists live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
