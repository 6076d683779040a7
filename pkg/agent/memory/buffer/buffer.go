// Package buffer holds ingested chat blobs per (subject, kind) until a flush
// drains them.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/kv"
)

const (
	keyPrefix    = "buffer:"
	blobsSuffix  = ":blobs"
	tokensSuffix = ":tokens"
	sinceSuffix  = ":since"
)

// Key identifies one buffer.
type Key struct {
	Subject memory.Subject
	Kind    memory.BlobKind
}

func (k Key) String() string {
	return k.Subject.String() + ":" + string(k.Kind)
}

func (k Key) base() string {
	return keyPrefix + k.String()
}

// parseKey reverses Key.base()+blobsSuffix. Subject ids never contain ':'.
func parseKey(raw string) (Key, bool) {
	if !strings.HasPrefix(raw, keyPrefix) || !strings.HasSuffix(raw, blobsSuffix) {
		return Key{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(raw, keyPrefix), blobsSuffix)
	idx := strings.LastIndex(body, ":")
	if idx < 0 {
		return Key{}, false
	}
	subject, err := memory.ParseSubject(body[:idx])
	if err != nil {
		return Key{}, false
	}
	kind := memory.BlobKind(body[idx+1:])
	if !kind.Valid() {
		return Key{}, false
	}
	return Key{Subject: subject, Kind: kind}, true
}

// Buffer is an append-only FIFO of blobs on top of a kv.Provider.
type Buffer struct {
	kv     kv.Provider
	logger *log.Logger
	now    func() time.Time
}

func New(provider kv.Provider, logger *log.Logger) *Buffer {
	return &Buffer{kv: provider, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for arrival stamps.
func (b *Buffer) WithClock(now func() time.Time) *Buffer {
	b.now = now
	return b
}

// Append stores blob at the tail of the buffer and returns the updated token
// size. Missing ID, CreatedAt and Tokens are filled in.
func (b *Buffer) Append(ctx context.Context, subject memory.Subject, kind memory.BlobKind, blob memory.ChatBlob) (memory.ChatBlob, int64, error) {
	if !kind.Valid() {
		return memory.ChatBlob{}, 0, memory.E("buffer.append", memory.CodeInvalidArgument, fmt.Errorf("unknown blob kind %q", kind))
	}
	key := Key{Subject: subject, Kind: kind}
	now := b.now()

	if blob.ID == "" {
		blob.ID = uuid.New().String()
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = now.UTC()
	}
	blob.Kind = kind
	if blob.Tokens <= 0 {
		blob.Tokens = memory.EstimateBlobTokens(blob)
	}

	payload, err := json.Marshal(blob)
	if err != nil {
		return memory.ChatBlob{}, 0, fmt.Errorf("encoding blob: %w", err)
	}

	if _, err := b.kv.Set(ctx, key.base()+sinceSuffix, strconv.FormatInt(now.UnixNano(), 10), kv.SetOptions{OnlyIfAbsent: true}); err != nil {
		return memory.ChatBlob{}, 0, fmt.Errorf("recording buffer age: %w", err)
	}
	if _, err := b.kv.ListPush(ctx, key.base()+blobsSuffix, string(payload)); err != nil {
		return memory.ChatBlob{}, 0, fmt.Errorf("appending blob: %w", err)
	}
	size, err := b.kv.Increment(ctx, key.base()+tokensSuffix, int64(blob.Tokens))
	if err != nil {
		return memory.ChatBlob{}, 0, fmt.Errorf("incrementing token size: %w", err)
	}

	b.logger.Debug("Buffered blob", "buffer", key.String(), "blob_id", blob.ID, "tokens", blob.Tokens, "size", size)
	return blob, size, nil
}

// SizeTokens returns the approximate token count of everything buffered.
func (b *Buffer) SizeTokens(ctx context.Context, subject memory.Subject, kind memory.BlobKind) (int64, error) {
	raw, ok, err := b.kv.Get(ctx, Key{Subject: subject, Kind: kind}.base()+tokensSuffix)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing token size: %w", err)
	}
	return max(n, 0), nil
}

// Len returns the number of buffered blobs.
func (b *Buffer) Len(ctx context.Context, subject memory.Subject, kind memory.BlobKind) (int, error) {
	return b.kv.ListLen(ctx, Key{Subject: subject, Kind: kind}.base()+blobsSuffix)
}

// Age returns how long the oldest buffered blob has been waiting, or zero for an
// empty buffer.
func (b *Buffer) Age(ctx context.Context, subject memory.Subject, kind memory.BlobKind) (time.Duration, error) {
	raw, ok, err := b.kv.Get(ctx, Key{Subject: subject, Kind: kind}.base()+sinceSuffix)
	if err != nil || !ok {
		return 0, err
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing buffer age: %w", err)
	}
	return b.now().Sub(time.Unix(0, since)), nil
}

// Drain pops every blob currently buffered, in arrival order. Each pop is atomic,
// so a concurrent Append lands either in this batch or in the next one.
// Callers must hold the flush lock for the key.
func (b *Buffer) Drain(ctx context.Context, subject memory.Subject, kind memory.BlobKind) ([]memory.ChatBlob, error) {
	key := Key{Subject: subject, Kind: kind}
	listKey := key.base() + blobsSuffix

	var (
		blobs  []memory.ChatBlob
		tokens int64
	)
	for {
		raw, ok, err := b.kv.ListPopFront(ctx, listKey)
		if err != nil {
			return blobs, fmt.Errorf("popping blob: %w", err)
		}
		if !ok {
			break
		}
		var blob memory.ChatBlob
		if err := json.Unmarshal([]byte(raw), &blob); err != nil {
			b.logger.Error("Dropping undecodable blob", "buffer", key.String(), "error", err)
			tokens += undecodableTokens(raw)
			continue
		}
		blobs = append(blobs, blob)
		tokens += int64(blob.Tokens)
	}

	if tokens > 0 {
		size, err := b.kv.Increment(ctx, key.base()+tokensSuffix, -tokens)
		if err != nil {
			return blobs, fmt.Errorf("decrementing token size: %w", err)
		}
		// Estimates for dropped blobs can overshoot; never leave the counter negative.
		if size < 0 {
			if _, err := b.kv.Increment(ctx, key.base()+tokensSuffix, -size); err != nil {
				return blobs, fmt.Errorf("clamping token size: %w", err)
			}
		}
	}

	// Reset the age marker; re-arm it if appends raced in after the last pop.
	if _, err := b.kv.Delete(ctx, key.base()+sinceSuffix); err != nil {
		return blobs, fmt.Errorf("clearing buffer age: %w", err)
	}
	remaining, err := b.kv.ListLen(ctx, listKey)
	if err != nil {
		return blobs, fmt.Errorf("checking buffer length: %w", err)
	}
	if remaining > 0 {
		if _, err := b.kv.Set(ctx, key.base()+sinceSuffix, strconv.FormatInt(b.now().UnixNano(), 10), kv.SetOptions{OnlyIfAbsent: true}); err != nil {
			return blobs, fmt.Errorf("recording buffer age: %w", err)
		}
	}

	if len(blobs) > 0 {
		b.logger.Debug("Drained buffer", "buffer", key.String(), "blobs", len(blobs), "tokens", tokens)
	}
	return blobs, nil
}

// Pending lists the buffers that currently hold at least one blob.
func (b *Buffer) Pending(ctx context.Context) ([]Key, error) {
	raw, err := b.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing buffers: %w", err)
	}
	var keys []Key
	for _, r := range raw {
		key, ok := parseKey(r)
		if !ok {
			continue
		}
		n, err := b.kv.ListLen(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("checking buffer length: %w", err)
		}
		if n > 0 {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// undecodableTokens recovers the token count recorded for a blob that no longer
// decodes, falling back to an estimate over the raw payload.
func undecodableTokens(raw string) int64 {
	var partial struct {
		Tokens int `json:"tokens"`
	}
	if err := json.Unmarshal([]byte(raw), &partial); err == nil && partial.Tokens > 0 {
		return int64(partial.Tokens)
	}
	return int64(memory.EstimateTokens(raw))
}
