// Package longterm is the boundary of the memory subsystem. Callers outside the
// memory packages only ever talk to Service, and every error it returns is a
// *memory.Error.
package longterm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/buffer"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/extraction"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/flush"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/recall"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/storage"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
	"github.com/EternisAI/enchanted-memory/pkg/kv"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
)

type Service struct {
	store       storage.Interface
	buffer      *buffer.Buffer
	coordinator *flush.Coordinator
	pipeline    *extraction.Pipeline
	recall      *recall.Orchestrator
	embeddings  ai.Embeddings
	profiles    *ristretto.Cache
	profileMu   sync.Mutex
	profileGen  map[string]uint64
	logger      *log.Logger
	metrics     *metrics.Collector
	opts        memory.Options
	now         func() time.Time
	stopOnce    sync.Once
}

type Dependencies struct {
	Store       storage.Interface
	KV          kv.Provider
	Completions ai.Completions
	Embeddings  ai.Embeddings
	Logger      *log.Logger
	Metrics     *metrics.Collector
	Options     memory.Options
	Now         func() time.Time
}

func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if deps.KV == nil {
		return nil, fmt.Errorf("kv provider cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	opts := deps.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	now := lo.Ternary(deps.Now == nil, time.Now, deps.Now)

	s := &Service{
		store:      deps.Store,
		buffer:     buffer.New(deps.KV, deps.Logger.WithPrefix("buffer")).WithClock(now),
		embeddings: deps.Embeddings,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		opts:       opts,
		now:        now,
		profileGen: make(map[string]uint64),
	}

	var err error
	s.pipeline, err = extraction.New(extraction.Dependencies{
		Completions: deps.Completions,
		Embeddings:  deps.Embeddings,
		Store:       deps.Store,
		Logger:      deps.Logger.WithPrefix("extraction"),
		Metrics:     deps.Metrics,
		Options:     opts,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating extraction pipeline: %w", err)
	}

	s.coordinator, err = flush.NewCoordinator(flush.CoordinatorInput{
		Buffer:    s.buffer,
		Locker:    kv.NewLocker(deps.KV),
		Processor: s,
		Logger:    deps.Logger.WithPrefix("flush"),
		Metrics:   deps.Metrics,
		Options:   opts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating flush coordinator: %w", err)
	}

	s.recall, err = recall.New(recall.Dependencies{
		Completions: deps.Completions,
		Embeddings:  deps.Embeddings,
		Store:       deps.Store,
		Logger:      deps.Logger.WithPrefix("recall"),
		Metrics:     deps.Metrics,
		Options:     opts,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating recall orchestrator: %w", err)
	}

	s.profiles, err = ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating profile cache: %w", err)
	}

	return s, nil
}

// Start runs the periodic flush loop until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	return s.coordinator.Start(ctx)
}

// Stop waits for in-flight flushes and releases the profile cache.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.coordinator.Stop()
		s.profiles.Close()
	})
}

// Process implements flush.Processor so that profile cache entries are dropped
// whenever extraction may have written facts.
func (s *Service) Process(ctx context.Context, subject memory.Subject, blobs []memory.ChatBlob) error {
	defer s.invalidateProfiles(subject)
	return s.pipeline.Process(ctx, subject, blobs)
}

func (s *Service) EnsureSubject(ctx context.Context, subject memory.Subject) error {
	const op = "longterm.ensure_subject"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	return memory.Translate(op, s.store.EnsureSubject(ctx, subject))
}

// DeleteSubject removes the subject with all of its memory. Blobs still buffered
// for it are discarded so a later flush does not bring the subject back.
func (s *Service) DeleteSubject(ctx context.Context, subject memory.Subject) error {
	const op = "longterm.delete_subject"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	for _, kind := range []memory.BlobKind{memory.BlobKindChat, memory.BlobKindDoc} {
		dropped, err := s.buffer.Drain(ctx, subject, kind)
		if err != nil {
			return memory.Translate(op, err)
		}
		if len(dropped) > 0 {
			s.logger.Info("Discarded buffered blobs", "subject", subject.String(), "kind", kind, "count", len(dropped))
		}
	}
	defer s.invalidateProfiles(subject)
	return memory.Translate(op, s.store.DeleteSubject(ctx, subject))
}

// InsertChat buffers one chat blob. fields are copied verbatim into the tags of
// events later extracted from it. A buffer over its token ceiling is flushed in
// the background.
func (s *Service) InsertChat(ctx context.Context, subject memory.Subject, messages []memory.ChatMessage, fields map[string]string) (string, error) {
	return s.insert(ctx, "longterm.insert_chat", subject, memory.BlobKindChat, messages, fields)
}

// InsertDoc buffers a document blob. Doc blobs are kept but never extracted.
func (s *Service) InsertDoc(ctx context.Context, subject memory.Subject, content string, fields map[string]string) (string, error) {
	return s.insert(ctx, "longterm.insert_doc", subject, memory.BlobKindDoc, []memory.ChatMessage{{Role: "user", Content: content}}, fields)
}

func (s *Service) insert(ctx context.Context, op string, subject memory.Subject, kind memory.BlobKind, messages []memory.ChatMessage, fields map[string]string) (string, error) {
	if err := subject.Validate(); err != nil {
		return "", memory.Translate(op, err)
	}
	messages = lo.Filter(messages, func(m memory.ChatMessage, _ int) bool {
		return strings.TrimSpace(m.Content) != ""
	})
	if len(messages) == 0 {
		return "", memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("blob has no message content"))
	}
	if err := s.store.EnsureSubject(ctx, subject); err != nil {
		return "", memory.Translate(op, err)
	}

	blob, size, err := s.buffer.Append(ctx, subject, kind, memory.ChatBlob{Messages: messages, Fields: fields})
	if err != nil {
		return "", memory.Translate(op, err)
	}
	s.metrics.RecordBufferedTokens(blob.Tokens)

	if kind == memory.BlobKindChat && s.coordinator.ShouldFlush(size) {
		s.logger.Debug("Buffer over token ceiling, flushing", "subject", subject.String(), "tokens", size)
		s.coordinator.Trigger(subject, kind)
	}
	return blob.ID, nil
}

// FlushNow drains and extracts one buffer synchronously. A concurrent flush of
// the same buffer yields memory.ErrLockContention.
func (s *Service) FlushNow(ctx context.Context, subject memory.Subject, kind memory.BlobKind) error {
	const op = "longterm.flush_now"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	if !kind.Valid() {
		return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("unknown blob kind %q", kind))
	}
	return memory.Translate(op, s.coordinator.FlushNow(ctx, subject, kind))
}

const settlePollInterval = 50 * time.Millisecond

// FlushPending flushes a chat buffer until it is empty. Unlike FlushNow it waits
// out flushes already running for the same buffer, including ones started by
// InsertChat crossing the token ceiling, so nothing appended meanwhile is left
// behind. Doc buffers are never extracted and return immediately.
func (s *Service) FlushPending(ctx context.Context, subject memory.Subject, kind memory.BlobKind) error {
	const op = "longterm.flush_pending"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	if !kind.Valid() {
		return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("unknown blob kind %q", kind))
	}
	if kind != memory.BlobKindChat {
		return nil
	}

	for {
		err := s.coordinator.FlushNow(ctx, subject, kind)
		if err != nil && !errors.Is(err, memory.ErrLockContention) {
			return memory.Translate(op, err)
		}
		if err == nil {
			n, err := s.buffer.Len(ctx, subject, kind)
			if err != nil {
				return memory.Translate(op, err)
			}
			if n == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return memory.Translate(op, ctx.Err())
		case <-time.After(settlePollInterval):
		}
	}
}

// BufferStatus reports how much is waiting in a buffer.
type BufferStatus struct {
	Blobs  int           `json:"blobs"`
	Tokens int64         `json:"tokens"`
	Age    time.Duration `json:"age"`
}

func (s *Service) BufferStatus(ctx context.Context, subject memory.Subject, kind memory.BlobKind) (BufferStatus, error) {
	const op = "longterm.buffer_status"
	n, err := s.buffer.Len(ctx, subject, kind)
	if err != nil {
		return BufferStatus{}, memory.Translate(op, err)
	}
	tokens, err := s.buffer.SizeTokens(ctx, subject, kind)
	if err != nil {
		return BufferStatus{}, memory.Translate(op, err)
	}
	age, err := s.buffer.Age(ctx, subject, kind)
	if err != nil {
		return BufferStatus{}, memory.Translate(op, err)
	}
	return BufferStatus{Blobs: n, Tokens: tokens, Age: age}, nil
}

// embedQuery returns nil when embeddings are disabled or the backend fails, so
// searches fall back to recency ordering.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if !s.opts.EnableEventEmbedding || s.embeddings == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vector, err := s.embeddings.Embedding(ctx, query, s.opts.EmbeddingsModel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.metrics.RecordEmbeddingFailure()
		s.logger.Warn("Query embedding failed, searching by recency", "error", err)
		return nil, nil
	}
	embedding := extraction.ToFloat32(vector)
	if err := memory.CheckDimension(embedding, s.opts.EmbeddingDim); err != nil {
		return nil, err
	}
	return embedding, nil
}

// SearchEvents ranks the subject's events against query. A nil threshold or a
// zero topK use the configured defaults.
func (s *Service) SearchEvents(ctx context.Context, subject memory.Subject, query string, tags []memory.TagPredicate, topK int, threshold *float64) ([]memory.Event, error) {
	const op = "longterm.search_events"
	if err := subject.Validate(); err != nil {
		return nil, memory.Translate(op, err)
	}
	embedding, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, memory.Translate(op, err)
	}
	events, err := s.store.SearchEvents(ctx, storage.SearchQuery{
		Subject:             subject,
		Embedding:           embedding,
		SimilarityThreshold: lo.FromPtrOr(threshold, s.opts.SimilarityThreshold),
		TopK:                lo.Ternary(topK > 0, topK, s.opts.EventTopK),
		TimeRange:           s.opts.EventSearchWindow,
		Tags:                tags,
	})
	if err != nil {
		return nil, memory.Translate(op, err)
	}
	return events, nil
}

// Recall lets the model search the subject's memory before the caller replies.
// A timeout is reported through Result.TimedOut, never as an error.
func (s *Service) Recall(ctx context.Context, req recall.Request) (recall.Result, error) {
	const op = "longterm.recall"
	if err := req.Subject.Validate(); err != nil {
		return recall.Result{}, memory.Translate(op, err)
	}
	res, err := s.recall.Recall(ctx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		return recall.Result{}, memory.E(op, memory.CodeRecallTimeout, err)
	}
	if err != nil {
		return recall.Result{}, memory.Translate(op, err)
	}
	return res, nil
}

func (s *Service) GetProfileSchema(ctx context.Context, subject memory.Subject) (string, error) {
	const op = "longterm.get_profile_schema"
	schema, err := extraction.ActiveSchema(ctx, s.store, subject.SpaceID)
	if err != nil {
		return "", memory.Translate(op, err)
	}
	doc, err := schema.YAML()
	if err != nil {
		return "", memory.Translate(op, err)
	}
	return doc, nil
}

// UpdateProfileSchema replaces the schema of the subject's space. The document
// is validated and stored in normalized form.
func (s *Service) UpdateProfileSchema(ctx context.Context, subject memory.Subject, document string) error {
	const op = "longterm.update_profile_schema"
	if strings.TrimSpace(subject.SpaceID) == "" {
		return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("space id is required"))
	}
	schema, err := memory.ParseProfileSchema([]byte(document))
	if err != nil {
		return memory.E(op, memory.CodeInvalidArgument, err)
	}
	normalized, err := schema.YAML()
	if err != nil {
		return memory.Translate(op, err)
	}
	return memory.Translate(op, s.store.PutProfileSchema(ctx, subject.SpaceID, normalized))
}

func newID() string {
	return uuid.New().String()
}
