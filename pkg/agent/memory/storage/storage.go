// Package storage persists subjects, profile facts, events and gists and answers
// tag- and vector-filtered searches over them.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/db"
)

// SearchQuery combines subject scoping, a time window, tag predicates and a
// cosine similarity threshold.
type SearchQuery struct {
	Subject   memory.Subject
	Embedding []float32

	// SimilarityThreshold discards results with similarity <= threshold. Ignored when Embedding is nil.
	SimilarityThreshold float64
	TopK                int

	// TimeRange keeps rows with created_at >= now - TimeRange. Zero disables the window.
	TimeRange time.Duration
	Tags      []memory.TagPredicate
}

// Interface is implemented by every storage backend.
type Interface interface {
	EnsureSubject(ctx context.Context, subject memory.Subject) error
	SubjectExists(ctx context.Context, subject memory.Subject) (bool, error)
	// DeleteSubject removes the subject and cascades to all of its memory.
	DeleteSubject(ctx context.Context, subject memory.Subject) error

	// ListProfiles returns live (not soft-deleted) facts ordered by topic, sub_topic.
	ListProfiles(ctx context.Context, subject memory.Subject) ([]memory.ProfileFact, error)
	GetProfile(ctx context.Context, subject memory.Subject, id string) (*memory.ProfileFact, error)
	InsertProfiles(ctx context.Context, facts []memory.ProfileFact) error
	UpdateProfile(ctx context.Context, subject memory.Subject, id string, update memory.ProfileUpdate) error
	// DeleteProfiles soft-deletes facts and returns how many were affected.
	DeleteProfiles(ctx context.Context, subject memory.Subject, ids []string) (int, error)

	// InsertEvent writes an event together with its gists atomically.
	InsertEvent(ctx context.Context, event memory.Event, gists []memory.EventGist) error
	GetEvent(ctx context.Context, subject memory.Subject, id string) (*memory.Event, error)
	// ListEvents returns the most recent events within timeRange, gists attached.
	ListEvents(ctx context.Context, subject memory.Subject, limit int, timeRange time.Duration) ([]memory.Event, error)
	// UpdateEvent replaces the event data and embedding.
	UpdateEvent(ctx context.Context, event memory.Event) error
	DeleteEvent(ctx context.Context, subject memory.Subject, id string) error

	SearchGists(ctx context.Context, query SearchQuery) ([]memory.EventGist, error)
	SearchEvents(ctx context.Context, query SearchQuery) ([]memory.Event, error)

	GetProfileSchema(ctx context.Context, spaceID string) (string, bool, error)
	PutProfileSchema(ctx context.Context, spaceID, document string) error

	Close() error
}

// New picks the backend matching the connection's dialect.
func New(ctx context.Context, conn *db.DB, logger *log.Logger, embeddingDim int, now func() time.Time) (Interface, error) {
	switch conn.Dialect {
	case db.DialectSQLite:
		return NewSQLiteStorage(NewSQLiteStorageInput{DB: conn.DB, Logger: logger, EmbeddingDim: embeddingDim, Now: now})
	case db.DialectPostgres:
		pg, err := NewPostgresStorage(NewPostgresStorageInput{DB: conn.DB, Logger: logger, EmbeddingDim: embeddingDim, Now: now})
		if err != nil {
			return nil, err
		}
		if err := pg.ValidateSchema(ctx); err != nil {
			return nil, fmt.Errorf("validating postgres schema: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", conn.Dialect)
	}
}
