package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

// SQLiteStorage keeps embeddings as little-endian float32 BLOBs and computes
// cosine similarity in Go.
type SQLiteStorage struct {
	db     *sqlx.DB
	logger *log.Logger
	dim    int
	now    func() time.Time
}

var _ Interface = (*SQLiteStorage)(nil)

// NewSQLiteStorageInput contains the dependencies for SQLiteStorage.
type NewSQLiteStorageInput struct {
	DB           *sqlx.DB
	Logger       *log.Logger
	EmbeddingDim int
	// Now overrides the clock used for time windows and timestamps.
	Now func() time.Time
}

func NewSQLiteStorage(input NewSQLiteStorageInput) (*SQLiteStorage, error) {
	if input.DB == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if input.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if input.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	now := input.Now
	if now == nil {
		now = time.Now
	}
	return &SQLiteStorage{
		db:     input.DB,
		logger: input.Logger,
		dim:    input.EmbeddingDim,
		now:    now,
	}, nil
}

type sqliteProfileRow struct {
	ID         string        `db:"id"`
	SpaceID    string        `db:"space_id"`
	UserID     string        `db:"user_id"`
	Topic      string        `db:"topic"`
	SubTopic   string        `db:"sub_topic"`
	Content    string        `db:"content"`
	Attributes string        `db:"attributes"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
	DeletedAt  sql.NullInt64 `db:"deleted_at"`
}

func (r sqliteProfileRow) toFact() (memory.ProfileFact, error) {
	fact := memory.ProfileFact{
		ID:        r.ID,
		Subject:   memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		Topic:     r.Topic,
		SubTopic:  r.SubTopic,
		Content:   r.Content,
		CreatedAt: fromUnixNano(r.CreatedAt),
		UpdatedAt: fromUnixNano(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Attributes), &fact.Attributes); err != nil {
		return memory.ProfileFact{}, errors.Wrap(err, "decoding profile attributes")
	}
	if r.DeletedAt.Valid {
		fact.DeletedAt = lo.ToPtr(fromUnixNano(r.DeletedAt.Int64))
	}
	return fact, nil
}

type sqliteEventRow struct {
	ID        string `db:"id"`
	SpaceID   string `db:"space_id"`
	UserID    string `db:"user_id"`
	Summary   string `db:"summary"`
	Tags      string `db:"tags"`
	Embedding []byte `db:"embedding"`
	CreatedAt int64  `db:"created_at"`
}

func (r sqliteEventRow) toEvent() (memory.Event, error) {
	event := memory.Event{
		ID:        r.ID,
		Subject:   memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		CreatedAt: fromUnixNano(r.CreatedAt),
		Data:      memory.EventData{Summary: r.Summary},
	}
	if err := json.Unmarshal([]byte(r.Tags), &event.Data.Tags); err != nil {
		return memory.Event{}, errors.Wrap(err, "decoding event tags")
	}
	embedding, err := DecodeEmbedding(r.Embedding)
	if err != nil {
		return memory.Event{}, err
	}
	event.Embedding = embedding
	return event, nil
}

type sqliteGistRow struct {
	ID         string         `db:"id"`
	EventID    string         `db:"event_id"`
	SpaceID    string         `db:"space_id"`
	UserID     string         `db:"user_id"`
	Content    string         `db:"content"`
	HappenedAt sql.NullString `db:"happened_at"`
	Embedding  []byte         `db:"embedding"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
	Tags       string         `db:"tags"`
}

func (r sqliteGistRow) toGist() (memory.EventGist, memory.Tags, error) {
	gist := memory.EventGist{
		ID:        r.ID,
		EventID:   r.EventID,
		Subject:   memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		Data:      memory.GistData{Content: r.Content},
		CreatedAt: fromUnixNano(r.CreatedAt),
		UpdatedAt: fromUnixNano(r.UpdatedAt),
	}
	if r.HappenedAt.Valid {
		gist.Data.HappenedAt = lo.ToPtr(r.HappenedAt.String)
	}
	embedding, err := DecodeEmbedding(r.Embedding)
	if err != nil {
		return memory.EventGist{}, nil, err
	}
	gist.Embedding = embedding

	var tags memory.Tags
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return memory.EventGist{}, nil, errors.Wrap(err, "decoding event tags")
		}
	}
	return gist, tags, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *SQLiteStorage) since(timeRange time.Duration) int64 {
	if timeRange <= 0 {
		return 0
	}
	return s.now().Add(-timeRange).UnixNano()
}

func (s *SQLiteStorage) EnsureSubject(ctx context.Context, subject memory.Subject) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memory_subjects (space_id, user_id, created_at) VALUES (?, ?, ?)`,
		subject.SpaceID, subject.UserID, s.now().UnixNano())
	return errors.Wrap(err, "ensuring subject")
}

func (s *SQLiteStorage) SubjectExists(ctx context.Context, subject memory.Subject) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM memory_subjects WHERE space_id = ? AND user_id = ?`,
		subject.SpaceID, subject.UserID)
	if err != nil {
		return false, errors.Wrap(err, "checking subject")
	}
	return count > 0, nil
}

func (s *SQLiteStorage) DeleteSubject(ctx context.Context, subject memory.Subject) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_subjects WHERE space_id = ? AND user_id = ?`,
		subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "deleting subject")
	}
	return requireAffected(res, "storage.delete_subject", "subject "+subject.String())
}

const sqliteProfileColumns = `id, space_id, user_id, topic, sub_topic, content, attributes, created_at, updated_at, deleted_at`

func (s *SQLiteStorage) ListProfiles(ctx context.Context, subject memory.Subject) ([]memory.ProfileFact, error) {
	var rows []sqliteProfileRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteProfileColumns+` FROM memory_profiles
		WHERE space_id = ? AND user_id = ? AND deleted_at IS NULL
		ORDER BY topic, sub_topic, created_at`,
		subject.SpaceID, subject.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "listing profiles")
	}

	facts := make([]memory.ProfileFact, 0, len(rows))
	for _, row := range rows {
		fact, err := row.toFact()
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (s *SQLiteStorage) GetProfile(ctx context.Context, subject memory.Subject, id string) (*memory.ProfileFact, error) {
	return s.getProfile(ctx, s.db, subject, id)
}

func (s *SQLiteStorage) getProfile(ctx context.Context, q sqlx.QueryerContext, subject memory.Subject, id string) (*memory.ProfileFact, error) {
	var row sqliteProfileRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+sqliteProfileColumns+` FROM memory_profiles
		WHERE id = ? AND space_id = ? AND user_id = ? AND deleted_at IS NULL`,
		id, subject.SpaceID, subject.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.E("storage.get_profile", memory.CodeNotFound, fmt.Errorf("profile %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting profile")
	}
	fact, err := row.toFact()
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

func (s *SQLiteStorage) InsertProfiles(ctx context.Context, facts []memory.ProfileFact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, fact := range facts {
		if fact.ID == "" {
			return memory.E("storage.insert_profiles", memory.CodeInvalidArgument, fmt.Errorf("profile fact without id"))
		}
		attrs, err := json.Marshal(lo.Ternary(fact.Attributes == nil, map[string]string{}, fact.Attributes))
		if err != nil {
			return errors.Wrap(err, "encoding profile attributes")
		}
		createdAt := lo.Ternary(fact.CreatedAt.IsZero(), now, fact.CreatedAt)
		updatedAt := lo.Ternary(fact.UpdatedAt.IsZero(), createdAt, fact.UpdatedAt)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_profiles (id, space_id, user_id, topic, sub_topic, content, attributes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fact.ID, fact.Subject.SpaceID, fact.Subject.UserID, fact.Topic, fact.SubTopic, fact.Content,
			string(attrs), createdAt.UnixNano(), updatedAt.UnixNano())
		if err != nil {
			return errors.Wrap(err, "inserting profile")
		}
	}
	return errors.Wrap(tx.Commit(), "committing profiles")
}

func (s *SQLiteStorage) UpdateProfile(ctx context.Context, subject memory.Subject, id string, update memory.ProfileUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.getProfile(ctx, tx, subject, id)
	if err != nil {
		return err
	}
	fact := update.Apply(*existing)
	attrs, err := json.Marshal(lo.Ternary(fact.Attributes == nil, map[string]string{}, fact.Attributes))
	if err != nil {
		return errors.Wrap(err, "encoding profile attributes")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE memory_profiles SET topic = ?, sub_topic = ?, content = ?, attributes = ?, updated_at = ?
		WHERE id = ? AND space_id = ? AND user_id = ?`,
		fact.Topic, fact.SubTopic, fact.Content, string(attrs), s.now().UnixNano(),
		id, subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "updating profile")
	}
	return errors.Wrap(tx.Commit(), "committing profile update")
}

func (s *SQLiteStorage) DeleteProfiles(ctx context.Context, subject memory.Subject, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`UPDATE memory_profiles SET deleted_at = ?
		WHERE space_id = ? AND user_id = ? AND deleted_at IS NULL AND id IN (?)`,
		s.now().UnixNano(), subject.SpaceID, subject.UserID, ids)
	if err != nil {
		return 0, errors.Wrap(err, "building delete query")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting profiles")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "counting deleted profiles")
}

func (s *SQLiteStorage) checkEventDimensions(event memory.Event, gists []memory.EventGist) error {
	if err := memory.CheckDimension(event.Embedding, s.dim); err != nil {
		return err
	}
	for _, g := range gists {
		if err := memory.CheckDimension(g.Embedding, s.dim); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) InsertEvent(ctx context.Context, event memory.Event, gists []memory.EventGist) error {
	if err := s.checkEventDimensions(event, gists); err != nil {
		return err
	}
	tags, err := json.Marshal(lo.Ternary(event.Data.Tags == nil, memory.Tags{}, event.Data.Tags))
	if err != nil {
		return errors.Wrap(err, "encoding event tags")
	}
	createdAt := lo.Ternary(event.CreatedAt.IsZero(), s.now(), event.CreatedAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_events (id, space_id, user_id, summary, tags, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Subject.SpaceID, event.Subject.UserID, event.Data.Summary, string(tags),
		EncodeEmbedding(event.Embedding), createdAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "inserting event")
	}

	for _, g := range gists {
		gistCreated := lo.Ternary(g.CreatedAt.IsZero(), createdAt, g.CreatedAt)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_event_gists (id, event_id, space_id, user_id, content, happened_at, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, event.ID, event.Subject.SpaceID, event.Subject.UserID, g.Data.Content, g.Data.HappenedAt,
			EncodeEmbedding(g.Embedding), gistCreated.UnixNano(), gistCreated.UnixNano())
		if err != nil {
			return errors.Wrap(err, "inserting event gist")
		}
	}

	return errors.Wrap(tx.Commit(), "committing event")
}

const sqliteEventColumns = `id, space_id, user_id, summary, tags, embedding, created_at`

const sqliteGistColumns = `g.id, g.event_id, g.space_id, g.user_id, g.content, g.happened_at, g.embedding, g.created_at, g.updated_at, e.tags`

func (s *SQLiteStorage) GetEvent(ctx context.Context, subject memory.Subject, id string) (*memory.Event, error) {
	var row sqliteEventRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sqliteEventColumns+` FROM memory_events WHERE id = ? AND space_id = ? AND user_id = ?`,
		id, subject.SpaceID, subject.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.E("storage.get_event", memory.CodeNotFound, fmt.Errorf("event %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting event")
	}
	event, err := row.toEvent()
	if err != nil {
		return nil, err
	}
	events := []memory.Event{event}
	if err := s.attachGists(ctx, events); err != nil {
		return nil, err
	}
	return &events[0], nil
}

func (s *SQLiteStorage) attachGists(ctx context.Context, events []memory.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := lo.Map(events, func(e memory.Event, _ int) string { return e.ID })
	query, args, err := sqlx.In(
		`SELECT `+sqliteGistColumns+` FROM memory_event_gists g JOIN memory_events e ON e.id = g.event_id
		WHERE g.event_id IN (?) ORDER BY g.created_at, g.rowid`, ids)
	if err != nil {
		return errors.Wrap(err, "building gist query")
	}
	var rows []sqliteGistRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "listing gists")
	}

	byEvent := make(map[string][]memory.EventGist, len(events))
	for _, row := range rows {
		gist, _, err := row.toGist()
		if err != nil {
			return err
		}
		byEvent[gist.EventID] = append(byEvent[gist.EventID], gist)
	}
	for i := range events {
		events[i].Gists = byEvent[events[i].ID]
	}
	return nil
}

func (s *SQLiteStorage) ListEvents(ctx context.Context, subject memory.Subject, limit int, timeRange time.Duration) ([]memory.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []sqliteEventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteEventColumns+` FROM memory_events
		WHERE space_id = ? AND user_id = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT ?`,
		subject.SpaceID, subject.UserID, s.since(timeRange), limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing events")
	}

	events := make([]memory.Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := s.attachGists(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStorage) UpdateEvent(ctx context.Context, event memory.Event) error {
	if err := memory.CheckDimension(event.Embedding, s.dim); err != nil {
		return err
	}
	tags, err := json.Marshal(lo.Ternary(event.Data.Tags == nil, memory.Tags{}, event.Data.Tags))
	if err != nil {
		return errors.Wrap(err, "encoding event tags")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_events SET summary = ?, tags = ?, embedding = ? WHERE id = ? AND space_id = ? AND user_id = ?`,
		event.Data.Summary, string(tags), EncodeEmbedding(event.Embedding),
		event.ID, event.Subject.SpaceID, event.Subject.UserID)
	if err != nil {
		return errors.Wrap(err, "updating event")
	}
	return requireAffected(res, "storage.update_event", "event "+event.ID)
}

func (s *SQLiteStorage) DeleteEvent(ctx context.Context, subject memory.Subject, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_events WHERE id = ? AND space_id = ? AND user_id = ?`,
		id, subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "deleting event")
	}
	return requireAffected(res, "storage.delete_event", "event "+id)
}

func (s *SQLiteStorage) SearchGists(ctx context.Context, q SearchQuery) ([]memory.EventGist, error) {
	if err := memory.CheckDimension(q.Embedding, s.dim); err != nil {
		return nil, err
	}
	var rows []sqliteGistRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteGistColumns+` FROM memory_event_gists g JOIN memory_events e ON e.id = g.event_id
		WHERE g.space_id = ? AND g.user_id = ? AND g.created_at >= ?`,
		q.Subject.SpaceID, q.Subject.UserID, s.since(q.TimeRange))
	if err != nil {
		return nil, errors.Wrap(err, "searching gists")
	}

	candidates := make([]scored[memory.EventGist], 0, len(rows))
	for _, row := range rows {
		gist, tags, err := row.toGist()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored[memory.EventGist]{
			item:      gist,
			embedding: gist.Embedding,
			tags:      tags,
			createdAt: gist.CreatedAt,
		})
	}

	ranked := rank(candidates, q)
	out := make([]memory.EventGist, 0, len(ranked))
	for _, r := range ranked {
		gist := r.item
		gist.Similarity = r.similarity
		out = append(out, gist)
	}
	return out, nil
}

func (s *SQLiteStorage) SearchEvents(ctx context.Context, q SearchQuery) ([]memory.Event, error) {
	if err := memory.CheckDimension(q.Embedding, s.dim); err != nil {
		return nil, err
	}
	var rows []sqliteEventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteEventColumns+` FROM memory_events
		WHERE space_id = ? AND user_id = ? AND created_at >= ?`,
		q.Subject.SpaceID, q.Subject.UserID, s.since(q.TimeRange))
	if err != nil {
		return nil, errors.Wrap(err, "searching events")
	}

	candidates := make([]scored[memory.Event], 0, len(rows))
	for _, row := range rows {
		event, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored[memory.Event]{
			item:      event,
			embedding: event.Embedding,
			tags:      event.Data.Tags,
			createdAt: event.CreatedAt,
		})
	}

	ranked := rank(candidates, q)
	out := make([]memory.Event, 0, len(ranked))
	for _, r := range ranked {
		event := r.item
		event.Similarity = r.similarity
		out = append(out, event)
	}
	if err := s.attachGists(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStorage) GetProfileSchema(ctx context.Context, spaceID string) (string, bool, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM memory_profile_schemas WHERE space_id = ?`, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "getting profile schema")
	}
	return doc, true, nil
}

func (s *SQLiteStorage) PutProfileSchema(ctx context.Context, spaceID, document string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_profile_schemas (space_id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(space_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		spaceID, document, s.now().UnixNano())
	return errors.Wrap(err, "storing profile schema")
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result, op, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if n == 0 {
		return memory.E(op, memory.CodeNotFound, fmt.Errorf("%s", what))
	}
	return nil
}
