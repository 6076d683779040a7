package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

// PostgresStorage implements the storage interface using PostgreSQL + pgvector.
// Similarity is computed in SQL with the <=> cosine distance operator.
type PostgresStorage struct {
	db     *sqlx.DB
	logger *log.Logger
	dim    int
	now    func() time.Time
}

var _ Interface = (*PostgresStorage)(nil)

// NewPostgresStorageInput contains the dependencies for PostgresStorage.
type NewPostgresStorageInput struct {
	DB           *sqlx.DB
	Logger       *log.Logger
	EmbeddingDim int
	Now          func() time.Time
}

func NewPostgresStorage(input NewPostgresStorageInput) (*PostgresStorage, error) {
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
	return &PostgresStorage{
		db:     input.DB,
		logger: input.Logger,
		dim:    input.EmbeddingDim,
		now:    now,
	}, nil
}

// ValidateSchema checks that the tables and the pgvector extension exist.
func (s *PostgresStorage) ValidateSchema(ctx context.Context) error {
	for _, table := range []string{"memory_subjects", "memory_profiles", "memory_events", "memory_event_gists"} {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT to_regclass($1) IS NOT NULL`, table); err != nil {
			return errors.Wrapf(err, "checking table %s", table)
		}
		if !exists {
			return fmt.Errorf("table %s does not exist", table)
		}
	}

	var extensionExists bool
	if err := s.db.GetContext(ctx, &extensionExists, `SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`); err != nil {
		return errors.Wrap(err, "failed to check pgvector extension")
	}
	if !extensionExists {
		return fmt.Errorf("pgvector extension is not installed")
	}

	s.logger.Debug("PostgreSQL schema validation successful")
	return nil
}

type pgProfileRow struct {
	ID         string       `db:"id"`
	SpaceID    string       `db:"space_id"`
	UserID     string       `db:"user_id"`
	Topic      string       `db:"topic"`
	SubTopic   string       `db:"sub_topic"`
	Content    string       `db:"content"`
	Attributes []byte       `db:"attributes"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	DeletedAt  sql.NullTime `db:"deleted_at"`
}

func (r pgProfileRow) toFact() (memory.ProfileFact, error) {
	fact := memory.ProfileFact{
		ID:        r.ID,
		Subject:   memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		Topic:     r.Topic,
		SubTopic:  r.SubTopic,
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(r.Attributes, &fact.Attributes); err != nil {
		return memory.ProfileFact{}, errors.Wrap(err, "decoding profile attributes")
	}
	if r.DeletedAt.Valid {
		fact.DeletedAt = lo.ToPtr(r.DeletedAt.Time.UTC())
	}
	return fact, nil
}

type pgEventRow struct {
	ID         string           `db:"id"`
	SpaceID    string           `db:"space_id"`
	UserID     string           `db:"user_id"`
	Summary    string           `db:"summary"`
	Tags       []byte           `db:"tags"`
	Embedding  *pgvector.Vector `db:"embedding"`
	CreatedAt  time.Time        `db:"created_at"`
	Similarity float64          `db:"similarity"`
}

func (r pgEventRow) toEvent() (memory.Event, error) {
	event := memory.Event{
		ID:         r.ID,
		Subject:    memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		CreatedAt:  r.CreatedAt.UTC(),
		Data:       memory.EventData{Summary: r.Summary},
		Similarity: r.Similarity,
	}
	if err := json.Unmarshal(r.Tags, &event.Data.Tags); err != nil {
		return memory.Event{}, errors.Wrap(err, "decoding event tags")
	}
	if r.Embedding != nil {
		event.Embedding = r.Embedding.Slice()
	}
	return event, nil
}

type pgGistRow struct {
	ID         string           `db:"id"`
	EventID    string           `db:"event_id"`
	SpaceID    string           `db:"space_id"`
	UserID     string           `db:"user_id"`
	Content    string           `db:"content"`
	HappenedAt sql.NullString   `db:"happened_at"`
	Embedding  *pgvector.Vector `db:"embedding"`
	CreatedAt  time.Time        `db:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at"`
	Similarity float64          `db:"similarity"`
}

func (r pgGistRow) toGist() memory.EventGist {
	gist := memory.EventGist{
		ID:         r.ID,
		EventID:    r.EventID,
		Subject:    memory.Subject{UserID: r.UserID, SpaceID: r.SpaceID},
		Data:       memory.GistData{Content: r.Content},
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		Similarity: r.Similarity,
	}
	if r.HappenedAt.Valid {
		gist.Data.HappenedAt = lo.ToPtr(r.HappenedAt.String)
	}
	if r.Embedding != nil {
		gist.Embedding = r.Embedding.Slice()
	}
	return gist
}

// vectorParam maps a nil embedding to SQL NULL.
func vectorParam(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func (s *PostgresStorage) EnsureSubject(ctx context.Context, subject memory.Subject) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_subjects (space_id, user_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (space_id, user_id) DO NOTHING`,
		subject.SpaceID, subject.UserID, s.now().UTC())
	return errors.Wrap(err, "ensuring subject")
}

func (s *PostgresStorage) SubjectExists(ctx context.Context, subject memory.Subject) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM memory_subjects WHERE space_id = $1 AND user_id = $2)`,
		subject.SpaceID, subject.UserID)
	return exists, errors.Wrap(err, "checking subject")
}

func (s *PostgresStorage) DeleteSubject(ctx context.Context, subject memory.Subject) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_subjects WHERE space_id = $1 AND user_id = $2`,
		subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "deleting subject")
	}
	return requireAffected(res, "storage.delete_subject", "subject "+subject.String())
}

const pgProfileColumns = `id, space_id, user_id, topic, sub_topic, content, attributes, created_at, updated_at, deleted_at`

func (s *PostgresStorage) ListProfiles(ctx context.Context, subject memory.Subject) ([]memory.ProfileFact, error) {
	var rows []pgProfileRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+pgProfileColumns+` FROM memory_profiles
		WHERE space_id = $1 AND user_id = $2 AND deleted_at IS NULL
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

func (s *PostgresStorage) GetProfile(ctx context.Context, subject memory.Subject, id string) (*memory.ProfileFact, error) {
	return s.getProfile(ctx, s.db, subject, id, "")
}

func (s *PostgresStorage) getProfile(ctx context.Context, q sqlx.QueryerContext, subject memory.Subject, id string, lock string) (*memory.ProfileFact, error) {
	var row pgProfileRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+pgProfileColumns+` FROM memory_profiles
		WHERE id = $1 AND space_id = $2 AND user_id = $3 AND deleted_at IS NULL `+lock,
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

func (s *PostgresStorage) InsertProfiles(ctx context.Context, facts []memory.ProfileFact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UTC()
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
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
			fact.ID, fact.Subject.SpaceID, fact.Subject.UserID, fact.Topic, fact.SubTopic, fact.Content,
			string(attrs), createdAt, updatedAt)
		if err != nil {
			return errors.Wrap(err, "inserting profile")
		}
	}
	return errors.Wrap(tx.Commit(), "committing profiles")
}

func (s *PostgresStorage) UpdateProfile(ctx context.Context, subject memory.Subject, id string, update memory.ProfileUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.getProfile(ctx, tx, subject, id, "FOR UPDATE")
	if err != nil {
		return err
	}
	fact := update.Apply(*existing)
	attrs, err := json.Marshal(lo.Ternary(fact.Attributes == nil, map[string]string{}, fact.Attributes))
	if err != nil {
		return errors.Wrap(err, "encoding profile attributes")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE memory_profiles SET topic = $1, sub_topic = $2, content = $3, attributes = $4::jsonb, updated_at = $5
		WHERE id = $6 AND space_id = $7 AND user_id = $8`,
		fact.Topic, fact.SubTopic, fact.Content, string(attrs), s.now().UTC(),
		id, subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "updating profile")
	}
	return errors.Wrap(tx.Commit(), "committing profile update")
}

func (s *PostgresStorage) DeleteProfiles(ctx context.Context, subject memory.Subject, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_profiles SET deleted_at = $1
		WHERE space_id = $2 AND user_id = $3 AND deleted_at IS NULL AND id = ANY($4)`,
		s.now().UTC(), subject.SpaceID, subject.UserID, pq.Array(ids))
	if err != nil {
		return 0, errors.Wrap(err, "deleting profiles")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "counting deleted profiles")
}

func (s *PostgresStorage) checkEventDimensions(event memory.Event, gists []memory.EventGist) error {
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

func (s *PostgresStorage) InsertEvent(ctx context.Context, event memory.Event, gists []memory.EventGist) error {
	if err := s.checkEventDimensions(event, gists); err != nil {
		return err
	}
	tags, err := json.Marshal(lo.Ternary(event.Data.Tags == nil, memory.Tags{}, event.Data.Tags))
	if err != nil {
		return errors.Wrap(err, "encoding event tags")
	}
	createdAt := lo.Ternary(event.CreatedAt.IsZero(), s.now(), event.CreatedAt).UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_events (id, space_id, user_id, summary, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		event.ID, event.Subject.SpaceID, event.Subject.UserID, event.Data.Summary, string(tags),
		vectorParam(event.Embedding), createdAt)
	if err != nil {
		return errors.Wrap(err, "inserting event")
	}

	for _, g := range gists {
		gistCreated := lo.Ternary(g.CreatedAt.IsZero(), createdAt, g.CreatedAt.UTC())
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_event_gists (id, event_id, space_id, user_id, content, happened_at, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			g.ID, event.ID, event.Subject.SpaceID, event.Subject.UserID, g.Data.Content, g.Data.HappenedAt,
			vectorParam(g.Embedding), gistCreated, gistCreated)
		if err != nil {
			return errors.Wrap(err, "inserting event gist")
		}
	}

	return errors.Wrap(tx.Commit(), "committing event")
}

const pgEventColumns = `e.id, e.space_id, e.user_id, e.summary, e.tags, e.embedding, e.created_at`

const pgGistColumns = `g.id, g.event_id, g.space_id, g.user_id, g.content, g.happened_at, g.embedding, g.created_at, g.updated_at`

func (s *PostgresStorage) GetEvent(ctx context.Context, subject memory.Subject, id string) (*memory.Event, error) {
	var row pgEventRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+pgEventColumns+` FROM memory_events e WHERE e.id = $1 AND e.space_id = $2 AND e.user_id = $3`,
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

func (s *PostgresStorage) attachGists(ctx context.Context, events []memory.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := lo.Map(events, func(e memory.Event, _ int) string { return e.ID })
	var rows []pgGistRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+pgGistColumns+` FROM memory_event_gists g WHERE g.event_id = ANY($1) ORDER BY g.created_at, g.id`,
		pq.Array(ids))
	if err != nil {
		return errors.Wrap(err, "listing gists")
	}

	byEvent := make(map[string][]memory.EventGist, len(events))
	for _, row := range rows {
		gist := row.toGist()
		byEvent[gist.EventID] = append(byEvent[gist.EventID], gist)
	}
	for i := range events {
		events[i].Gists = byEvent[events[i].ID]
	}
	return nil
}

func (s *PostgresStorage) ListEvents(ctx context.Context, subject memory.Subject, limit int, timeRange time.Duration) ([]memory.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	b := newPGQuery(subject)
	b.where("e", timeRange, s.now())
	args := append(b.args, limit)

	var rows []pgEventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+pgEventColumns+` FROM memory_events e WHERE `+b.clause()+
			fmt.Sprintf(` ORDER BY e.created_at DESC LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing events")
	}
	return s.eventsFromRows(ctx, rows)
}

func (s *PostgresStorage) eventsFromRows(ctx context.Context, rows []pgEventRow) ([]memory.Event, error) {
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

func (s *PostgresStorage) UpdateEvent(ctx context.Context, event memory.Event) error {
	if err := memory.CheckDimension(event.Embedding, s.dim); err != nil {
		return err
	}
	tags, err := json.Marshal(lo.Ternary(event.Data.Tags == nil, memory.Tags{}, event.Data.Tags))
	if err != nil {
		return errors.Wrap(err, "encoding event tags")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_events SET summary = $1, tags = $2::jsonb, embedding = $3
		WHERE id = $4 AND space_id = $5 AND user_id = $6`,
		event.Data.Summary, string(tags), vectorParam(event.Embedding),
		event.ID, event.Subject.SpaceID, event.Subject.UserID)
	if err != nil {
		return errors.Wrap(err, "updating event")
	}
	return requireAffected(res, "storage.update_event", "event "+event.ID)
}

func (s *PostgresStorage) DeleteEvent(ctx context.Context, subject memory.Subject, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_events WHERE id = $1 AND space_id = $2 AND user_id = $3`,
		id, subject.SpaceID, subject.UserID)
	if err != nil {
		return errors.Wrap(err, "deleting event")
	}
	return requireAffected(res, "storage.delete_event", "event "+id)
}

func (s *PostgresStorage) SearchGists(ctx context.Context, q SearchQuery) ([]memory.EventGist, error) {
	if err := memory.CheckDimension(q.Embedding, s.dim); err != nil {
		return nil, err
	}

	b := newPGQuery(q.Subject)
	b.where("g", q.TimeRange, s.now())
	b.tags("e", q.Tags)

	similarity, order := b.similarity("g", q)
	args := append(b.args, lo.Ternary(q.TopK > 0, q.TopK, 10))
	query := `SELECT ` + pgGistColumns + `, ` + similarity + ` AS similarity
		FROM memory_event_gists g JOIN memory_events e ON e.id = g.event_id
		WHERE ` + b.clause() + ` ORDER BY ` + order + fmt.Sprintf(` LIMIT $%d`, len(args))

	var rows []pgGistRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "searching gists")
	}
	return lo.Map(rows, func(r pgGistRow, _ int) memory.EventGist { return r.toGist() }), nil
}

func (s *PostgresStorage) SearchEvents(ctx context.Context, q SearchQuery) ([]memory.Event, error) {
	if err := memory.CheckDimension(q.Embedding, s.dim); err != nil {
		return nil, err
	}

	b := newPGQuery(q.Subject)
	b.where("e", q.TimeRange, s.now())
	b.tags("e", q.Tags)

	similarity, order := b.similarity("e", q)
	args := append(b.args, lo.Ternary(q.TopK > 0, q.TopK, 10))
	query := `SELECT ` + pgEventColumns + `, ` + similarity + ` AS similarity
		FROM memory_events e
		WHERE ` + b.clause() + ` ORDER BY ` + order + fmt.Sprintf(` LIMIT $%d`, len(args))

	var rows []pgEventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "searching events")
	}
	return s.eventsFromRows(ctx, rows)
}

func (s *PostgresStorage) GetProfileSchema(ctx context.Context, spaceID string) (string, bool, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM memory_profile_schemas WHERE space_id = $1`, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "getting profile schema")
	}
	return doc, true, nil
}

func (s *PostgresStorage) PutProfileSchema(ctx context.Context, spaceID, document string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_profile_schemas (space_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (space_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		spaceID, document, s.now().UTC())
	return errors.Wrap(err, "storing profile schema")
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// pgQuery accumulates WHERE conditions and positional arguments.
type pgQuery struct {
	conditions []string
	args       []any
}

func newPGQuery(subject memory.Subject) *pgQuery {
	return &pgQuery{args: []any{subject.SpaceID, subject.UserID}}
}

func (b *pgQuery) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *pgQuery) where(alias string, timeRange time.Duration, now time.Time) {
	b.conditions = append(b.conditions, alias+".space_id = $1", alias+".user_id = $2")
	if timeRange > 0 {
		b.conditions = append(b.conditions, alias+".created_at >= "+b.arg(now.Add(-timeRange).UTC()))
	}
}

// tags adds one condition per predicate: containment for tag=value, an
// element scan for tag presence.
func (b *pgQuery) tags(alias string, predicates []memory.TagPredicate) {
	for _, p := range predicates {
		if p.Value == nil {
			b.conditions = append(b.conditions,
				"EXISTS (SELECT 1 FROM jsonb_array_elements("+alias+".tags) t WHERE t->>'tag' = "+b.arg(p.Tag)+")")
			continue
		}
		doc, _ := json.Marshal(memory.Tags{{Tag: p.Tag, Value: *p.Value}})
		b.conditions = append(b.conditions, alias+".tags @> "+b.arg(string(doc))+"::jsonb")
	}
}

// similarity returns the select expression and ORDER BY clause. Without a query
// embedding results are ordered by recency and similarity is reported as 0.
func (b *pgQuery) similarity(alias string, q SearchQuery) (string, string) {
	if q.Embedding == nil {
		return "0::float8", alias + ".created_at DESC"
	}
	vec := b.arg(pgvector.NewVector(q.Embedding))
	expr := "(1 - (" + alias + ".embedding <=> " + vec + "))"
	b.conditions = append(b.conditions,
		alias+".embedding IS NOT NULL",
		expr+" > "+b.arg(q.SimilarityThreshold))
	return expr, "similarity DESC, " + alias + ".created_at DESC"
}

func (b *pgQuery) clause() string {
	return strings.Join(b.conditions, " AND ")
}
