package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/db"
)

const testDim = 3

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type backendFactory func(t *testing.T) Interface

func backends(t *testing.T) map[string]backendFactory {
	t.Helper()
	logger := log.New(os.Stderr)
	logger.SetLevel(log.WarnLevel)

	out := map[string]backendFactory{
		"sqlite": func(t *testing.T) Interface {
			conn, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "memory.db"), logger)
			require.NoError(t, err)
			store, err := New(context.Background(), conn, logger, testDim, func() time.Time { return testNow })
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}

	if url := os.Getenv("MEMORY_TEST_POSTGRES_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Interface {
			conn, err := db.Open(context.Background(), "postgresql", url, logger)
			require.NoError(t, err)
			store, err := New(context.Background(), conn, logger, testDim, func() time.Time { return testNow })
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
	}
	return out
}

// newSubject returns a fresh subject so backends sharing a database do not collide.
func newSubject(t *testing.T, store Interface) memory.Subject {
	t.Helper()
	subject := memory.Subject{UserID: "user-" + uuid.NewString()[:8], SpaceID: "space-" + uuid.NewString()[:8]}
	require.NoError(t, store.EnsureSubject(context.Background(), subject))
	return subject
}

func gist(subject memory.Subject, content string, embedding []float32, createdAt time.Time) memory.EventGist {
	return memory.EventGist{
		ID:        uuid.NewString(),
		Subject:   subject,
		Data:      memory.GistData{Content: content},
		Embedding: embedding,
		CreatedAt: createdAt,
	}
}

func event(subject memory.Subject, summary string, tags memory.Tags, embedding []float32, createdAt time.Time) memory.Event {
	return memory.Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: createdAt,
		Data:      memory.EventData{Summary: summary, Tags: tags},
		Embedding: embedding,
	}
}

func TestSubjects(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			require.NoError(t, store.EnsureSubject(ctx, subject), "ensure is idempotent")
			exists, err := store.SubjectExists(ctx, subject)
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, store.InsertProfiles(ctx, []memory.ProfileFact{{
				ID: uuid.NewString(), Subject: subject, Topic: "health", SubTopic: "allergy", Content: "cats",
			}}))
			ev := event(subject, "- adopted a dog", nil, []float32{1, 0, 0}, testNow)
			require.NoError(t, store.InsertEvent(ctx, ev, []memory.EventGist{gist(subject, "adopted a dog", []float32{1, 0, 0}, testNow)}))

			require.NoError(t, store.DeleteSubject(ctx, subject))

			exists, err = store.SubjectExists(ctx, subject)
			require.NoError(t, err)
			assert.False(t, exists)

			profiles, err := store.ListProfiles(ctx, subject)
			require.NoError(t, err)
			assert.Empty(t, profiles)

			_, err = store.GetEvent(ctx, subject, ev.ID)
			assert.ErrorIs(t, err, memory.ErrNotFound)

			err = store.DeleteSubject(ctx, subject)
			assert.ErrorIs(t, err, memory.ErrNotFound)
		})
	}
}

func TestProfiles(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			work := memory.ProfileFact{
				ID: uuid.NewString(), Subject: subject, Topic: "work", SubTopic: "title", Content: "engineer",
				Attributes: map[string]string{"source": "chat"},
			}
			allergy := memory.ProfileFact{
				ID: uuid.NewString(), Subject: subject, Topic: "health", SubTopic: "allergy", Content: "cats",
			}
			require.NoError(t, store.InsertProfiles(ctx, []memory.ProfileFact{work, allergy}))

			profiles, err := store.ListProfiles(ctx, subject)
			require.NoError(t, err)
			require.Len(t, profiles, 2)
			assert.Equal(t, "health", profiles[0].Topic)
			assert.Equal(t, "work", profiles[1].Topic)
			assert.Equal(t, "chat", profiles[1].Attributes["source"])
			assert.True(t, testNow.Equal(profiles[0].CreatedAt))

			content := "staff engineer"
			require.NoError(t, store.UpdateProfile(ctx, subject, work.ID, memory.ProfileUpdate{Content: &content}))
			updated, err := store.GetProfile(ctx, subject, work.ID)
			require.NoError(t, err)
			assert.Equal(t, "staff engineer", updated.Content)
			assert.Equal(t, "title", updated.SubTopic)

			n, err := store.DeleteProfiles(ctx, subject, []string{allergy.ID, "missing"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.DeleteProfiles(ctx, subject, []string{allergy.ID})
			require.NoError(t, err)
			assert.Zero(t, n, "already deleted facts are not counted twice")

			_, err = store.GetProfile(ctx, subject, allergy.ID)
			assert.ErrorIs(t, err, memory.ErrNotFound)

			err = store.UpdateProfile(ctx, subject, allergy.ID, memory.ProfileUpdate{Content: &content})
			assert.ErrorIs(t, err, memory.ErrNotFound)

			profiles, err = store.ListProfiles(ctx, subject)
			require.NoError(t, err)
			assert.Len(t, profiles, 1)
		})
	}
}

func TestInsertEventRejectsWrongDimension(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			ev := event(subject, "- went hiking", nil, []float32{1, 0, 0}, testNow)
			gists := []memory.EventGist{
				gist(subject, "went hiking", []float32{1, 0, 0}, testNow),
				gist(subject, "saw a bear", []float32{1, 0}, testNow),
			}
			err := store.InsertEvent(ctx, ev, gists)
			require.Error(t, err)
			assert.Equal(t, memory.CodeDimensionMismatch, memory.CodeOf(err))

			_, err = store.GetEvent(ctx, subject, ev.ID)
			assert.ErrorIs(t, err, memory.ErrNotFound, "nothing from the rejected event is persisted")

			_, err = store.SearchGists(ctx, SearchQuery{Subject: subject, Embedding: []float32{1, 0, 0, 0}})
			assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			happened := "2025-05-30"
			first := gist(subject, "went hiking", []float32{1, 0, 0}, testNow)
			first.Data.HappenedAt = &happened
			second := gist(subject, "saw a bear", nil, testNow.Add(time.Second))

			ev := event(subject, "- went hiking\n- saw a bear", memory.Tags{{Tag: "location", Value: "Yosemite"}}, nil, testNow)
			require.NoError(t, store.InsertEvent(ctx, ev, []memory.EventGist{first, second}))

			got, err := store.GetEvent(ctx, subject, ev.ID)
			require.NoError(t, err)
			assert.Equal(t, ev.Data, got.Data)
			assert.Nil(t, got.Embedding)
			require.Len(t, got.Gists, 2)
			assert.Equal(t, "went hiking", got.Gists[0].Data.Content)
			assert.Equal(t, "2025-05-30", got.Gists[0].Date())
			assert.Equal(t, []float32{1, 0, 0}, got.Gists[0].Embedding)
			assert.Nil(t, got.Gists[1].Embedding)
			assert.Equal(t, testNow.Format("2006-01-02"), got.Gists[1].Date())

			got.Data.Tags = append(got.Data.Tags, memory.Tag{Tag: "emotion", Value: "excited"})
			got.Embedding = []float32{0, 1, 0}
			require.NoError(t, store.UpdateEvent(ctx, *got))

			again, err := store.GetEvent(ctx, subject, ev.ID)
			require.NoError(t, err)
			assert.Len(t, again.Data.Tags, 2)
			assert.Equal(t, []float32{0, 1, 0}, again.Embedding)

			require.NoError(t, store.DeleteEvent(ctx, subject, ev.ID))
			assert.ErrorIs(t, store.DeleteEvent(ctx, subject, ev.ID), memory.ErrNotFound)
		})
	}
}

func TestSearchGists(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			hiking := event(subject, "- hiking", memory.Tags{{Tag: "location", Value: "Yosemite"}}, nil, testNow)
			require.NoError(t, store.InsertEvent(ctx, hiking, []memory.EventGist{
				gist(subject, "exact", []float32{1, 0, 0}, testNow),
				gist(subject, "close", []float32{0.8, 0.6, 0}, testNow),
				gist(subject, "orthogonal", []float32{0, 1, 0}, testNow),
				gist(subject, "unembedded", nil, testNow),
			}))
			work := event(subject, "- standup", memory.Tags{{Tag: "emotion", Value: "bored"}}, nil, testNow)
			require.NoError(t, store.InsertEvent(ctx, work, []memory.EventGist{
				gist(subject, "standup", []float32{0.9, 0.1, 0}, testNow),
			}))

			query := SearchQuery{Subject: subject, Embedding: []float32{1, 0, 0}, SimilarityThreshold: 0.5, TopK: 10}

			t.Run("ordered by similarity above threshold", func(t *testing.T) {
				gists, err := store.SearchGists(ctx, query)
				require.NoError(t, err)
				contents := make([]string, 0, len(gists))
				for _, g := range gists {
					contents = append(contents, g.Data.Content)
				}
				assert.Equal(t, []string{"exact", "standup", "close"}, contents)
				assert.InDelta(t, 1.0, gists[0].Similarity, 1e-5)
				assert.InDelta(t, 0.8, gists[2].Similarity, 1e-5)
			})

			t.Run("top k", func(t *testing.T) {
				q := query
				q.TopK = 1
				gists, err := store.SearchGists(ctx, q)
				require.NoError(t, err)
				require.Len(t, gists, 1)
				assert.Equal(t, "exact", gists[0].Data.Content)
			})

			t.Run("tag presence", func(t *testing.T) {
				q := query
				q.Tags = []memory.TagPredicate{memory.HasTag("emotion")}
				gists, err := store.SearchGists(ctx, q)
				require.NoError(t, err)
				require.Len(t, gists, 1)
				assert.Equal(t, "standup", gists[0].Data.Content)
			})

			t.Run("tag equality", func(t *testing.T) {
				q := query
				q.Tags = []memory.TagPredicate{memory.TagEquals("location", "Yosemite")}
				gists, err := store.SearchGists(ctx, q)
				require.NoError(t, err)
				assert.Len(t, gists, 2)

				q.Tags = []memory.TagPredicate{memory.TagEquals("location", "Paris")}
				gists, err = store.SearchGists(ctx, q)
				require.NoError(t, err)
				assert.Empty(t, gists)
			})

			t.Run("other subjects are invisible", func(t *testing.T) {
				other := newSubject(t, store)
				q := query
				q.Subject = other
				gists, err := store.SearchGists(ctx, q)
				require.NoError(t, err)
				assert.Empty(t, gists)
			})
		})
	}
}

func TestSearchRankingEdges(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			older := event(subject, "- older", nil, []float32{1, 0, 0}, testNow.Add(-2*time.Hour))
			newer := event(subject, "- newer", nil, []float32{1, 0, 0}, testNow.Add(-time.Hour))
			side := event(subject, "- side", nil, []float32{0, 1, 0}, testNow)
			require.NoError(t, store.InsertEvent(ctx, older, []memory.EventGist{
				gist(subject, "older", []float32{1, 0, 0}, older.CreatedAt),
			}))
			require.NoError(t, store.InsertEvent(ctx, newer, []memory.EventGist{
				gist(subject, "newer", []float32{1, 0, 0}, newer.CreatedAt),
			}))
			require.NoError(t, store.InsertEvent(ctx, side, []memory.EventGist{
				gist(subject, "side", []float32{0, 1, 0}, side.CreatedAt),
			}))

			tests := []struct {
				name       string
				threshold  float64
				wantGists  []string
				wantEvents []string
			}{
				{
					name:       "equal similarity ranks newest first",
					threshold:  0.5,
					wantGists:  []string{"newer", "older"},
					wantEvents: []string{newer.ID, older.ID},
				},
				{
					name:       "similarity equal to threshold is discarded",
					threshold:  1.0,
					wantGists:  []string{},
					wantEvents: []string{},
				},
				{
					name:       "zero similarity at zero threshold is discarded",
					threshold:  0,
					wantGists:  []string{"newer", "older"},
					wantEvents: []string{newer.ID, older.ID},
				},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					q := SearchQuery{Subject: subject, Embedding: []float32{1, 0, 0}, SimilarityThreshold: tt.threshold, TopK: 10}

					gists, err := store.SearchGists(ctx, q)
					require.NoError(t, err)
					contents := make([]string, 0, len(gists))
					for _, g := range gists {
						contents = append(contents, g.Data.Content)
					}
					assert.Equal(t, tt.wantGists, contents)

					events, err := store.SearchEvents(ctx, q)
					require.NoError(t, err)
					ids := make([]string, 0, len(events))
					for _, e := range events {
						ids = append(ids, e.ID)
					}
					assert.Equal(t, tt.wantEvents, ids)
				})
			}
		})
	}
}

func TestSearchTagConjunction(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			happy := event(subject, "- happy", memory.Tags{{Tag: "emotion", Value: "happy"}}, []float32{1, 0, 0}, testNow.Add(-3*time.Hour))
			sad := event(subject, "- sad", memory.Tags{{Tag: "emotion", Value: "sad"}}, []float32{1, 0, 0}, testNow.Add(-2*time.Hour))
			run := event(subject, "- run", memory.Tags{{Tag: "action", Value: "run"}}, []float32{1, 0, 0}, testNow.Add(-time.Hour))
			for _, ev := range []memory.Event{happy, sad, run} {
				require.NoError(t, store.InsertEvent(ctx, ev, []memory.EventGist{
					gist(subject, ev.Data.Summary, []float32{1, 0, 0}, ev.CreatedAt),
				}))
			}

			tests := []struct {
				name       string
				predicates []memory.TagPredicate
				want       []string
			}{
				{
					name:       "has tag",
					predicates: []memory.TagPredicate{memory.HasTag("emotion")},
					want:       []string{sad.ID, happy.ID},
				},
				{
					name:       "tag equals",
					predicates: []memory.TagPredicate{memory.TagEquals("emotion", "happy")},
					want:       []string{happy.ID},
				},
				{
					name:       "conjunction",
					predicates: []memory.TagPredicate{memory.TagEquals("emotion", "happy"), memory.TagEquals("action", "run")},
					want:       []string{},
				},
			}
			for _, tt := range tests {
				for _, embedding := range [][]float32{nil, {1, 0, 0}} {
					label := "by recency"
					if embedding != nil {
						label = "by similarity"
					}
					t.Run(tt.name+" "+label, func(t *testing.T) {
						q := SearchQuery{Subject: subject, Embedding: embedding, TopK: 10, Tags: tt.predicates}

						events, err := store.SearchEvents(ctx, q)
						require.NoError(t, err)
						ids := make([]string, 0, len(events))
						for _, e := range events {
							ids = append(ids, e.ID)
						}
						assert.Equal(t, tt.want, ids)

						gists, err := store.SearchGists(ctx, q)
						require.NoError(t, err)
						gistEvents := make([]string, 0, len(gists))
						for _, g := range gists {
							gistEvents = append(gistEvents, g.EventID)
						}
						assert.Equal(t, tt.want, gistEvents)
					})
				}
			}
		})
	}
}

func TestSearchEventsTimeWindow(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			subject := newSubject(t, store)

			old := event(subject, "- old trip", nil, []float32{1, 0, 0}, testNow.Add(-30*24*time.Hour))
			recent := event(subject, "- recent trip", nil, []float32{0.8, 0.6, 0}, testNow.Add(-time.Hour))
			require.NoError(t, store.InsertEvent(ctx, old, nil))
			require.NoError(t, store.InsertEvent(ctx, recent, nil))

			events, err := store.SearchEvents(ctx, SearchQuery{
				Subject: subject, Embedding: []float32{1, 0, 0}, TopK: 5, TimeRange: 7 * 24 * time.Hour,
			})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, recent.ID, events[0].ID)

			events, err = store.SearchEvents(ctx, SearchQuery{Subject: subject, TopK: 5})
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, recent.ID, events[0].ID, "without an embedding results are ordered by recency")
			assert.Zero(t, events[0].Similarity)

			listed, err := store.ListEvents(ctx, subject, 1, 0)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, recent.ID, listed[0].ID)
		})
	}
}

func TestProfileSchemaDocument(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			spaceID := "space-" + uuid.NewString()[:8]

			_, ok, err := store.GetProfileSchema(ctx, spaceID)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.PutProfileSchema(ctx, spaceID, "topics: []"))
			require.NoError(t, store.PutProfileSchema(ctx, spaceID, memory.DefaultProfileSchemaYAML()))

			doc, ok, err := store.GetProfileSchema(ctx, spaceID)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, memory.DefaultProfileSchemaYAML(), doc)
		})
	}
}
