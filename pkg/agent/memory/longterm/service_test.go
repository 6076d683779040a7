package longterm

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/extraction"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/recall"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/storage"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
	"github.com/EternisAI/enchanted-memory/pkg/config"
	"github.com/EternisAI/enchanted-memory/pkg/db"
	"github.com/EternisAI/enchanted-memory/pkg/helpers"
	"github.com/EternisAI/enchanted-memory/pkg/kv"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
	"github.com/EternisAI/enchanted-memory/pkg/testutil"
)

var (
	carol   = memory.Subject{UserID: "carol", SpaceID: "home"}
	testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	llm      *testutil.FakeCompletions
	embedder *testutil.FakeEmbeddings
	store    storage.Interface
	svc      *Service
}

func newFixture(t *testing.T, tweak func(*memory.Options)) *fixture {
	t.Helper()
	return newWrappedFixture(t, tweak, nil)
}

// newWrappedFixture lets a test interpose on storage calls made by the service.
func newWrappedFixture(t *testing.T, tweak func(*memory.Options), wrap func(storage.Interface) storage.Interface) *fixture {
	t.Helper()
	logger := testutil.GetTestLogger("longterm-test")

	conn, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "memory.db"), logger)
	require.NoError(t, err)

	embedder := &testutil.FakeEmbeddings{Keywords: []string{"cat", "allerg", "hik"}}
	store, err := storage.New(context.Background(), conn, logger, embedder.Dim(), func() time.Time { return testNow })
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := memory.DefaultOptions()
	opts.EmbeddingDim = embedder.Dim()
	opts.MinEventSummaryTokens = 1
	if tweak != nil {
		tweak(&opts)
	}

	svcStore := store
	if wrap != nil {
		svcStore = wrap(store)
	}

	llm := testutil.NewFakeCompletions()
	svc, err := New(Dependencies{
		Store:       svcStore,
		KV:          kv.NewMemoryProvider(),
		Completions: llm,
		Embeddings:  embedder,
		Logger:      logger,
		Metrics:     metrics.New(nil),
		Options:     opts,
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return &fixture{llm: llm, embedder: embedder, store: store, svc: svc}
}

func TestAllergyScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.llm.On(extraction.UpdateProfileToolName, testutil.ToolCallMessage("", extraction.UpdateProfileToolName,
		extraction.UpdateProfileToolArguments{Facts: []extraction.ProfileEntry{
			{Topic: "health", SubTopic: "allergy", Content: "allergic to cats"},
		}}))
	f.llm.On(extraction.RecordEventsToolName, testutil.ToolCallMessage("", extraction.RecordEventsToolName,
		extraction.RecordEventsToolArguments{Events: []extraction.EventEntry{
			{Summary: "User is allergic to cats", MentionedAt: "2025-06-01"},
		}}))
	f.llm.On(extraction.TagEventToolName, testutil.ToolCallMessage("", extraction.TagEventToolName,
		extraction.TagEventToolArguments{Tags: []extraction.TagEntry{{Tag: "emotion", Value: "worried"}}}))

	id, err := f.svc.InsertChat(ctx, carol, []memory.ChatMessage{
		{Role: "user", Content: "I'm allergic to cats"},
		{Role: "assistant", Content: "noted"},
	}, map[string]string{"friend_id": "2"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, f.svc.FlushNow(ctx, carol, memory.BlobKindChat))

	facts, err := f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "health", facts[0].Topic)
	assert.Equal(t, "allergy", facts[0].SubTopic)

	events, err := f.svc.SearchEvents(ctx, carol, "", []memory.TagPredicate{memory.TagEquals("friend_id", "2")}, 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	friend, ok := events[0].Data.Tags.Get("friend_id")
	require.True(t, ok)
	assert.Equal(t, "2", friend)

	strict, err := f.svc.SearchEvents(ctx, carol, "cats", nil, 10, helpers.Ptr(0.99))
	require.NoError(t, err)
	assert.Empty(t, strict)

	f.llm.On(recall.ToolName,
		testutil.ToolCallMessage("", recall.ToolName, recall.ToolArguments{Query: "cats"}),
		testutil.TextMessage("found it"),
	)
	res, err := f.svc.Recall(ctx, recall.Request{
		Subject:      carol,
		Conversation: []ai.Message{ai.NewUserMessage("should I visit the cat cafe?")},
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "User is allergic to cats", res.Events[0].Content)
	assert.Greater(t, res.Events[0].Similarity, memory.DefaultOptions().SimilarityThreshold)
}

func TestInsertChatTriggersFlushOverCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *memory.Options) { o.MaxChatBlobBufferTokenSize = 1 })

	_, err := f.svc.InsertChat(ctx, carol, []memory.ChatMessage{{Role: "user", Content: "a fairly long message about my day"}}, nil)
	require.NoError(t, err)

	// Stop waits for the triggered flush.
	f.svc.Stop()

	status, err := f.svc.BufferStatus(ctx, carol, memory.BlobKindChat)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Blobs)
	assert.NotEmpty(t, f.llm.Calls())
}

func TestFlushPendingWaitsForTriggeredFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *memory.Options) { o.MaxChatBlobBufferTokenSize = 5 })
	f.llm.Delay = 200 * time.Millisecond

	for _, text := range []string{
		"first message that is long enough to cross the ceiling",
		"second message appended while the first flush runs",
		"third message appended while the first flush runs",
	} {
		_, err := f.svc.InsertChat(ctx, carol, []memory.ChatMessage{{Role: "user", Content: text}}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.FlushPending(ctx, carol, memory.BlobKindChat))
	f.svc.Stop()

	status, err := f.svc.BufferStatus(ctx, carol, memory.BlobKindChat)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Blobs)
	assert.Zero(t, status.Tokens)
}

func TestInsertChatValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.InsertChat(ctx, memory.Subject{UserID: "x"}, []memory.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	_, err = f.svc.InsertChat(ctx, carol, []memory.ChatMessage{{Role: "user", Content: "  "}}, nil)
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	err = f.svc.FlushNow(ctx, carol, memory.BlobKind("video"))
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
}

func TestDocBlobsStayBuffered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.InsertDoc(ctx, carol, "meeting notes", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.FlushNow(ctx, carol, memory.BlobKindDoc))

	status, err := f.svc.BufferStatus(ctx, carol, memory.BlobKindDoc)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Blobs)
	assert.Empty(t, f.llm.Calls())
}

func TestProfileCRUDInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	facts, err := f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, facts)

	id, err := f.svc.AddProfile(ctx, carol, "likes jazz", map[string]string{"topic": "Interest", "sub_topic": "Music", "source": "manual"})
	require.NoError(t, err)

	facts, err = f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "interest", facts[0].Topic)
	assert.Equal(t, "music", facts[0].SubTopic)
	assert.Equal(t, map[string]string{"source": "manual"}, facts[0].Attributes)

	content := "likes jazz and blues"
	require.NoError(t, f.svc.UpdateProfile(ctx, carol, id, &content, nil))
	facts, err = f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, content, facts[0].Content)

	n, err := f.svc.DeleteProfile(ctx, carol, []string{id, id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	facts, err = f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = f.svc.AddProfile(ctx, carol, "no topic", map[string]string{"sub_topic": "x"})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	err = f.svc.UpdateProfile(ctx, carol, "missing", &content, nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

// pausingStore holds one ListProfiles call after it has read from the store.
type pausingStore struct {
	storage.Interface
	armed    atomic.Bool
	readDone chan struct{}
	resume   chan struct{}
}

func (p *pausingStore) ListProfiles(ctx context.Context, subject memory.Subject) ([]memory.ProfileFact, error) {
	facts, err := p.Interface.ListProfiles(ctx, subject)
	if p.armed.CompareAndSwap(true, false) {
		close(p.readDone)
		<-p.resume
	}
	return facts, err
}

func TestGetProfileDoesNotCacheReadOverlappingWrite(t *testing.T) {
	ctx := context.Background()
	paused := &pausingStore{readDone: make(chan struct{}), resume: make(chan struct{})}
	f := newWrappedFixture(t, nil, func(s storage.Interface) storage.Interface {
		paused.Interface = s
		return paused
	})
	paused.armed.Store(true)

	slow := make(chan []memory.ProfileFact, 1)
	go func() {
		facts, err := f.svc.GetProfile(ctx, carol)
		assert.NoError(t, err)
		slow <- facts
	}()

	<-paused.readDone
	_, err := f.svc.AddProfile(ctx, carol, "allergic to cats", map[string]string{"topic": "health", "sub_topic": "allergy"})
	require.NoError(t, err)
	close(paused.resume)
	assert.Empty(t, <-slow, "slow reader saw the store before the write")

	facts, err := f.svc.GetProfile(ctx, carol)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "allergic to cats", facts[0].Content)
}

func TestManualEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	happened := "2025-05-20"
	id, err := f.svc.AddEvent(ctx, carol, "went hiking with Dana", map[string]string{"location": "alps"}, &happened)
	require.NoError(t, err)

	events, err := f.svc.ListEvents(ctx, carol, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].Gists, 1)
	assert.Equal(t, "2025-05-20", events[0].Gists[0].Date())
	assert.Len(t, events[0].Embedding, f.embedder.Dim())

	summary := "went hiking with Dana and Eli"
	require.NoError(t, f.svc.UpdateEvent(ctx, carol, id, &summary, map[string]string{"location": "dolomites"}))
	event, err := f.svc.GetEvent(ctx, carol, id)
	require.NoError(t, err)
	assert.Equal(t, summary, event.Data.Summary)
	assert.Equal(t, map[string]string{"location": "dolomites"}, event.Data.Tags.Map())

	require.NoError(t, f.svc.DeleteEvent(ctx, carol, id))
	assert.ErrorIs(t, f.svc.DeleteEvent(ctx, carol, id), memory.ErrNotFound)
	_, err = f.svc.GetEvent(ctx, carol, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestSearchEventsWithoutEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *memory.Options) { o.EnableEventEmbedding = false })

	_, err := f.svc.AddEvent(ctx, carol, "went hiking", map[string]string{"emotion": "happy"}, nil)
	require.NoError(t, err)
	_, err = f.svc.AddEvent(ctx, carol, "lost keys", map[string]string{"emotion": "sad"}, nil)
	require.NoError(t, err)

	events, err := f.svc.SearchEvents(ctx, carol, "hiking", []memory.TagPredicate{memory.HasTag("emotion")}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Nil(t, events[0].Embedding)
	assert.Zero(t, f.embedder.CallCount())
}

func TestExpiredCallerDeadlineCodes(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Delay = time.Second
	_, err := f.svc.AddEvent(context.Background(), carol, "went hiking", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err = f.svc.SearchEvents(ctx, carol, "hiking", nil, 10, nil)
	require.Error(t, err)
	assert.Equal(t, memory.CodeInternal, memory.CodeOf(err))

	_, err = f.svc.Recall(ctx, recall.Request{
		Subject:      carol,
		Conversation: []ai.Message{ai.NewUserMessage("where did I go hiking?")},
	})
	require.Error(t, err)
	assert.Equal(t, memory.CodeRecallTimeout, memory.CodeOf(err))
}

func TestProfileSchemaRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc, err := f.svc.GetProfileSchema(ctx, carol)
	require.NoError(t, err)
	assert.Contains(t, doc, "health")

	custom := "topics:\n  - name: hobbies\n    sub_topics:\n      - name: climbing\n"
	require.NoError(t, f.svc.UpdateProfileSchema(ctx, carol, custom))

	doc, err = f.svc.GetProfileSchema(ctx, memory.Subject{UserID: "someone-else", SpaceID: carol.SpaceID})
	require.NoError(t, err)
	assert.Contains(t, doc, "climbing")
	assert.NotContains(t, doc, "allergy")

	assert.ErrorIs(t, f.svc.UpdateProfileSchema(ctx, carol, "topics: []\n"), memory.ErrInvalidArgument)
}

func TestDeleteSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.InsertChat(ctx, carol, []memory.ChatMessage{{Role: "user", Content: "hello"}}, nil)
	require.NoError(t, err)
	_, err = f.svc.AddEvent(ctx, carol, "went hiking", nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSubject(ctx, carol))
	assert.ErrorIs(t, f.svc.DeleteSubject(ctx, carol), memory.ErrNotFound)

	status, err := f.svc.BufferStatus(ctx, carol, memory.BlobKindChat)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Blobs)

	events, err := f.svc.ListEvents(ctx, carol, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestContextRespectsBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AddProfile(ctx, carol, "allergic to cats", map[string]string{"topic": "health", "sub_topic": "allergy"})
	require.NoError(t, err)
	_, err = f.svc.AddEvent(ctx, carol, "went hiking in the alps", nil, nil)
	require.NoError(t, err)

	block, err := f.svc.Context(ctx, carol, 1000)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, "<memory>"))
	assert.Contains(t, block, "- health::allergy: allergic to cats")
	assert.Contains(t, block, "- [2025-06-01] went hiking in the alps")

	block, err = f.svc.Context(ctx, carol, 2)
	require.NoError(t, err)
	assert.Equal(t, "<memory>\n</memory>", block)
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := OptionsFromConfig(&config.Config{EmbeddingDim: 8, EnableEventEmbedding: true})
	assert.Equal(t, 8, opts.EmbeddingDim)
	assert.Equal(t, 3, opts.SearchRounds)
	assert.Equal(t, 365*24*time.Hour, opts.EventSearchWindow)
	assert.True(t, opts.EnableEventEmbedding)
	assert.NoError(t, opts.Validate())
}
