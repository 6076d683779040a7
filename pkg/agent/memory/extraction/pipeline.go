// Package extraction turns drained chat blobs into profile facts and embedded,
// tagged events.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/storage"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
	"github.com/EternisAI/enchanted-memory/pkg/helpers"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
)

// maxEmbeddingBatch caps the inputs of a single embeddings request.
const maxEmbeddingBatch = 64

// Result counts what one Run wrote.
type Result struct {
	ProfilesAdded   int
	ProfilesUpdated int
	ProfilesDropped int
	Events          int
	Gists           int
}

// Pipeline runs profile consolidation and event summarization for one batch.
type Pipeline struct {
	completions ai.Completions
	embeddings  ai.Embeddings
	store       storage.Interface
	logger      *log.Logger
	metrics     *metrics.Collector
	opts        memory.Options
	now         func() time.Time
}

// Dependencies holds everything the pipeline needs.
type Dependencies struct {
	Completions ai.Completions
	Embeddings  ai.Embeddings
	Store       storage.Interface
	Logger      *log.Logger
	Metrics     *metrics.Collector
	Options     memory.Options
	Now         func() time.Time
}

func New(deps Dependencies) (*Pipeline, error) {
	if deps.Completions == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if deps.Embeddings == nil {
		return nil, fmt.Errorf("embeddings service cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		completions: deps.Completions,
		embeddings:  deps.Embeddings,
		store:       deps.Store,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		opts:        deps.Options.WithDefaults(),
		now:         now,
	}, nil
}

// ActiveSchema returns the space's stored profile schema, or the default one.
func ActiveSchema(ctx context.Context, store storage.Interface, spaceID string) (*memory.ProfileSchema, error) {
	doc, ok, err := store.GetProfileSchema(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return memory.DefaultProfileSchema(), nil
	}
	return memory.ParseProfileSchema([]byte(doc))
}

// Process implements flush.Processor.
func (p *Pipeline) Process(ctx context.Context, subject memory.Subject, blobs []memory.ChatBlob) error {
	_, err := p.Run(ctx, subject, blobs)
	return err
}

// Run extracts from blobs. The profile and event steps run concurrently and fail
// independently; every failure is reported inside one ExtractionFailed error.
func (p *Pipeline) Run(ctx context.Context, subject memory.Subject, blobs []memory.ChatBlob) (Result, error) {
	const op = "extraction.run"
	var result Result

	blobs = lo.Filter(blobs, func(b memory.ChatBlob, _ int) bool { return len(b.Messages) > 0 })
	if len(blobs) == 0 {
		return result, nil
	}

	if err := p.store.EnsureSubject(ctx, subject); err != nil {
		return result, memory.E(op, memory.CodeExtractionFailed, err)
	}
	schema, err := ActiveSchema(ctx, p.store, subject.SpaceID)
	if err != nil {
		return result, memory.E(op, memory.CodeExtractionFailed, fmt.Errorf("loading profile schema: %w", err))
	}
	existing, err := p.store.ListProfiles(ctx, subject)
	if err != nil {
		return result, memory.E(op, memory.CodeExtractionFailed, fmt.Errorf("loading profile: %w", err))
	}

	conversation := renderConversation(blobs)

	var (
		g                     errgroup.Group
		profileErr, eventsErr error
		profile               profileResult
		events                eventResult
	)
	g.Go(func() error {
		profile, profileErr = p.consolidateProfile(ctx, subject, schema, existing, conversation)
		return nil
	})
	g.Go(func() error {
		events, eventsErr = p.recordEvents(ctx, subject, schema, blobs, conversation)
		return nil
	})
	_ = g.Wait()

	result.ProfilesAdded = profile.added
	result.ProfilesUpdated = profile.updated
	result.ProfilesDropped = profile.dropped
	result.Events = events.events
	result.Gists = events.gists

	p.metrics.RecordArtifacts("profile", profile.added+profile.updated)
	p.metrics.RecordArtifacts("event", events.events)
	p.metrics.RecordArtifacts("gist", events.gists)

	var errs []error
	if profileErr != nil {
		errs = append(errs, fmt.Errorf("profile: %w", profileErr))
	}
	if eventsErr != nil {
		errs = append(errs, fmt.Errorf("events: %w", eventsErr))
	}
	if len(errs) > 0 {
		return result, memory.E(op, memory.CodeExtractionFailed, errors.Join(errs...))
	}

	p.logger.Info("Extraction completed",
		"subject", subject.String(),
		"blobs", len(blobs),
		"profiles_added", result.ProfilesAdded,
		"profiles_updated", result.ProfilesUpdated,
		"events", result.Events,
		"gists", result.Gists)
	return result, nil
}

// toolCalls runs one completion and decodes every call to toolName into T.
// Calls to other tools and undecodable arguments are logged and skipped.
func toolCalls[T any](ctx context.Context, p *Pipeline, system, user string, tool openai.ChatCompletionToolParam) ([]T, openai.ChatCompletionMessage, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}
	completion, err := p.completions.Completions(ctx, messages, []openai.ChatCompletionToolParam{tool}, p.opts.CompletionsModel)
	if err != nil {
		return nil, completion, fmt.Errorf("%s completion: %w", tool.Function.Name, err)
	}

	var out []T
	for _, call := range completion.ToolCalls {
		if call.Function.Name != tool.Function.Name {
			p.logger.Warn("LLM called an unexpected tool", "expected", tool.Function.Name, "tool", call.Function.Name)
			continue
		}
		var args T
		if err := ai.UnmarshalToolCall(call, &args); err != nil {
			p.logger.Warn("Failed to unmarshal tool arguments", "tool", call.Function.Name, "arguments", call.Function.Arguments, "error", err)
			continue
		}
		out = append(out, args)
	}
	return out, completion, nil
}

type profileResult struct {
	added, updated, dropped int
}

func profileKey(topic, subTopic string) string {
	return memory.NormalizeName(topic) + "/" + memory.NormalizeName(subTopic)
}

func (p *Pipeline) consolidateProfile(ctx context.Context, subject memory.Subject, schema *memory.ProfileSchema, existing []memory.ProfileFact, conversation string) (profileResult, error) {
	var res profileResult

	system := renderProfilePrompt(schema, existing, p.opts.LLMTabSeparator, p.opts.ProfileStrictMode, p.now())
	calls, _, err := toolCalls[UpdateProfileToolArguments](ctx, p, system, conversation, updateProfileTool)
	if err != nil {
		return res, err
	}

	// Later entries for the same sub-topic win.
	var (
		order   []string
		entries = make(map[string]ProfileEntry)
	)
	for _, call := range calls {
		for _, entry := range call.Facts {
			entry.Topic = memory.NormalizeName(entry.Topic)
			entry.SubTopic = memory.NormalizeName(entry.SubTopic)
			entry.Content = strings.TrimSpace(entry.Content)
			if entry.Topic == "" || entry.SubTopic == "" || entry.Content == "" {
				continue
			}
			key := profileKey(entry.Topic, entry.SubTopic)
			if _, seen := entries[key]; !seen {
				order = append(order, key)
			}
			entries[key] = entry
		}
	}

	byKey := make(map[string]memory.ProfileFact, len(existing))
	subTopics := make(map[string]map[string]struct{})
	for _, fact := range existing {
		byKey[profileKey(fact.Topic, fact.SubTopic)] = fact
		topic := memory.NormalizeName(fact.Topic)
		if subTopics[topic] == nil {
			subTopics[topic] = make(map[string]struct{})
		}
		subTopics[topic][memory.NormalizeName(fact.SubTopic)] = struct{}{}
	}

	var inserts []memory.ProfileFact
	now := p.now().UTC()
	for _, key := range order {
		entry := entries[key]

		if p.opts.ProfileStrictMode && !schema.AllowsSubTopic(entry.Topic, entry.SubTopic) {
			p.logger.Debug("Dropping profile entry outside the schema", "subject", subject.String(), "topic", entry.Topic, "sub_topic", entry.SubTopic)
			res.dropped++
			continue
		}

		if current, ok := byKey[key]; ok {
			if current.Content == entry.Content {
				continue
			}
			content := entry.Content
			if err := p.store.UpdateProfile(ctx, subject, current.ID, memory.ProfileUpdate{Content: &content}); err != nil {
				return res, fmt.Errorf("updating %s: %w", key, err)
			}
			res.updated++
			continue
		}

		known := subTopics[entry.Topic]
		if len(known) >= p.opts.MaxProfileSubtopics {
			p.logger.Warn("Sub-topic ceiling reached, dropping new sub-topic",
				"subject", subject.String(), "topic", entry.Topic, "sub_topic", entry.SubTopic, "max", p.opts.MaxProfileSubtopics)
			res.dropped++
			continue
		}
		if known == nil {
			known = make(map[string]struct{})
			subTopics[entry.Topic] = known
		}
		known[entry.SubTopic] = struct{}{}

		inserts = append(inserts, memory.ProfileFact{
			ID:         uuid.New().String(),
			Subject:    subject,
			Topic:      entry.Topic,
			SubTopic:   entry.SubTopic,
			Content:    entry.Content,
			Attributes: map[string]string{"source": "chat"},
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if err := p.store.InsertProfiles(ctx, inserts); err != nil {
		return res, fmt.Errorf("inserting profile facts: %w", err)
	}
	res.added = len(inserts)
	return res, nil
}

type eventResult struct {
	events, gists int
}

func (p *Pipeline) recordEvents(ctx context.Context, subject memory.Subject, schema *memory.ProfileSchema, blobs []memory.ChatBlob, conversation string) (eventResult, error) {
	var res eventResult

	tokens := lo.SumBy(blobs, func(b memory.ChatBlob) int {
		return lo.Ternary(b.Tokens > 0, b.Tokens, memory.EstimateBlobTokens(b))
	})
	if tokens < p.opts.MinEventSummaryTokens {
		p.logger.Debug("Batch too small for event summary", "subject", subject.String(), "tokens", tokens, "min", p.opts.MinEventSummaryTokens)
		return res, nil
	}

	calls, _, err := toolCalls[RecordEventsToolArguments](ctx, p, renderEventPrompt(schema), conversation, recordEventsTool)
	if err != nil {
		return res, err
	}
	entries := lo.Filter(lo.FlatMap(calls, func(c RecordEventsToolArguments, _ int) []EventEntry { return c.Events }),
		func(e EventEntry, _ int) bool { return strings.TrimSpace(e.Summary) != "" })
	if len(entries) == 0 {
		return res, nil
	}

	now := p.now().UTC()
	event := memory.Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		CreatedAt: now,
		Data:      memory.EventData{Summary: summarize(entries)},
	}
	gists := make([]memory.EventGist, 0, len(entries))
	for _, e := range entries {
		gist := memory.EventGist{
			ID:        uuid.New().String(),
			EventID:   event.ID,
			Subject:   subject,
			Data:      memory.GistData{Content: strings.TrimSpace(e.Summary)},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if h := strings.TrimSpace(e.HappenedAt); h != "" {
			gist.Data.HappenedAt = lo.ToPtr(h)
		}
		gists = append(gists, gist)
	}

	tags, err := p.tagEvent(ctx, schema, event.Data.Summary)
	if err != nil {
		return res, err
	}
	event.Data.Tags = memory.MergeTags(tags, mergedFields(blobs))

	if p.opts.EnableEventEmbedding {
		if err := p.embed(ctx, &event, gists); err != nil {
			return res, err
		}
	}

	if err := p.store.InsertEvent(ctx, event, gists); err != nil {
		return res, fmt.Errorf("storing event: %w", err)
	}
	res.events = 1
	res.gists = len(gists)
	return res, nil
}

// summarize renders entries as the event's "- summary [mentioned ..., happened ...]" lines.
func summarize(entries []EventEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line := "- " + strings.TrimSpace(e.Summary)
		var when []string
		if e.MentionedAt != "" {
			when = append(when, "mentioned "+e.MentionedAt)
		}
		if e.HappenedAt != "" {
			when = append(when, "happened "+e.HappenedAt)
		}
		if len(when) > 0 {
			line += " [" + strings.Join(when, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// mergedFields unions blob fields in arrival order; later blobs win.
func mergedFields(blobs []memory.ChatBlob) map[string]string {
	fields := make(map[string]string)
	for _, b := range blobs {
		for k, v := range b.Fields {
			fields[k] = v
		}
	}
	return fields
}

func (p *Pipeline) tagEvent(ctx context.Context, schema *memory.ProfileSchema, summary string) (memory.Tags, error) {
	if len(schema.EventTags) == 0 {
		return nil, nil
	}
	calls, completion, err := toolCalls[TagEventToolArguments](ctx, p, renderTaggingPrompt(schema, p.opts.LLMTabSeparator), "Event summary:\n"+summary, tagEventTool)
	if err != nil {
		return nil, err
	}

	var raw []TagEntry
	for _, c := range calls {
		raw = append(raw, c.Tags...)
	}
	if len(completion.ToolCalls) == 0 {
		raw = ParseTagLines(completion.Content, p.opts.LLMTabSeparator)
	}

	allowed := lo.SliceToMap(schema.EventTagNames(), func(name string) (string, struct{}) { return name, struct{}{} })
	values := make(map[string]string)
	for _, t := range raw {
		name := strings.TrimSpace(t.Tag)
		value := strings.TrimSpace(t.Value)
		if _, ok := allowed[name]; !ok || value == "" {
			continue
		}
		values[name] = value
	}
	return memory.TagsFromMap(values), nil
}

// ParseTagLines reads "- TAG<sep>VALUE" lines. Malformed lines are skipped.
func ParseTagLines(content, sep string) []TagEntry {
	var out []TagEntry
	for _, line := range strings.Split(ai.StripThinkingTags(content), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		tag, value, ok := strings.Cut(strings.TrimPrefix(line, "- "), sep)
		if !ok {
			continue
		}
		out = append(out, TagEntry{Tag: strings.TrimSpace(tag), Value: strings.TrimSpace(value)})
	}
	return out
}

// embed fills gist and event embeddings with one batched call. A failed call
// leaves them nil; a vector of the wrong length fails the batch.
func (p *Pipeline) embed(ctx context.Context, event *memory.Event, gists []memory.EventGist) error {
	inputs := make([]string, 0, len(gists)+1)
	for _, g := range gists {
		inputs = append(inputs, g.Data.Content)
	}
	inputs = append(inputs, event.Data.Summary)

	var (
		vectors [][]float64
		err     error
	)
	for _, batch := range helpers.Batch(inputs, maxEmbeddingBatch) {
		var part [][]float64
		part, err = p.embeddings.Embeddings(ctx, batch, p.opts.EmbeddingsModel)
		if err != nil {
			break
		}
		vectors = append(vectors, part...)
	}
	if err == nil && len(vectors) != len(inputs) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(vectors))
	}
	if err != nil {
		p.metrics.RecordEmbeddingFailure()
		p.logger.Warn("Embedding failed, storing event without vectors", "event_id", event.ID, "error", err)
		return nil
	}

	converted := make([][]float32, len(vectors))
	for i, v := range vectors {
		converted[i] = ToFloat32(v)
		if err := memory.CheckDimension(converted[i], p.opts.EmbeddingDim); err != nil {
			return err
		}
	}
	for i := range gists {
		gists[i].Embedding = converted[i]
	}
	event.Embedding = converted[len(gists)]
	return nil
}

func ToFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
