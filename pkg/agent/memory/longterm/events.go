package longterm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/extraction"
)

// ListEvents returns the subject's most recent events, newest first. A zero
// timeRange uses the configured search window.
func (s *Service) ListEvents(ctx context.Context, subject memory.Subject, limit int, timeRange time.Duration) ([]memory.Event, error) {
	const op = "longterm.list_events"
	if err := subject.Validate(); err != nil {
		return nil, memory.Translate(op, err)
	}
	events, err := s.store.ListEvents(ctx, subject,
		lo.Ternary(limit > 0, limit, s.opts.EventTopK),
		lo.Ternary(timeRange > 0, timeRange, s.opts.EventSearchWindow))
	if err != nil {
		return nil, memory.Translate(op, err)
	}
	return events, nil
}

func (s *Service) GetEvent(ctx context.Context, subject memory.Subject, id string) (*memory.Event, error) {
	const op = "longterm.get_event"
	event, err := s.store.GetEvent(ctx, subject, id)
	if err != nil {
		return nil, memory.Translate(op, err)
	}
	return event, nil
}

// embedAll embeds texts in one call. Nil vectors come back when embeddings are
// disabled or unavailable; a wrong dimension is an error.
func (s *Service) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if !s.opts.EnableEventEmbedding || s.embeddings == nil {
		return out, nil
	}
	vectors, err := s.embeddings.Embeddings(ctx, texts, s.opts.EmbeddingsModel)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.metrics.RecordEmbeddingFailure()
		s.logger.Warn("Embedding failed, storing without vectors", "error", err)
		return out, nil
	}
	for i, v := range vectors {
		out[i] = extraction.ToFloat32(v)
		if err := memory.CheckDimension(out[i], s.opts.EmbeddingDim); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddEvent records a manual event with a single gist. happenedAt is an optional
// free-form date for when the event took place.
func (s *Service) AddEvent(ctx context.Context, subject memory.Subject, content string, tags map[string]string, happenedAt *string) (string, error) {
	const op = "longterm.add_event"
	if err := subject.Validate(); err != nil {
		return "", memory.Translate(op, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("content is required"))
	}
	if err := s.store.EnsureSubject(ctx, subject); err != nil {
		return "", memory.Translate(op, err)
	}

	vectors, err := s.embedAll(ctx, []string{content})
	if err != nil {
		return "", memory.Translate(op, err)
	}

	now := s.now().UTC()
	event := memory.Event{
		ID:        newID(),
		Subject:   subject,
		CreatedAt: now,
		Data:      memory.EventData{Summary: content, Tags: memory.TagsFromMap(tags)},
		Embedding: vectors[0],
	}
	gist := memory.EventGist{
		ID:        newID(),
		EventID:   event.ID,
		Subject:   subject,
		Data:      memory.GistData{Content: content, HappenedAt: happenedAt},
		Embedding: vectors[0],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertEvent(ctx, event, []memory.EventGist{gist}); err != nil {
		return "", memory.Translate(op, err)
	}
	s.metrics.RecordArtifacts("event", 1)
	s.metrics.RecordArtifacts("gist", 1)
	return event.ID, nil
}

// UpdateEvent replaces the summary and/or tags of an event. The summary is
// re-embedded; gists keep their original text.
func (s *Service) UpdateEvent(ctx context.Context, subject memory.Subject, id string, summary *string, tags map[string]string) error {
	const op = "longterm.update_event"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	if summary == nil && tags == nil {
		return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("nothing to update"))
	}
	event, err := s.store.GetEvent(ctx, subject, id)
	if err != nil {
		return memory.Translate(op, err)
	}

	if summary != nil {
		text := strings.TrimSpace(*summary)
		if text == "" {
			return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("summary cannot be empty"))
		}
		vectors, err := s.embedAll(ctx, []string{text})
		if err != nil {
			return memory.Translate(op, err)
		}
		event.Data.Summary = text
		event.Embedding = vectors[0]
	}
	if tags != nil {
		event.Data.Tags = memory.TagsFromMap(tags)
	}
	return memory.Translate(op, s.store.UpdateEvent(ctx, *event))
}

// DeleteEvent removes an event and its gists.
func (s *Service) DeleteEvent(ctx context.Context, subject memory.Subject, id string) error {
	const op = "longterm.delete_event"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	return memory.Translate(op, s.store.DeleteEvent(ctx, subject, id))
}
