package longterm

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

func profileCacheKey(subject memory.Subject) string {
	return "profile:" + subject.String()
}

// invalidateProfiles drops the cached profile and bumps the subject's generation
// so that a read started before the write cannot repopulate the cache.
func (s *Service) invalidateProfiles(subject memory.Subject) {
	key := profileCacheKey(subject)
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	s.profileGen[key]++
	s.profiles.Del(key)
}

func (s *Service) profileGeneration(key string) uint64 {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	return s.profileGen[key]
}

// cacheProfiles stores facts only if no invalidation happened since gen was read.
func (s *Service) cacheProfiles(key string, gen uint64, facts []memory.ProfileFact) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	if s.profileGen[key] != gen {
		return
	}
	s.profiles.SetWithTTL(key, facts, int64(len(facts)+1), s.opts.ProfileCacheTTL)
	s.profiles.Wait()
}

// GetProfile returns the subject's live profile facts ordered by topic and
// sub-topic. Results are cached until the next profile write or ProfileCacheTTL.
func (s *Service) GetProfile(ctx context.Context, subject memory.Subject) ([]memory.ProfileFact, error) {
	const op = "longterm.get_profile"
	if err := subject.Validate(); err != nil {
		return nil, memory.Translate(op, err)
	}

	key := profileCacheKey(subject)
	if cached, ok := s.profiles.Get(key); ok {
		s.metrics.RecordCacheLookup(true)
		return append([]memory.ProfileFact(nil), cached.([]memory.ProfileFact)...), nil
	}
	s.metrics.RecordCacheLookup(false)

	gen := s.profileGeneration(key)
	facts, err := s.store.ListProfiles(ctx, subject)
	if err != nil {
		return nil, memory.Translate(op, err)
	}
	s.cacheProfiles(key, gen, facts)
	return append([]memory.ProfileFact(nil), facts...), nil
}

// splitProfileAttributes pulls topic and sub_topic out of a manual attribute map.
func splitProfileAttributes(attributes map[string]string) (topic, subTopic string, rest map[string]string) {
	rest = lo.OmitByKeys(attributes, []string{"topic", "sub_topic"})
	return memory.NormalizeName(attributes["topic"]), memory.NormalizeName(attributes["sub_topic"]), rest
}

// AddProfile writes a fact directly, bypassing extraction. attributes must carry
// "topic" and "sub_topic"; any other keys are stored as fact attributes.
func (s *Service) AddProfile(ctx context.Context, subject memory.Subject, content string, attributes map[string]string) (string, error) {
	const op = "longterm.add_profile"
	if err := subject.Validate(); err != nil {
		return "", memory.Translate(op, err)
	}
	topic, subTopic, rest := splitProfileAttributes(attributes)
	if topic == "" || subTopic == "" {
		return "", memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("attributes must include topic and sub_topic"))
	}
	if strings.TrimSpace(content) == "" {
		return "", memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("content is required"))
	}
	if err := s.store.EnsureSubject(ctx, subject); err != nil {
		return "", memory.Translate(op, err)
	}

	now := s.now().UTC()
	fact := memory.ProfileFact{
		ID:         newID(),
		Subject:    subject,
		Topic:      topic,
		SubTopic:   subTopic,
		Content:    strings.TrimSpace(content),
		Attributes: rest,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	defer s.invalidateProfiles(subject)
	if err := s.store.InsertProfiles(ctx, []memory.ProfileFact{fact}); err != nil {
		return "", memory.Translate(op, err)
	}
	return fact.ID, nil
}

// UpdateProfile edits a fact in place. A nil content keeps the current text; a
// nil attributes map keeps the current attributes.
func (s *Service) UpdateProfile(ctx context.Context, subject memory.Subject, id string, content *string, attributes map[string]string) error {
	const op = "longterm.update_profile"
	if err := subject.Validate(); err != nil {
		return memory.Translate(op, err)
	}
	if content == nil && attributes == nil {
		return memory.E(op, memory.CodeInvalidArgument, fmt.Errorf("nothing to update"))
	}

	update := memory.ProfileUpdate{Content: content}
	if attributes != nil {
		topic, subTopic, rest := splitProfileAttributes(attributes)
		if topic != "" {
			update.Topic = &topic
		}
		if subTopic != "" {
			update.SubTopic = &subTopic
		}
		update.Attributes = rest
	}

	defer s.invalidateProfiles(subject)
	return memory.Translate(op, s.store.UpdateProfile(ctx, subject, id, update))
}

// DeleteProfile soft-deletes the given facts and returns how many existed.
func (s *Service) DeleteProfile(ctx context.Context, subject memory.Subject, ids []string) (int, error) {
	const op = "longterm.delete_profile"
	if err := subject.Validate(); err != nil {
		return 0, memory.Translate(op, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	defer s.invalidateProfiles(subject)
	n, err := s.store.DeleteProfiles(ctx, subject, lo.Uniq(ids))
	if err != nil {
		return 0, memory.Translate(op, err)
	}
	return n, nil
}
