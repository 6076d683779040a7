package longterm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

const (
	contextProfileRatio     = 0.5
	contextMaxSubtopics     = 5
	contextEventWindow      = 30 * 24 * time.Hour
	contextEventCandidates  = 50
	contextDefaultMaxTokens = 4000
)

// Context packs the subject's profile and recent event gists into a prompt block
// of at most maxTokens estimated tokens. The profile gets half of the budget and
// whatever it leaves unused goes to events.
func (s *Service) Context(ctx context.Context, subject memory.Subject, maxTokens int) (string, error) {
	const op = "longterm.context"
	if maxTokens <= 0 {
		maxTokens = contextDefaultMaxTokens
	}

	facts, err := s.GetProfile(ctx, subject)
	if err != nil {
		return "", err
	}
	events, err := s.store.ListEvents(ctx, subject, contextEventCandidates, contextEventWindow)
	if err != nil {
		return "", memory.Translate(op, err)
	}

	profileBudget := int(float64(maxTokens) * contextProfileRatio)
	profileLines, used := packLines(profileLines(facts), profileBudget)
	eventLines, _ := packLines(gistLines(events), maxTokens-used)

	var b strings.Builder
	b.WriteString("<memory>\n")
	if len(profileLines) > 0 {
		b.WriteString("## User profile\n")
		b.WriteString(strings.Join(profileLines, "\n"))
		b.WriteString("\n")
	}
	if len(eventLines) > 0 {
		if len(profileLines) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Past events\n")
		b.WriteString(strings.Join(eventLines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("</memory>")
	return b.String(), nil
}

// profileLines renders facts, keeping at most contextMaxSubtopics per topic.
func profileLines(facts []memory.ProfileFact) []string {
	perTopic := make(map[string]int)
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		if perTopic[f.Topic] >= contextMaxSubtopics {
			continue
		}
		perTopic[f.Topic]++
		lines = append(lines, fmt.Sprintf("- %s::%s: %s", f.Topic, f.SubTopic, f.Content))
	}
	return lines
}

func gistLines(events []memory.Event) []string {
	var lines []string
	for _, e := range events {
		for _, g := range e.Gists {
			lines = append(lines, fmt.Sprintf("- [%s] %s", g.Date(), g.Data.Content))
		}
	}
	return lines
}

// packLines keeps lines in order while they fit in budget.
func packLines(lines []string, budget int) ([]string, int) {
	used := 0
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		cost := memory.EstimateTokens(l)
		if used+cost > budget {
			break
		}
		used += cost
		out = append(out, l)
	}
	return out, used
}
