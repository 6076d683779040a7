package memory

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile_schema.yaml
var defaultProfileSchemaYAML []byte

type SubTopic struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type Topic struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	SubTopics   []SubTopic `yaml:"sub_topics,omitempty" json:"sub_topics,omitempty"`
}

type EventTag struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ProfileSchema is the per-space taxonomy that guides extraction.
type ProfileSchema struct {
	Language              string     `yaml:"language,omitempty" json:"language,omitempty"`
	Topics                []Topic    `yaml:"topics" json:"topics"`
	Attributes            []string   `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	EventTags             []EventTag `yaml:"event_tags,omitempty" json:"event_tags,omitempty"`
	EventThemeRequirement string     `yaml:"event_theme_requirement,omitempty" json:"event_theme_requirement,omitempty"`
}

// DefaultProfileSchema returns a fresh copy of the built-in schema.
func DefaultProfileSchema() *ProfileSchema {
	schema, err := ParseProfileSchema(defaultProfileSchemaYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in profile schema: %v", err))
	}
	return schema
}

// DefaultProfileSchemaYAML returns the built-in schema document.
func DefaultProfileSchemaYAML() string {
	return string(defaultProfileSchemaYAML)
}

func ParseProfileSchema(data []byte) (*ProfileSchema, error) {
	var schema ProfileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, E("schema.parse", CodeInvalidArgument, err)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (s *ProfileSchema) Validate() error {
	if len(s.Topics) == 0 {
		return E("schema.validate", CodeInvalidArgument, fmt.Errorf("schema defines no topics"))
	}
	seen := make(map[string]struct{}, len(s.Topics))
	for _, t := range s.Topics {
		name := NormalizeName(t.Name)
		if name == "" {
			return E("schema.validate", CodeInvalidArgument, fmt.Errorf("topic with empty name"))
		}
		if _, dup := seen[name]; dup {
			return E("schema.validate", CodeInvalidArgument, fmt.Errorf("duplicate topic %q", t.Name))
		}
		seen[name] = struct{}{}

		subs := make(map[string]struct{}, len(t.SubTopics))
		for _, st := range t.SubTopics {
			sub := NormalizeName(st.Name)
			if sub == "" {
				return E("schema.validate", CodeInvalidArgument, fmt.Errorf("topic %q has a sub-topic with empty name", t.Name))
			}
			if _, dup := subs[sub]; dup {
				return E("schema.validate", CodeInvalidArgument, fmt.Errorf("topic %q has duplicate sub-topic %q", t.Name, st.Name))
			}
			subs[sub] = struct{}{}
		}
	}
	tags := make(map[string]struct{}, len(s.EventTags))
	for _, tag := range s.EventTags {
		if strings.TrimSpace(tag.Name) == "" {
			return E("schema.validate", CodeInvalidArgument, fmt.Errorf("event tag with empty name"))
		}
		if _, dup := tags[tag.Name]; dup {
			return E("schema.validate", CodeInvalidArgument, fmt.Errorf("duplicate event tag %q", tag.Name))
		}
		tags[tag.Name] = struct{}{}
	}
	return nil
}

func (s *ProfileSchema) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *ProfileSchema) Topic(name string) (Topic, bool) {
	name = NormalizeName(name)
	for _, t := range s.Topics {
		if NormalizeName(t.Name) == name {
			return t, true
		}
	}
	return Topic{}, false
}

// AllowsSubTopic reports whether topic/sub_topic are both declared.
func (s *ProfileSchema) AllowsSubTopic(topic, subTopic string) bool {
	t, ok := s.Topic(topic)
	if !ok {
		return false
	}
	subTopic = NormalizeName(subTopic)
	for _, st := range t.SubTopics {
		if NormalizeName(st.Name) == subTopic {
			return true
		}
	}
	return false
}

func (s *ProfileSchema) EventTagNames() []string {
	names := make([]string, 0, len(s.EventTags))
	for _, t := range s.EventTags {
		names = append(names, t.Name)
	}
	return names
}

// PromptTopics renders topics as an indented "- name(description)" list.
func (s *ProfileSchema) PromptTopics() string {
	var sb strings.Builder
	for _, t := range s.Topics {
		sb.WriteString("- ")
		sb.WriteString(describe(t.Name, t.Description))
		sb.WriteString("\n")
		for _, st := range t.SubTopics {
			sb.WriteString("  - ")
			sb.WriteString(describe(st.Name, st.Description))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (s *ProfileSchema) PromptEventTags() string {
	var sb strings.Builder
	for _, t := range s.EventTags {
		sb.WriteString("- ")
		sb.WriteString(describe(t.Name, t.Description))
		sb.WriteString("\n")
	}
	return sb.String()
}

func describe(name, description string) string {
	if description == "" {
		return name
	}
	return name + "(" + description + ")"
}

// NormalizeName lower-cases and snake-cases a topic or sub-topic name.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}
