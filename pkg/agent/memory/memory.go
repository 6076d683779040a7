// Package memory holds the data model shared by the long-term memory subsystem:
// subjects, profile facts, events and their gists, buffered chat blobs and tags.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Subject identifies whose memory this is. A space partitions memory per tenant.
type Subject struct {
	UserID  string `json:"user_id"`
	SpaceID string `json:"space_id"`
}

func (s Subject) String() string {
	return s.SpaceID + "/" + s.UserID
}

func (s Subject) Validate() error {
	if strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.SpaceID) == "" {
		return E("subject.validate", CodeInvalidArgument, fmt.Errorf("subject requires user and space ids, got %q", s.String()))
	}
	if strings.ContainsAny(s.UserID, "/:") || strings.ContainsAny(s.SpaceID, "/:") {
		return E("subject.validate", CodeInvalidArgument, fmt.Errorf("subject ids may not contain '/' or ':', got %q", s.String()))
	}
	return nil
}

// ParseSubject is the inverse of Subject.String.
func ParseSubject(s string) (Subject, error) {
	space, user, ok := strings.Cut(s, "/")
	if !ok {
		return Subject{}, E("subject.parse", CodeInvalidArgument, fmt.Errorf("malformed subject %q", s))
	}
	subject := Subject{UserID: user, SpaceID: space}
	return subject, subject.Validate()
}

// BlobKind separates buffers of different content types.
type BlobKind string

const (
	BlobKindChat BlobKind = "chat"
	// BlobKindDoc is reserved; doc blobs are buffered but never extracted.
	BlobKindDoc BlobKind = "doc"
)

func (k BlobKind) Valid() bool {
	return k == BlobKindChat || k == BlobKindDoc
}

// Tag is one key/value annotation on an event. The vocabulary is open.
type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

type Tags []Tag

// TagsFromMap converts a map into tags sorted by name.
func TagsFromMap(m map[string]string) Tags {
	tags := make(Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Tag: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Tag < tags[j].Tag })
	return tags
}

func (t Tags) Map() map[string]string {
	m := make(map[string]string, len(t))
	for _, tag := range t {
		m[tag.Tag] = tag.Value
	}
	return m
}

func (t Tags) Get(name string) (string, bool) {
	for _, tag := range t {
		if tag.Tag == name {
			return tag.Value, true
		}
	}
	return "", false
}

// MergeTags overlays caller supplied fields on top of extracted tags.
// On a name conflict the field value wins.
func MergeTags(extracted Tags, fields map[string]string) Tags {
	merged := make(map[string]string, len(extracted)+len(fields))
	for _, tag := range extracted {
		merged[tag.Tag] = tag.Value
	}
	for k, v := range fields {
		merged[k] = v
	}
	return TagsFromMap(merged)
}

// TagPredicate matches events carrying Tag. A nil Value means any value.
type TagPredicate struct {
	Tag   string  `json:"tag"`
	Value *string `json:"value,omitempty"`
}

func HasTag(name string) TagPredicate {
	return TagPredicate{Tag: name}
}

func TagEquals(name, value string) TagPredicate {
	return TagPredicate{Tag: name, Value: &value}
}

func (p TagPredicate) Matches(tags Tags) bool {
	v, ok := tags.Get(p.Tag)
	if !ok {
		return false
	}
	return p.Value == nil || *p.Value == v
}

func (p TagPredicate) String() string {
	if p.Value == nil {
		return p.Tag
	}
	return p.Tag + "=" + *p.Value
}

// MatchesAll reports whether tags satisfy every predicate.
func MatchesAll(tags Tags, predicates []TagPredicate) bool {
	for _, p := range predicates {
		if !p.Matches(tags) {
			return false
		}
	}
	return true
}

// PredicatesFromMap turns {tag: value} into equality predicates; an empty value means presence.
func PredicatesFromMap(m map[string]string) []TagPredicate {
	preds := make([]TagPredicate, 0, len(m))
	for k, v := range m {
		if v == "" {
			preds = append(preds, HasTag(k))
			continue
		}
		preds = append(preds, TagEquals(k, v))
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].Tag < preds[j].Tag })
	return preds
}

// ProfileFact is a structured statement about a subject.
type ProfileFact struct {
	ID         string            `json:"id"`
	Subject    Subject           `json:"subject"`
	Topic      string            `json:"topic"`
	SubTopic   string            `json:"sub_topic"`
	Content    string            `json:"content"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// ProfileAttributes returns the topic/sub_topic pair folded into an attribute map,
// the shape used by the manual profile endpoints.
func (p ProfileFact) ProfileAttributes() map[string]string {
	attrs := make(map[string]string, len(p.Attributes)+2)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["topic"] = p.Topic
	attrs["sub_topic"] = p.SubTopic
	return attrs
}

// ProfileUpdate is a partial update; nil fields are left untouched.
type ProfileUpdate struct {
	Topic      *string
	SubTopic   *string
	Content    *string
	Attributes map[string]string
}

// Apply returns fact with the update applied.
func (u ProfileUpdate) Apply(fact ProfileFact) ProfileFact {
	if u.Topic != nil {
		fact.Topic = *u.Topic
	}
	if u.SubTopic != nil {
		fact.SubTopic = *u.SubTopic
	}
	if u.Content != nil {
		fact.Content = *u.Content
	}
	if u.Attributes != nil {
		fact.Attributes = u.Attributes
	}
	return fact
}

type EventData struct {
	Summary string `json:"summary"`
	Tags    Tags   `json:"tags"`
}

// Event is a summarized, tagged record of something that happened.
type Event struct {
	ID        string      `json:"id"`
	Subject   Subject     `json:"subject"`
	CreatedAt time.Time   `json:"created_at"`
	Data      EventData   `json:"event_data"`
	Embedding []float32   `json:"-"`
	Gists     []EventGist `json:"gists,omitempty"`

	// Similarity is populated by searches only.
	Similarity float64 `json:"similarity,omitempty"`
}

type GistData struct {
	Content    string  `json:"content"`
	HappenedAt *string `json:"happened_at,omitempty"`
}

// EventGist is one retrievable line derived from an event.
type EventGist struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Subject   Subject   `json:"subject"`
	Data      GistData  `json:"gist_data"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Similarity is populated by searches only.
	Similarity float64 `json:"similarity,omitempty"`
}

// Date is the day the gist refers to: the stated date when known, otherwise creation day.
func (g EventGist) Date() string {
	if g.Data.HappenedAt != nil && *g.Data.HappenedAt != "" {
		return *g.Data.HappenedAt
	}
	return g.CreatedAt.UTC().Format("2006-01-02")
}

type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Alias     string     `json:"alias,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ChatBlob is one unit of ingested chat, buffered until flushed.
type ChatBlob struct {
	ID        string            `json:"id"`
	Kind      BlobKind          `json:"kind"`
	Messages  []ChatMessage     `json:"messages"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	// Tokens is the estimate recorded at append time.
	Tokens int `json:"tokens"`
}

// Text renders the blob as "role: content" lines.
func (b ChatBlob) Text() string {
	var sb strings.Builder
	for _, m := range b.Messages {
		name := m.Role
		if m.Alias != "" {
			name = m.Alias
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
