package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/recall"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
)

func registerCommands(parser *flags.Parser) {
	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"ingest", "Buffer chat blobs from a JSONL file and flush them", &IngestCommand{}},
		{"profile", "List profile facts", &ProfileCommand{}},
		{"profile-add", "Add a profile fact", &ProfileAddCommand{}},
		{"profile-delete", "Delete profile facts", &ProfileDeleteCommand{}},
		{"events", "List recent events", &EventsCommand{}},
		{"event-add", "Add an event", &EventAddCommand{}},
		{"event-delete", "Delete an event", &EventDeleteCommand{}},
		{"search", "Search events", &SearchCommand{}},
		{"recall", "Run recall for a message", &RecallCommand{}},
		{"schema", "Show or replace the profile schema", &SchemaCommand{}},
		{"context", "Print the packed memory context", &ContextCommand{}},
		{"delete-subject", "Delete the subject and all of its memory", &DeleteSubjectCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.short, c.data); err != nil {
			panic(err)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// chatRecord is one line of an ingest file.
type chatRecord struct {
	Messages []memory.ChatMessage `json:"messages"`
	Fields   map[string]string    `json:"fields,omitempty"`
}

func loadChatRecords(path string) ([]chatRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var records []chatRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record chatRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("unmarshaling line %d: %w", lineNum, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return records, nil
}

type IngestCommand struct {
	Args struct {
		File string `positional-arg-name:"file" description:"JSONL file of {messages, fields} records"`
	} `positional-args:"yes" required:"yes"`
}

func (c *IngestCommand) Execute(_ []string) error {
	records, err := loadChatRecords(c.Args.File)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app) error {
		subject := globals.subject()
		for i, r := range records {
			if _, err := a.svc.InsertChat(ctx, subject, r.Messages, r.Fields); err != nil {
				return fmt.Errorf("record %d: %w", i+1, err)
			}
		}
		a.logger.Info("Buffered records", "count", len(records))
		if err := a.svc.FlushPending(ctx, subject, memory.BlobKindChat); err != nil {
			return err
		}
		facts, err := a.svc.GetProfile(ctx, subject)
		if err != nil {
			return err
		}
		a.logger.Info("Ingest complete", "profile_facts", len(facts))
		return nil
	})
}

type ProfileCommand struct{}

func (c *ProfileCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		facts, err := a.svc.GetProfile(ctx, globals.subject())
		if err != nil {
			return err
		}
		return printJSON(facts)
	})
}

type ProfileAddCommand struct {
	Topic    string `long:"topic" required:"true"`
	SubTopic string `long:"sub-topic" required:"true"`
	Args     struct {
		Content string `positional-arg-name:"content"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ProfileAddCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		id, err := a.svc.AddProfile(ctx, globals.subject(), c.Args.Content, map[string]string{
			"topic":     c.Topic,
			"sub_topic": c.SubTopic,
			"source":    "cli",
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

type ProfileDeleteCommand struct {
	Args struct {
		IDs []string `positional-arg-name:"id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ProfileDeleteCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		n, err := a.svc.DeleteProfile(ctx, globals.subject(), c.Args.IDs)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d\n", n)
		return nil
	})
}

type EventsCommand struct {
	Limit int           `short:"n" long:"limit" default:"10"`
	Since time.Duration `long:"since" description:"only events newer than this" default:"720h"`
}

func (c *EventsCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		events, err := a.svc.ListEvents(ctx, globals.subject(), c.Limit, c.Since)
		if err != nil {
			return err
		}
		return printJSON(events)
	})
}

type EventAddCommand struct {
	Tags       map[string]string `short:"t" long:"tag" description:"tag:value, repeatable"`
	HappenedAt string            `long:"happened-at" description:"YYYY-MM-DD"`
	Args       struct {
		Content string `positional-arg-name:"content"`
	} `positional-args:"yes" required:"yes"`
}

func (c *EventAddCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		var happened *string
		if c.HappenedAt != "" {
			happened = &c.HappenedAt
		}
		id, err := a.svc.AddEvent(ctx, globals.subject(), c.Args.Content, c.Tags, happened)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

type EventDeleteCommand struct {
	Args struct {
		ID string `positional-arg-name:"id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *EventDeleteCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		return a.svc.DeleteEvent(ctx, globals.subject(), c.Args.ID)
	})
}

type SearchCommand struct {
	TopK      int               `short:"k" long:"top-k" default:"5"`
	Threshold *float64          `long:"threshold"`
	Tags      map[string]string `short:"t" long:"tag" description:"tag:value filter, repeatable; tag: requires presence only"`
	Args      struct {
		Query string `positional-arg-name:"query"`
	} `positional-args:"yes"`
}

func (c *SearchCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		events, err := a.svc.SearchEvents(ctx, globals.subject(), c.Args.Query, memory.PredicatesFromMap(c.Tags), c.TopK, c.Threshold)
		if err != nil {
			return err
		}
		return printJSON(events)
	})
}

type RecallCommand struct {
	TopK    int               `short:"k" long:"top-k"`
	Timeout time.Duration     `long:"timeout"`
	Tags    map[string]string `short:"t" long:"tag" description:"tag:value filter, repeatable"`
	Args    struct {
		Message string `positional-arg-name:"message"`
	} `positional-args:"yes" required:"yes"`
}

func (c *RecallCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.svc.Recall(ctx, recall.Request{
			Subject:      globals.subject(),
			Conversation: []ai.Message{ai.NewUserMessage(c.Args.Message)},
			Tags:         memory.PredicatesFromMap(c.Tags),
			TopK:         c.TopK,
			Timeout:      c.Timeout,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

type SchemaCommand struct {
	Set string `long:"set" description:"replace the schema with this YAML file"`
}

func (c *SchemaCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		subject := globals.subject()
		if c.Set != "" {
			doc, err := os.ReadFile(c.Set)
			if err != nil {
				return fmt.Errorf("reading schema: %w", err)
			}
			if err := a.svc.UpdateProfileSchema(ctx, subject, string(doc)); err != nil {
				return err
			}
		}
		doc, err := a.svc.GetProfileSchema(ctx, subject)
		if err != nil {
			return err
		}
		fmt.Print(doc)
		return nil
	})
}

type ContextCommand struct {
	MaxTokens int `long:"max-tokens" default:"4000"`
}

func (c *ContextCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		block, err := a.svc.Context(ctx, globals.subject(), c.MaxTokens)
		if err != nil {
			return err
		}
		fmt.Println(block)
		return nil
	})
}

type DeleteSubjectCommand struct {
	Yes bool `long:"yes" description:"confirm deletion" required:"true"`
}

func (c *DeleteSubjectCommand) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		return a.svc.DeleteSubject(ctx, globals.subject())
	})
}
