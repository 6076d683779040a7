package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChatRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats.jsonl")
	content := `{"messages":[{"role":"user","content":"I'm allergic to cats"},{"role":"assistant","content":"noted"}],"fields":{"friend_id":"2"}}

{"messages":[{"role":"user","content":"hello"}]}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	records, err := loadChatRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Len(t, records[0].Messages, 2)
	assert.Equal(t, "2", records[0].Fields["friend_id"])
	assert.Nil(t, records[1].Fields)
}

func TestLoadChatRecordsReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"messages\":[]}\nnot json\n"), 0o600))

	_, err := loadChatRecords(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCommandsParse(t *testing.T) {
	var opts GlobalOptions
	parser := flags.NewParser(&opts, flags.None)
	registerCommands(parser)
	parser.CommandHandler = func(flags.Commander, []string) error { return nil }

	cmd := &SearchCommand{}
	_, err := parser.AddCommand("search-test", "", "", cmd)
	require.NoError(t, err)

	_, err = parser.ParseArgs([]string{"-u", "alice", "search-test", "-k", "3", "--threshold", "0.7", "-t", "emotion:happy", "-t", "location:", "hiking"})
	require.NoError(t, err)
	assert.Equal(t, "alice", opts.User)
	assert.Equal(t, "default", opts.Space)
	assert.Equal(t, 3, cmd.TopK)
	require.NotNil(t, cmd.Threshold)
	assert.Equal(t, 0.7, *cmd.Threshold)
	assert.Equal(t, map[string]string{"emotion": "happy", "location": ""}, cmd.Tags)
	assert.Equal(t, "hiking", cmd.Args.Query)
}
