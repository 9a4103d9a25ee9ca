package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv points the CLI at a fresh data directory. Episodes close after
// three messages.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EVERMEM_CONFIG", "")
	t.Setenv("EVERMEM_STORAGE_ENGINE", "sqlite")
	t.Setenv("EVERMEM_DATA_PATH", filepath.Join(dir, "data"))
	t.Setenv("EVERMEM_BACKUP_PATH", filepath.Join(dir, "backups"))
	t.Setenv("EVERMEM_BACKUP_ENABLED", "false")
	t.Setenv("EVERMEM_BOUNDARY_MAX_MESSAGES", "3")
	t.Setenv("EVERMEM_BOUNDARY_MIN_MESSAGES", "2")
	t.Setenv("EVERMEM_SWEEP_INTERVAL", "0s")
	t.Setenv("EVERMEM_LOG_LEVEL", "error")
	t.Setenv("EVERMEM_LOG_FORMAT", "text")
	t.Setenv("EVERMEM_TIMEZONE", "UTC")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, v interface{}, args ...string) {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestRootCommandListsSubcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "ingest", "fetch", "search", "delete", "flush", "import", "mcp", "backup"} {
		assert.Contains(t, names, want)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	testEnv(t)
	t.Setenv("EVERMEM_LOG_FORMAT", "xml")

	_, err := run(t, "fetch", "--group-id", "g1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestIngestRequiresFlags(t *testing.T) {
	testEnv(t)

	_, err := run(t, "ingest", "hello there")
	assert.Error(t, err)
}

func TestEpisodeLifecycle(t *testing.T) {
	testEnv(t)

	type ingestOut struct {
		StatusInfo string `json:"status_info"`
		Count      int    `json:"count"`
	}
	messages := []struct{ id, sender, content, at string }{
		{"m1", "alice", "Shall we book the espresso workshop?", "2025-06-02T09:00:00Z"},
		{"m2", "bob", "Yes, Saturday morning suits me", "2025-06-02T09:01:00Z"},
		{"m3", "alice", "Booked it for ten o'clock", "2025-06-02T09:02:00Z"},
	}
	var last ingestOut
	for i, m := range messages {
		runJSON(t, &last, "ingest", "--message-id", m.id, "--group-id", "g1",
			"--sender", m.sender, "--create-time", m.at, m.content)
		if i < len(messages)-1 {
			assert.Equal(t, "accumulated", last.StatusInfo)
		}
	}
	assert.Equal(t, "extracted", last.StatusInfo)
	assert.Equal(t, 1, last.Count)

	// Re-sending is a no-op.
	var dup struct {
		Duplicate bool `json:"duplicate"`
	}
	runJSON(t, &dup, "ingest", "--message-id", "m3", "--group-id", "g1", "--sender", "alice", "again")
	assert.True(t, dup.Duplicate)

	var fetched struct {
		Memories []struct {
			ID           string   `json:"event_id"`
			Participants []string `json:"participants"`
		} `json:"memories"`
		TotalCount int `json:"total_count"`
	}
	runJSON(t, &fetched, "fetch", "--group-id", "g1")
	require.Len(t, fetched.Memories, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, fetched.Memories[0].Participants)

	var found struct {
		TotalCount int `json:"total_count"`
	}
	runJSON(t, &found, "search", "--group-id", "g1", "espresso", "workshop")
	assert.Equal(t, 1, found.TotalCount)

	var deleted struct {
		Filters map[string]string `json:"filters"`
		Count   int               `json:"count"`
	}
	runJSON(t, &deleted, "delete", "--group-id", "g1")
	assert.Equal(t, 1, deleted.Count)
	assert.Equal(t, "__all__", deleted.Filters["event_id"])

	runJSON(t, &fetched, "fetch", "--group-id", "g1")
	assert.Empty(t, fetched.Memories)
}

func TestFlush(t *testing.T) {
	testEnv(t)

	_, err := run(t, "ingest", "--message-id", "m1", "--user-id", "u1", "--sender", "u1",
		"Remind me to renew my passport before July")
	require.NoError(t, err)

	var out struct {
		StatusInfo string `json:"status_info"`
		Count      int    `json:"count"`
	}
	runJSON(t, &out, "flush", "u1")
	assert.Equal(t, "extracted", out.StatusInfo)
	assert.Equal(t, 1, out.Count)

	// Nothing left to flush.
	runJSON(t, &out, "flush", "u1")
	assert.Equal(t, "accumulated", out.StatusInfo)
}

func TestIngestDefaultsSenderAndWritesEvents(t *testing.T) {
	dir := testEnv(t)
	t.Setenv("EVERMEM_SENDER", "carol")

	_, err := run(t, "ingest", "--message-id", "m1", "--group-id", "g1", "hello everyone")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "data", "events"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	data, err := os.ReadFile(filepath.Join(dir, "data", "events", entries[0].Name()))
	require.NoError(t, err)
	var event struct {
		Type string `json:"type"`
		Data struct {
			Sender string `json:"sender"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "message.accumulated", event.Type)
	assert.Equal(t, "carol", event.Data.Sender)
}

func TestImportTranscript(t *testing.T) {
	dir := testEnv(t)
	transcript := `{
  "version": "1.0.0",
  "conversation_meta": {"group_id": "trip", "user_details": {"u1": {"full_name": "Alice"}}},
  "conversation_list": [
    {"message_id": "t1", "create_time": "2025-07-01T10:00:00Z", "sender": "u1", "content": "Let's plan the Lisbon trip"},
    {"message_id": "t2", "create_time": "2025-07-01T10:01:00Z", "sender": "u2", "content": "I can book flights on Friday"},
    {"message_id": "t3", "create_time": "2025-07-01T10:02:00Z", "sender": "u1", "content": "Great, I'll handle the hotel"},
    {"message_id": "t4", "create_time": "2025-07-01T10:03:00Z", "sender": "u2", "content": "Lisbon hotels near Alfama please"}
  ]
}`
	path := filepath.Join(dir, "trip.json")
	require.NoError(t, os.WriteFile(path, []byte(transcript), 0o600))

	var res struct {
		ConversationID  string `json:"conversation_id"`
		Ingested        int    `json:"ingested"`
		MemoriesCreated int    `json:"memories_created"`
	}
	runJSON(t, &res, "import", "--flush", path)
	assert.Equal(t, "trip", res.ConversationID)
	assert.Equal(t, 4, res.Ingested)
	// One episode closes at three messages, the flush closes the rest.
	assert.Equal(t, 2, res.MemoriesCreated)

	var fetched struct {
		TotalCount int `json:"total_count"`
	}
	runJSON(t, &fetched, "fetch", "--group-id", "trip")
	assert.Equal(t, 2, fetched.TotalCount)
}

func TestMCPOverStdio(t *testing.T) {
	testEnv(t)

	requests := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memorize","arguments":{"message_id":"m1","user_id":"u1","sender":"u1","content":"Water the basil every morning"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"flush_conversation","arguments":{"conversation_id":"u1"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"search_memories","arguments":{"user_id":"u1","query":"basil"}}}`,
	}, "\n") + "\n"

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(requests))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"mcp"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)

	var search struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &search))
	require.False(t, search.Result.IsError, lines[3])
	require.Len(t, search.Result.Content, 1)
	assert.Contains(t, search.Result.Content[0].Text, `"total_count":1`)
}

func TestDeleteWithoutFilterFails(t *testing.T) {
	testEnv(t)

	_, err := run(t, "delete")
	assert.Error(t, err)
}

func TestBackupNowAndList(t *testing.T) {
	dir := testEnv(t)

	// Create the database first.
	_, err := run(t, "ingest", "--message-id", "m1", "--group-id", "g1", "--sender", "a", "hello everyone")
	require.NoError(t, err)

	var res struct {
		Path     string `json:"path"`
		Verified bool   `json:"verified"`
	}
	runJSON(t, &res, "backup", "now")
	assert.True(t, res.Verified)
	assert.Equal(t, filepath.Join(dir, "backups"), filepath.Dir(res.Path))

	var list []struct {
		Path string `json:"path"`
	}
	runJSON(t, &list, "backup", "list")
	require.Len(t, list, 1)
	assert.Equal(t, res.Path, list[0].Path)
}

func TestBackupRejectsPostgres(t *testing.T) {
	testEnv(t)
	t.Setenv("EVERMEM_STORAGE_ENGINE", "postgres")
	t.Setenv("EVERMEM_POSTGRES_DSN", "postgres://localhost/evermem?sslmode=disable")

	_, err := run(t, "backup", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}
