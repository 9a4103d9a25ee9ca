package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syn-zhu/EverMemOS/internal/boundary"
	"github.com/syn-zhu/EverMemOS/internal/config"
	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/server"
	"github.com/syn-zhu/EverMemOS/internal/storage/sqlite"
)

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // random port
	cfg.Security.SecurityMode = mode
	cfg.Security.APIToken = "test-token"
	cfg.Security.RateLimit = 0
	return cfg
}

// startTestServer runs the API over a real engine on a temp sqlite store.
// Episodes close after three messages.
func startTestServer(t *testing.T, cfg *config.Config) (string, *server.Server) {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)

	coord := extraction.NewCoordinator(
		extraction.NewTranscriptExtractor(extraction.TranscriptConfig{}),
		store, store, extraction.Config{MaxRetries: 1, RetryDelay: time.Millisecond}, nil)
	router := retrieval.NewRouter(retrieval.RouterOptions{
		Keyword: retrieval.NewKeywordEngine(store, store),
		Pending: store,
	})

	engCfg := engine.DefaultConfig()
	engCfg.SweepInterval = 0
	eng, err := engine.NewMemoryEngine(engine.Deps{
		Store:       store,
		Buffer:      store,
		Detector:    boundary.NewRuleDetector(boundary.Config{MaxMessages: 3, MinMessages: 2}),
		Coordinator: coord,
		Router:      router,
	}, engCfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.Start(ctx, server.Options{Config: cfg, Memory: eng, Queue: eng})
	require.NoError(t, err)
	srv.Hub().Subscribe(eng)

	t.Cleanup(func() {
		cancel()
		select {
		case <-srv.Done():
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		_ = eng.Shutdown(context.Background())
		_ = store.Close()
	})

	return "http://" + srv.Addr(), srv
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func do(t *testing.T, method, url, body string, header ...string) (int, envelope, http.Header) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &env), string(data))
	}
	return resp.StatusCode, env, resp.Header
}

func ingestBody(id, group, sender, content string, minute int) string {
	return fmt.Sprintf(`{"message_id":%q,"group_id":%q,"sender":%q,"content":%q,"create_time":"2025-06-02T09:%02d:00Z"}`,
		id, group, sender, content, minute)
}

func TestServer_StartsOnRandomPort(t *testing.T) {
	_, srv := startTestServer(t, testConfig("development"))

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)
}

func TestServer_HealthEndpoint(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("production"))

	// No token: health stays public.
	resp, err := http.Get(baseURL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "queue_size")
}

func TestServer_AuthRequiredInProduction(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("production"))

	status, env, _ := do(t, http.MethodGet, baseURL+"/api/v1/memories?group_id=g1", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.Code)

	status, _, _ = do(t, http.MethodGet, baseURL+"/api/v1/memories?group_id=g1", "",
		"Authorization", "Bearer test-token")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("development"))

	status, _, _ := do(t, http.MethodPut, baseURL+"/api/v1/memories", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestServer_IngestSearchFetchDelete(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("development"))

	status, env, _ := do(t, http.MethodPost, baseURL+"/api/v1/memories",
		ingestBody("m1", "g1", "alice", "Let's plan the espresso tasting on Friday", 0))
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "Message queued, awaiting boundary detection", env.Message)

	status, _, _ = do(t, http.MethodPost, baseURL+"/api/v1/memories",
		ingestBody("m2", "g1", "bob", "Friday works, I'll bring the grinder", 1))
	require.Equal(t, http.StatusOK, status)

	// Pending messages are visible before extraction.
	status, env, _ = do(t, http.MethodGet, baseURL+"/api/v1/memories/search?group_id=g1&query=espresso", "")
	require.Equal(t, http.StatusOK, status, env.Error)
	var search struct {
		TotalCount      int               `json:"total_count"`
		PendingMessages []json.RawMessage `json:"pending_messages"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &search))
	assert.Len(t, search.PendingMessages, 2)

	// Third message closes the episode.
	status, env, _ = do(t, http.MethodPost, baseURL+"/api/v1/memories",
		ingestBody("m3", "g1", "alice", "Great, see you then", 2))
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "Extracted 1 memories", env.Message)
	var ingest struct {
		Count      int    `json:"count"`
		StatusInfo string `json:"status_info"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &ingest))
	assert.Equal(t, 1, ingest.Count)
	assert.Equal(t, "extracted", ingest.StatusInfo)

	status, env, _ = do(t, http.MethodPost, baseURL+"/api/v1/memories/search",
		`{"group_id":"g1","query":"espresso grinder","retrieve_method":"keyword"}`)
	require.Equal(t, http.StatusOK, status, env.Error)
	require.NoError(t, json.Unmarshal(env.Result, &search))
	assert.Equal(t, 1, search.TotalCount)
	assert.Empty(t, search.PendingMessages)

	status, env, _ = do(t, http.MethodGet, baseURL+"/api/v1/memories?group_id=g1&memory_type=episodic_memory", "")
	require.Equal(t, http.StatusOK, status, env.Error)
	var fetch struct {
		Memories []struct {
			ID string `json:"event_id"`
		} `json:"memories"`
		TotalCount int `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &fetch))
	require.Len(t, fetch.Memories, 1)

	eventID := fetch.Memories[0].ID
	status, env, _ = do(t, http.MethodDelete, baseURL+"/api/v1/memories?event_id="+eventID, "")
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "Successfully deleted 1 memory", env.Message)

	// Read-after-delete.
	status, env, _ = do(t, http.MethodGet, baseURL+"/api/v1/memories?group_id=g1", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Result, &fetch))
	assert.Empty(t, fetch.Memories)

	// Deleting twice finds nothing.
	status, env, _ = do(t, http.MethodDelete, baseURL+"/api/v1/memories?event_id="+eventID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestServer_DeleteMissingIsNotFound(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("development"))

	status, env, _ := do(t, http.MethodDelete, baseURL+"/api/v1/memories?event_id=nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestServer_ValidationErrors(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("development"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"ingest without sender", http.MethodPost, "/api/v1/memories", `{"message_id":"x","group_id":"g"}`},
		{"fetch without owner", http.MethodGet, "/api/v1/memories", ""},
		{"search unknown method", http.MethodGet, "/api/v1/memories/search?group_id=g&retrieve_method=fuzzy", ""},
		{"search profile type", http.MethodGet, "/api/v1/memories/search?group_id=g&memory_types=profile", ""},
		{"delete all wildcard", http.MethodDelete, "/api/v1/memories", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env, _ := do(t, tt.method, baseURL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "INVALID_PARAMETER", env.Code)
			assert.Equal(t, "failed", env.Status)
		})
	}
}

func TestServer_RateLimited(t *testing.T) {
	cfg := testConfig("development")
	cfg.Security.RateLimit = 1
	cfg.Security.RateBurst = 2
	baseURL, _ := startTestServer(t, cfg)

	var limited bool
	for i := 0; i < 5; i++ {
		status, _, header := do(t, http.MethodGet, baseURL+"/api/v1/health", "")
		if status == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "1", header.Get("Retry-After"))
			break
		}
	}
	assert.True(t, limited)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig("development"))

	_, _, header := do(t, http.MethodGet, baseURL+"/api/v1/health", "", "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", header.Get("X-Request-ID"))
}

func TestServer_StartRequiresDependencies(t *testing.T) {
	_, err := server.Start(context.Background(), server.Options{Config: testConfig("development")})
	assert.Error(t, err)

	_, err = server.Start(context.Background(), server.Options{})
	assert.Error(t, err)
}
