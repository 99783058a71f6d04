package explain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/logger"
	"github.com/yairfalse/vahti/pkg/config"
	"github.com/yairfalse/vahti/pkg/types"
)

func testReport() *types.DriftReport {
	findings := []types.DriftFinding{
		{Kind: types.ConfigDrift, ResourceID: "container/web", Field: "image", Expected: "nginx:1.25", Actual: "nginx:1.24", Severity: types.SeverityWarning, Message: "container web runs image nginx:1.24, expected nginx:1.25"},
		{Kind: types.MissingResource, ResourceID: "container/db", Severity: types.SeverityCritical, Message: "container db is declared but not present"},
	}
	return &types.DriftReport{
		ID:          "r-1",
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Environment: "prod",
		Findings:    findings,
		HasDrift:    true,
		Summary:     types.Summarize(findings),
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testReport())
	assert.Contains(t, prompt, "Environment: prod")
	assert.Contains(t, prompt, "Findings: 2 (1 critical, 1 warning, 0 info)")
	assert.Contains(t, prompt, `field=image expected="nginx:1.25" actual="nginx:1.24"`)
	assert.Less(t, strings.Index(prompt, "container/db"), strings.Index(prompt, "container/web"), "critical findings first")
}

func TestClaudeClient_ExplainDrift(t *testing.T) {
	var request map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "The db container was removed by hand."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 12}
		}`))
	}))
	defer server.Close()

	client, err := NewClaudeClient(config.AIConfig{APIKey: "test-key"}, logger.Discard(),
		option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	explanation, err := client.ExplainDrift(context.Background(), testReport())
	require.NoError(t, err)
	assert.Equal(t, "The db container was removed by hand.", explanation)

	assert.Equal(t, "claude-sonnet-4-20250514", request["model"])
	assert.Equal(t, float64(1024), request["max_tokens"])
}

func TestClaudeClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	client, err := NewClaudeClient(config.AIConfig{APIKey: "bad"}, logger.Discard(),
		option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = client.ExplainDrift(context.Background(), testReport())
	assert.True(t, errors.Is(err, vahtierrors.ErrProvider))
}

func TestNewClaudeClient_NoKey(t *testing.T) {
	_, err := NewClaudeClient(config.AIConfig{}, nil)
	assert.True(t, errors.Is(err, vahtierrors.ErrConfiguration))
}

func TestClaudeClient_NoDrift(t *testing.T) {
	client, err := NewClaudeClient(config.AIConfig{APIKey: "unused"}, logger.Discard())
	require.NoError(t, err)

	report := &types.DriftReport{ID: "r-2", Environment: "dev"}
	explanation, err := client.ExplainDrift(context.Background(), report)
	require.NoError(t, err)
	assert.Contains(t, explanation, "No drift")
}
