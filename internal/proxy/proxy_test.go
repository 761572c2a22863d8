package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/monitoring"
	"github.com/mixaill76/mistral_code_proxy/internal/telemetry"
	"github.com/mixaill76/mistral_code_proxy/internal/testhelpers"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/anthropic"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
)

func newTestProxy(t *testing.T, backendHandler http.HandlerFunc) (*Proxy, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(backendHandler)
	t.Cleanup(server.Close)

	log := testhelpers.NewTestLogger()
	cfg := testhelpers.NewTestConfig(server.URL)
	tel := telemetry.New(false, "", log)
	metrics := monitoring.New(false)
	client := backend.NewClient(log)

	return New(cfg, log, metrics, tel, client), server
}

func TestHandleMessagesSimpleTextEcho(t *testing.T) {
	// S1: simple text echo, non-streaming.
	var upstreamReq openai.OpenAIRequest
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upstreamReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"c1",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}
		}`))
	})

	body := `{"model":"claude-3","messages":[{"role":"user","content":"Hi"}],"max_tokens":10}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp anthropic.AnthropicResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "claude-3", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Hello", resp.Content[0].Text)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, "end_turn", *resp.StopReason)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)

	// The backend saw the configured backend model, not the client's.
	assert.Equal(t, "devstral-small", upstreamReq.Model)
}

func TestHandleMessagesToolRoundTripOutbound(t *testing.T) {
	// S2: tool_use + tool_result become assistant tool_calls + tool
	// message with one consistent 9-alphanumeric ID.
	var upstreamReq openai.OpenAIRequest
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upstreamReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c2","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}]}`))
	})

	body := `{
		"model":"claude-3","max_tokens":100,
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_01ABCDEFGH","name":"bash","input":{"cmd":"ls"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01ABCDEFGH","content":"a.txt"}]}
		]
	}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, upstreamReq.Messages, 2)

	asst := upstreamReq.Messages[0]
	require.Len(t, asst.ToolCalls, 1)
	assert.Regexp(t, `^[A-Za-z0-9]{9}$`, asst.ToolCalls[0].ID)
	assert.Equal(t, "bash", asst.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"cmd":"ls"}`, asst.ToolCalls[0].Function.Arguments)

	tool := upstreamReq.Messages[1]
	assert.Equal(t, "tool", tool.Role)
	assert.Equal(t, asst.ToolCalls[0].ID, tool.ToolCallID)
	assert.Equal(t, "a.txt", tool.Content)
}

func TestHandleMessagesSentinelInjection(t *testing.T) {
	// S3: a trailing bare assistant message gets the sentinel appended.
	var upstreamReq openai.OpenAIRequest
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upstreamReq))
		_, _ = w.Write([]byte(`{"id":"c3","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	})

	body := `{"model":"claude-3","max_tokens":10,"messages":[
		{"role":"user","content":"Hello"},
		{"role":"assistant","content":"Hi"}
	]}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	last := upstreamReq.Messages[len(upstreamReq.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Continue.", last.Content)
}

func TestHandleMessagesAuth(t *testing.T) {
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called on auth failure")
	})
	p.cfg.Server.APIKey = "gw-secret"

	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var resp AnthropicErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "authentication_error", resp.Error.Type)
}

func TestHandleMessagesValidation(t *testing.T) {
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called on validation failure")
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{not json`},
		{name: "no messages", body: `{"model":"m","max_tokens":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			p.HandleMessages(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp AnthropicErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "invalid_request_error", resp.Error.Type)
		})
	}
}

func TestHandleMessagesBackendError(t *testing.T) {
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	body := `{"model":"claude-3","max_tokens":10,"messages":[{"role":"user","content":"Hi"}]}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp AnthropicErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "api_error", resp.Error.Type)
}

func TestHandleMessagesStreaming(t *testing.T) {
	// Full streaming round trip, including a Mistral inline tool call
	// arriving as text (S4 against the full handler).
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		write := func(s string) {
			_, _ = io.WriteString(w, s)
			flusher.Flush()
		}
		write(`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"[TOOL_"},"finish_reason":null}]}` + "\n\n")
		write(`data: {"choices":[{"index":0,"delta":{"content":"CALLS]search{\"q\""},"finish_reason":null}]}` + "\n\n")
		write(`data: {"choices":[{"index":0,"delta":{"content":":\"x\"}"},"finish_reason":null}]}` + "\n\n")
		write(`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n")
		write(`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":8,"total_tokens":17}}` + "\n\n")
		write("data: [DONE]\n\n")
	})

	body := `{"model":"claude-3","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"search x"}]}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	out := w.Body.String()
	eventTypes := parseEventTypes(t, out)

	assert.Equal(t, "message_start", eventTypes[0])
	assert.Equal(t, "message_stop", eventTypes[len(eventTypes)-1])
	assert.Contains(t, eventTypes, "content_block_start")
	assert.NotContains(t, out, "text_delta")
	assert.Contains(t, out, `"name":"search"`)
	assert.Contains(t, out, `"stop_reason":"tool_use"`)
	assert.NotContains(t, out, "[TOOL_CALLS]")
}

func TestHandleMessagesStreamingUpstreamFailureBeforeFirstByte(t *testing.T) {
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	})

	body := `{"model":"claude-3","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleMessages(w, r)

	// SSE never started; the failure surfaces as a plain HTTP error.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandleCountTokens(t *testing.T) {
	// S5: deterministic positive count.
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("count_tokens must not call the backend")
	})

	body := `{"model":"claude-3","max_tokens":10,
		"messages":[{"role":"user","content":"hello"}],
		"tools":[{"name":"t","description":"d","input_schema":{"k":"v"}}]}`

	counts := make([]int, 2)
	for i := range counts {
		r := httptest.NewRequest("POST", "/v1/messages/count_tokens", strings.NewReader(body))
		w := httptest.NewRecorder()
		p.HandleCountTokens(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]int
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		counts[i] = resp["input_tokens"]
	}

	assert.Positive(t, counts[0])
	assert.Equal(t, counts[0], counts[1])
}

func TestHandleChatCompletionsImagePlaceholder(t *testing.T) {
	// S6: a non-data-URL image routed to a non-vision flow is stripped;
	// the URL is never fetched.
	var upstreamReq openai.OpenAIRequest
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upstreamReq))
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	})

	body := `{
		"model":"devstral-small",
		"messages":[
			{"role":"user","content":[
				{"type":"text","text":"earlier image"},
				{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}
			]},
			{"role":"assistant","content":"noted"},
			{"role":"user","content":"describe it"}
		]
	}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleChatCompletions(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	parts, ok := upstreamReq.Messages[0].Content.([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 2)
	placeholder := parts[1].(map[string]interface{})
	assert.Equal(t, "text", placeholder["type"])
	assert.Contains(t, placeholder["text"], "[Image 1 - previously analyzed]")
}

func TestHandleChatCompletionsImageOnlyMessagePlaceholder(t *testing.T) {
	// S6 verbatim: a request whose only user message carries a single
	// remote image_url, routed to a non-vision flow. The image block is
	// replaced with a textual placeholder and the URL is never fetched.
	var upstreamReq openai.OpenAIRequest
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upstreamReq))
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	})

	body := `{
		"model":"devstral-small",
		"messages":[
			{"role":"user","content":[
				{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}
			]}
		]
	}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleChatCompletions(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	parts, ok := upstreamReq.Messages[0].Content.([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 1)
	placeholder := parts[0].(map[string]interface{})
	assert.Equal(t, "text", placeholder["type"])
	assert.Equal(t, "[Image 1 - previously analyzed]", placeholder["text"])
	assert.NotContains(t, placeholder["text"], "example.com")
}

func TestHandleChatCompletionsInlineToolCallFix(t *testing.T) {
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"[TOOL_CALLS]search{\"q\":\"x\"}"},"finish_reason":"stop"}]}`))
	})

	body := `{"model":"devstral-small","messages":[{"role":"user","content":"go"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleChatCompletions(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp openai.OpenAIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "search", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestHandleCompletionsPassthrough(t *testing.T) {
	var upstreamPath string
	var upstreamBody []byte
	p, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		upstreamBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"text":"done"}]}`))
	})

	body := `{"model":"devstral-small","prompt":"hello","max_tokens":5}`
	r := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.HandleCompletions(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/v1/completions", upstreamPath)
	assert.JSONEq(t, body, string(upstreamBody))
	assert.Contains(t, w.Body.String(), "cmpl-1")
}

// parseEventTypes extracts the event names from an SSE body.
func parseEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, types)
	return types
}
