package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/auth"
	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
)

const (
	endpointChatCompletions = "/v1/chat/completions"
	endpointCompletions     = "/v1/completions"
)

// HandleChatCompletions serves OpenAI Chat Completions traffic with
// Mistral compatibility fixes applied to the request and, for non-stream
// responses, inline tool-call recovery.
func (p *Proxy) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user := auth.UserLabel(r.Header.Get("Authorization"))

	if !auth.CheckGatewayKey(r, p.cfg.Server.APIKey) {
		WriteOpenAIError(w, http.StatusUnauthorized, "invalid API key")
		p.recordOutcome(user, "", endpointChatCompletions, "error", start, 0, 0)
		return
	}

	body, ok := p.readBody(w, r)
	if !ok {
		WriteOpenAIError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req openai.OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		p.recordOutcome(user, "", endpointChatCompletions, "error", start, 0, 0)
		return
	}
	if len(req.Messages) == 0 {
		WriteOpenAIError(w, http.StatusBadRequest, "messages is required")
		p.recordOutcome(user, req.Model, endpointChatCompletions, "error", start, 0, 0)
		return
	}

	clientModel := req.Model
	sel := p.selector.ForOpenAI(&req)

	fixed := openai.MistralRules(sel.StripImages)(&req)
	if sel.Backend.Model != "" {
		fixed.Model = sel.Backend.Model
	}

	payload, err := json.Marshal(fixed)
	if err != nil {
		WriteOpenAIError(w, http.StatusInternalServerError, "failed to encode upstream request")
		p.recordOutcome(user, clientModel, endpointChatCompletions, "error", start, 0, 0)
		return
	}

	authHeader := backend.ComposeAuth(sel.Backend.URL, sel.Backend.APIKey, r.Header.Get("Authorization"))
	targetURL := sel.Backend.ChatCompletionsURL()

	if fixed.Stream {
		p.streamPassthrough(w, r, targetURL, payload, authHeader, user, clientModel, endpointChatCompletions, start)
		return
	}

	data, err := p.client.Call(r.Context(), targetURL, payload, authHeader)
	if err != nil {
		p.logBackendFailure(err, targetURL, fixed.Model, len(fixed.Messages), lastRole(fixed), hasToolCalls(fixed))
		WriteOpenAIError(w, http.StatusInternalServerError, "upstream request failed")
		p.recordOutcome(user, clientModel, endpointChatCompletions, "error", start, 0, 0)
		return
	}

	inputTokens, outputTokens := 0, 0
	var oaResp openai.OpenAIResponse
	if err := json.Unmarshal(data, &oaResp); err == nil {
		fixedResp := openai.FixInlineToolCalls(&oaResp)
		if fixedResp.Usage != nil {
			inputTokens = fixedResp.Usage.PromptTokens
			outputTokens = fixedResp.Usage.CompletionTokens
		}
		if encoded, err := json.Marshal(fixedResp); err == nil {
			data = encoded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	p.recordOutcome(user, clientModel, endpointChatCompletions, "success", start, inputTokens, outputTokens)
}

// streamPassthrough relays upstream SSE bytes verbatim, deferring response
// headers until the first chunk arrived.
func (p *Proxy) streamPassthrough(
	w http.ResponseWriter,
	r *http.Request,
	targetURL string,
	payload []byte,
	authHeader, user, model, endpoint string,
	start time.Time,
) {
	scanner, err := p.client.Stream(r.Context(), targetURL, payload, authHeader)
	if err != nil {
		p.logger.Error("Backend request failed", "error", err, "url", targetURL)
		WriteOpenAIError(w, http.StatusInternalServerError, "upstream request failed")
		p.recordOutcome(user, model, endpoint, "error", start, 0, 0)
		return
	}
	defer func() { _ = scanner.Close() }()

	first, err := scanner.Next()
	if err != nil && first == "" {
		if !errors.Is(err, io.EOF) {
			p.logger.Error("Upstream stream failed before first byte", "error", err, "url", targetURL)
		}
		WriteOpenAIError(w, http.StatusInternalServerError, "upstream stream failed")
		p.recordOutcome(user, model, endpoint, "error", start, 0, 0)
		return
	}

	writeSSEHeaders(w)
	controller := http.NewResponseController(w)

	status := "success"
	chunk := first
	for {
		if chunk != "" {
			if err := p.writeRawChunk(w, controller, chunk); err != nil {
				p.logger.Warn("Client disconnected during streaming", "error", err)
				status = "error"
				break
			}
		}
		var readErr error
		chunk, readErr = scanner.Next()
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				p.logger.Error("Upstream stream read failed", "error", readErr)
				status = "error"
			} else if chunk != "" {
				_ = p.writeRawChunk(w, controller, chunk)
			}
			break
		}
	}

	p.recordOutcome(user, model, endpoint, status, start, 0, 0)
}

// HandleCompletions is the legacy /v1/completions passthrough: the body is
// forwarded untouched and the response is relayed, streaming or not.
func (p *Proxy) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user := auth.UserLabel(r.Header.Get("Authorization"))

	if !auth.CheckGatewayKey(r, p.cfg.Server.APIKey) {
		WriteOpenAIError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	body, ok := p.readBody(w, r)
	if !ok {
		WriteOpenAIError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// Only the stream flag matters for relaying; everything else passes
	// through untouched.
	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)

	sel := p.selector.ForOpenAI(&openai.OpenAIRequest{})
	authHeader := backend.ComposeAuth(sel.Backend.URL, sel.Backend.APIKey, r.Header.Get("Authorization"))
	targetURL := sel.Backend.URL + endpointCompletions

	if probe.Stream {
		p.streamPassthrough(w, r, targetURL, body, authHeader, user, probe.Model, endpointCompletions, start)
		return
	}

	data, err := p.client.Call(r.Context(), targetURL, body, authHeader)
	if err != nil {
		p.logger.Error("Backend request failed", "error", err, "url", targetURL)
		WriteOpenAIError(w, http.StatusInternalServerError, "upstream request failed")
		p.recordOutcome(user, probe.Model, endpointCompletions, "error", start, 0, 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(data))

	p.recordOutcome(user, probe.Model, endpointCompletions, "success", start, 0, 0)
}
