package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/auth"
	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/tokenizer"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/anthropic"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
)

const endpointMessages = "/v1/messages"

// HandleMessages serves the Anthropic Messages API: parse, select backend,
// translate to OpenAI form, dispatch, and translate the response (or
// stream) back.
func (p *Proxy) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user := auth.UserLabel(r.Header.Get("Authorization"))

	if !auth.CheckGatewayKey(r, p.cfg.Server.APIKey) {
		WriteAnthropicError(w, http.StatusUnauthorized, "invalid API key")
		p.recordOutcome(user, "", endpointMessages, "error", start, 0, 0)
		return
	}

	body, ok := p.readBody(w, r)
	if !ok {
		WriteAnthropicError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req anthropic.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteAnthropicError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		p.recordOutcome(user, "", endpointMessages, "error", start, 0, 0)
		return
	}
	if len(req.Messages) == 0 {
		WriteAnthropicError(w, http.StatusBadRequest, "messages is required")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	sel := p.selector.ForAnthropic(&req)

	oaReq, err := anthropic.AnthropicToOpenAIRequest(&req, anthropic.TransformOptions{
		Model:        sel.Backend.Model,
		VisionPrompt: sel.Vision,
	})
	if err != nil {
		WriteAnthropicError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}
	oaReq = openai.MistralRules(sel.StripImages)(oaReq)

	payload, err := json.Marshal(oaReq)
	if err != nil {
		WriteAnthropicError(w, http.StatusInternalServerError, "failed to encode upstream request")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	inputEstimate := tokenizer.CountOpenAIRequest(oaReq)
	authHeader := backend.ComposeAuth(sel.Backend.URL, sel.Backend.APIKey, r.Header.Get("Authorization"))
	targetURL := sel.Backend.ChatCompletionsURL()

	if req.Stream {
		p.streamMessages(w, r, &req, oaReq, payload, targetURL, authHeader, user, inputEstimate, start)
		return
	}

	data, err := p.client.Call(r.Context(), targetURL, payload, authHeader)
	if err != nil {
		p.logBackendFailure(err, targetURL, oaReq.Model, len(oaReq.Messages), lastRole(oaReq), hasToolCalls(oaReq))
		WriteAnthropicError(w, http.StatusInternalServerError, "upstream request failed")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	var oaResp openai.OpenAIResponse
	if err := json.Unmarshal(data, &oaResp); err != nil {
		p.logger.Error("Failed to parse backend response", "error", err, "url", targetURL)
		WriteAnthropicError(w, http.StatusInternalServerError, "invalid upstream response")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	resp := anthropic.OpenAIToAnthropicResponse(&oaResp, req.Model)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)

	p.recordOutcome(user, req.Model, endpointMessages, "success", start, resp.Usage.InputTokens, resp.Usage.OutputTokens)
}

// streamMessages pipes a translated SSE stream to the client. The SSE
// preamble is deferred until the first upstream chunk so upstream failures
// can still be reported with a proper HTTP status.
func (p *Proxy) streamMessages(
	w http.ResponseWriter,
	r *http.Request,
	req *anthropic.AnthropicRequest,
	oaReq *openai.OpenAIRequest,
	payload []byte,
	targetURL, authHeader, user string,
	inputEstimate int,
	start time.Time,
) {
	scanner, err := p.client.Stream(r.Context(), targetURL, payload, authHeader)
	if err != nil {
		p.logBackendFailure(err, targetURL, oaReq.Model, len(oaReq.Messages), lastRole(oaReq), hasToolCalls(oaReq))
		WriteAnthropicError(w, http.StatusInternalServerError, "upstream request failed")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}
	defer func() { _ = scanner.Close() }()

	first, err := scanner.Next()
	if err != nil && first == "" {
		if !errors.Is(err, io.EOF) {
			p.logBackendFailure(err, targetURL, oaReq.Model, len(oaReq.Messages), lastRole(oaReq), hasToolCalls(oaReq))
		}
		WriteAnthropicError(w, http.StatusInternalServerError, "upstream stream failed")
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	writeSSEHeaders(w)
	controller := http.NewResponseController(w)

	translator := anthropic.NewStreamTranslator(req.Model, oaReq.Model, inputEstimate)
	if err := p.writeStreamEvent(w, controller, translator.Start()); err != nil {
		p.logger.Warn("Client disconnected during streaming", "error", err)
		p.recordOutcome(user, req.Model, endpointMessages, "error", start, 0, 0)
		return
	}

	status := "success"
	if !p.pipeTranslated(w, controller, translator, scanner, first) {
		status = "error"
	}

	inputTokens, outputTokens := translator.Usage()
	p.recordOutcome(user, req.Model, endpointMessages, status, start, inputTokens, outputTokens)
}

// pipeTranslated feeds upstream chunks through the translator and writes
// every produced event in order. Returns false when the stream terminated
// abnormally (client write failure or mid-stream upstream error).
func (p *Proxy) pipeTranslated(
	w http.ResponseWriter,
	controller *http.ResponseController,
	translator *anthropic.StreamTranslator,
	scanner *backend.ChunkScanner,
	first string,
) bool {
	writeAll := func(events []anthropic.StreamEvent) bool {
		for _, ev := range events {
			if err := p.writeStreamEvent(w, controller, ev); err != nil {
				p.logger.Warn("Client disconnected during streaming", "error", err)
				return false
			}
		}
		return true
	}

	if !writeAll(translator.Feed(first)) {
		return false
	}

	for {
		chunk, err := scanner.Next()
		if chunk != "" {
			if !writeAll(translator.Feed(chunk)) {
				return false
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Upstream died mid-stream: report in-band and end the
				// response normally.
				p.logger.Error("Upstream stream read failed", "error", err)
				errEvent := anthropic.StreamEvent{
					Type: "error",
					Error: &anthropic.StreamError{
						Type:    "api_error",
						Message: "upstream stream failed",
					},
				}
				_ = p.writeStreamEvent(w, controller, errEvent)
				return false
			}
			break
		}
	}

	return writeAll(translator.Finish())
}

// HandleCountTokens serves POST /v1/messages/count_tokens.
func (p *Proxy) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	if !auth.CheckGatewayKey(r, p.cfg.Server.APIKey) {
		WriteAnthropicError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	body, ok := p.readBody(w, r)
	if !ok {
		WriteAnthropicError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req anthropic.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteAnthropicError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"input_tokens": tokenizer.CountAnthropicRequest(&req),
	})
}

func lastRole(req *openai.OpenAIRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Role
}

func hasToolCalls(req *openai.OpenAIRequest) bool {
	for _, msg := range req.Messages {
		if len(msg.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
