package openai

import (
	"fmt"

	"github.com/mixaill76/mistral_code_proxy/internal/translate/mistral"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/translateutil"
)

// sentinelUserMessage is appended when the message list would otherwise end
// with a bare assistant message, which Mistral templates reject.
const sentinelUserMessage = "Continue."

// Rule is a pure request-rewriting step. Rules never mutate their input;
// each returns a fresh payload.
type Rule func(*OpenAIRequest) *OpenAIRequest

// Pipeline composes rules left to right into a single Rule.
func Pipeline(rules ...Rule) Rule {
	return func(req *OpenAIRequest) *OpenAIRequest {
		for _, rule := range rules {
			req = rule(req)
		}
		return req
	}
}

// MistralRules returns the normalization pipeline applied to OpenAI traffic
// bound for a Mistral-family backend. stripImages removes image parts for
// backends without vision support.
func MistralRules(stripImages bool) Rule {
	rules := []Rule{
		NormalizeToolIDs,
		SanitizeToolNames,
		StripUnsupportedParams,
		EnsureTrailingRole,
		EnsureStreamUsage,
	}
	if stripImages {
		rules = append(rules, StripImageParts)
	}
	return Pipeline(rules...)
}

// clone returns a copy of req with its message slice copied so rules can
// rewrite messages without touching the original.
func clone(req *OpenAIRequest) *OpenAIRequest {
	out := *req
	out.Messages = make([]OpenAIMessage, len(req.Messages))
	copy(out.Messages, req.Messages)
	return &out
}

// NormalizeToolIDs rewrites every tool-call ID in the request to the
// 9-alphanumeric form. Two sweeps: collect IDs declared on assistant
// tool_calls, then rewrite both declarations and tool-message references.
// IDs seen only on a tool message without a matching declaration are left
// unchanged; the backend rejecting them is the correct failure.
func NormalizeToolIDs(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)

	idMap := make(map[string]string)
	for _, msg := range out.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				idMap[tc.ID] = translateutil.NormalizeToolID(tc.ID)
			}
		}
	}
	if len(idMap) == 0 {
		return out
	}

	for i, msg := range out.Messages {
		if len(msg.ToolCalls) > 0 {
			calls := make([]OpenAIToolCall, len(msg.ToolCalls))
			copy(calls, msg.ToolCalls)
			for j := range calls {
				if mapped, ok := idMap[calls[j].ID]; ok {
					calls[j].ID = mapped
				}
			}
			out.Messages[i].ToolCalls = calls
		}
		if msg.Role == "tool" {
			if mapped, ok := idMap[msg.ToolCallID]; ok {
				out.Messages[i].ToolCallID = mapped
			}
		}
	}
	return out
}

// SanitizeToolNames rewrites tool definition and tool-call names into the
// character set Mistral templates accept.
func SanitizeToolNames(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)

	if len(out.Tools) > 0 {
		tools := make([]OpenAITool, len(out.Tools))
		copy(tools, out.Tools)
		for i := range tools {
			tools[i].Function.Name = translateutil.SanitizeToolName(tools[i].Function.Name)
		}
		out.Tools = tools
	}

	for i, msg := range out.Messages {
		if len(msg.ToolCalls) == 0 {
			continue
		}
		calls := make([]OpenAIToolCall, len(msg.ToolCalls))
		copy(calls, msg.ToolCalls)
		for j := range calls {
			calls[j].Function.Name = translateutil.SanitizeToolName(calls[j].Function.Name)
		}
		out.Messages[i].ToolCalls = calls
	}
	return out
}

// StripUnsupportedParams removes parameters a vLLM/Mistral backend rejects.
func StripUnsupportedParams(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)
	out.LogitBias = nil
	out.Store = nil
	if out.ParallelToolCalls != nil && !*out.ParallelToolCalls {
		out.ParallelToolCalls = nil
	}
	return out
}

// EnsureTrailingRole appends the sentinel user message when the
// conversation ends with an assistant message that carries no tool_calls.
// A trailing tool message is a legal terminator and is left alone.
func EnsureTrailingRole(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)
	if len(out.Messages) == 0 {
		return out
	}
	last := out.Messages[len(out.Messages)-1]
	if last.Role == "assistant" && len(last.ToolCalls) == 0 {
		out.Messages = append(out.Messages, OpenAIMessage{
			Role:    "user",
			Content: sentinelUserMessage,
		})
	}
	return out
}

// EnsureStreamUsage asks the backend to report usage in the final stream
// chunk so the translated Anthropic stream can carry real token counts.
func EnsureStreamUsage(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)
	if out.Stream && out.StreamOptions == nil {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	return out
}

// StripImageParts rewrites image_url parts for a backend without vision
// support: every image becomes a numbered textual placeholder so the model
// still sees that an image was there. No remote URL is ever fetched.
func StripImageParts(req *OpenAIRequest) *OpenAIRequest {
	out := clone(req)

	imageCount := 0
	for i, msg := range out.Messages {
		parts, ok := msg.Content.([]interface{})
		if !ok {
			continue
		}
		changed := false
		kept := make([]interface{}, 0, len(parts))
		for _, part := range parts {
			partMap, ok := part.(map[string]interface{})
			if !ok || partMap["type"] != "image_url" {
				kept = append(kept, part)
				continue
			}
			imageCount++
			changed = true
			kept = append(kept, map[string]interface{}{
				"type": "text",
				"text": fmt.Sprintf("[Image %d - previously analyzed]", imageCount),
			})
		}
		if changed {
			out.Messages[i].Content = kept
		}
	}
	return out
}

// HasImageParts reports whether any message carries an image_url part.
func HasImageParts(req *OpenAIRequest) bool {
	for _, msg := range req.Messages {
		parts, ok := msg.Content.([]interface{})
		if !ok {
			continue
		}
		for _, part := range parts {
			if partMap, ok := part.(map[string]interface{}); ok && partMap["type"] == "image_url" {
				return true
			}
		}
	}
	return false
}

// FixInlineToolCalls rewrites a non-streaming response whose text content
// carries Mistral's [TOOL_CALLS] marker into structured tool_calls.
// Returns the input untouched when no marker is present.
func FixInlineToolCalls(resp *OpenAIResponse) *OpenAIResponse {
	if len(resp.Choices) == 0 || !mistral.Contains(resp.Choices[0].Message.Content) {
		return resp
	}

	content := resp.Choices[0].Message.Content
	calls := mistral.Parse(content)
	if len(calls) == 0 {
		return resp
	}

	out := *resp
	out.Choices = make([]OpenAIChoice, len(resp.Choices))
	copy(out.Choices, resp.Choices)

	markerIdx := 0
	for i := 0; i < len(content); i++ {
		if len(content)-i >= len(mistral.Marker) && content[i:i+len(mistral.Marker)] == mistral.Marker {
			markerIdx = i
			break
		}
	}

	toolCalls := make([]OpenAIToolCall, 0, len(calls))
	for _, call := range calls {
		toolCalls = append(toolCalls, OpenAIToolCall{
			ID:   translateutil.NewToolID(),
			Type: "function",
			Function: OpenAIToolFunction{
				Name:      translateutil.SanitizeToolName(call.Name),
				Arguments: call.Arguments,
			},
		})
	}

	out.Choices[0].Message.Content = content[:markerIdx]
	out.Choices[0].Message.ToolCalls = append(out.Choices[0].Message.ToolCalls, toolCalls...)
	out.Choices[0].FinishReason = "tool_calls"
	return &out
}
