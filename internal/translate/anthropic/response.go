package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/mixaill76/mistral_code_proxy/internal/translate/mistral"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/translateutil"
)

// OpenAIToAnthropicResponse converts an OpenAI Chat Completions response
// into an Anthropic Messages response. model is the declared output model;
// the upstream's model field is ignored. Inline [TOOL_CALLS] text is
// recovered into tool_use blocks.
func OpenAIToAnthropicResponse(resp *openai.OpenAIResponse, model string) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	if out.ID == "" {
		out.ID = translateutil.GenerateMessageID()
	}

	inlineTools := false
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		content := choice.Message.Content

		if mistral.Contains(content) {
			prefix, calls := splitInlineToolCalls(content)
			if prefix != "" {
				out.Content = append(out.Content, ContentBlock{Type: "text", Text: prefix})
			}
			for _, call := range calls {
				out.Content = append(out.Content, ContentBlock{
					Type:  "tool_use",
					ID:    translateutil.NewToolID(),
					Name:  translateutil.SanitizeToolName(call.Name),
					Input: parseToolArguments(call.Arguments),
				})
				inlineTools = true
			}
		} else if content != "" {
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: content})
		}

		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}

		out.StopReason = mapFinishReason(choice.FinishReason)
		if inlineTools {
			reason := "tool_use"
			out.StopReason = &reason
		}
	}

	if len(out.Content) == 0 {
		out.Content = []ContentBlock{{Type: "text", Text: ""}}
	}

	if resp.Usage != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out
}

// splitInlineToolCalls separates the text preceding the first marker from
// the parsed tool calls.
func splitInlineToolCalls(content string) (string, []mistral.ToolCall) {
	idx := strings.Index(content, mistral.Marker)
	prefix := strings.TrimSpace(content[:idx])
	return prefix, mistral.Parse(content)
}

// parseToolArguments parses a tool-call arguments string into its JSON
// value. Unparseable arguments are preserved under a "raw" key rather than
// dropped.
func parseToolArguments(arguments string) interface{} {
	if arguments == "" {
		return map[string]interface{}{}
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil {
		return map[string]interface{}{"raw": arguments}
	}
	return parsed
}

// mapFinishReason maps an OpenAI finish_reason to the Anthropic stop_reason.
// Unknown values pass through verbatim; absent stays null.
func mapFinishReason(reason string) *string {
	if reason == "" {
		return nil
	}
	mapped := MapStopReason(reason)
	return &mapped
}

// MapStopReason maps an OpenAI finish_reason string to its Anthropic
// equivalent.
func MapStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}
