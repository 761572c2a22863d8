package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/translateutil"
)

// visionSystemPrompt is prepended when a request is routed to the vision
// backend so the model describes images precisely enough for a coding agent.
const visionSystemPrompt = "You are a vision assistant. Describe the supplied images exactly and completely, including any visible text, code, error messages, and UI structure."

// TransformOptions controls the Anthropic → OpenAI request conversion.
type TransformOptions struct {
	// Model overrides the outbound model name; empty keeps the request's.
	Model string
	// VisionPrompt prepends the fixed vision instruction system message.
	VisionPrompt bool
}

// AnthropicToOpenAIRequest converts an Anthropic Messages request into an
// OpenAI Chat Completions request that satisfies Mistral's message-sequence
// rules. The input is never mutated.
func AnthropicToOpenAIRequest(req *AnthropicRequest, opts TransformOptions) (*openai.OpenAIRequest, error) {
	model := opts.Model
	if model == "" {
		model = req.Model
	}

	out := &openai.OpenAIRequest{
		Model:  model,
		Stream: req.Stream,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	// System prompt. Vision instruction goes first so the caller's own
	// system prompt can still refine it.
	if opts.VisionPrompt {
		out.Messages = append(out.Messages, openai.OpenAIMessage{
			Role:    "system",
			Content: visionSystemPrompt,
		})
	}
	if system := SystemText(req.System); system != "" {
		out.Messages = append(out.Messages, openai.OpenAIMessage{
			Role:    "system",
			Content: system,
		})
	}

	// Collect tool_use IDs first so tool_result references resolve to the
	// same normalized IDs regardless of message order.
	idMap := collectToolUseIDs(req.Messages)

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg, idMap)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.OpenAITool{
			Type: "function",
			Function: openai.OpenAIFunction{
				Name:        translateutil.SanitizeToolName(tool.Name),
				Description: tool.Description,
				Parameters:  toolParameters(tool.InputSchema),
			},
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = mapToolChoice(req.ToolChoice)
	}

	appendSentinel(out)
	return out, nil
}

// collectToolUseIDs sweeps every assistant tool_use block into an
// id → normalized-id map. IDs appearing only on tool_result blocks are
// intentionally absent; they stay unchanged and the backend rejects them.
func collectToolUseIDs(messages []AnthropicMessage) map[string]string {
	idMap := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		decoded, err := DecodeContent(msg.Content)
		if err != nil || decoded.IsText {
			continue
		}
		for _, block := range decoded.Blocks {
			if block.Type == "tool_use" && block.ID != "" {
				idMap[block.ID] = translateutil.NormalizeToolID(block.ID)
			}
		}
	}
	return idMap
}

// convertMessage maps one Anthropic message onto zero or more OpenAI
// messages.
func convertMessage(msg AnthropicMessage, idMap map[string]string) ([]openai.OpenAIMessage, error) {
	decoded, err := DecodeContent(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s message content: %w", msg.Role, err)
	}

	if decoded.IsText {
		if decoded.Text == "" {
			return nil, nil
		}
		return []openai.OpenAIMessage{{Role: msg.Role, Content: decoded.Text}}, nil
	}

	switch msg.Role {
	case "assistant":
		return convertAssistantBlocks(decoded.Blocks, idMap), nil
	default:
		return convertUserBlocks(decoded.Blocks, idMap), nil
	}
}

// convertAssistantBlocks merges text blocks into one body and tool_use
// blocks into tool_calls on a single assistant message.
func convertAssistantBlocks(blocks []ContentBlock, idMap map[string]string) []openai.OpenAIMessage {
	var text string
	var toolCalls []openai.OpenAIToolCall

	for _, block := range blocks {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, openai.OpenAIToolCall{
				ID:   normalizedID(block.ID, idMap),
				Type: "function",
				Function: openai.OpenAIToolFunction{
					Name:      translateutil.SanitizeToolName(block.Name),
					Arguments: marshalToolInput(block.Input),
				},
			})
		}
	}

	if text == "" && len(toolCalls) == 0 {
		return nil
	}

	msg := openai.OpenAIMessage{Role: "assistant", ToolCalls: toolCalls}
	if text != "" {
		msg.Content = text
	}
	return []openai.OpenAIMessage{msg}
}

// convertUserBlocks maps a user message's blocks. Each tool_result becomes
// its own tool message; when tool results are present, text blocks of the
// same message are dropped because a user message may not sit between a
// tool message and the next assistant turn.
func convertUserBlocks(blocks []ContentBlock, idMap map[string]string) []openai.OpenAIMessage {
	hasToolResult := false
	for _, block := range blocks {
		if block.Type == "tool_result" {
			hasToolResult = true
			break
		}
	}

	if hasToolResult {
		var messages []openai.OpenAIMessage
		for _, block := range blocks {
			if block.Type != "tool_result" {
				continue
			}
			messages = append(messages, openai.OpenAIMessage{
				Role:       "tool",
				ToolCallID: normalizedID(block.ToolUseID, idMap),
				Content:    toolResultText(block.Content),
			})
		}
		return messages
	}

	var parts []interface{}
	var textOnly string
	textBlocks := 0
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			parts = append(parts, map[string]interface{}{"type": "text", "text": block.Text})
			textOnly += block.Text
			textBlocks++
		case "image":
			if cb := convertImageBlock(block.Source); cb != nil {
				parts = append(parts, cb)
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	// Pure-text messages collapse to a plain string body.
	if textBlocks == len(parts) {
		return []openai.OpenAIMessage{{Role: "user", Content: textOnly}}
	}
	return []openai.OpenAIMessage{{Role: "user", Content: parts}}
}

// convertImageBlock maps an Anthropic image source to an OpenAI image_url
// part. Base64 sources become data URLs; URL sources pass through.
func convertImageBlock(source *MediaSource) map[string]interface{} {
	if source == nil {
		return nil
	}
	var url string
	switch source.Type {
	case "base64":
		mediaType := source.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		url = "data:" + mediaType + ";base64," + source.Data
	case "url":
		url = source.URL
	}
	if url == "" {
		return nil
	}
	return map[string]interface{}{
		"type":      "image_url",
		"image_url": map[string]interface{}{"url": url},
	}
}

// toolResultText flattens a tool_result content value to the string body a
// tool message carries. Strings are kept; anything else is JSON-encoded.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	// Nested block lists flatten to their joined text when possible.
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil && len(blocks) > 0 {
		allText := true
		joined := ""
		for _, block := range blocks {
			if block.Type != "text" {
				allText = false
				break
			}
			joined += block.Text
		}
		if allText {
			return joined
		}
	}
	return string(raw)
}

func normalizedID(id string, idMap map[string]string) string {
	if mapped, ok := idMap[id]; ok {
		return mapped
	}
	return id
}

func marshalToolInput(input interface{}) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func toolParameters(schema interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	return schema
}

// mapToolChoice maps an Anthropic tool_choice value to the OpenAI form.
//
//	{"type": "auto"}           → "auto"
//	{"type": "none"}           → "none"
//	{"type": "any"}            → "required"
//	{"type": "tool", "name":N} → {"type":"function","function":{"name":N}}
func mapToolChoice(toolChoice interface{}) interface{} {
	choice, ok := toolChoice.(map[string]interface{})
	if !ok {
		return nil
	}
	switch choice["type"] {
	case "auto":
		return "auto"
	case "none":
		return "none"
	case "any":
		return "required"
	case "tool":
		if name, ok := choice["name"].(string); ok && name != "" {
			return map[string]interface{}{
				"type":     "function",
				"function": map[string]interface{}{"name": translateutil.SanitizeToolName(name)},
			}
		}
	}
	return nil
}

// appendSentinel enforces the trailing-message rule: a conversation may not
// end on a bare assistant message. A trailing tool message is legal.
func appendSentinel(req *openai.OpenAIRequest) {
	if len(req.Messages) == 0 {
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == "assistant" && len(last.ToolCalls) == 0 {
		req.Messages = append(req.Messages, openai.OpenAIMessage{
			Role:    "user",
			Content: "Continue.",
		})
	}
}

// HasImages reports whether any message carries an image block.
func HasImages(req *AnthropicRequest) bool {
	for _, msg := range req.Messages {
		decoded, err := DecodeContent(msg.Content)
		if err != nil || decoded.IsText {
			continue
		}
		for _, block := range decoded.Blocks {
			if block.Type == "image" {
				return true
			}
		}
	}
	return false
}
