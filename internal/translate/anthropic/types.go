package anthropic

import "encoding/json"

// AnthropicRequest represents a request to the Anthropic Messages API.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"` // string or []ContentBlock
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    interface{}        `json:"tool_choice,omitempty"`
	Metadata      *AnthropicMetadata `json:"metadata,omitempty"`
}

// AnthropicMessage is a single message in the conversation. Content is a
// JSON string or a list of content blocks; it stays raw until decoded with
// DecodeContent.
type AnthropicMessage struct {
	Role    string          `json:"role"` // "user" or "assistant"
	Content json.RawMessage `json:"content"`
}

// ContentBlock is a tagged content variant used in requests and responses.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// image block
	Source *MediaSource `json:"source,omitempty"`

	// tool_use block
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`

	// tool_result block
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ContentBlock
}

// MediaSource describes the source of an image content block.
type MediaSource struct {
	Type      string `json:"type"`                 // "base64" or "url"
	MediaType string `json:"media_type,omitempty"` // e.g. "image/png"
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool is a tool definition in an Anthropic request.
type AnthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema,omitempty"`
}

// AnthropicMetadata carries per-request metadata.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

// AnthropicResponse represents a non-streaming Messages API response.
type AnthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason *string        `json:"stop_reason"`
	Usage      AnthropicUsage `json:"usage"`
}

// AnthropicUsage reports token consumption.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ---------------------------------------------------------------------------
// Streaming types
// ---------------------------------------------------------------------------

// StreamEvent is one outbound Anthropic SSE frame. Index uses a pointer so
// index 0 still serializes on block events while message-level events omit
// the field entirely.
type StreamEvent struct {
	Type         string          `json:"type"`
	Message      *StreamMessage  `json:"message,omitempty"`
	Index        *int            `json:"index,omitempty"`
	ContentBlock *ContentBlock   `json:"content_block,omitempty"`
	Delta        *StreamDelta    `json:"delta,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`
	Error        *StreamError    `json:"error,omitempty"`
}

// StreamMessage is the message skeleton carried by message_start.
type StreamMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}

// StreamDelta is incremental data inside content_block_delta or
// message_delta events.
type StreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// StreamError is the payload of a mid-stream error event.
type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Content decoding
// ---------------------------------------------------------------------------

// DecodedContent is the result of decoding a message's raw content: either
// plain text or an ordered block list.
type DecodedContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

// DecodeContent decodes a raw message content value. A JSON string decodes
// to Text; a JSON array decodes to Blocks. Unknown block types are kept
// with their raw JSON so callers can wrap them as text.
func DecodeContent(raw json.RawMessage) (DecodedContent, error) {
	if len(raw) == 0 {
		return DecodedContent{IsText: true}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return DecodedContent{Text: text, IsText: true}, nil
	}

	var rawBlocks []json.RawMessage
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return DecodedContent{}, err
	}

	blocks := make([]ContentBlock, 0, len(rawBlocks))
	for _, rb := range rawBlocks {
		var block ContentBlock
		if err := json.Unmarshal(rb, &block); err != nil {
			continue
		}
		switch block.Type {
		case "text", "image", "tool_use", "tool_result":
		default:
			// Forward-compat: unknown block types become text carrying
			// their JSON serialization.
			block = ContentBlock{Type: "text", Text: string(rb)}
		}
		blocks = append(blocks, block)
	}
	return DecodedContent{Blocks: blocks}, nil
}

// SystemText extracts the system prompt text: a plain string is returned
// as-is, a list of text blocks is newline-joined.
func SystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, block := range blocks {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}
