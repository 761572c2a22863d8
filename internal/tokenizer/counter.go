// Package tokenizer estimates token counts for request payloads using the
// cl100k_base BPE encoding, with a character-based fallback when the
// encoder is unavailable.
package tokenizer

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/mixaill76/mistral_code_proxy/internal/translate/anthropic"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
)

const (
	// countCacheSize bounds the memoized counts for repeated payloads
	// (system prompts and tool schemas recur on every turn).
	countCacheSize = 4096
	// cacheMinLen skips caching trivial strings.
	cacheMinLen = 64
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken

	cacheOnce  sync.Once
	countCache *lru.Cache[string, int]
)

// getEncoder lazily initializes the shared BPE encoder. Safe for concurrent
// use; returns nil when the encoding data cannot be loaded.
func getEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		encoder = enc
	})
	return encoder
}

func getCache() *lru.Cache[string, int] {
	cacheOnce.Do(func() {
		countCache, _ = lru.New[string, int](countCacheSize)
	})
	return countCache
}

// CountText returns the token count of s. Falls back to ceil(len/4) when
// the encoder is unavailable.
func CountText(s string) int {
	if s == "" {
		return 0
	}

	cacheable := len(s) >= cacheMinLen
	if cacheable {
		if cache := getCache(); cache != nil {
			if n, ok := cache.Get(s); ok {
				return n
			}
		}
	}

	var n int
	if enc := getEncoder(); enc != nil {
		n = len(enc.Encode(s, nil, nil))
	} else {
		n = (len(s) + 3) / 4
	}

	if cacheable {
		if cache := getCache(); cache != nil {
			cache.Add(s, n)
		}
	}
	return n
}

// countJSON counts the JSON serialization of v.
func countJSON(v interface{}) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return CountText(string(data))
}

// CountAnthropicRequest estimates the input tokens of an Anthropic request:
// message text and tool payloads, the system prompt, and every tool's name,
// description, and input schema.
func CountAnthropicRequest(req *anthropic.AnthropicRequest) int {
	total := 0

	for _, msg := range req.Messages {
		decoded, err := anthropic.DecodeContent(msg.Content)
		if err != nil {
			continue
		}
		if decoded.IsText {
			total += CountText(decoded.Text)
			continue
		}
		for _, block := range decoded.Blocks {
			switch block.Type {
			case "text":
				total += CountText(block.Text)
			case "tool_use":
				total += CountText(block.Name)
				total += countJSON(block.Input)
			case "tool_result":
				total += CountText(string(block.Content))
			}
		}
	}

	total += CountText(anthropic.SystemText(req.System))

	for _, tool := range req.Tools {
		total += CountText(tool.Name)
		total += CountText(tool.Description)
		total += countJSON(tool.InputSchema)
	}

	return total
}

// CountOpenAIRequest estimates the input tokens of an OpenAI request.
func CountOpenAIRequest(req *openai.OpenAIRequest) int {
	total := 0

	for _, msg := range req.Messages {
		switch content := msg.Content.(type) {
		case string:
			total += CountText(content)
		case []interface{}:
			for _, part := range content {
				partMap, ok := part.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := partMap["text"].(string); ok {
					total += CountText(text)
				}
			}
		}
		for _, tc := range msg.ToolCalls {
			total += CountText(tc.Function.Name)
			total += CountText(tc.Function.Arguments)
		}
	}

	for _, tool := range req.Tools {
		total += CountText(tool.Function.Name)
		total += CountText(tool.Function.Description)
		total += countJSON(tool.Function.Parameters)
	}

	return total
}
