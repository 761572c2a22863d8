package anthropic

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/mixaill76/mistral_code_proxy/internal/translate/mistral"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/translateutil"
)

// textFlushThreshold is how much text may accumulate in Mistral mode before
// the safe prefix is emitted. It must exceed len(mistral.Marker) so that a
// marker split across deltas is never emitted as text.
const textFlushThreshold = 2 * len(mistral.Marker)

// safeTailLen is how many trailing characters a flush retains; a marker
// beginning inside the retained tail survives intact for later detection.
const safeTailLen = len(mistral.Marker) - 1

// StreamTranslator converts an OpenAI SSE stream into Anthropic SSE events
// incrementally. It is a pure state machine: Start emits the opening frame,
// Feed consumes raw upstream bytes and returns translated events, Finish
// emits whatever trailing frames are still owed.
//
// In Mistral mode (model name contains mistral/devstral/codestral) text is
// buffered in a short sliding window so inline [TOOL_CALLS] sequences are
// detected and re-emitted as tool_use blocks instead of text.
type StreamTranslator struct {
	model       string
	messageID   string
	inputTokens int
	mistralMode bool

	lineBuf string // partial SSE line carried across Feed calls

	buf           string // pending text window (Mistral mode)
	mistralInline bool

	textOpen     bool
	contentIndex int
	toolBase     int         // contentIndex at the first structured tool block
	toolBlocks   map[int]int // upstream tool slot → content index
	openTools    []int

	outputTokens int
	finishReason string
	stopOverride string
	sawFinish    bool
	finalUsage   *openai.OpenAIUsage
	done         bool
}

// NewStreamTranslator builds a translator. model is the declared output
// model reported to the client; backendModel selects Mistral inline
// tool-call handling; inputTokens is the precomputed input estimate carried
// by message_start.
func NewStreamTranslator(model, backendModel string, inputTokens int) *StreamTranslator {
	return &StreamTranslator{
		model:       model,
		messageID:   translateutil.GenerateMessageID(),
		inputTokens: inputTokens,
		mistralMode: isMistralModel(backendModel) || isMistralModel(model),
		toolBase:    -1,
		toolBlocks:  make(map[int]int),
	}
}

func isMistralModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "mistral") ||
		strings.Contains(m, "devstral") ||
		strings.Contains(m, "codestral")
}

// Start returns the message_start event. Call exactly once, before Feed.
func (t *StreamTranslator) Start() StreamEvent {
	return StreamEvent{
		Type: "message_start",
		Message: &StreamMessage{
			ID:      t.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []ContentBlock{},
			Model:   t.model,
			Usage:   AnthropicUsage{InputTokens: t.inputTokens, OutputTokens: 0},
		},
	}
}

// Feed consumes one upstream chunk and returns the Anthropic events it
// produced. Partial SSE lines are held until their terminator arrives.
func (t *StreamTranslator) Feed(chunk string) []StreamEvent {
	if t.done {
		return nil
	}

	var events []StreamEvent
	t.lineBuf += chunk
	for {
		nl := strings.IndexByte(t.lineBuf, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(t.lineBuf[:nl], "\r")
		t.lineBuf = t.lineBuf[nl+1:]
		t.processLine(line, &events)
		if t.done {
			break
		}
	}
	return events
}

// Finish flushes trailing state at end of stream: any line without a
// terminator, open blocks, and the closing message_delta / message_stop
// pair if no usage chunk arrived.
func (t *StreamTranslator) Finish() []StreamEvent {
	if t.done {
		return nil
	}
	var events []StreamEvent
	if t.lineBuf != "" {
		line := strings.TrimSuffix(t.lineBuf, "\r")
		t.lineBuf = ""
		t.processLine(line, &events)
	}
	if !t.done {
		if !t.sawFinish {
			t.sawFinish = true
			t.closeAllBlocks(&events)
		}
		t.emitFinal(&events)
	}
	return events
}

// processLine handles one SSE line. Lines that are not data lines, the
// [DONE] sentinel, and malformed JSON are all skipped; parse errors are
// never fatal.
func (t *StreamTranslator) processLine(line string, events *[]StreamEvent) {
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := strings.TrimPrefix(line, "data: ")
	if strings.TrimSpace(payload) == "[DONE]" {
		return
	}

	var chunk openai.OpenAIStreamingChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}

	if chunk.Error != nil {
		*events = append(*events, StreamEvent{
			Type: "error",
			Error: &StreamError{
				Type:    "api_error",
				Message: chunk.Error.Message,
			},
		})
		t.done = true
		return
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			t.handleText(choice.Delta.Content, events)
		}
		for _, tc := range choice.Delta.ToolCalls {
			t.handleToolDelta(tc, events)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" && !t.sawFinish {
			t.finishReason = *choice.FinishReason
			t.sawFinish = true
			t.closeAllBlocks(events)
		}
	}

	if chunk.Usage != nil && (chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0) {
		t.finalUsage = chunk.Usage
		if t.sawFinish {
			t.emitFinal(events)
		}
	}
}

// handleText routes incoming text either straight through or into the
// Mistral sliding window.
func (t *StreamTranslator) handleText(text string, events *[]StreamEvent) {
	if !t.mistralMode {
		t.emitText(text, events)
		return
	}

	t.buf += text
	if t.mistralInline {
		return
	}
	if mistral.Contains(t.buf) {
		t.mistralInline = true
		return
	}
	if len(t.buf) > textFlushThreshold {
		cut := len(t.buf) - safeTailLen
		t.emitText(t.buf[:cut], events)
		t.buf = t.buf[cut:]
	}
}

// advancePastToolBlocks moves contentIndex past every allocated tool slot
// so a block opened after tool blocks never reuses their indices.
func (t *StreamTranslator) advancePastToolBlocks() {
	for _, idx := range t.toolBlocks {
		if t.contentIndex <= idx {
			t.contentIndex = idx + 1
		}
	}
}

// emitText opens the text block if needed and emits one text_delta.
func (t *StreamTranslator) emitText(text string, events *[]StreamEvent) {
	if text == "" {
		return
	}
	if !t.textOpen {
		t.advancePastToolBlocks()
		idx := t.contentIndex
		*events = append(*events, StreamEvent{
			Type:         "content_block_start",
			Index:        &idx,
			ContentBlock: &ContentBlock{Type: "text"},
		})
		t.textOpen = true
	}
	idx := t.contentIndex
	*events = append(*events, StreamEvent{
		Type:  "content_block_delta",
		Index: &idx,
		Delta: &StreamDelta{Type: "text_delta", Text: text},
	})
	t.outputTokens++
}

// handleToolDelta opens a tool_use block for an unseen slot and streams
// argument fragments into input_json_delta events.
func (t *StreamTranslator) handleToolDelta(tc openai.OpenAIStreamingToolCall, events *[]StreamEvent) {
	idx, seen := t.toolBlocks[tc.Index]
	if !seen {
		// Pending buffered text precedes the tool block.
		if t.mistralMode && t.buf != "" && !t.mistralInline {
			t.emitText(t.buf, events)
			t.buf = ""
		}
		if t.textOpen {
			closeIdx := t.contentIndex
			*events = append(*events, StreamEvent{Type: "content_block_stop", Index: &closeIdx})
			t.textOpen = false
			t.contentIndex++
		}
		if t.toolBase < 0 {
			t.toolBase = t.contentIndex
		}
		idx = t.toolBase + tc.Index
		t.toolBlocks[tc.Index] = idx
		t.openTools = append(t.openTools, idx)

		id := tc.ID
		if id == "" {
			id = translateutil.NewToolID()
		} else {
			id = translateutil.NormalizeToolID(id)
		}
		var name string
		if tc.Function != nil && tc.Function.Name != "" {
			name = translateutil.SanitizeToolName(tc.Function.Name)
		}
		startIdx := idx
		*events = append(*events, StreamEvent{
			Type:  "content_block_start",
			Index: &startIdx,
			ContentBlock: &ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  name,
				Input: map[string]interface{}{},
			},
		})
	}

	if tc.Function != nil && tc.Function.Arguments != "" {
		deltaIdx := idx
		*events = append(*events, StreamEvent{
			Type:  "content_block_delta",
			Index: &deltaIdx,
			Delta: &StreamDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
		})
	}
}

// closeAllBlocks resolves the Mistral window and emits content_block_stop
// for every open block.
func (t *StreamTranslator) closeAllBlocks(events *[]StreamEvent) {
	if t.mistralMode && t.buf != "" {
		if t.mistralInline {
			t.emitInlineToolCalls(events)
		} else {
			t.emitText(t.buf, events)
		}
		t.buf = ""
	}

	if t.textOpen {
		idx := t.contentIndex
		*events = append(*events, StreamEvent{Type: "content_block_stop", Index: &idx})
		t.textOpen = false
		t.contentIndex++
	}

	sort.Ints(t.openTools)
	for _, idx := range t.openTools {
		closeIdx := idx
		*events = append(*events, StreamEvent{Type: "content_block_stop", Index: &closeIdx})
	}
	t.openTools = nil
}

// emitInlineToolCalls parses the buffered window and emits a tool_use block
// per recovered call. Any text before the first marker is emitted first.
func (t *StreamTranslator) emitInlineToolCalls(events *[]StreamEvent) {
	markerIdx := strings.Index(t.buf, mistral.Marker)
	prefix := t.buf[:markerIdx]
	if !t.textOpen {
		// Nothing emitted yet; leading whitespace is cosmetic.
		prefix = strings.TrimSpace(prefix)
	}
	if prefix != "" {
		t.emitText(prefix, events)
	}
	if t.textOpen {
		idx := t.contentIndex
		*events = append(*events, StreamEvent{Type: "content_block_stop", Index: &idx})
		t.textOpen = false
		t.contentIndex++
	}

	calls := mistral.Parse(t.buf)
	if len(calls) > 0 {
		t.advancePastToolBlocks()
	}
	for _, call := range calls {
		var input interface{} = map[string]interface{}{}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(call.Arguments), &parsed); err == nil {
			input = parsed
		}
		idx := t.contentIndex
		*events = append(*events, StreamEvent{
			Type:  "content_block_start",
			Index: &idx,
			ContentBlock: &ContentBlock{
				Type:  "tool_use",
				ID:    translateutil.NewToolID(),
				Name:  translateutil.SanitizeToolName(call.Name),
				Input: input,
			},
		})
		stopIdx := t.contentIndex
		*events = append(*events, StreamEvent{Type: "content_block_stop", Index: &stopIdx})
		t.contentIndex++
		t.outputTokens++
	}
	if len(calls) > 0 {
		t.stopOverride = "tool_use"
	}
}

// Usage returns the input and output token counts the translator settled
// on. Valid after the final events have been emitted.
func (t *StreamTranslator) Usage() (inputTokens, outputTokens int) {
	inputTokens = t.inputTokens
	outputTokens = t.outputTokens
	if t.finalUsage != nil {
		if t.finalUsage.PromptTokens > 0 {
			inputTokens = t.finalUsage.PromptTokens
		}
		if t.finalUsage.CompletionTokens > outputTokens {
			outputTokens = t.finalUsage.CompletionTokens
		}
	}
	return inputTokens, outputTokens
}

// emitFinal writes the closing message_delta / message_stop pair once.
func (t *StreamTranslator) emitFinal(events *[]StreamEvent) {
	if t.done {
		return
	}

	stopReason := t.stopOverride
	if stopReason == "" {
		if t.finishReason != "" {
			stopReason = MapStopReason(t.finishReason)
		} else {
			stopReason = "end_turn"
		}
	}

	inputTokens := t.inputTokens
	outputTokens := t.outputTokens
	if t.finalUsage != nil {
		if t.finalUsage.PromptTokens > 0 {
			inputTokens = t.finalUsage.PromptTokens
		}
		// Upstream counts are sometimes incomplete in streaming mode.
		if t.finalUsage.CompletionTokens > outputTokens {
			outputTokens = t.finalUsage.CompletionTokens
		}
	}

	*events = append(*events, StreamEvent{
		Type:  "message_delta",
		Delta: &StreamDelta{StopReason: stopReason},
		Usage: &AnthropicUsage{InputTokens: inputTokens, OutputTokens: outputTokens},
	})
	*events = append(*events, StreamEvent{Type: "message_stop"})
	t.done = true
}
