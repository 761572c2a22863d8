package backend

import (
	"github.com/mixaill76/mistral_code_proxy/internal/translate/anthropic"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/openai"
)

// Backend describes one upstream inference server.
type Backend struct {
	Name   string
	URL    string
	APIKey string
	Model  string
}

// ChatCompletionsURL returns the backend's chat completions endpoint.
func (b Backend) ChatCompletionsURL() string {
	return b.URL + "/v1/chat/completions"
}

// Selector picks the backend for a request: the vision backend when one is
// configured and the request carries images, the default otherwise.
type Selector struct {
	Default Backend
	Vision  *Backend
}

// Selection is the routing decision for one request.
type Selection struct {
	Backend Backend
	// Vision is true when the vision backend was chosen.
	Vision bool
	// StripImages is true when image blocks must be removed before
	// dispatch (images present but no vision backend configured).
	StripImages bool
}

// ForAnthropic routes an Anthropic request.
func (s *Selector) ForAnthropic(req *anthropic.AnthropicRequest) Selection {
	return s.selection(anthropic.HasImages(req))
}

// ForOpenAI routes an OpenAI request.
func (s *Selector) ForOpenAI(req *openai.OpenAIRequest) Selection {
	return s.selection(openai.HasImageParts(req))
}

func (s *Selector) selection(hasImages bool) Selection {
	if hasImages && s.Vision != nil {
		return Selection{Backend: *s.Vision, Vision: true}
	}
	return Selection{Backend: s.Default, StripImages: hasImages}
}
