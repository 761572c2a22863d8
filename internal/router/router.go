package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/config"
	"github.com/mixaill76/mistral_code_proxy/internal/proxy"
	"github.com/mixaill76/mistral_code_proxy/internal/telemetry"
)

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the /v1/models payload.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Router struct {
	proxy     *proxy.Proxy
	telemetry *telemetry.Telemetry
	cfg       *config.Config
	started   time.Time
}

func New(p *proxy.Proxy, tel *telemetry.Telemetry, cfg *config.Config) *Router {
	return &Router{
		proxy:     p,
		telemetry: tel,
		cfg:       cfg,
		started:   time.Now(),
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/health":
		rt.handleHealth(w, req)
		return
	case "/stats":
		rt.handleStats(w, req)
		return
	case "/v1/models":
		if req.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.handleModels(w, req)
		return
	}

	if req.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	switch req.URL.Path {
	case "/v1/messages":
		rt.proxy.HandleMessages(w, req)
	case "/v1/messages/count_tokens":
		rt.proxy.HandleCountTokens(w, req)
	case "/v1/chat/completions":
		rt.proxy.HandleChatCompletions(w, req)
	case "/v1/completions", "/completions":
		rt.proxy.HandleCompletions(w, req)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (rt *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rt.telemetry.Snapshot())
}

func (rt *Router) handleModels(w http.ResponseWriter, _ *http.Request) {
	resp := ModelsResponse{
		Object: "list",
		Data: []Model{
			{
				ID:      rt.cfg.Backend.Model,
				Object:  "model",
				Created: rt.started.Unix(),
				OwnedBy: "vllm",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
