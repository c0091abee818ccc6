package llm_dispatch

import (
	"errors"
	"net/http"
	"time"
)

type Reference struct {
	Text     string                 `json:"text"`
	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type GenerateRequest struct {
	Query      string      `json:"query"`
	TaskPrompt string      `json:"task_prompt,omitempty"`
	References []Reference `json:"references,omitempty"`
	Provider   string      `json:"provider"`
	Key        string      `json:"key,omitempty"`
	Model      string      `json:"model,omitempty"` // ex: gpt-4o-mini, command-r-plus
}

var (
	ErrUnsupportedProvider = errors.New("Unsupported provider")
	ErrProviderConfig      = errors.New("provider is not configured")
)

// Streams can run for minutes so there is no client timeout, requests are
// bounded by their context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}
