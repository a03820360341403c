package embedding

import "context"

// Provider fetches vector embeddings from an external embeddings API.
// The engine never computes vectors itself; semantic recall degrades to
// the other search backends when no provider is configured.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" (OpenAI-compatible) or "ollama"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New selects a provider implementation from the config. Unrecognized
// provider names fall back to the OpenAI-compatible client.
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return NewAPIProvider(cfg)
	}
}
