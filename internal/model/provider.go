package model

import (
	"fmt"
	"net/http"
	"os"

	"github.com/tentickle/tentickle/internal/common/config"
)

// Provide builds the model client selected by configuration. Setting
// USE_GOOGLE_MODEL overrides the configured provider.
func Provide(cfg config.ModelConfig) (Client, error) {
	provider := cfg.Provider
	if os.Getenv("USE_GOOGLE_MODEL") != "" {
		provider = "google"
	}

	httpClient := &http.Client{Timeout: cfg.TimeoutDuration()}

	switch provider {
	case "openai", "":
		return NewOpenAIClient(
			WithOpenAIModel(cfg.Name),
			WithOpenAIMaxTokens(cfg.MaxTokens),
			WithOpenAIMaxRetries(cfg.MaxRetries),
			WithOpenAIHTTPClient(httpClient),
		), nil
	case "google":
		model := cfg.Name
		if model == "" || model == DefaultOpenAIModel {
			model = DefaultGoogleModel
		}
		return NewGoogleClient(
			WithGoogleModel(model),
			WithGoogleHTTPClient(httpClient),
		), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
