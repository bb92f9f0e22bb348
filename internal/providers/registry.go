package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	geminiModel "github.com/cloudwego/eino-ext/components/model/gemini"
	openaiModel "github.com/cloudwego/eino-ext/components/model/openai"
	"google.golang.org/genai"
)

// #region spec
// Spec describes one configured provider.
type Spec struct {
	Name        string  // label recorded in metrics, e.g. "gemini"
	Kind        string  // factory key: "openai" (any OpenAI-compatible API) or "gemini"
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration // HTTP client timeout; the router also bounds each attempt
	RPS         float64       // client-side rate limit; 0 disables it
	Burst       int
}

// GeminiSpec is the default primary: Gemini through its native API.
func GeminiSpec(apiKey string) Spec {
	return Spec{
		Name:        "gemini",
		Kind:        "gemini",
		APIKey:      apiKey,
		Model:       "gemini-2.5-flash",
		Temperature: 0.1,
		MaxTokens:   1024,
		RPS:         1,
		Burst:       2,
	}
}

// GroqSpec is the default secondary: Llama on Groq's OpenAI-compatible API.
func GroqSpec(apiKey string) Spec {
	return Spec{
		Name:        "groq",
		Kind:        "openai",
		APIKey:      apiKey,
		BaseURL:     "https://api.groq.com/openai/v1",
		Model:       "llama-3.3-70b-versatile",
		Temperature: 0.1,
		MaxTokens:   1024,
		RPS:         0.5,
		Burst:       1,
	}
}

// #endregion spec

// #region registry
// Factory builds a Provider from a Spec.
type Factory func(ctx context.Context, spec Spec) (Provider, error)

// Registry maps provider kinds to factories so configuration, not code,
// picks the provider pair.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in openai and gemini kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("openai", newOpenAI)
	r.Register("gemini", newGemini)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the provider for spec, wrapped in a rate limiter when
// spec.RPS is set.
func (r *Registry) Build(ctx context.Context, spec Spec) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q for %s", spec.Kind, spec.Name)
	}
	if spec.Name == "" {
		spec.Name = spec.Kind
	}
	p, err := f(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", spec.Name, err)
	}
	if spec.RPS > 0 {
		p = NewRateLimited(p, spec.RPS, spec.Burst)
	}
	return p, nil
}

// #endregion registry

// #region factories
func newOpenAI(ctx context.Context, spec Spec) (Provider, error) {
	if spec.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	m, err := openaiModel.NewChatModel(ctx, &openaiModel.ChatModelConfig{
		APIKey:  spec.APIKey,
		BaseURL: spec.BaseURL,
		Model:   spec.Model,
		Timeout: spec.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewChatModel(spec.Name, m, spec.Temperature, spec.MaxTokens), nil
}

func newGemini(ctx context.Context, spec Spec) (Provider, error) {
	if spec.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  spec.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	m, err := geminiModel.NewChatModel(ctx, &geminiModel.Config{
		Client: client,
		Model:  spec.Model,
	})
	if err != nil {
		return nil, err
	}
	return NewChatModel(spec.Name, m, spec.Temperature, spec.MaxTokens), nil
}

// #endregion factories
