package resolver

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Endpoint kinds.
const (
	KindOpenAI = "openai"
	KindGRPC   = "grpc"
)

// Environment variables read by EndpointsFromEnv. Each holds a comma
// separated list; shorter lists are cycled.
const (
	EnvAPIURLs = "VIBE_GRAPH_LLM_API_URLS"
	EnvAPIKeys = "VIBE_GRAPH_LLM_API_KEYS"
	EnvModels  = "VIBE_GRAPH_LLM_MODELS"
)

const (
	DefaultAPIURL = "http://localhost:11434/v1"
	DefaultAPIKey = "ollama"
	DefaultModel  = "phi3"
)

// Endpoint describes one resolver. OpenAI endpoints use APIURL, APIKey and
// Model; gRPC endpoints use Address.
type Endpoint struct {
	Name         string  `toml:"name"`
	Kind         string  `toml:"kind"`
	APIURL       string  `toml:"api_url"`
	APIKey       string  `toml:"api_key"`
	Model        string  `toml:"model"`
	Address      string  `toml:"address"`
	SystemPrompt string  `toml:"system_prompt"`
	Rate         float64 `toml:"rate"`
	Burst        int     `toml:"burst"`
}

// Validate checks the fields required by the endpoint kind.
func (e Endpoint) Validate() error {
	switch e.kind() {
	case KindOpenAI:
		if strings.TrimSpace(e.Model) == "" {
			return fmt.Errorf("resolver %q missing model", e.Name)
		}
	case KindGRPC:
		if strings.TrimSpace(e.Address) == "" {
			return fmt.Errorf("resolver %q missing address", e.Name)
		}
	default:
		return fmt.Errorf("resolver %q has unknown kind %q", e.Name, e.Kind)
	}
	if e.Rate < 0 {
		return fmt.Errorf("resolver %q rate must be >= 0", e.Name)
	}
	return nil
}

func (e Endpoint) kind() string {
	if e.Kind == "" {
		return KindOpenAI
	}
	return e.Kind
}

// LoadEndpoints reads the [[resolvers]] tables of a TOML file.
func LoadEndpoints(path string) ([]Endpoint, error) {
	var raw struct {
		Resolvers []Endpoint `toml:"resolvers"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load resolvers: %w", err)
	}
	for i, e := range raw.Resolvers {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("resolvers[%d]: %w", i, err)
		}
	}
	return raw.Resolvers, nil
}

// EndpointsFromEnv zips the URL, key and model lists, cycling the shorter
// ones. Unset variables fall back to a local Ollama endpoint.
func EndpointsFromEnv() []Endpoint {
	urls := envList(EnvAPIURLs, "OPENAI_API_URL", DefaultAPIURL)
	keys := envList(EnvAPIKeys, "OPENAI_API_KEY", DefaultAPIKey)
	models := envList(EnvModels, "OPENAI_MODEL_NAME", DefaultModel)

	n := max(len(urls), len(keys), len(models))
	out := make([]Endpoint, n)
	for i := range n {
		out[i] = Endpoint{
			Name:   fmt.Sprintf("llm-%d", i),
			Kind:   KindOpenAI,
			APIURL: urls[i%len(urls)],
			APIKey: keys[i%len(keys)],
			Model:  models[i%len(models)],
		}
	}
	return out
}

func envList(primary, fallback, def string) []string {
	v, ok := os.LookupEnv(primary)
	if !ok || strings.TrimSpace(v) == "" {
		v, ok = os.LookupEnv(fallback)
	}
	if !ok || strings.TrimSpace(v) == "" {
		v = def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{def}
	}
	return out
}

// Dial builds a pool over endpoints.
func Dial(endpoints []Endpoint, concurrency int, log zerolog.Logger) (*Pool, error) {
	members := make([]Member, 0, len(endpoints))
	for i, e := range endpoints {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", e.kind(), i)
		}
		var res Resolver
		switch e.kind() {
		case KindOpenAI:
			res = NewOpenAI(name, e.APIURL, e.APIKey, e.Model, WithSystemPrompt(e.SystemPrompt), WithOpenAILogger(log))
		case KindGRPC:
			g, err := NewGRPC(name, e.Address)
			if err != nil {
				return nil, err
			}
			res = g
		}
		m := Member{Resolver: res, Burst: e.Burst}
		if e.Rate > 0 {
			m.Limit = rate.Limit(e.Rate)
		}
		members = append(members, m)
	}
	return NewPool(concurrency, members...), nil
}
