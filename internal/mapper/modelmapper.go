// Package mapper translates requests, responses and stream chunks between
// the OpenAI chat-completion dialect (the gateway's "home" format) and each
// supported provider's native wire format. Conversions are pure functions
// over JSON bytes, built with gjson/sjson for surgical field rewrites
// rather than full unmarshal/remarshal round-trips.
package mapper

import (
	"strings"

	"github.com/airouter/gateway/pkg/apierr"
)

// Provider identifies a wire dialect.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Google    Provider = "google"
	Ollama    Provider = "ollama"
	Bedrock   Provider = "bedrock"
)

// ModelMapper resolves a client-facing model name to the concrete name a
// given provider expects, falling back to OpenAI's naming when a provider
// has no override — the same "lookup with fallback" idiom the teacher used
// for its alias table, trimmed down to the providers this gateway actually
// dispatches to.
type ModelMapper struct {
	aliases map[Provider]map[string]string
}

// NewModelMapper builds a mapper with the built-in alias tables. Callers may
// extend it at config load time via Add.
func NewModelMapper() *ModelMapper {
	return &ModelMapper{aliases: map[Provider]map[string]string{
		Anthropic: {
			"gpt-4o":        "claude-3-5-sonnet-20241022",
			"gpt-4o-mini":   "claude-3-5-haiku-20241022",
			"gpt-4-turbo":   "claude-3-opus-20240229",
		},
		Google: {
			"gpt-4o":      "gemini-1.5-pro",
			"gpt-4o-mini": "gemini-1.5-flash",
		},
		Ollama: {}, // model name passed through verbatim by default
		Bedrock: {
			"gpt-4o":      "anthropic.claude-3-5-sonnet-20241022-v2:0",
			"gpt-4o-mini": "anthropic.claude-3-5-haiku-20241022-v1:0",
		},
	}}
}

// Add registers (or overrides) a model alias for a provider.
func (m *ModelMapper) Add(p Provider, clientModel, providerModel string) {
	if m.aliases[p] == nil {
		m.aliases[p] = map[string]string{}
	}
	m.aliases[p][clientModel] = providerModel
}

// Resolve returns the provider-native model name for clientModel, falling
// back to clientModel unchanged when no alias is registered.
func (m *ModelMapper) Resolve(p Provider, clientModel string) string {
	if table, ok := m.aliases[p]; ok {
		if native, ok := table[clientModel]; ok {
			return native
		}
	}
	return clientModel
}

// UnknownModel is returned when a provider requires an explicit alias and
// none is registered (reserved for providers with no verbatim pass-through,
// none of which are wired in by default).
func UnknownModel(model string) error {
	return apierr.Mapper(errUnknownModel{model: model})
}

type errUnknownModel struct{ model string }

func (e errUnknownModel) Error() string { return "unknown model: " + e.model }

// normalizeRole maps OpenAI's "system"/"user"/"assistant"/"tool" roles onto
// a provider's accepted role set, defaulting unknown roles to "user".
func normalizeRole(role string, allowed ...string) string {
	for _, a := range allowed {
		if strings.EqualFold(role, a) {
			return a
		}
	}
	return "user"
}
