package provider

import "fmt"

// Names lists the backends New accepts.
var Names = []string{"openai", "groq", "ollama", "gemini", "anthropic"}

// New builds the named backend. lookup resolves API keys such as
// OPENAI_API_KEY.
func New(name, model string, lookup func(key string) string) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(lookup("OPENAI_API_KEY"), lookup("OPENAI_BASE_URL"), model)
	case "groq":
		return NewGroqProvider(lookup("GROQ_API_KEY"), model)
	case "ollama":
		return NewOllamaProvider(model)
	case "gemini":
		return NewGeminiProvider(lookup("GEMINI_API_KEY"), model)
	case "anthropic":
		return NewAnthropicProvider(lookup("ANTHROPIC_API_KEY"), model)
	}
	return nil, fmt.Errorf("unknown provider %q (want one of %v)", name, Names)
}
