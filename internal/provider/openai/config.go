package openai

// Config contains settings for OpenAI-compatible backends.
type Config struct {
	// APIVersion is sent as the api-version query parameter when set (Azure OpenAI deployments).
	APIVersion string `env:"OPENAI_API_VERSION"`
	// IncludeStreamUsage asks the backend for a trailing usage chunk on streams.
	IncludeStreamUsage bool `env:"OPENAI_STREAM_INCLUDE_USAGE" envDefault:"true"`
}
