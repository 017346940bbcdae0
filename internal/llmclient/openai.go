package llmclient

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/llmclient/httpclient"
)

// OpenAIClient talks to one OpenAI-compatible upstream. Request bodies are
// forwarded as received so fields the SDK does not model survive.
type OpenAIClient struct {
	client     openai.Client
	provider   config.Provider
	httpClient *http.Client
}

// NewOpenAIClient creates the client for provider.
func NewOpenAIClient(provider config.Provider) (*OpenAIClient, error) {
	var hooks []httpclient.HookFunc
	if len(provider.Headers) > 0 {
		hooks = append(hooks, httpclient.HeaderHook(provider.Headers))
	}
	httpClient, err := httpclient.NewClient(provider.ProxyURL, provider.Timeout, hooks...)
	if err != nil {
		return nil, err
	}

	options := []option.RequestOption{
		option.WithBaseURL(provider.APIBase),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if provider.Token != "" {
		options = append(options, option.WithAPIKey(provider.Token))
	}

	return &OpenAIClient{
		client:     openai.NewClient(options...),
		provider:   provider,
		httpClient: httpClient,
	}, nil
}

// Provider returns the provider the client was built for.
func (c *OpenAIClient) Provider() config.Provider {
	return c.provider
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ChatCompletionsNew sends body to /chat/completions.
func (c *OpenAIClient) ChatCompletionsNew(ctx context.Context, body []byte) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{},
		option.WithRequestBody("application/json", body))
}

// ChatCompletionsNewStreaming sends body to /chat/completions and returns
// the chunk stream. body must ask for streaming.
func (c *OpenAIClient) ChatCompletionsNewStreaming(ctx context.Context, body []byte) *ssestream.Stream[openai.ChatCompletionChunk] {
	return c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{},
		option.WithRequestBody("application/json", body))
}
