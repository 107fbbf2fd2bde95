package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/multichat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

const (
	// OpenAIAPIURL is the default OpenAI endpoint.
	OpenAIAPIURL = "https://api.openai.com/v1"
	// GroqAPIURL is the default Groq endpoint, which speaks the OpenAI chat completions protocol.
	GroqAPIURL = "https://api.groq.com/openai/v1"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint. The same implementation serves both the
// OpenAI and Groq providers; only the configured URL differs.
type OpenAI struct {
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible adapter for provider, sending its requests through client.
func NewOpenAI(provider models.ProviderID, client *http.Client, logger *slog.Logger) OpenAI {
	return OpenAI{
		client: client,
		logger: logger.With(slog.String("module", string(provider))),
	}
}

func openAIMessages(messages []models.ChatMessage, systemPrompt string) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		if msg.Image == "" {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role: string(msg.Role),
			MultiContent: []goopenai.ChatMessagePart{
				{
					Type: goopenai.ChatMessagePartTypeText,
					Text: msg.Content,
				},
				{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: msg.Image},
				},
			},
		})
	}
	return msgs
}

func (o OpenAI) chatRequest(req models.ChatRequest, cfg models.ProviderConfig) goopenai.ChatCompletionRequest {
	creq := goopenai.ChatCompletionRequest{
		Model:         cfg.Model,
		Messages:      openAIMessages(req.Messages, cfg.SystemPrompt),
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	if cfg.Temperature != nil {
		creq.Temperature = *cfg.Temperature
	}
	if cfg.TopP != nil {
		creq.TopP = *cfg.TopP
	}
	if cfg.MaxTokens > 0 {
		creq.MaxTokens = cfg.MaxTokens
	}
	return creq
}

// Stream is a wrapper around the chat completion streaming API, yielding one TextDelta per content chunk, a
// UsageInfo from the final usage chunk, and Done once the stream ends after a chunk carrying a finish reason.
func (o OpenAI) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if ev, ok := validateRequest(req, cfg); !ok {
			yield(ev)
			return
		}

		clientCfg := goopenai.DefaultConfig(cfg.Token)
		clientCfg.BaseURL = cfg.URL
		clientCfg.HTTPClient = o.client
		client := goopenai.NewClientWithConfig(clientCfg)

		stream, err := client.CreateChatCompletionStream(ctx, o.chatRequest(req, cfg))
		if err != nil {
			yield(openAIFailure(ctx, err))
			return
		}
		defer stream.Close()

		skipped := 0
		decoded := 0
		// go-openai reports a body closed before [DONE] as a clean EOF, so completion is judged by the finish
		// reason of the last choice chunk instead.
		finished := false
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					o.logger.Warn("Skipping malformed frame", slog.String(errLoggerKey, err.Error()))
					skipped++
					continue
				}
				yield(openAIFailure(ctx, err))
				return
			}
			decoded++

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				if !yield(models.UsageInfo(response.Usage.TotalTokens)) {
					return
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			if text := response.Choices[0].Delta.Content; text != "" {
				if !yield(models.TextDelta(text)) {
					return
				}
			}
			if response.Choices[0].FinishReason != "" {
				finished = true
			}
		}

		if decoded == 0 && skipped > 0 {
			yield(models.Failure(models.ErrorParse, "none of %d response frames could be decoded", skipped))
			return
		}
		if !finished {
			yield(models.Failure(models.ErrorNetwork, "stream ended before completion"))
			return
		}
		yield(models.Done())
	}
}

func openAIFailure(ctx context.Context, err error) models.StreamEvent {
	if ctx.Err() != nil {
		return transportFailure(ctx, err)
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return models.Failure(models.ErrorAuth, "%s", apiErr.Message)
		case 0, http.StatusOK:
			return models.Failure(models.ErrorAPI, "%s", apiErr.Message)
		default:
			return models.Failure(models.ErrorNetwork, "unexpected status code %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusUnauthorized || reqErr.HTTPStatusCode == http.StatusForbidden {
			return models.Failure(models.ErrorAuth, "%v", reqErr)
		}
		return models.Failure(models.ErrorNetwork, "%v", reqErr)
	}

	var unmarshalErr *json.UnmarshalTypeError
	if errors.As(err, &unmarshalErr) {
		return models.Failure(models.ErrorParse, "unexpected response shape: %v", err)
	}

	return transportFailure(ctx, err)
}
