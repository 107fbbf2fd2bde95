package services

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams chat completions from the Anthropic Messages API. It implements the orchestrator's Adapter
// interface; the endpoint and key come from the ProviderConfig of each call.
type Anthropic struct {
	client *http.Client
	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamResponse struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	// AnthropicAPIURL is the default endpoint when the user configured none.
	AnthropicAPIURL  = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// NewAnthropic creates an Anthropic adapter sending its requests through client.
func NewAnthropic(client *http.Client, logger *slog.Logger) Anthropic {
	return Anthropic{
		client: client,
		logger: logger.With(slog.String("module", "anthropic")),
	}
}

func anthropicMessages(messages []models.ChatMessage) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		var contents []anthropicContent
		if msg.Image != "" {
			mediaType, data, err := models.ParseDataURL(msg.Image)
			if err == nil {
				contents = append(contents, anthropicContent{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: mediaType,
						Data:      data,
					},
				})
			}
		}
		contents = append(contents, anthropicContent{
			Type: "text",
			Text: msg.Content,
		})
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: contents,
		})
	}
	return msgs
}

// Stream sends the request to the Messages API and yields normalized events decoded from its SSE stream. The
// sequence ends after the first error or after Done; cancelling ctx closes the connection.
func (a Anthropic) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if ev, ok := validateRequest(req, cfg); !ok {
			yield(ev)
			return
		}

		maxTokens := cfg.MaxTokens
		if maxTokens == 0 {
			maxTokens = defaultMaxTokens
		}
		reqBody := anthropicChatRequest{
			Model:       cfg.Model,
			Messages:    anthropicMessages(req.Messages),
			System:      cfg.SystemPrompt,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			Stream:      true,
		}

		url := strings.TrimSuffix(cfg.URL, "/") + "/v1/messages"
		resp, err := postJSON(ctx, a.client, url, reqBody, map[string]string{
			"x-api-key":         cfg.Token,
			"anthropic-version": anthropicVersion,
		})
		if err != nil {
			yield(transportFailure(ctx, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			yield(statusFailure(resp))
			return
		}

		dec := frameDecoder{logger: a.logger}
		inputTokens := 0
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
					yield(models.Failure(models.ErrorNetwork, "stream ended unexpectedly"))
					return
				}
				yield(transportFailure(ctx, err))
				return
			}

			a.logger.Debug("Received event", slog.String("type", ev.Type), slog.String("data", ev.Data))

			switch ev.Type {
			case "error":
				var e anthropicError
				if !dec.decode(ev.Data, &e) {
					yield(models.Failure(models.ErrorParse, "malformed error event: %s", ev.Data))
					return
				}
				yield(models.Failure(models.ErrorAPI, "%s", e.Error.Message))
				return
			case "message_start":
				var res anthropicStreamResponse
				if dec.decode(ev.Data, &res) {
					inputTokens = res.Message.Usage.InputTokens
				}
			case "content_block_delta":
				var res anthropicStreamResponse
				if !dec.decode(ev.Data, &res) || res.Delta.Text == "" {
					continue
				}
				if !yield(models.TextDelta(res.Delta.Text)) {
					return
				}
			case "message_delta":
				var res anthropicStreamResponse
				if !dec.decode(ev.Data, &res) {
					continue
				}
				if !yield(models.UsageInfo(inputTokens + res.Usage.OutputTokens)) {
					return
				}
			case "message_stop":
				yield(models.Done())
				return
			default:
				continue
			}
		}

		if ctx.Err() != nil {
			yield(transportFailure(ctx, ctx.Err()))
			return
		}
		if dec.unparseable() {
			yield(dec.failure())
			return
		}
		yield(models.Failure(models.ErrorNetwork, "stream ended without message_stop"))
	}
}
