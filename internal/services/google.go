package services

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// GoogleAPIURL is the default Gemini endpoint.
const GoogleAPIURL = "https://generativelanguage.googleapis.com"

// Google streams content from the Gemini generateContent API using its SSE mode.
type Google struct {
	client *http.Client
	logger *slog.Logger
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inlineData,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type googleGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type googleStreamResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGoogle creates a Gemini adapter sending its requests through client.
func NewGoogle(client *http.Client, logger *slog.Logger) Google {
	return Google{
		client: client,
		logger: logger.With(slog.String("module", "google")),
	}
}

func googleContents(messages []models.ChatMessage) []googleContent {
	contents := make([]googleContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		var parts []googlePart
		if msg.Image != "" {
			if mediaType, data, err := models.ParseDataURL(msg.Image); err == nil {
				parts = append(parts, googlePart{InlineData: &googleInlineData{MimeType: mediaType, Data: data}})
			}
		}
		parts = append(parts, googlePart{Text: msg.Content})
		contents = append(contents, googleContent{Role: role, Parts: parts})
	}
	return contents
}

func (g Google) request(req models.ChatRequest, cfg models.ProviderConfig) googleRequest {
	greq := googleRequest{Contents: googleContents(req.Messages)}
	if cfg.SystemPrompt != "" {
		greq.SystemInstruction = &googleContent{Parts: []googlePart{{Text: cfg.SystemPrompt}}}
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxTokens > 0 {
		greq.GenerationConfig = &googleGenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			MaxOutputTokens: cfg.MaxTokens,
		}
	}
	return greq
}

// Stream yields the text of every candidate chunk as it arrives. Each chunk carries only the text generated
// since the previous one; the last chunk carries the finish reason and the usage totals.
func (g Google) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if ev, ok := validateRequest(req, cfg); !ok {
			yield(ev)
			return
		}

		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
			strings.TrimSuffix(cfg.URL, "/"), url.PathEscape(cfg.Model))
		resp, err := postJSON(ctx, g.client, endpoint, g.request(req, cfg), map[string]string{
			"x-goog-api-key": cfg.Token,
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

		dec := frameDecoder{logger: g.logger}
		finished := false
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(transportFailure(ctx, err))
				return
			}

			var res googleStreamResponse
			if !dec.decode(ev.Data, &res) {
				continue
			}
			if res.Error != nil {
				yield(models.Failure(models.ErrorAPI, "%s", res.Error.Message))
				return
			}

			for _, c := range res.Candidates {
				if c.FinishReason != "" {
					finished = true
				}
				for _, part := range c.Content.Parts {
					if part.Text == "" {
						continue
					}
					if !yield(models.TextDelta(part.Text)) {
						return
					}
				}
			}
			if res.UsageMetadata != nil && res.UsageMetadata.TotalTokenCount > 0 {
				if !yield(models.UsageInfo(res.UsageMetadata.TotalTokenCount)) {
					return
				}
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
		if !finished {
			yield(models.Failure(models.ErrorNetwork, "stream ended before completion"))
			return
		}
		yield(models.Done())
	}
}
