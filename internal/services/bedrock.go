package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/multichat/internal/models"
)

// BedrockAPIURL is the default Bedrock runtime endpoint.
const BedrockAPIURL = "https://bedrock-runtime.us-east-1.amazonaws.com"

// Bedrock calls the Bedrock Converse API with a bearer API key. Converse has no incremental framing, so the
// adapter makes one blocking call and replays the answer as a single TextDelta followed by Done.
type Bedrock struct {
	client *http.Client
	logger *slog.Logger
}

type converseRequest struct {
	Messages        []converseMessage        `json:"messages"`
	System          []converseText           `json:"system,omitempty"`
	InferenceConfig *converseInferenceConfig `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []converseText `json:"content"`
}

type converseText struct {
	Text string `json:"text"`
}

type converseInferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"topP,omitempty"`
}

type converseResponse struct {
	Output *struct {
		Message struct {
			Content []converseText `json:"content"`
		} `json:"message"`
	} `json:"output"`
	Usage *struct {
		TotalTokens int `json:"totalTokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewBedrock creates a Bedrock adapter sending its requests through client.
func NewBedrock(client *http.Client, logger *slog.Logger) Bedrock {
	return Bedrock{
		client: client,
		logger: logger.With(slog.String("module", "bedrock")),
	}
}

func (b Bedrock) request(req models.ChatRequest, cfg models.ProviderConfig) converseRequest {
	msgs := make([]converseMessage, len(req.Messages))
	for i, msg := range req.Messages {
		if msg.Image != "" {
			b.logger.Debug("Dropping inline image, Converse text mode only")
		}
		msgs[i] = converseMessage{
			Role:    string(msg.Role),
			Content: []converseText{{Text: msg.Content}},
		}
	}

	creq := converseRequest{Messages: msgs}
	if cfg.SystemPrompt != "" {
		creq.System = []converseText{{Text: cfg.SystemPrompt}}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	creq.InferenceConfig = &converseInferenceConfig{
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
	return creq
}

// Stream performs the Converse call and yields its whole answer at once.
func (b Bedrock) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if ev, ok := validateRequest(req, cfg); !ok {
			yield(ev)
			return
		}

		endpoint := fmt.Sprintf("%s/model/%s/converse", strings.TrimSuffix(cfg.URL, "/"), url.PathEscape(cfg.Model))
		resp, err := postJSON(ctx, b.client, endpoint, b.request(req, cfg), map[string]string{
			"Authorization": "Bearer " + cfg.Token,
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

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			yield(transportFailure(ctx, err))
			return
		}

		var res converseResponse
		if err := json.Unmarshal(body, &res); err != nil {
			yield(models.Failure(models.ErrorParse, "failed to parse response: %v", err))
			return
		}
		if res.Error != nil {
			yield(models.Failure(models.ErrorAPI, "%s", res.Error.Message))
			return
		}
		if res.Output == nil || len(res.Output.Message.Content) == 0 {
			yield(models.Failure(models.ErrorParse, "response has no output message"))
			return
		}

		if res.Usage != nil && res.Usage.TotalTokens > 0 {
			if !yield(models.UsageInfo(res.Usage.TotalTokens)) {
				return
			}
		}

		var sb strings.Builder
		for _, c := range res.Output.Message.Content {
			sb.WriteString(c.Text)
		}
		if !yield(models.TextDelta(sb.String())) {
			return
		}
		yield(models.Done())
	}
}
