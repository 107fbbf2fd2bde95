package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/ollama/ollama/api"
)

// OllamaAPIURL is the default address of a locally hosted Ollama server.
const OllamaAPIURL = "http://localhost:11434"

// Ollama provides an adapter for Ollama servers. It is the only provider that may be called without a token;
// when one is configured it is sent as a bearer token, as hosted Ollama deployments expect.
type Ollama struct {
	client *http.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama adapter sending its requests through client.
func NewOllama(client *http.Client, logger *slog.Logger) Ollama {
	return Ollama{
		client: client,
		logger: logger.With(slog.String("module", "ollama")),
	}
}

func ollamaMessages(messages []models.ChatMessage, systemPrompt string) []api.Message {
	msgs := make([]api.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		m := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Image != "" {
			if raw, ok := decodeImage(msg.Image); ok {
				m.Images = []api.ImageData{raw}
			}
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func decodeImage(image string) ([]byte, bool) {
	_, data, err := models.ParseDataURL(image)
	if err != nil {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func ollamaOptions(cfg models.ProviderConfig) map[string]any {
	opts := map[string]any{}
	if cfg.Temperature != nil {
		opts["temperature"] = *cfg.Temperature
	}
	if cfg.TopP != nil {
		opts["top_p"] = *cfg.TopP
	}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	return opts
}

// Stream implements the Adapter interface by streaming responses from the Ollama chat endpoint. The final
// response carries the prompt and completion token counts.
func (o Ollama) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if ev, ok := validateRequest(req, cfg); !ok {
			yield(ev)
			return
		}

		host := cfg.URL
		if host == "" {
			host = OllamaAPIURL
		}
		u, err := url.Parse(host)
		if err != nil {
			yield(models.Failure(models.ErrorAPI, "invalid Ollama URL %q: %v", host, err))
			return
		}
		dec := &frameDecoder{logger: o.logger}
		httpClient := *withBearer(o.client, cfg.Token)
		status := &statusTransport{base: httpClient.Transport, dec: dec}
		if status.base == nil {
			status.base = http.DefaultTransport
		}
		httpClient.Transport = status
		client := api.NewClient(u, &httpClient)

		t := true
		creq := api.ChatRequest{
			Model:    cfg.Model,
			Messages: ollamaMessages(req.Messages, cfg.SystemPrompt),
			Stream:   &t,
			Options:  ollamaOptions(cfg),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		done := false
		err = client.Chat(ctx, &creq, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(models.TextDelta(res.Message.Content)) {
					stopped = true
					cancel()
					return nil
				}
			}
			if res.Done {
				done = true
				if tokens := res.PromptEvalCount + res.EvalCount; tokens > 0 {
					if !yield(models.UsageInfo(tokens)) {
						stopped = true
						cancel()
					}
				}
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			yield(ollamaFailure(ctx, status.code, err))
			return
		}
		if dec.unparseable() {
			yield(dec.failure())
			return
		}
		if !done {
			yield(models.Failure(models.ErrorNetwork, "stream ended before the final response"))
			return
		}
		yield(models.Done())
	}
}

// statusTransport remembers the status code of the response it forwarded. The Ollama client reports an error body
// without its status, so the code is needed to tell rejected credentials from other failures. Successful bodies
// are passed through a frameFilter, since the client gives up on the first line it cannot decode.
type statusTransport struct {
	base http.RoundTripper
	dec  *frameDecoder
	code int
}

func (s *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req)
	if resp == nil {
		return resp, err
	}
	s.code = resp.StatusCode
	if resp.StatusCode < http.StatusBadRequest {
		resp.Body = newFrameFilter(resp.Body, s.dec)
	}
	return resp, err
}

// maxFrameSize bounds one NDJSON line.
const maxFrameSize = 8 << 20

// frameFilter re-emits an NDJSON body with every malformed line repaired or dropped.
type frameFilter struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	dec     *frameDecoder
	pending []byte
}

func newFrameFilter(body io.ReadCloser, dec *frameDecoder) *frameFilter {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	return &frameFilter{body: body, scanner: scanner, dec: dec}
}

func (f *frameFilter) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, ok := f.dec.frame(line)
		if !ok {
			continue
		}
		f.pending = append(frame, '\n')
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *frameFilter) Close() error {
	return f.body.Close()
}

func ollamaFailure(ctx context.Context, status int, err error) models.StreamEvent {
	if ctx.Err() != nil {
		return transportFailure(ctx, err)
	}

	if status >= http.StatusBadRequest {
		msg := err.Error()
		var statusErr api.StatusError
		if errors.As(err, &statusErr) && statusErr.ErrorMessage != "" {
			msg = statusErr.ErrorMessage
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return models.Failure(models.ErrorAuth, "%s", msg)
		}
		return models.Failure(models.ErrorNetwork, "unexpected status code %d: %s", status, msg)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return models.Failure(models.ErrorParse, "unexpected response shape: %v", err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return transportFailure(ctx, err)
	}

	// The client surfaces {"error": …} lines from the stream as plain errors.
	return models.Failure(models.ErrorAPI, "%s", err.Error())
}
