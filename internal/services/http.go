package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/kaptinlin/jsonrepair"
)

const (
	errLoggerKey = "err"

	// maxErrorBody bounds how much of a failed response is read to extract the provider's message.
	maxErrorBody = 64 << 10
)

var (
	transportOnce sync.Once
	transport     *http.Transport
)

// SharedTransport returns the process-wide connection pool every adapter dials through. It is safe for concurrent
// use by all adapters.
func SharedTransport() *http.Transport {
	transportOnce.Do(func() {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 16
		t.ResponseHeaderTimeout = 2 * time.Minute
		transport = t
	})
	return transport
}

// NewHTTPClient returns a client on the shared transport. It sets no overall timeout: each invocation is bounded
// by its context, and streams may legitimately run for minutes.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: SharedTransport()}
}

// bearerTransport adds a bearer token to every request it forwards.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(req)
}

func withBearer(client *http.Client, token string) *http.Client {
	if token == "" {
		return client
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := *client
	c.Transport = bearerTransport{token: token, base: base}
	return &c
}

func postJSON(
	ctx context.Context,
	client *http.Client,
	url string,
	body any,
	headers map[string]string,
) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return client.Do(req)
}

// validateRequest returns the failure to emit before any network call is made, if the request cannot be sent.
func validateRequest(req models.ChatRequest, cfg models.ProviderConfig) (models.StreamEvent, bool) {
	if cfg.Token == "" && !cfg.Provider.Anonymous() {
		return models.Failure(models.ErrorAuth, "%s API token is not configured", cfg.Provider), false
	}
	if len(req.Messages) == 0 {
		return models.Failure(models.ErrorAPI, "request has no messages"), false
	}
	if cfg.Model == "" {
		return models.Failure(models.ErrorAPI, "%s model is not configured", cfg.Provider), false
	}
	return models.StreamEvent{}, true
}

// transportFailure maps an error from sending a request or reading its body.
func transportFailure(ctx context.Context, err error) models.StreamEvent {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return models.Failure(models.ErrorNetwork, "request timed out")
		}
		return models.Failure(models.ErrorNetwork, "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.Failure(models.ErrorNetwork, "request timed out: %v", err)
	}
	return models.Failure(models.ErrorNetwork, "error sending request: %v", err)
}

// statusFailure maps a non-2xx response, consuming and closing nothing: the caller owns the body.
func statusFailure(resp *http.Response) models.StreamEvent {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.Failure(models.ErrorAuth, "%s", msg)
	default:
		return models.Failure(models.ErrorNetwork, "unexpected status code %d: %s", resp.StatusCode, msg)
	}
}

// errorMessage extracts the human-readable message from the error envelopes the supported providers use:
// {"error":{"message":…}}, {"error":"…"} and {"message":…}.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return envelope.Message
}

// frameDecoder decodes incremental JSON frames. Malformed frames are repaired when possible and skipped
// otherwise; it remembers whether any frame ever decoded so a wholly unparseable stream can be reported.
type frameDecoder struct {
	logger  *slog.Logger
	decoded int
	skipped int
}

func (d *frameDecoder) decode(data string, v any) bool {
	err := json.Unmarshal([]byte(data), v)
	if err == nil {
		d.decoded++
		return true
	}

	// Only truncated or sloppy objects are worth repairing; anything else is noise.
	repaired, repairErr := jsonrepair.JSONRepair(data)
	if repairErr == nil && strings.HasPrefix(strings.TrimSpace(repaired), "{") {
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			d.logger.Debug("Repaired malformed frame", slog.String("frame", data))
			d.decoded++
			return true
		}
	}

	d.logger.Warn("Skipping malformed frame",
		slog.String("frame", data),
		slog.String(errLoggerKey, err.Error()))
	d.skipped++
	return false
}

// frame returns data as a valid JSON object, repaired when needed, or false when it has to be skipped.
func (d *frameDecoder) frame(data []byte) ([]byte, bool) {
	var obj map[string]json.RawMessage
	if !d.decode(string(data), &obj) {
		return nil, false
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return b, true
}

// unparseable reports whether the stream produced frames yet none of them could be decoded.
func (d *frameDecoder) unparseable() bool {
	return d.decoded == 0 && d.skipped > 0
}

func (d *frameDecoder) failure() models.StreamEvent {
	return models.Failure(models.ErrorParse, "none of %d response frames could be decoded", d.skipped)
}
