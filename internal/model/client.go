// Package model wraps the Anthropic API behind the profile table. Every
// call's full prompt and response are written to the call log.
package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/telemetry"
	"github.com/zos-ai/zos/internal/types"
)

// ErrAPIKeyRequired is returned when no API key is available at startup.
var ErrAPIKeyRequired = errors.New("API key required")

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Provider     string
	Model        string
}

// Result is the outcome of a successful model call.
type Result struct {
	Text          string
	Usage         Usage
	EstimatedCost float64
	CallID        string
}

// Request describes one completion call.
type Request struct {
	RunID       string
	Kind        string // call log kind; defaults to "llm_call"
	Profile     string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
}

// ImageRequest describes one image analysis call.
type ImageRequest struct {
	Request
	Image     []byte
	MediaType string
}

// Client is the executor's view of the external model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
	AnalyzeImage(ctx context.Context, req ImageRequest) (*Result, error)
}

// aiMetrics holds lazily-initialized OTel instruments for model calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/zos-ai/zos/model")
	aiMetrics.inputTokens, _ = m.Int64Counter("zos.model.input_tokens",
		metric.WithDescription("Model API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("zos.model.output_tokens",
		metric.WithDescription("Model API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("zos.model.request.duration",
		metric.WithDescription("Model API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// AnthropicClient implements Client against the Anthropic API.
type AnthropicClient struct {
	client anthropic.Client
	cfg    config.Models
	store  storage.Storage
	bus    *eventbus.Bus
}

// NewAnthropic builds the client. The API key is read from the configured
// environment variable; store receives the call log.
func NewAnthropic(cfg config.Models, store storage.Storage, bus *eventbus.Bus) (*AnthropicClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: set %s", ErrAPIKeyRequired, keyEnv)
	}
	aiMetricsOnce.Do(initAIMetrics)
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		cfg:    cfg,
		store:  store,
		bus:    bus,
	}, nil
}

func (c *AnthropicClient) profile(name string) (config.ModelProfile, error) {
	p, ok := c.cfg.Profiles[name]
	if !ok {
		return config.ModelProfile{}, fmt.Errorf("unknown model profile %q", name)
	}
	return p, nil
}

// Complete runs one text completion under the named profile.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Result, error) {
	p, err := c.profile(req.Profile)
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return c.call(ctx, req, p, params)
}

// AnalyzeImage runs one image analysis call under the named profile.
func (c *AnthropicClient) AnalyzeImage(ctx context.Context, req ImageRequest) (*Result, error) {
	p, err := c.profile(req.Profile)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(req.Image)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(req.MediaType, encoded),
				anthropic.NewTextBlock(req.Prompt),
			),
		},
	}
	if req.Kind == "" {
		req.Kind = "image_call"
	}
	return c.call(ctx, req.Request, p, params)
}

// call invokes the API with the profile timeout and one in-band retry on
// rate limiting, then writes the call record. The record write is best
// effort; a reflection never fails because its audit row did not land.
func (c *AnthropicClient) call(ctx context.Context, req Request, p config.ModelProfile, params anthropic.MessageNewParams) (*Result, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	t0 := time.Now()
	message, err := c.client.Messages.New(ctx, params)
	if err != nil && isRateLimited(err) && ctx.Err() == nil {
		delay := retryDelay(err)
		c.publish(eventbus.EventModelRetried, map[string]any{
			"profile": req.Profile, "model": p.Model, "delay": delay.String(),
		})
		select {
		case <-time.After(delay):
			message, err = c.client.Messages.New(ctx, params)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	latency := time.Since(t0)

	record := &types.CallRecord{
		ID:        idgen.New(),
		RunID:     req.RunID,
		Kind:      kindOrDefault(req.Kind),
		Profile:   req.Profile,
		Provider:  p.Provider,
		Model:     p.Model,
		Prompt:    req.Prompt,
		LatencyMS: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}

	if err != nil {
		record.Error = err.Error()
		c.record(ctx, record)
		c.publish(eventbus.EventModelCallFailed, map[string]any{
			"profile": req.Profile, "model": p.Model, "error": err.Error(),
		})
		return nil, fmt.Errorf("model call (%s): %w", req.Profile, err)
	}

	text, err := firstText(message)
	if err != nil {
		record.Error = err.Error()
		c.record(ctx, record)
		return nil, err
	}

	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		Provider:     p.Provider,
		Model:        p.Model,
	}
	cost := estimateCost(p, usage)

	record.Response = text
	record.TokensIn = usage.InputTokens
	record.TokensOut = usage.OutputTokens
	record.EstimatedCost = cost
	record.Success = true
	c.record(ctx, record)

	modelAttr := attribute.String("zos.model", p.Model)
	if aiMetrics.inputTokens != nil {
		aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
		aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
		aiMetrics.duration.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(modelAttr))
	}

	return &Result{Text: text, Usage: usage, EstimatedCost: cost, CallID: record.ID}, nil
}

func (c *AnthropicClient) record(ctx context.Context, record *types.CallRecord) {
	_ = c.store.InsertCall(context.WithoutCancel(ctx), record)
}

func (c *AnthropicClient) publish(t eventbus.EventType, fields map[string]any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.NewEvent(t, fields))
	}
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return "llm_call"
	}
	return kind
}

func firstText(message *anthropic.Message) (string, error) {
	if len(message.Content) == 0 {
		return "", fmt.Errorf("unexpected response format: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	return content.Text, nil
}

// estimateCost prices a call from the profile's per-million-token rates.
func estimateCost(p config.ModelProfile, u Usage) float64 {
	return float64(u.InputTokens)*p.InputPricePerMTok/1e6 +
		float64(u.OutputTokens)*p.OutputPricePerMTok/1e6
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// retryDelay honors a Retry-After header when the provider sent one,
// otherwise falls back to a jittered exponential step.
func retryDelay(err error) time.Duration {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		if after := apiErr.Response.Header.Get("Retry-After"); after != "" {
			if secs, perr := strconv.Atoi(after); perr == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	return bo.NextBackOff()
}
