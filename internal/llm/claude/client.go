// Package claude implements the triage classification oracle on the
// Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/triage"
)

// Defaults.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024
	DefaultRPS       = 2.0
	defaultMediaType = "image/jpeg"
)

// ErrNoJSON is returned when a response carries no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

const textSystemPrompt = `Bạn là trợ lý phân loại cấp cứu. Trích xuất từ mô tả của bệnh nhân:
triệu chứng, thời gian khởi phát, mức độ ưu tiên (1 = nhẹ nhất, 5 = nguy kịch) và chuyên khoa phù hợp.
Chỉ trả lời bằng một đối tượng JSON duy nhất có dạng:
{"symptoms": ["..."], "onset_time": "...", "priority": 1-5, "specialty": "..."}`

const imageSystemPrompt = `Bạn là trợ lý phân tích hình ảnh y tế. Mô tả các dấu hiệu nhìn thấy được
và đánh giá mức độ rủi ro (1 = thấp nhất, 5 = nguy kịch).
Chỉ trả lời bằng một đối tượng JSON duy nhất có dạng:
{"findings": ["..."], "risk_level": 1-5}`

// MessagesAPI is the part of the Anthropic client the oracle calls.
type MessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config configures the oracle.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	// RPS paces outgoing calls. Zero or negative disables pacing.
	RPS   float64
	Burst int
}

// Client is a triage.Oracle backed by Claude.
type Client struct {
	messages  MessagesAPI
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	logger    log.Logger
}

var _ triage.Oracle = (*Client)(nil)

// New creates an oracle using the Anthropic SDK client.
func New(cfg Config, logger log.Logger) *Client {
	c := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return NewWithMessages(&c.Messages, cfg, logger)
}

// NewWithMessages creates an oracle on an existing messages API.
func NewWithMessages(m MessagesAPI, cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		messages:  m,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		limiter:   limiter,
		logger:    logger,
	}
}

// ClassifyText implements triage.Oracle.
func (c *Client) ClassifyText(ctx context.Context, text string) (*triage.TextClassification, error) {
	raw, err := c.ask(ctx, textSystemPrompt, anthropic.NewTextBlock("Mô tả của bệnh nhân: "+text))
	if err != nil {
		return nil, err
	}

	var out struct {
		Symptoms  flexStrings `json:"symptoms"`
		OnsetTime string      `json:"onset_time"`
		Priority  flexInt     `json:"priority"`
		Specialty string      `json:"specialty"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode text classification: %w", err)
	}
	return &triage.TextClassification{
		Symptoms:  out.Symptoms,
		OnsetTime: out.OnsetTime,
		Priority:  int(out.Priority),
		Specialty: out.Specialty,
	}, nil
}

// ClassifyImages implements triage.Oracle. Images are base64 strings,
// optionally as data URLs carrying their media type.
func (c *Client) ClassifyImages(ctx context.Context, images []string) (*triage.ImageClassification, error) {
	if len(images) == 0 {
		return nil, errors.New("no images")
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		mediaType, data := splitDataURL(img)
		blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
	}
	blocks = append(blocks, anthropic.NewTextBlock("Phân tích các hình ảnh trên."))

	raw, err := c.ask(ctx, imageSystemPrompt, blocks...)
	if err != nil {
		return nil, err
	}

	var out struct {
		Findings  flexStrings `json:"findings"`
		RiskLevel flexInt     `json:"risk_level"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode image classification: %w", err)
	}
	return &triage.ImageClassification{Findings: out.Findings, RiskLevel: int(out.RiskLevel)}, nil
}

// ask sends one user turn and returns the JSON object found in the reply.
func (c *Client) ask(ctx context.Context, system string, blocks ...anthropic.ContentBlockParamUnion) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	text := responseText(msg)
	raw, err := extractJSON(text)
	if err != nil {
		c.logger.Warn(ctx, "oracle reply without JSON", "stop_reason", msg.StopReason, "chars", len(text))
		return nil, err
	}
	return raw, nil
}

func responseText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// extractJSON returns the outermost {...} span of s, which tolerates code
// fences and surrounding prose.
func extractJSON(s string) (json.RawMessage, error) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed object", ErrNoJSON)
	}
	return raw, nil
}

func splitDataURL(s string) (mediaType, data string) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return defaultMediaType, s
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return defaultMediaType, s
	}
	mediaType, _, _ = strings.Cut(meta, ";")
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	return mediaType, payload
}

// flexInt accepts 3, 3.0 and "3". Anything else decodes as 0 so the
// triage defaults apply.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*f = flexInt(v)
			return nil
		}
	}
	*f = 0
	return nil
}

// flexStrings accepts a list of strings or a single string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*f = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil && s != "" {
		*f = []string{s}
		return nil
	}
	*f = nil
	return nil
}
