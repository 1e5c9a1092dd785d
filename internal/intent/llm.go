package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ppirong/townly-sub003/internal/models"
)

const DefaultChatModel = openai.ChatModelGPT4oMini

const systemPrompt = `You classify weather questions from a Korean local-information app.
Reply with a JSON object only:
{"type": "hourly"|"daily"|"current", "date": "YYYY-MM-DD", "location": string or "", "confidence": number between 0 and 1}
"type" is hourly for questions about specific hours today or tomorrow, daily for multi-day or whole-day outlooks, current for right now.
Resolve relative dates against the given current date. Leave location empty when no place is named.`

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIClassifier asks a chat model for a JSON intent.
type OpenAIClassifier struct {
	client openai.Client
	model  string
}

func NewOpenAIClassifier(cfg LLMConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClassifier{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

type llmReply struct {
	Type       string  `json:"type"`
	Date       string  `json:"date"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

func (c *OpenAIClassifier) Classify(ctx context.Context, query string, now time.Time) (Intent, error) {
	user := fmt.Sprintf("Current date: %s (Asia/Seoul)\nQuestion: %s", models.DateString(now), query)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Intent{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Intent{}, errors.New("chat completion returned no choices")
	}
	return parseReply(resp.Choices[0].Message.Content, now)
}

func parseReply(content string, now time.Time) (Intent, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply llmReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return Intent{}, fmt.Errorf("decode llm reply: %w", err)
	}

	g := models.Granularity(strings.ToLower(reply.Type))
	if !g.Valid() {
		return Intent{}, fmt.Errorf("llm reply has unknown type %q", reply.Type)
	}
	date := reply.Date
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		date = models.DateString(now)
	}

	return Intent{
		Type:       g,
		Date:       date,
		Location:   strings.TrimSpace(reply.Location),
		Confidence: round2(clamp(reply.Confidence)),
		Method:     MethodLLM,
	}, nil
}
