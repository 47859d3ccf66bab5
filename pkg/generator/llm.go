package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/pkg/confkit"
)

// LLMConfig configures the LLM-backed generator.
type LLMConfig struct {
	APIKey  string        `json:",optional,env=GENERATOR_API_KEY"`
	BaseURL string        `json:",optional"`
	Model   string        `json:",default=gpt-4o-mini"`
	Timeout time.Duration `json:",default=60s"`
}

// LoadLLMConfig reads a generator config file.
func LoadLLMConfig(path string) (*LLMConfig, error) {
	cfg, err := confkit.LoadFile[LLMConfig](path, true)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return cfg, nil
}

// LLMGenerator proposes candidates via chat completion with a JSON contract.
// Every response is validated; invalid candidates fall away silently and the
// caller tops up from the template library.
type LLMGenerator struct {
	cfg    *LLMConfig
	client openai.Client
}

// NewLLMGenerator constructs the generator.
func NewLLMGenerator(cfg *LLMConfig) (*LLMGenerator, error) {
	if cfg == nil {
		return nil, errors.New("generator: config is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("generator: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &LLMGenerator{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

// candidateContract is the JSON shape requested from the model.
type candidateContract struct {
	Candidates []Candidate `json:"candidates"`
}

// GenerateSystematic implements Generator.
func (g *LLMGenerator) GenerateSystematic(ctx context.Context, count int, types []string) ([]Candidate, error) {
	if len(types) == 0 {
		types = KnownTypes()
	}
	prompt := fmt.Sprintf(`Propose %d crypto trading strategy configurations as JSON.
Allowed types: %s. Respond with {"candidates":[{"name","type","symbol","timeframe","parameters"}]}.
Symbols are spot pairs like BTC/USDT; timeframes one of 1h/4h/1d; parameters numeric.`,
		count, strings.Join(types, ", "))
	return g.complete(ctx, prompt, count)
}

// GenerateImproved implements Generator.
func (g *LLMGenerator) GenerateImproved(ctx context.Context, base Candidate, target string, count int) ([]Candidate, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("generator: encode base candidate: %w", err)
	}
	prompt := fmt.Sprintf(`Given this strategy configuration: %s
Propose %d improved variations targeting better %s, same JSON contract:
{"candidates":[{"name","type","symbol","timeframe","parameters"}]}.`, baseJSON, count, target)
	return g.complete(ctx, prompt, count)
}

func (g *LLMGenerator) complete(ctx context.Context, prompt string, count int) ([]Candidate, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a quantitative strategy designer. Respond with JSON only."),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generator: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("generator: empty completion")
	}
	var contract candidateContract
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &contract); err != nil {
		return nil, fmt.Errorf("generator: decode candidates: %w", err)
	}
	valid := contract.Candidates[:0]
	for _, c := range contract.Candidates {
		if err := validate(&c); err != nil {
			logx.Slowf("generator: dropping invalid candidate name=%q: %v", c.Name, err)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) > count {
		valid = valid[:count]
	}
	logx.Infof("generator: llm proposed=%d valid=%d model=%s", len(contract.Candidates), len(valid), g.cfg.Model)
	return valid, nil
}

func validate(c *Candidate) error {
	if c.Name == "" || c.Symbol == "" {
		return errors.New("name and symbol are required")
	}
	known := false
	for _, t := range KnownTypes() {
		if c.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown type %q", c.Type)
	}
	switch c.Timeframe {
	case "1h", "4h", "1d":
	default:
		return fmt.Errorf("unknown timeframe %q", c.Timeframe)
	}
	if len(c.Parameters) == 0 {
		return errors.New("parameters are required")
	}
	return nil
}
