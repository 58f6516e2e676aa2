package llmservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"smartquery/internal/config"
	"smartquery/internal/models"
)

// Completer turns a prompt into a completion. Implementations do not retry.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// NewCompleter picks the backend named by cfg.Provider.
func NewCompleter(cfg *config.LLMConfig) (Completer, error) {
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("Creating completion provider")

	var c Completer
	switch cfg.Provider {
	case "exec", "":
		c = &ExecCompleter{Command: cfg.Command, Model: cfg.Model}
	case "ollama":
		llm, err := ollama.New(ollama.WithServerURL(cfg.BaseURL), ollama.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("init ollama: %w", err)
		}
		c = &LangchainCompleter{LLM: llm}
	case "openai":
		c = NewOpenAICompleter(cfg)
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", cfg.Provider)
	}

	if cfg.Timeout > 0 {
		c = &timeoutCompleter{next: c, timeout: cfg.Timeout}
	}
	return c, nil
}

// ExecCompleter runs a local model CLI as `<command> run <model> <prompt>`
// and returns its standard output.
type ExecCompleter struct {
	Command string
	Model   string
}

func (e *ExecCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Command, "run", e.Model, prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", models.ErrModelUnavailable, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s exited with code %d: %s", models.ErrModelUnavailable, e.Command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	return nonEmpty(stdout.String())
}

// LangchainCompleter sends the prompt through a langchaingo model.
type LangchainCompleter struct {
	LLM llms.Model
}

func (l *LangchainCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, l.LLM, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	return nonEmpty(out)
}

// OpenAICompleter talks to any OpenAI compatible chat endpoint.
type OpenAICompleter struct {
	client openai.Client
	model  string
}

func NewOpenAICompleter(cfg *config.LLMConfig) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimPrefix(cfg.Key, "Bearer ")),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAICompleter{client: openai.NewClient(opts...), model: cfg.Model}
}

func (o *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", models.ErrEmptyResponse
	}
	return nonEmpty(resp.Choices[0].Message.Content)
}

type timeoutCompleter struct {
	next    Completer
	timeout time.Duration
}

func (t *timeoutCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(ctx, prompt)
}

func nonEmpty(out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", models.ErrEmptyResponse
	}
	return out, nil
}
