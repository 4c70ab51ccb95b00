// Package composer turns retrieved passages and recent conversation into a
// grounded, visitor-facing answer.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MikeSquared-Agency/mirror/internal/anthropic"
	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/retry"
	"github.com/MikeSquared-Agency/mirror/internal/telemetry"
)

// FallbackText is what the visitor sees when no grounded answer is possible.
const FallbackText = "I don't have enough information to answer that."

// ErrModelUnavailable wraps every failure of the language-model call.
var ErrModelUnavailable = errors.New("model unavailable")

const (
	DefaultHistoryTurns    = 6
	DefaultPromptMaxTokens = 3000
	DefaultModelTimeout    = 20 * time.Second
	DefaultMaxTokens       = 500
	DefaultTemperature     = 0.3
)

// Completer is the slice of the Anthropic client the composer needs.
type Completer interface {
	CompleteWith(ctx context.Context, system string, messages []anthropic.Message, opts anthropic.Options) (string, error)
}

// Role of a history entry, in Anthropic's vocabulary.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one earlier turn of the conversation.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Answer struct {
	Text     string
	Fallback bool
}

type Config struct {
	HistoryTurns    int
	PromptMaxTokens int
	ModelTimeout    time.Duration
	MaxTokens       int
	// Temperature is sent as given, zero included. Nil means
	// DefaultTemperature.
	Temperature *float64
	Retry       retry.Policy
}

func (c Config) withDefaults() Config {
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	if c.PromptMaxTokens <= 0 {
		c.PromptMaxTokens = DefaultPromptMaxTokens
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Interactive()
	}
	return c
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{HistoryTurns: DefaultHistoryTurns}.withDefaults()
}

// NameFunc returns the display name of a tenant, or "" when unknown.
type NameFunc func(ctx context.Context, tenantID string) string

type Composer struct {
	model   Completer
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	names   NameFunc
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func New(model Completer, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Composer {
	c := &Composer{
		model:   model,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordBreakerState(name, to.String())
		},
	})
	return c
}

// WithNames sets the lookup used to put the owner's name into the prompt.
func (c *Composer) WithNames(fn NameFunc) *Composer {
	c.names = fn
	return c
}

// BreakerState reports the model breaker's state for status endpoints.
func (c *Composer) BreakerState() string {
	return c.breaker.State().String()
}

// Compose answers query for tenantID from passages and history. Model
// failures never surface as errors: the visitor gets FallbackText instead.
func (c *Composer) Compose(ctx context.Context, tenantID, query string, passages []index.Scored, history []Message) (Answer, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "composer.Compose")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID), attribute.Int("passages", len(passages)))

	query = strings.TrimSpace(query)
	if query == "" || len(passages) == 0 {
		// Nothing to ground an answer in.
		span.SetAttributes(attribute.Bool("fallback", true))
		return Answer{Text: FallbackText, Fallback: true}, nil
	}

	owner := unknownOwner
	if c.names != nil {
		if name := strings.TrimSpace(c.names(ctx, tenantID)); name != "" {
			owner = name
		}
	}

	p := c.buildPrompt(owner, query, passages, history)
	span.SetAttributes(attribute.Int("prompt.passages", p.passages), attribute.Int("prompt.history", len(p.messages)-1))
	if p.passages == 0 {
		c.logger.Warn("prompt budget leaves no room for passages, using fallback", "tenant", tenantID, "budget", c.cfg.PromptMaxTokens)
		span.SetAttributes(attribute.Bool("fallback", true))
		return Answer{Text: FallbackText, Fallback: true}, nil
	}

	text, err := c.call(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Warn("compose cancelled", "tenant", tenantID, "error", err)
		} else {
			c.logger.Error("model call failed, using fallback", "tenant", tenantID, "error", err)
		}
		span.SetAttributes(attribute.Bool("fallback", true))
		return Answer{Text: FallbackText, Fallback: true}, nil
	}

	text = strings.TrimSpace(text)
	if degenerate(text) {
		c.logger.Warn("degenerate model output, using fallback", "tenant", tenantID, "output_len", len(text))
		span.SetAttributes(attribute.Bool("fallback", true))
		return Answer{Text: FallbackText, Fallback: true}, nil
	}
	return Answer{Text: text}, nil
}

func (c *Composer) call(ctx context.Context, p prompt) (string, error) {
	temp := *c.cfg.Temperature
	opts := anthropic.Options{MaxTokens: c.cfg.MaxTokens, Temperature: &temp}

	policy := c.cfg.Retry.WithNotify(func(err error, wait time.Duration) {
		c.logger.Warn("retrying model call", "error", err, "wait", wait)
	})
	return retry.Do(ctx, policy, func() (string, error) {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
			defer cancel()
			return c.model.CompleteWith(attemptCtx, p.system, p.messages, opts)
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
			if !retryable(err) {
				return "", retry.Permanent(err)
			}
			return "", err
		}
		return out.(string), nil
	})
}

// retryable reports whether another attempt could succeed. An open breaker
// will not close within the retry window, and 4xx answers are final.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// degenerate is true for output with no letters or digits at all.
func degenerate(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

type prompt struct {
	system   string
	messages []anthropic.Message
	passages int
}

// buildPrompt fits the prompt into PromptMaxTokens words. Passages go
// first, lowest score first, down to the best one; then the oldest history;
// then the last passage. The query always stays, truncated if it alone is
// over budget.
func (c *Composer) buildPrompt(owner, query string, passages []index.Scored, history []Message) prompt {
	ranked := make([]index.Scored, len(passages))
	copy(ranked, passages)
	index.SortScored(ranked)

	hist := window(history, c.cfg.HistoryTurns)
	budget := c.cfg.PromptMaxTokens

	query = chunker.Truncate(query, budget)
	for {
		system := renderSystem(owner, ranked)
		used := chunker.CountTokens(system) + chunker.CountTokens(query)
		for _, m := range hist {
			used += chunker.CountTokens(m.Text)
		}
		if used <= budget {
			return prompt{
				system:   system,
				messages: toMessages(hist, query),
				passages: len(ranked),
			}
		}
		switch {
		case len(ranked) > 1:
			ranked = ranked[:len(ranked)-1]
		case len(hist) > 0:
			hist = alignStart(hist[1:])
		case len(ranked) == 1:
			ranked = nil
		default:
			// The fixed instructions alone exceed the budget; send them anyway.
			return prompt{system: system, messages: toMessages(nil, query)}
		}
	}
}

func renderSystem(owner string, passages []index.Scored) string {
	block := noPassages
	if len(passages) > 0 {
		var b strings.Builder
		for i, p := range passages {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "[%d] (%s) %s", i+1, p.SourceType, strings.TrimSpace(p.Text))
		}
		block = b.String()
	}
	return fmt.Sprintf(systemPrompt, owner, owner, owner, block)
}

// window keeps the last n usable history entries, starting on a visitor turn.
func window(history []Message, n int) []Message {
	var clean []Message
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" || (m.Role != RoleUser && m.Role != RoleAssistant) {
			continue
		}
		clean = append(clean, Message{Role: m.Role, Text: text})
	}
	if n <= 0 {
		return nil
	}
	if len(clean) > n {
		clean = clean[len(clean)-n:]
	}
	return alignStart(clean)
}

// alignStart drops leading assistant turns; the API wants the user first.
func alignStart(h []Message) []Message {
	for len(h) > 0 && h[0].Role != RoleUser {
		h = h[1:]
	}
	return h
}

// toMessages appends the query and merges consecutive same-role turns so
// roles alternate.
func toMessages(hist []Message, query string) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(hist)+1)
	add := func(role, text string) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			return
		}
		out = append(out, anthropic.Message{Role: role, Content: text})
	}
	for _, m := range hist {
		add(m.Role, m.Text)
	}
	add(RoleUser, query)
	return out
}
