package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker/v2"

	"github.com/MEKXH/weatherhitl/internal/render"
	"github.com/MEKXH/weatherhitl/internal/tracing"
)

// Refusal is the assistant reply for out-of-domain questions.
const Refusal = "I cannot process questions outside of weather-related questions in Canada and the United States. Please rephrase your question. Try again."

const (
	validMarker = "VALID"
	errorMarker = "ERROR"

	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

const promptTemplate = `Evaluate if this question is only about weather-related questions in Canada and/or United States.
Respond starting only with '%s' or '%s', then a small sentence explaining the reason.

Question: %s`

// ErrClassifierUnavailable wraps classifier failures and open-breaker rejections.
var ErrClassifierUnavailable = errors.New("guardrail classifier unavailable")

// Config tunes the classifier circuit breaker.
type Config struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

// Verdict is the screening outcome for one message.
type Verdict struct {
	Allowed bool
	// Checked is false when there was no user message to screen.
	Checked bool
	// Reason is the classifier's raw reply.
	Reason string
}

// Guardrail screens the latest user message with a classifier model.
// Any classifier failure is returned as an error; questions are never
// let through unscreened.
type Guardrail struct {
	classifier model.BaseChatModel
	breaker    *gobreaker.CircuitBreaker[*schema.Message]
	logger     *slog.Logger
}

func New(classifier model.BaseChatModel, cfg Config, logger *slog.Logger) *Guardrail {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[*schema.Message](gobreaker.Settings{
		Name:        "guardrail",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Guardrail{classifier: classifier, breaker: cb, logger: logger}
}

// Check screens the last message of the conversation. Conversations that do
// not end with a user message pass unchecked.
func (g *Guardrail) Check(ctx context.Context, messages []*schema.Message) (Verdict, error) {
	content, ok := latestUserContent(messages)
	if !ok {
		return Verdict{Allowed: true}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "guardrail.check")
	defer span.End()

	prompt := fmt.Sprintf(promptTemplate, validMarker, errorMarker, strings.ToLower(content))
	reply, err := g.breaker.Execute(func() (*schema.Message, error) {
		return g.classifier.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	})
	if err != nil {
		tracing.RecordError(span, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Verdict{}, fmt.Errorf("%w: circuit open: %v", ErrClassifierUnavailable, err)
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if reply == nil {
		err := fmt.Errorf("%w: empty classifier reply", ErrClassifierUnavailable)
		tracing.RecordError(span, err)
		return Verdict{}, err
	}

	text := render.Answer(strings.TrimSpace(reply.Content))
	allowed := !strings.HasPrefix(strings.ToUpper(text), errorMarker)
	span.SetAttributes(tracing.BoolAttr("guardrail.allowed", allowed))
	if allowed {
		g.logger.Debug("guardrail passed", "reason", text)
	} else {
		g.logger.Info("guardrail blocked question", "reason", text)
	}
	return Verdict{Allowed: allowed, Checked: true, Reason: text}, nil
}

// State exposes the breaker state for status output.
func (g *Guardrail) State() gobreaker.State {
	return g.breaker.State()
}

func latestUserContent(messages []*schema.Message) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	last := messages[len(messages)-1]
	if last == nil || last.Role != schema.User {
		return "", false
	}
	return last.Content, true
}
