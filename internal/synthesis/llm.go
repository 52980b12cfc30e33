package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/feedbackd/internal/secrets"
)

const (
	defaultRateLimit   = 1.0
	defaultBurst       = 2
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
)

// Completer generates text from a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RetryableError marks a completion failure worth retrying.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// LLM is a Synthesizer backed by a language model. Calls are rate limited
// and retried with exponential backoff.
type LLM struct {
	client      Completer
	logger      *zap.Logger
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	scrubber    *secrets.Scrubber
}

// LLMOption configures an LLM synthesizer.
type LLMOption func(*LLM)

// WithRateLimit sets requests per second and burst.
func WithRateLimit(perSecond float64, burst int) LLMOption {
	return func(l *LLM) {
		if perSecond > 0 && burst > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetries sets the retry budget and the first backoff interval.
func WithRetries(maxRetries int, baseBackoff time.Duration) LLMOption {
	return func(l *LLM) {
		if maxRetries >= 0 {
			l.maxRetries = maxRetries
		}
		if baseBackoff > 0 {
			l.baseBackoff = baseBackoff
		}
	}
}

// WithScrubber redacts secrets from every prompt before it is sent.
func WithScrubber(s *secrets.Scrubber) LLMOption {
	return func(l *LLM) {
		l.scrubber = s
	}
}

// NewLLM creates an LLM synthesizer.
func NewLLM(client Completer, logger *zap.Logger, opts ...LLMOption) (*LLM, error) {
	if client == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	l := &LLM{
		client:      client,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Synthesize implements Synthesizer.
func (l *LLM) Synthesize(ctx context.Context, req Request) (Synthesis, error) {
	if len(req.Members) == 0 {
		return Synthesis{}, fmt.Errorf("cluster has no members")
	}

	prompt := buildPrompt(req)
	if l.scrubber != nil {
		res := l.scrubber.Scrub(prompt)
		if res.Count() > 0 {
			l.logger.Warn("redacted secrets from synthesis prompt",
				zap.String("fingerprint", req.Fingerprint),
				zap.Int("redactions", res.Count()),
				zap.Strings("rules", res.RuleIDs()))
		}
		prompt = res.Text
	}

	l.logger.Debug("calling LLM for synthesis",
		zap.String("kind", string(req.Kind)),
		zap.String("scope", req.Scope.Key()),
		zap.String("fingerprint", req.Fingerprint),
		zap.Int("members", len(req.Members)),
		zap.Int("prompt_length", len(prompt)))

	response, err := l.complete(ctx, prompt)
	if err != nil {
		return Synthesis{}, err
	}

	out, err := parseResponse(response)
	if err != nil {
		return Synthesis{}, fmt.Errorf("parsing LLM response: %w", err)
	}

	if out.NoItem {
		l.logger.Info("synthesis declined cluster",
			zap.String("fingerprint", req.Fingerprint),
			zap.String("reason", out.Reason))
	}
	return out, nil
}

func (l *LLM) complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		// The wait would outlast the deadline; every later call would too.
		return "", fmt.Errorf("rate limiter: %w: %w", ErrFatal, err)
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := l.client.Complete(ctx, prompt)
		if err == nil {
			return response, nil
		}
		lastErr = err

		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return "", fmt.Errorf("LLM synthesis failed: %w", err)
		}
		l.logger.Warn("retrying LLM call",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
