package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgebuild/internal/logging"
	"forgebuild/internal/metrics"
)

const (
	minAttempts    = 5
	maxBackoff     = 32 * time.Second
	transientDelay = time.Second
)

// Router sends completion requests to the provider a model resolves to,
// rotating keys on rate limits, backing off, and falling through the
// remaining providers when the primary is exhausted. Safe for concurrent
// use; all mutability lives in the pools and the ledger.
type Router struct {
	reg    *Registry
	ledger *CostLedger
	log    *zap.Logger

	sleep func(time.Duration)
}

// NewRouter wires a Registry and a per-session CostLedger into a Router.
func NewRouter(reg *Registry, ledger *CostLedger) *Router {
	return &Router{
		reg:    reg,
		ledger: ledger,
		log:    logging.L().Named("ai.router"),
		sleep:  time.Sleep,
	}
}

// Ask resolves the model to a provider, runs the retry loop there, and on
// exhaustion walks the alternate providers once each. The returned text has
// markdown fences stripped but is otherwise verbatim.
func (rt *Router) Ask(ctx context.Context, model, system, user string) (string, error) {
	primary := rt.reg.Resolve(model)
	if primary == nil {
		return "", ErrNoCredentials
	}

	text, err := rt.askProvider(ctx, primary, model, system, user, attemptBudget(primary.pool.Size()))
	if err == nil {
		return text, nil
	}
	if errors.Is(err, ErrAuthFailure) || ctx.Err() != nil {
		return "", err
	}

	lastErr := err
	for _, alt := range rt.reg.alternates(primary.desc.Name) {
		if alt.pool.Size() == 0 || alt.desc.FallbackModel == "" {
			continue
		}
		altModel := alt.desc.FallbackModel
		rt.log.Warn("falling back to alternate provider",
			zap.String("from", primary.desc.Name),
			zap.String("to", alt.desc.Name),
			zap.String("model", altModel))
		metrics.Get().AIFallbacksTotal.WithLabelValues(primary.desc.Name, alt.desc.Name).Inc()

		// Alternates get one shot each; the retry budget was already
		// spent on the primary.
		text, err = rt.askProvider(ctx, alt, altModel, system, user, 1)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrAuthFailure) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
}

// askProvider runs the bounded retry loop against one provider.
func (rt *Router) askProvider(ctx context.Context, e *providerEntry, model, system, user string, maxAttempts int) (string, error) {
	if e.pool.Size() == 0 {
		return "", fmt.Errorf("%w: provider %s", ErrNoCredentials, e.desc.Name)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		key, ok := e.pool.Next()
		if !ok {
			return "", fmt.Errorf("%w: provider %s", ErrNoCredentials, e.desc.Name)
		}

		out := e.client.Complete(ctx, key, model, system, user)
		metrics.Get().AIRequestsTotal.WithLabelValues(e.desc.Name, out.Kind.String()).Inc()

		switch out.Kind {
		case OutcomeOK:
			rt.record(model, out.Usage)
			return stripFences(out.Text), nil

		case OutcomeAuthFailed:
			rt.log.Error("credential rejected, aborting request",
				zap.String("provider", e.desc.Name), zap.Error(out.Err))
			return "", fmt.Errorf("%w: %v", ErrAuthFailure, out.Err)

		case OutcomeRateLimited:
			wait := backoff(attempt)
			if out.RetryAfter > wait {
				wait = out.RetryAfter
			}
			if e.pool.Size() > 1 {
				e.pool.MarkLimited(key, wait)
				e.pool.Rotate()
				metrics.Get().KeyRotationsTotal.WithLabelValues(e.desc.Name).Inc()
				rt.log.Warn("rate limited, rotating key",
					zap.String("provider", e.desc.Name),
					zap.Duration("cooldown", wait),
					zap.Int("attempt", attempt+1))
			} else if attempt+1 < maxAttempts {
				rt.log.Warn("rate limited on sole key, backing off",
					zap.String("provider", e.desc.Name),
					zap.Duration("wait", wait),
					zap.Int("attempt", attempt+1))
				rt.sleep(wait)
			}
			lastErr = out.Err

		default: // OutcomeTransient
			rt.log.Warn("transient provider error, retrying",
				zap.String("provider", e.desc.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(out.Err))
			if attempt+1 < maxAttempts {
				rt.sleep(transientDelay)
			}
			lastErr = out.Err
		}
	}

	return "", fmt.Errorf("provider %s exhausted after %d attempts: %w", e.desc.Name, maxAttempts, lastErr)
}

func (rt *Router) record(model string, usage Usage) {
	if rt.ledger != nil {
		rt.ledger.Record(model, usage)
	}
	m := metrics.Get()
	m.AITokensUsed.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	m.AITokensUsed.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	m.AICostTotal.WithLabelValues(model).Add(costOf(model, usage))
}

// attemptBudget is the retry ceiling for a primary provider: the pool size,
// floored at minAttempts so a small pool still rides out short rate-limit
// windows.
func attemptBudget(poolSize int) int {
	if poolSize < minAttempts {
		return minAttempts
	}
	return poolSize
}

// backoff returns min(2^attempt, 32) seconds.
func backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// stripFences removes a leading ```lang line and a trailing ``` line. This
// is the only normalization applied to model output.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		} else {
			return ""
		}
	}
	trimmed := strings.TrimRight(t, " \t\n")
	if strings.HasSuffix(trimmed, "```") {
		t = trimmed[:len(trimmed)-3]
	}
	return strings.TrimSpace(t)
}
