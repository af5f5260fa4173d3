// Package ratelimit enforces fixed-window quotas on sensitive actions. The
// counter lives in an external quota service so that every API instance
// shares the same view of a key.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"mentorly/api/internal/config"
	"mentorly/api/internal/metrics"
)

type Action string

const (
	ActionLinkChild     Action = "link_child"
	ActionReportMessage Action = "report_message"
)

// Result is the quota service's answer for one consume call.
type Result struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Quota atomically increments the counter for key and checks it against max.
type Quota interface {
	Consume(ctx context.Context, key string, windowSeconds, maxRequests int) (Result, error)
}

// Decision is what callers act on.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

type Limiter struct {
	quota     Quota
	namespace string
	policies  map[string]config.RateLimit
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(quota Quota, namespace string, policies map[string]config.RateLimit, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]config.RateLimit, len(policies))
	for action, policy := range policies {
		copied[action] = policy
	}
	return &Limiter{
		quota:     quota,
		namespace: namespace,
		policies:  copied,
		logger:    logger,
		metrics:   m,
	}
}

// Key builds the quota key for an actor and action.
func (l *Limiter) Key(actorID string, action Action) string {
	return fmt.Sprintf("%s:%s:%s", l.namespace, action, actorID)
}

// Enforce consumes one unit of the actor's quota for action. Actions without
// a configured policy are always allowed. Quota service failures allow the
// request unless the policy is marked fail-closed.
func (l *Limiter) Enforce(ctx context.Context, actorID string, action Action) Decision {
	policy, ok := l.policies[string(action)]
	if !ok {
		return Decision{Allowed: true}
	}

	result, err := l.quota.Consume(ctx, l.Key(actorID, action), policy.WindowSeconds, policy.MaxRequests)
	if err != nil {
		l.metrics.RateLimitDecision(string(action), "error")
		if policy.FailClosed {
			l.logger.Error("rate_limit_fail_closed", "action", action, "actor_id", actorID, "error", err)
			return Decision{Allowed: false, RetryAfterSeconds: policy.WindowSeconds}
		}
		l.logger.Warn("rate_limit_fail_open", "action", action, "actor_id", actorID, "error", err)
		return Decision{Allowed: true}
	}

	if result.Allowed {
		l.metrics.RateLimitDecision(string(action), "allowed")
		return Decision{Allowed: true}
	}
	l.metrics.RateLimitDecision(string(action), "denied")
	// A denial always carries a usable Retry-After.
	return Decision{Allowed: false, RetryAfterSeconds: max(result.RetryAfterSeconds, 1)}
}
