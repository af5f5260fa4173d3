// Package purge runs bulk retention redaction, either on request through the
// secret-protected gateway or on a cron schedule.
package purge

import (
	"context"
	"crypto/subtle"
	"strings"
)

// Outcome is the gateway state reached by a request.
type Outcome int

const (
	// Unconfigured: no secret in the environment, nothing is ever run.
	Unconfigured Outcome = iota
	Unauthorized
	Authorized
)

func (o Outcome) String() string {
	switch o {
	case Unconfigured:
		return "unconfigured"
	case Unauthorized:
		return "unauthorized"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

type Gateway struct {
	secret string
	runner *Runner
}

func NewGateway(secret string, runner *Runner) *Gateway {
	return &Gateway{secret: strings.TrimSpace(secret), runner: runner}
}

func (g *Gateway) Configured() bool {
	return g.secret != ""
}

// Authorize compares the presented bearer credential with the configured
// secret in constant time.
func (g *Gateway) Authorize(bearer string) Outcome {
	if !g.Configured() {
		return Unconfigured
	}
	if bearer == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(g.secret)) != 1 {
		return Unauthorized
	}
	return Authorized
}

// Trigger runs a purge when bearer is authorized. The runner is not touched
// for any other outcome.
func (g *Gateway) Trigger(ctx context.Context, bearer string) (Result, Outcome, error) {
	outcome := g.Authorize(bearer)
	if outcome != Authorized {
		return Result{}, outcome, nil
	}
	result, err := g.runner.Run(ctx, TriggerManual)
	return result, outcome, err
}
