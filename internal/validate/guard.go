// Package validate gates requests on the external account service without
// ever spending more than a fixed wall-clock budget on it. The request
// handler calling the guard is itself running against a platform-enforced
// deadline, so a check that can hang must not be allowed to consume it.
package validate

import (
	"context"
	"log/slog"
	"time"

	"audiorelay/internal/account"
)

// Outcome is the result of one bounded authorization check. It is used once
// and discarded.
type Outcome struct {
	Allowed           bool
	Reason            string
	PlanType          string
	IsTimeoutFallback bool
}

// AccountService is the collaborator boundary. Implementations may block
// with no native cancellation support; the guard runs them on a separate
// goroutine and abandons them on overrun.
type AccountService interface {
	CheckUsage(ctx context.Context, userID, service string, amount float64) (account.CheckResult, error)
	CheckModelAccess(ctx context.Context, userID, model string) (account.ModelGrant, error)
}

type ObserverFunc func(check string, timedOut bool)

type Option func(*Guard)

func WithObserver(observer ObserverFunc) Option {
	return func(g *Guard) { g.observer = observer }
}

type Guard struct {
	svc           AccountService
	timeout       time.Duration
	freeTierModel string
	observer      ObserverFunc
	log           *slog.Logger
}

func NewGuard(svc AccountService, timeout time.Duration, freeTierModel string, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		svc:           svc,
		timeout:       timeout,
		freeTierModel: freeTierModel,
		log:           logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Authorize runs a usage-limit check with the guard's wall-clock bound. On
// overrun or internal failure it allows the request and flags the outcome so
// accounting can reconcile later; it never propagates an error to the caller.
func (g *Guard) Authorize(ctx context.Context, userID, service string, amount float64) Outcome {
	type reply struct {
		result account.CheckResult
		err    error
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)

	ch := make(chan reply, 1)
	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{err: panicError{rec}}
			}
		}()
		result, err := g.svc.CheckUsage(checkCtx, userID, service, amount)
		ch <- reply{result: result, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			g.log.Warn("usage check failed, allowing with fallback",
				"user", userID, "service", service, "amount", amount, "error", r.err)
			g.observe("usage", false)
			return Outcome{Allowed: true, Reason: "usage check unavailable", IsTimeoutFallback: true}
		}
		g.observe("usage", false)
		return Outcome{
			Allowed:  r.result.Allowed,
			Reason:   r.result.Reason,
			PlanType: r.result.PlanType,
		}
	case <-timer.C:
		// The check goroutine is abandoned, not killed. cancel fires when
		// it eventually returns.
		g.log.Warn("usage check timed out, allowing with fallback",
			"user", userID, "service", service, "timeout", g.timeout)
		g.observe("usage", true)
		return Outcome{Allowed: true, Reason: "usage check timed out", IsTimeoutFallback: true}
	}
}

// ResolveModel runs a model-access check with the guard's wall-clock bound.
// The fallback here is the opposite of Authorize: the most restrictive safe
// default, the free-tier model.
func (g *Guard) ResolveModel(ctx context.Context, userID, requested string) string {
	type reply struct {
		grant account.ModelGrant
		err   error
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)

	ch := make(chan reply, 1)
	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{err: panicError{rec}}
			}
		}()
		grant, err := g.svc.CheckModelAccess(checkCtx, userID, requested)
		ch <- reply{grant: grant, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil || r.grant.Model == "" {
			g.log.Warn("model access check failed, serving free tier",
				"user", userID, "requested", requested, "error", r.err)
			g.observe("model_access", false)
			return g.freeTierModel
		}
		g.observe("model_access", false)
		return r.grant.Model
	case <-timer.C:
		g.log.Warn("model access check timed out, serving free tier",
			"user", userID, "requested", requested, "timeout", g.timeout)
		g.observe("model_access", true)
		return g.freeTierModel
	}
}

func (g *Guard) observe(check string, timedOut bool) {
	if g.observer != nil {
		g.observer(check, timedOut)
	}
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return "account check panicked"
}
