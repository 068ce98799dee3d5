// Package remediate runs runbooks against incident assets: validation, the
// approval gate for risky runbooks, executor submission with retries, and
// the poll loop that settles the incident when the run finishes.
package remediate

import (
	"context"
	"errors"
	"time"

	"github.com/alertmesh/backend/internal/circuitbreaker"
	"github.com/alertmesh/backend/internal/core"
)

// Result is one executor status observation.
type Result struct {
	Status     core.ExecutionStatus
	Stdout     string
	Stderr     string
	FinishedAt int64
}

// Executor is the command-running boundary. Execute is idempotent on the
// returned command id; Status may be polled until the result is terminal.
type Executor interface {
	Execute(ctx context.Context, commands, instanceIDs []string, timeout time.Duration) (string, error)
	Status(ctx context.Context, commandID string) (*Result, error)
}

// ComplianceReporter is the optional executor extension backing the patch
// compliance KPI. Executors without fleet visibility simply don't implement
// it.
type ComplianceReporter interface {
	PatchCompliance(ctx context.Context) (float64, error)
}

// Provider selects the executor for one tenant. Tenants with an AWS
// integration get the SSM executor under their own assumed role; the rest
// fall back to whatever the deployment configured.
type Provider interface {
	ExecutorFor(ctx context.Context, tenant *core.Tenant) (Executor, error)
}

// StaticProvider hands every tenant the same executor.
type StaticProvider struct {
	Exec Executor
}

func (p StaticProvider) ExecutorFor(context.Context, *core.Tenant) (Executor, error) {
	if p.Exec == nil {
		return nil, core.E(core.KindValidation, "no executor configured")
	}
	return p.Exec, nil
}

// guardedExecutor routes every executor call through a circuit breaker. An
// open breaker surfaces as a transient error, so submit retries and callers
// treat it like any other executor outage.
type guardedExecutor struct {
	inner   Executor
	breaker *circuitbreaker.CircuitBreaker
}

func guard(inner Executor, breaker *circuitbreaker.CircuitBreaker) Executor {
	return &guardedExecutor{inner: inner, breaker: breaker}
}

func (g *guardedExecutor) Execute(ctx context.Context, commands, instanceIDs []string, timeout time.Duration) (string, error) {
	var commandID string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		commandID, err = g.inner.Execute(ctx, commands, instanceIDs, timeout)
		return err
	})
	return commandID, translateBreaker(err)
}

func (g *guardedExecutor) Status(ctx context.Context, commandID string) (*Result, error) {
	var res *Result
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.Status(ctx, commandID)
		return err
	})
	return res, translateBreaker(err)
}

func translateBreaker(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return core.Wrap(core.KindTransient, "executor circuit open", err)
	}
	return err
}
