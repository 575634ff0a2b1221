package engine

import (
	"context"
	"errors"

	"github.com/rendis/querypilot/internal/correction"
	"github.com/rendis/querypilot/internal/gateway"
	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/steps"
	"github.com/rendis/querypilot/pkg/schema"
)

// circuitOpen reports a rejected call as UPSTREAM_UNAVAILABLE so the
// pipeline treats it like any other outage; the CIRCUIT_OPEN error rides
// along as the cause.
func circuitOpen(upstream string, err error) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeUpstreamUnavailable, "%s unavailable: circuit open", upstream).
		WithCause(err).
		WithDetails(map[string]any{"upstream": upstream, "circuit": CircuitOpen.String()})
}

// outage reports whether err means the upstream itself is unhealthy.
// Caller cancellation never counts.
func outage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return schema.HasCode(err, schema.ErrCodeUpstreamUnavailable) || schema.HasCode(err, schema.ErrCodeTimeout)
}

func anyFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func record(b *CircuitBreakerRegistry, upstream string, failed bool) {
	if failed {
		b.RecordFailure(upstream)
		return
	}
	b.RecordSuccess(upstream)
}

type guardedOracle struct {
	next     oracle.Oracle
	breakers *CircuitBreakerRegistry
}

func (g *guardedOracle) Complete(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	if err := g.breakers.AllowRequest(UpstreamOracle); err != nil {
		return oracle.Response{}, circuitOpen(UpstreamOracle, err)
	}
	resp, err := g.next.Complete(ctx, req)
	record(g.breakers, UpstreamOracle, outage(err))
	return resp, err
}

// guardedSearch counts every failure: the catalog has no notion of a bad
// request.
type guardedSearch struct {
	next     steps.SchemaSearch
	breakers *CircuitBreakerRegistry
}

func (g *guardedSearch) FindRelevantTables(ctx context.Context, question string, k int) (schema.SchemaMetadata, error) {
	if err := g.breakers.AllowRequest(UpstreamSchemaSearch); err != nil {
		return nil, circuitOpen(UpstreamSchemaSearch, err)
	}
	md, err := g.next.FindRelevantTables(ctx, question, k)
	record(g.breakers, UpstreamSchemaSearch, anyFailure(err))
	return md, err
}

func (g *guardedSearch) FullMetadata(ctx context.Context) (schema.SchemaMetadata, error) {
	if err := g.breakers.AllowRequest(UpstreamSchemaSearch); err != nil {
		return nil, circuitOpen(UpstreamSchemaSearch, err)
	}
	md, err := g.next.FullMetadata(ctx)
	record(g.breakers, UpstreamSchemaSearch, anyFailure(err))
	return md, err
}

func (g *guardedSearch) DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error) {
	if err := g.breakers.AllowRequest(UpstreamSchemaSearch); err != nil {
		return nil, circuitOpen(UpstreamSchemaSearch, err)
	}
	md, err := g.next.DescribeTables(ctx, names)
	record(g.breakers, UpstreamSchemaSearch, anyFailure(err))
	return md, err
}

func (g *guardedSearch) Glossary(ctx context.Context) (map[string]string, error) {
	if err := g.breakers.AllowRequest(UpstreamSchemaSearch); err != nil {
		return nil, circuitOpen(UpstreamSchemaSearch, err)
	}
	out, err := g.next.Glossary(ctx)
	record(g.breakers, UpstreamSchemaSearch, anyFailure(err))
	return out, err
}

// guardedGateway only counts outages; a query the database rejects is the
// query's fault.
type guardedGateway struct {
	next     steps.Gateway
	breakers *CircuitBreakerRegistry
}

func (g *guardedGateway) RunSQL(ctx context.Context, query string) (*gateway.Result, error) {
	if err := g.breakers.AllowRequest(UpstreamGateway); err != nil {
		return nil, circuitOpen(UpstreamGateway, err).WithStep(schema.StepExecuteSQL)
	}
	res, err := g.next.RunSQL(ctx, query)
	record(g.breakers, UpstreamGateway, outage(err))
	return res, err
}

// guardedProber shares the gateway breaker: the live probe hits the same
// database.
type guardedProber struct {
	next     correction.Prober
	breakers *CircuitBreakerRegistry
}

func (g *guardedProber) DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error) {
	if err := g.breakers.AllowRequest(UpstreamGateway); err != nil {
		return nil, circuitOpen(UpstreamGateway, err)
	}
	md, err := g.next.DescribeTables(ctx, names)
	record(g.breakers, UpstreamGateway, anyFailure(err))
	return md, err
}
