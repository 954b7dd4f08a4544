package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/internal/providers"
	"github.com/wikiops/rangerecon/internal/replica"
	"github.com/wikiops/rangerecon/internal/report"
	"github.com/wikiops/rangerecon/pkg/config"
	"github.com/wikiops/rangerecon/pkg/netset"
)

// notifyTimeout bounds the failure alert delivery once the batch context
// is spent.
const notifyTimeout = 10 * time.Second

// Deps holds the injectable collaborators of one batch run. Every field
// is a function so tests can swap in fakes without network or database.
type Deps struct {
	// ResolveProviders returns the full address space of each provider
	// configured for the scope's registry.
	ResolveProviders func(ctx context.Context, scope config.Scope) ([]providers.ProviderRanges, error)

	// FetchBlocks returns the set of currently active range blocks for the
	// scope, evaluated against now.
	FetchBlocks func(ctx context.Context, scope config.Scope, now time.Time) (netset.Set, error)

	// RecentActivity samples edits from a prefix since the given time.
	// Nil disables activity filtering for windowed scopes.
	RecentActivity func(ctx context.Context, scope config.Scope, prefix netip.Prefix, since time.Time) ([]replica.Activity, error)

	// Publish writes the rendered report and reports whether the page changed.
	Publish func(ctx context.Context, scope config.Scope, rep *report.Report) (bool, error)

	// Record appends one scope outcome to the history ledger. Optional.
	Record func(snap report.Snapshot)

	// Notify is called once per batch with the IDs of failed scopes. Optional.
	Notify func(ctx context.Context, failed []string)
}

// Engine drives the per-scope reconciliation pipeline for a batch of scopes.
type Engine struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	deps        Deps
	scopes      []config.Scope
	deadline    time.Duration
	concurrency int
	clock       func() time.Time
}

// Option defines a functional configuration override.
type Option func(*Engine)

// New initializes the Engine with safe defaults.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		Logger:      slog.Default(),
		Tracer:      otel.Tracer("rangerecon/engine"),
		deps:        deps,
		deadline:    config.DefaultDeadline,
		concurrency: config.DefaultConcurrency,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithScopes sets the scopes to reconcile.
func WithScopes(scopes []config.Scope) Option {
	return func(e *Engine) { e.scopes = scopes }
}

// WithDeadline bounds the whole batch.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deadline = d
		}
	}
}

// WithConcurrency sets the scope worker limit.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the batch clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// Run reconciles every configured scope. Scopes are independent: one
// scope failing never aborts another. When any scope fails or is cut
// off by the deadline, Run returns errs.ErrPartialResult alongside the
// full batch result.
func (e *Engine) Run(ctx context.Context) (*BatchResult, error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Run")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	e.Logger.Info("starting batch",
		"scopes", len(e.scopes),
		"concurrency", e.concurrency,
		"deadline", e.deadline)

	results := make([]ScopeResult, len(e.scopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, scope := range e.scopes {
		i, scope := i, scope
		g.Go(func() error {
			results[i] = e.runScope(gctx, scope)
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{Results: results}
	failed := batch.Failed()
	if len(failed) > 0 {
		span.SetAttributes(
			attribute.Bool("batch.partial", true),
			attribute.Int("batch.failed_scopes", len(failed)),
		)
		span.SetStatus(codes.Error, "partial batch")
		if e.deps.Notify != nil {
			// The batch deadline firing is exactly when alerts matter, so
			// the notification must outlive the expired batch context.
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			e.deps.Notify(nctx, failed)
			cancel()
		}
		e.Logger.Warn("batch finished with failures", "failed", failed)
		return batch, errs.ErrPartialResult
	}

	e.Logger.Info("batch finished", "scopes", len(results))
	return batch, nil
}

// runScope executes the full pipeline for one scope and never panics out.
func (e *Engine) runScope(ctx context.Context, scope config.Scope) (res ScopeResult) {
	ctx, span := e.Tracer.Start(ctx, "Engine.runScope",
		trace.WithAttributes(attribute.String("scope", scope.ID())))
	defer span.End()

	start := e.clock()
	res = ScopeResult{Scope: scope}
	log := e.Logger.With("scope", scope.ID())

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
			span.SetStatus(codes.Error, "scope panic")
			log.Error("scope panicked", "error", r, "stack", string(stack))
			res.Status = StatusFailed
			res.Err = fmt.Errorf("scope %s panicked: %v", scope.ID(), r)
		}
		res.Duration = e.clock().Sub(start)
		e.record(res, start)
	}()

	rep, err := e.buildReport(ctx, scope, start, log)
	if err != nil {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			log.Warn("scope cancelled", "error", err)
			res.Status = StatusCancelled
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scope failed")
			log.Error("scope failed", "error", err)
			res.Status = StatusFailed
		}
		res.Err = err
		return res
	}

	res.Candidates = rep.TotalCandidates()

	changed, err := e.deps.Publish(ctx, scope, rep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		log.Error("publish failed", "error", err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	res.Published = changed
	res.Status = StatusSuccess
	log.Info("scope reconciled", "candidates", res.Candidates, "published", changed)
	return res
}

func (e *Engine) record(res ScopeResult, at time.Time) {
	if e.deps.Record == nil {
		return
	}
	snap := report.Snapshot{
		Timestamp:  at.Unix(),
		Scope:      res.Scope.ID(),
		Candidates: res.Candidates,
		Published:  res.Published,
	}
	if res.Err != nil {
		snap.Error = res.Err.Error()
	}
	e.deps.Record(snap)
}

// sortProviders keeps report section order stable regardless of
// resolution order.
func sortProviders(ranges []providers.ProviderRanges) {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Provider.Name < ranges[j].Provider.Name
	})
}
