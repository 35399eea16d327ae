// Package converge reconciles desired container specs against a single
// container engine: observe, normalize, diff, then apply one action per
// container.
package converge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"converge/internal/engine"
	"converge/internal/spec"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultEngineTimeout = 30 * time.Second
	DefaultRetryLimit    = 3
	DefaultStopTimeout   = 10 * time.Second

	tracerName = "converge"
)

// Options configures one reconciliation pass.
type Options struct {
	// Parallelism above 1 runs containers that share no name, host port,
	// volume source or network concurrently.
	Parallelism int
	// EngineTimeout bounds every engine call attempt.
	EngineTimeout time.Duration
	// RetryLimit is the number of retries after a transient failure.
	RetryLimit int
	// DryRun computes actions without executing them.
	DryRun bool
	// StopTimeout is the grace period given to a stopping container.
	StopTimeout time.Duration
	TieBreak    TieBreak
	// RestoreOnFailure recreates the previous container when a recreate
	// fails after the old container was removed.
	RestoreOnFailure bool

	// RunID identifies the pass; a random UUID when empty.
	RunID     string
	Tracer    trace.Tracer
	Clock     func() time.Time
	Logger    *slog.Logger
	BackOff   func() backoff.BackOff
	// OnOutcome is called once per spec as its outcome is known. With
	// Parallelism above 1 it may be called concurrently.
	OnOutcome func(Outcome)
}

// DefaultOptions returns sequential options with the default timeouts and
// retry budget.
func DefaultOptions() Options {
	return Options{
		Parallelism:   1,
		EngineTimeout: DefaultEngineTimeout,
		RetryLimit:    DefaultRetryLimit,
		StopTimeout:   DefaultStopTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.EngineTimeout <= 0 {
		o.EngineTimeout = DefaultEngineTimeout
	}
	if o.RetryLimit < 0 {
		o.RetryLimit = 0
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "converge")
	}
	if o.BackOff == nil {
		o.BackOff = defaultBackOff
	}
	return o
}

// Outcome is the result for one container.
type Outcome struct {
	Name    string `json:"name"`
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	// Skipped is set when the container was never processed because the
	// batch halted or was canceled. Kind says which.
	Skipped  bool          `json:"skipped,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// BatchResult aggregates the outcomes of one pass, in input order.
type BatchResult struct {
	RunID    string
	Outcomes []Outcome
	// Success is true iff every outcome succeeded.
	Success bool
	// Halted is set when an unreachable engine stopped the batch.
	Halted   bool
	Canceled bool
	DryRun   bool
	Started  time.Time
	Duration time.Duration
}

// Err joins the errors of all failed outcomes.
func (r BatchResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Success {
			continue
		}
		if o.Err != nil {
			errs = append(errs, o.Err)
		} else {
			errs = append(errs, fmt.Errorf("container %q: %s", o.Name, o.Kind))
		}
	}
	return errors.Join(errs...)
}

// ExitCode is 0 for a successful batch and 2 otherwise.
func (r BatchResult) ExitCode() int {
	if r.Success {
		return 0
	}
	return 2
}

// Counts returns how many outcomes took each action, failed or were skipped.
func (r BatchResult) Counts() (actions map[ActionKind]int, failed, skipped int) {
	actions = make(map[ActionKind]int)
	for _, o := range r.Outcomes {
		switch {
		case o.Skipped:
			skipped++
		case !o.Success:
			failed++
		default:
			actions[o.Action.Kind]++
		}
	}
	return actions, failed, skipped
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reconcile converges every spec against eng and reports one outcome per
// spec. Individual failures do not stop the batch; an unreachable engine
// does, and the remaining specs are reported as skipped. After ctx is
// canceled no new container is started, while in-flight work completes.
func Reconcile(ctx context.Context, eng engine.Engine, specs []spec.DesiredSpec, opts Options) BatchResult {
	opts = opts.withDefaults()
	r := &reconciler{
		eng:        eng,
		opts:       opts,
		log:        opts.Logger,
		observer:   &Observer{eng: eng, call: caller{timeout: opts.EngineTimeout, retries: opts.RetryLimit, newBackOff: opts.BackOff, log: opts.Logger}},
		normalizer: NewNormalizer(eng, opts.EngineTimeout, opts.Logger),
		executor:   NewExecutor(eng, opts),
	}
	return r.run(ctx, specs)
}

type reconciler struct {
	eng        engine.Engine
	opts       Options
	log        *slog.Logger
	observer   *Observer
	normalizer *Normalizer
	executor   *Executor

	halted   atomic.Bool
	canceled atomic.Bool
}

func (r *reconciler) run(ctx context.Context, specs []spec.DesiredSpec) BatchResult {
	started := r.opts.Clock()
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, span := r.opts.Tracer.Start(ctx, "converge.reconcile", trace.WithAttributes(
		attribute.String("converge.run_id", runID),
		attribute.Int("converge.specs", len(specs)),
		attribute.Bool("converge.dry_run", r.opts.DryRun),
		attribute.Int("converge.parallelism", r.opts.Parallelism),
	))
	defer span.End()

	items := make([]spec.DesiredSpec, len(specs))
	for i, s := range specs {
		items[i] = s.Clone()
	}
	outcomes := make([]Outcome, len(items))
	pending := make([]int, 0, len(items))
	for i, err := range validateBatch(items) {
		if err != nil {
			outcomes[i] = failed(items[i].Name, Action{}, newError(KindInvalidSpec, items[i].Name, "validate", err), 0)
			r.notify(outcomes[i])
			continue
		}
		pending = append(pending, i)
	}

	if r.opts.Parallelism == 1 {
		r.runSequence(ctx, items, pending, outcomes)
	} else {
		r.runGroups(ctx, items, pending, outcomes)
	}

	result := BatchResult{
		RunID:    runID,
		Outcomes: outcomes,
		Success:  true,
		Halted:   r.halted.Load(),
		Canceled: r.canceled.Load(),
		DryRun:   r.opts.DryRun,
		Started:  started,
		Duration: r.opts.Clock().Sub(started),
	}
	for _, o := range outcomes {
		if !o.Success {
			result.Success = false
			break
		}
	}

	actions, failedCount, skipped := result.Counts()
	span.SetAttributes(
		attribute.Bool("converge.success", result.Success),
		attribute.Int("converge.failed", failedCount),
		attribute.Int("converge.skipped", skipped),
	)
	if !result.Success {
		span.SetStatus(codes.Error, fmt.Sprintf("%d failed, %d skipped", failedCount, skipped))
	}
	r.log.Info("reconcile finished",
		"run_id", runID,
		"success", result.Success,
		"created", actions[ActionCreate],
		"recreated", actions[ActionRecreate],
		"updated", actions[ActionUpdate],
		"removed", actions[ActionRemove],
		"unchanged", actions[ActionNoOp],
		"failed", failedCount,
		"skipped", skipped,
		"dry_run", r.opts.DryRun,
		"duration", result.Duration,
	)
	return result
}

// runSequence processes idx in order, stopping at a halt or cancellation.
func (r *reconciler) runSequence(ctx context.Context, items []spec.DesiredSpec, idx []int, outcomes []Outcome) {
	for _, i := range idx {
		if o, skip := r.skipReason(ctx, items[i].Name); skip {
			outcomes[i] = o
			r.notify(o)
			continue
		}
		if err := r.ping(context.WithoutCancel(ctx)); err != nil {
			r.halted.Store(true)
			r.log.Error("engine unreachable, halting batch", "err", err)
			outcomes[i] = skippedOutcome(items[i].Name, KindEngineUnreachable)
			r.notify(outcomes[i])
			continue
		}
		outcomes[i] = r.pipeline(context.WithoutCancel(ctx), items[i])
		if isFatal(outcomes[i].Err) {
			r.halted.Store(true)
			r.log.Error("engine unreachable, halting batch", "container", items[i].Name, "err", outcomes[i].Err)
		}
		r.notify(outcomes[i])
	}
}

// runGroups runs conflict groups concurrently, each group in input order.
func (r *reconciler) runGroups(ctx context.Context, items []spec.DesiredSpec, idx []int, outcomes []Outcome) {
	sem := semaphore.NewWeighted(int64(r.opts.Parallelism))
	var g errgroup.Group
	for _, group := range conflictGroups(items, idx) {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, i := range group {
				r.canceled.Store(true)
				outcomes[i] = skippedOutcome(items[i].Name, KindCanceled)
				r.notify(outcomes[i])
			}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			r.runSequence(ctx, items, group, outcomes)
			return nil
		})
	}
	_ = g.Wait()
}

// ping checks the engine is reachable before a container's pipeline starts.
// Only unreachability is reported; other failures surface in the pipeline.
func (r *reconciler) ping(ctx context.Context) error {
	err := r.observer.call.do(ctx, "ping", r.eng.Ping)
	if errors.Is(err, engine.ErrUnreachable) {
		return err
	}
	return nil
}

func (r *reconciler) skipReason(ctx context.Context, name string) (Outcome, bool) {
	if r.halted.Load() {
		return skippedOutcome(name, KindEngineUnreachable), true
	}
	if ctx.Err() != nil {
		r.canceled.Store(true)
		return skippedOutcome(name, KindCanceled), true
	}
	return Outcome{}, false
}

// pipeline observes, normalizes, diffs and applies for one container. The
// fresh observation immediately precedes the diff.
func (r *reconciler) pipeline(ctx context.Context, s spec.DesiredSpec) Outcome {
	start := r.opts.Clock()
	ctx, span := r.opts.Tracer.Start(ctx, "converge.container", trace.WithAttributes(
		attribute.String("converge.container", s.Name),
	))
	defer span.End()

	finish := func(action Action, err error) Outcome {
		span.SetAttributes(attribute.String("converge.action", action.Kind.String()))
		elapsed := r.opts.Clock().Sub(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("converge.error_kind", KindOf(err).String()))
			r.log.Warn("container failed", "container", s.Name, "action", action.Kind, "kind", KindOf(err), "err", err)
			return failed(s.Name, action, err, elapsed)
		}
		r.log.Info("container converged", "container", s.Name, "action", action, "dry_run", r.opts.DryRun, "duration", elapsed)
		o := Outcome{Name: s.Name, Action: action, Success: true, Duration: elapsed}
		if r.opts.DryRun && action.Kind.Mutates() {
			o.Detail = "dry run: not applied"
		}
		if len(action.Deferred) > 0 {
			o.Detail = "deferred until recreate: " + joinFields(action.Deferred)
		}
		return o
	}

	obs, err := r.observer.Observe(ctx, s.Name)
	if err != nil {
		return finish(Action{}, err)
	}
	desired := r.normalizer.Desired(ctx, s)
	action := Diff(&desired, r.normalizer.Observed(obs), DiffPolicy{
		TieBreak:      r.opts.TieBreak,
		ForceRecreate: s.ForceRecreate,
	})
	if r.opts.DryRun {
		return finish(action, nil)
	}

	var observed *ObservedState
	if obs.Exists {
		observed = &obs
	}
	return finish(action, r.executor.Apply(ctx, action, &desired, observed))
}

func (r *reconciler) notify(o Outcome) {
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(o)
	}
}

func failed(name string, action Action, err error, d time.Duration) Outcome {
	return Outcome{
		Name:     name,
		Action:   action,
		Kind:     KindOf(err),
		Detail:   err.Error(),
		Err:      err,
		Duration: d,
	}
}

func skippedOutcome(name string, kind ErrorKind) Outcome {
	detail := "skipped: batch canceled"
	if kind == KindEngineUnreachable {
		detail = "skipped: engine unreachable"
	}
	return Outcome{Name: name, Skipped: true, Kind: kind, Detail: detail}
}

func isFatal(err error) bool {
	return err != nil && (KindOf(err).Fatal() || errors.Is(err, engine.ErrUnreachable))
}

// validateBatch validates each spec and rejects repeated names. The first
// spec with a name is kept; later ones fail.
func validateBatch(items []spec.DesiredSpec) []error {
	errs := make([]error, len(items))
	first := make(map[string]int, len(items))
	for i, s := range items {
		if err := spec.Validate(s); err != nil {
			errs[i] = err
			continue
		}
		if j, ok := first[s.Name]; ok {
			errs[i] = fmt.Errorf("%w: duplicate container name %q (first at position %d)", spec.ErrInvalidSpec, s.Name, j+1)
			continue
		}
		first[s.Name] = i
	}
	return errs
}
