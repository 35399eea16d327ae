package converge

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"converge/internal/adapter/fake"
	"converge/internal/engine"
	"converge/internal/spec"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestReconcile_Idempotent(t *testing.T) {
	e := newEngine(t)
	specs := []spec.DesiredSpec{webSpec()}

	first := Reconcile(t.Context(), e, specs, testOptions())
	if !first.Success || first.Outcomes[0].Action.Kind != ActionCreate {
		t.Fatalf("first pass = %+v", first.Outcomes)
	}

	mutations := e.MutationCount()
	second := Reconcile(t.Context(), e, specs, testOptions())
	if !second.Success || second.Outcomes[0].Action.Kind != ActionNoOp {
		t.Fatalf("second pass = %+v", second.Outcomes)
	}
	if got := e.MutationCount(); got != mutations {
		t.Fatalf("second pass mutated the engine: %d -> %d", mutations, got)
	}
	if second.ExitCode() != 0 || second.Err() != nil {
		t.Fatalf("ExitCode() = %d, Err() = %v", second.ExitCode(), second.Err())
	}
}

func TestReconcile_ReorderedSpecIsNoOp(t *testing.T) {
	e := newEngine(t)
	s := webSpec()
	s.Ports = []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}, {HostPort: 8443, ContainerPort: 443}}
	s.Networks = []string{"front", "back"}
	Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())

	reordered := s.Clone()
	slices.Reverse(reordered.Ports)
	slices.Reverse(reordered.Networks)
	reordered.Image = "docker.io/library/" + nginxOld
	res := Reconcile(t.Context(), e, []spec.DesiredSpec{reordered}, testOptions())
	if got := res.Outcomes[0].Action.Kind; got != ActionNoOp {
		t.Fatalf("reordered spec action = %v, want noop", res.Outcomes[0].Action)
	}
}

func TestReconcile_Lifecycle(t *testing.T) {
	e := newEngine(t)
	s := webSpec()
	steps := []struct {
		name   string
		mutate func(*spec.DesiredSpec)
		want   ActionKind
	}{
		{"create", func(*spec.DesiredSpec) {}, ActionCreate},
		{"update restart", func(s *spec.DesiredSpec) { s.RestartPolicy = spec.RestartUnlessStopped }, ActionUpdate},
		{"stop", func(s *spec.DesiredSpec) { s.State = spec.StateStopped }, ActionStop},
		{"start", func(s *spec.DesiredSpec) { s.State = spec.StateRunning }, ActionStart},
		{"new image", func(s *spec.DesiredSpec) { s.Image = nginxNew }, ActionRecreate},
		{"resources", func(s *spec.DesiredSpec) { s.Resources = &spec.Resources{CPUs: 0.5} }, ActionUpdate},
		{"steady", func(*spec.DesiredSpec) {}, ActionNoOp},
		{"remove", func(s *spec.DesiredSpec) { s.State = spec.StateAbsent }, ActionRemove},
		{"gone", func(*spec.DesiredSpec) {}, ActionNoOp},
	}
	for _, step := range steps {
		step.mutate(&s)
		res := Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())
		o := res.Outcomes[0]
		if !o.Success || o.Action.Kind != step.want {
			t.Fatalf("%s: outcome = %+v, want %v", step.name, o, step.want)
		}
	}
	if _, ok := e.Container("web"); ok {
		t.Fatal("container survived removal")
	}
}

func TestReconcile_ClearedLimitsNeedRecreate(t *testing.T) {
	e := newEngine(t)
	s := webSpec()
	s.Resources = &spec.Resources{CPUs: 0.5, MemoryBytes: 64 << 20}
	if res := Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions()); !res.Success {
		t.Fatalf("create = %+v", res.Outcomes)
	}
	limited := engine.Resources{NanoCPUs: 500_000_000, MemoryBytes: 64 << 20}

	s.Resources = nil
	res := Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())
	o := res.Outcomes[0]
	if o.Success || o.Action.Kind != ActionUpdate || o.Kind != KindUpdateUnsupported {
		t.Fatalf("clear limits outcome = %+v, want failed update_unsupported", o)
	}
	if n := len(e.Calls("ContainerUpdate")); n != 0 {
		t.Fatalf("ContainerUpdate calls = %d, want 0", n)
	}
	if info, _ := e.Container("web"); info.Resources != limited {
		t.Fatalf("resources = %+v, want %+v", info.Resources, limited)
	}

	s.ForceRecreate = true
	res = Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())
	if o := res.Outcomes[0]; !o.Success || o.Action.Kind != ActionRecreate {
		t.Fatalf("forced outcome = %+v, want recreate", o)
	}
	if info, _ := e.Container("web"); info.Resources != (engine.Resources{}) {
		t.Fatalf("resources after recreate = %+v, want none", info.Resources)
	}

	res = Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())
	if got := res.Outcomes[0].Action.Kind; got != ActionNoOp {
		t.Fatalf("after recreate = %v, want noop", res.Outcomes[0].Action)
	}
}

func TestReconcile_PartialFailureIsolation(t *testing.T) {
	e := newEngine(t)
	e.Faults.SetHook("ContainerCreate", func(args ...any) error {
		if args[0] == "b" {
			return engine.ErrInvalid
		}
		return nil
	})

	res := Reconcile(t.Context(), e, []spec.DesiredSpec{
		named("a", "redis:7"),
		named("b", "redis:7"),
		named("c", "postgres:16"),
	}, testOptions())

	if res.Success || res.Halted {
		t.Fatalf("Success = %v, Halted = %v", res.Success, res.Halted)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("len(Outcomes) = %d, want 3", len(res.Outcomes))
	}
	a, b, c := res.Outcomes[0], res.Outcomes[1], res.Outcomes[2]
	if a.Name != "a" || !a.Success || c.Name != "c" || !c.Success {
		t.Fatalf("siblings affected: a=%+v c=%+v", a, c)
	}
	if b.Success || b.Kind != KindCreateFailed || b.Detail == "" || !errors.Is(b.Err, engine.ErrInvalid) {
		t.Fatalf("b = %+v, want create_failed with detail", b)
	}
	if res.ExitCode() != 2 || res.Err() == nil {
		t.Fatalf("ExitCode() = %d, Err() = %v", res.ExitCode(), res.Err())
	}
}

func TestReconcile_UnreachableHaltsBatch(t *testing.T) {
	e := newEngine(t)
	opts := testOptions()
	opts.OnOutcome = func(o Outcome) {
		if o.Name == "a" {
			e.SetUnreachable(true)
		}
	}

	res := Reconcile(t.Context(), e, []spec.DesiredSpec{
		named("a", "redis:7"),
		named("b", "redis:7"),
		named("c", "redis:7"),
	}, opts)

	if res.Success || !res.Halted {
		t.Fatalf("Success = %v, Halted = %v, want false, true", res.Success, res.Halted)
	}
	if o := res.Outcomes[0]; !o.Success || o.Action.Kind != ActionCreate {
		t.Fatalf("a = %+v, want successful create", o)
	}
	for _, o := range res.Outcomes[1:] {
		if !o.Skipped || o.Success || o.Kind != KindEngineUnreachable {
			t.Fatalf("%s = %+v, want skipped", o.Name, o)
		}
	}
	if n := len(e.Calls("ContainerInspect")); n != 1 {
		t.Fatalf("ContainerInspect calls = %d, want 1", n)
	}
}

func TestReconcile_UnreachableDuringPipeline(t *testing.T) {
	e := newEngine(t)
	e.Faults.SetHook("ImageInspect", func(args ...any) error {
		e.SetUnreachable(true)
		return nil
	})

	res := Reconcile(t.Context(), e, []spec.DesiredSpec{named("a", "redis:7"), named("b", "redis:7")}, testOptions())
	a, b := res.Outcomes[0], res.Outcomes[1]
	if a.Success || a.Kind != KindEngineUnreachable {
		t.Fatalf("a = %+v, want engine_unreachable failure", a)
	}
	if !b.Skipped || !res.Halted {
		t.Fatalf("b = %+v, halted = %v", b, res.Halted)
	}
}

func TestReconcile_DryRunIsPure(t *testing.T) {
	setup := func(t *testing.T) *fake.Engine {
		e := newEngine(t)
		Reconcile(t.Context(), e, []spec.DesiredSpec{webSpec(), named("cache", "redis:7"), named("old", "redis:7")}, testOptions())
		e.Reset()
		return e
	}
	next := webSpec()
	next.Image = nginxNew
	cache := named("cache", "redis:7")
	cache.RestartPolicy = spec.RestartAlways
	old := named("old", "redis:7")
	old.State = spec.StateAbsent
	specs := []spec.DesiredSpec{next, cache, old, named("db", "postgres:16")}

	dry := setup(t)
	opts := testOptions()
	opts.DryRun = true
	planned := Reconcile(t.Context(), dry, specs, opts)
	if n := dry.MutationCount(); n != 0 {
		t.Fatalf("dry run made %d mutating calls: %v", n, dry.Calls(""))
	}
	if !planned.DryRun || !planned.Success {
		t.Fatalf("dry run result = %+v", planned)
	}

	live := setup(t)
	applied := Reconcile(t.Context(), live, specs, testOptions())
	if !applied.Success {
		t.Fatalf("live run failed: %v", applied.Err())
	}
	want := []ActionKind{ActionRecreate, ActionUpdate, ActionRemove, ActionCreate}
	if diff := cmp.Diff(want, actionKinds(planned)); diff != "" {
		t.Fatalf("dry run actions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(actionKinds(planned), actionKinds(applied)); diff != "" {
		t.Fatalf("dry run and live actions differ (-dry +live):\n%s", diff)
	}
}

func TestReconcile_CanceledBeforeStart(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res := Reconcile(ctx, e, []spec.DesiredSpec{named("a", "redis:7"), named("b", "redis:7")}, testOptions())
	if !res.Canceled || res.Success {
		t.Fatalf("Canceled = %v, Success = %v", res.Canceled, res.Success)
	}
	for _, o := range res.Outcomes {
		if !o.Skipped || o.Kind != KindCanceled {
			t.Fatalf("%s = %+v, want skipped canceled", o.Name, o)
		}
	}
	if n := len(e.Calls("")); n != 0 {
		t.Fatalf("engine saw %d calls after cancellation", n)
	}
}

func TestReconcile_CancelLetsInFlightFinish(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	// Cancel while "a" is between create and start.
	e.Faults.SetHook("ContainerCreate", func(args ...any) error {
		if args[0] == "a" {
			cancel()
		}
		return nil
	})

	res := Reconcile(ctx, e, []spec.DesiredSpec{named("a", "redis:7"), named("b", "redis:7")}, testOptions())
	if o := res.Outcomes[0]; !o.Success || o.Action.Kind != ActionCreate {
		t.Fatalf("in-flight a = %+v, want completed create", o)
	}
	if info, ok := e.Container("a"); !ok || !info.Running {
		t.Fatalf("a not started after cancellation: %+v", info)
	}
	if o := res.Outcomes[1]; !o.Skipped || o.Kind != KindCanceled {
		t.Fatalf("b = %+v, want skipped canceled", o)
	}
	if !res.Canceled {
		t.Fatal("Canceled not set")
	}
}

func TestReconcile_InvalidAndDuplicateSpecs(t *testing.T) {
	e := newEngine(t)
	res := Reconcile(t.Context(), e, []spec.DesiredSpec{
		named("a", "redis:7"),
		{Name: "no-image"},
		named("a", "postgres:16"),
		named("c", "redis:7"),
	}, testOptions())

	kinds := make([]ErrorKind, len(res.Outcomes))
	for i, o := range res.Outcomes {
		kinds[i] = o.Kind
	}
	want := []ErrorKind{KindNone, KindInvalidSpec, KindInvalidSpec, KindNone}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("kinds (-want +got):\n%s", diff)
	}
	if !errors.Is(res.Outcomes[2].Err, spec.ErrInvalidSpec) {
		t.Fatalf("duplicate err = %v, want ErrInvalidSpec", res.Outcomes[2].Err)
	}
	info, _ := e.Container("a")
	if info.ImageID != fake.ImageID("redis:7") {
		t.Fatalf("duplicate spec overwrote the first: %+v", info)
	}
	for _, c := range e.Calls("ContainerInspect") {
		if c.Args[0] == "no-image" {
			t.Fatal("invalid spec reached the engine")
		}
	}
}

func TestReconcile_Parallel(t *testing.T) {
	e := newEngine(t)
	opts := testOptions()
	opts.Parallelism = 3
	var mu sync.Mutex
	var notified []string
	opts.OnOutcome = func(o Outcome) {
		mu.Lock()
		notified = append(notified, o.Name)
		mu.Unlock()
	}

	specs := []spec.DesiredSpec{
		{Name: "a", Image: "redis:7", Ports: []spec.PortBinding{{HostPort: 6379, ContainerPort: 6379}}},
		named("b", "postgres:16"),
		{Name: "c", Image: "redis:7", Ports: []spec.PortBinding{{HostPort: 6379, ContainerPort: 6379}}, State: spec.StateAbsent},
		named("d", nginxOld),
	}
	res := Reconcile(t.Context(), e, specs, opts)
	if !res.Success {
		t.Fatalf("parallel reconcile failed: %v", res.Err())
	}
	for i, o := range res.Outcomes {
		if o.Name != specs[i].Name {
			t.Fatalf("outcome %d = %q, want input order", i, o.Name)
		}
	}
	if got := actionKinds(res); !cmp.Equal(got, []ActionKind{ActionCreate, ActionCreate, ActionNoOp, ActionCreate}) {
		t.Fatalf("actions = %v", got)
	}
	if len(notified) != len(specs) {
		t.Fatalf("OnOutcome called %d times, want %d", len(notified), len(specs))
	}

	again := Reconcile(t.Context(), e, specs, opts)
	for _, o := range again.Outcomes {
		if o.Action.Kind != ActionNoOp {
			t.Fatalf("second parallel pass %s = %v, want noop", o.Name, o.Action)
		}
	}
}

func TestReconcile_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := newEngine(t)
	e.Faults.FailAlways("ImagePull", engine.ErrInvalid)
	opts := testOptions()
	opts.Tracer = tp.Tracer("test")
	Reconcile(t.Context(), e, []spec.DesiredSpec{named("a", "redis:7"), named("b", "redis:7")}, opts)

	var root int
	var failed []string
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "converge.reconcile":
			root++
		case "converge.container":
			if s.Status().Code == codes.Error {
				for _, kv := range s.Attributes() {
					if kv.Key == "converge.error_kind" {
						failed = append(failed, kv.Value.AsString())
					}
				}
			}
		}
	}
	if root != 1 {
		t.Fatalf("reconcile spans = %d, want 1", root)
	}
	if !cmp.Equal(failed, []string{"pull_failed", "pull_failed"}) {
		t.Fatalf("failed container span kinds = %v", failed)
	}
}

func TestBatchResult_Counts(t *testing.T) {
	r := BatchResult{Outcomes: []Outcome{
		{Action: Action{Kind: ActionCreate}, Success: true},
		{Action: Action{Kind: ActionCreate}, Success: true},
		{Action: Action{Kind: ActionNoOp}, Success: true},
		{Action: Action{Kind: ActionRemove}, Kind: KindRemoveFailed},
		{Skipped: true, Kind: KindEngineUnreachable},
	}}
	actions, failed, skipped := r.Counts()
	if actions[ActionCreate] != 2 || actions[ActionNoOp] != 1 || failed != 1 || skipped != 1 {
		t.Fatalf("Counts() = %v, %d, %d", actions, failed, skipped)
	}
}
