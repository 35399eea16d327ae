package converge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"converge/internal/adapter/fake"
	"converge/internal/engine"
	"converge/internal/spec"
)

// converged runs s once against e and returns the observed state after.
func converged(t *testing.T, e *fake.Engine, s spec.DesiredSpec) ObservedState {
	t.Helper()
	res := Reconcile(t.Context(), e, []spec.DesiredSpec{s}, testOptions())
	if !res.Success {
		t.Fatalf("setup reconcile failed: %v", res.Err())
	}
	obs, err := NewObserver(e, 0, 0, nil).Observe(t.Context(), s.Name)
	if err != nil {
		t.Fatal(err)
	}
	return obs
}

func TestExecutor_CreateRollsBackUnstartableContainer(t *testing.T) {
	e := newEngine(t)
	e.Faults.FailAlways("ContainerStart", engine.ErrInvalid)
	x := NewExecutor(e, testOptions())

	desired := NormalizeDesired(webSpec())
	err := x.Apply(t.Context(), Action{Kind: ActionCreate}, &desired, nil)
	if KindOf(err) != KindCreateFailed {
		t.Fatalf("Apply() kind = %v, want create_failed (err %v)", KindOf(err), err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != "start" {
		t.Fatalf("error op = %+v, want start", ce)
	}
	if _, ok := e.Container("web"); ok {
		t.Fatal("created container was not rolled back")
	}
	if n := len(e.Calls("ContainerStart")); n != 1 {
		t.Fatalf("ContainerStart calls = %d, want 1 (non-transient is not retried)", n)
	}
}

func TestExecutor_CreateStoppedDoesNotStart(t *testing.T) {
	e := newEngine(t)
	s := webSpec()
	s.State = spec.StateStopped
	obs := converged(t, e, s)
	if !obs.Exists || obs.Running {
		t.Fatalf("observed = %+v, want created but not running", obs)
	}
	if n := len(e.Calls("ContainerStart")); n != 0 {
		t.Fatalf("ContainerStart calls = %d, want 0", n)
	}
}

func TestExecutor_PullFailureIsNotRetried(t *testing.T) {
	e := fake.NewEngine()
	x := NewExecutor(e, testOptions())

	desired := NormalizeDesired(named("ghost", "ghost:1"))
	err := x.Apply(t.Context(), Action{Kind: ActionCreate}, &desired, nil)
	if KindOf(err) != KindPullFailed {
		t.Fatalf("kind = %v, want pull_failed (err %v)", KindOf(err), err)
	}
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("raw engine error lost: %v", err)
	}
	if n := len(e.Calls("ImagePull")); n != 1 {
		t.Fatalf("ImagePull calls = %d, want 1", n)
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	e := newEngine(t)
	e.Faults.FailTimes("ContainerCreate", 2, engine.ErrTransient)
	x := NewExecutor(e, testOptions())

	desired := NormalizeDesired(webSpec())
	if err := x.Apply(t.Context(), Action{Kind: ActionCreate}, &desired, nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n := len(e.Calls("ContainerCreate")); n != 3 {
		t.Fatalf("ContainerCreate calls = %d, want 3", n)
	}
}

func TestExecutor_RetryExhaustion(t *testing.T) {
	e := newEngine(t)
	e.Faults.FailAlways("ContainerCreate", engine.ErrTransient)
	opts := testOptions()
	opts.RetryLimit = 1
	x := NewExecutor(e, opts)

	desired := NormalizeDesired(webSpec())
	err := x.Apply(t.Context(), Action{Kind: ActionCreate}, &desired, nil)
	if KindOf(err) != KindCreateFailed {
		t.Fatalf("kind = %v, want create_failed", KindOf(err))
	}
	if n := len(e.Calls("ContainerCreate")); n != 2 {
		t.Fatalf("ContainerCreate calls = %d, want 2", n)
	}
}

func TestExecutor_Recreate(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())

	next := webSpec()
	next.Image = nginxNew
	desired := NormalizeDesired(next)
	x := NewExecutor(e, testOptions())
	if err := x.Apply(t.Context(), Action{Kind: ActionRecreate, Reasons: []Field{FieldImage}}, &desired, &obs); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	info, ok := e.Container("web")
	if !ok || info.ID == obs.ID || info.ImageID != fake.ImageID(nginxNew) || !info.Running {
		t.Fatalf("recreated container = %+v", info)
	}
}

func TestExecutor_RecreateFailedAfterRemoval(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.Faults.FailAlways("ContainerCreate", engine.ErrInvalid)

	next := webSpec()
	next.Image = nginxNew
	desired := NormalizeDesired(next)
	err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionRecreate}, &desired, &obs)
	if KindOf(err) != KindRecreateFailedAfterRemoval {
		t.Fatalf("kind = %v, want recreate_failed_after_removal (err %v)", KindOf(err), err)
	}
	if _, ok := e.Container("web"); ok {
		t.Fatal("expected no container after failed recreate")
	}
}

func TestExecutor_RecreateRestoresPrevious(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.Faults.FailOnce("ContainerCreate", engine.ErrInvalid)

	opts := testOptions()
	opts.RestoreOnFailure = true
	next := webSpec()
	next.Image = nginxNew
	desired := NormalizeDesired(next)
	err := NewExecutor(e, opts).Apply(t.Context(), Action{Kind: ActionRecreate}, &desired, &obs)
	if KindOf(err) != KindRecreateFailedAfterRemoval {
		t.Fatalf("kind = %v, want recreate_failed_after_removal", KindOf(err))
	}

	info, ok := e.Container("web")
	if !ok || !info.Running || info.ImageID != fake.ImageID(nginxOld) {
		t.Fatalf("previous container not restored: %+v", info)
	}
	// The restored container matches the old spec again.
	res := Reconcile(t.Context(), e, []spec.DesiredSpec{webSpec()}, testOptions())
	if got := res.Outcomes[0].Action.Kind; got != ActionNoOp {
		t.Fatalf("reconcile after restore = %v, want noop", got)
	}
}

func TestExecutor_RecreateRestoreFailureIsReported(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.Faults.FailAlways("ContainerCreate", engine.ErrInvalid)

	opts := testOptions()
	opts.RestoreOnFailure = true
	next := webSpec()
	next.Image = nginxNew
	desired := NormalizeDesired(next)
	err := NewExecutor(e, opts).Apply(t.Context(), Action{Kind: ActionRecreate}, &desired, &obs)
	if KindOf(err) != KindRecreateFailedAfterRemoval {
		t.Fatalf("kind = %v, want recreate_failed_after_removal", KindOf(err))
	}
	if !strings.Contains(err.Error(), "rollback restore previous container") {
		t.Fatalf("error = %q, want the failed restore", err)
	}
}

func TestExecutor_RollbackRunsInReverse(t *testing.T) {
	x := NewExecutor(newEngine(t), testOptions())
	var order []string
	step := func(name string, err error) rollbackAction {
		return rollbackAction{description: name, run: func(ctx context.Context) error {
			if ctx.Err() != nil {
				t.Errorf("%s ran on a canceled context", name)
			}
			order = append(order, name)
			return err
		}}
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	boom := errors.New("boom")
	err := x.rollback(ctx, "web", []rollbackAction{step("first", nil), step("second", boom), step("third", nil)})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "rollback second") {
		t.Fatalf("rollback() error = %v", err)
	}
	if got := strings.Join(order, ","); got != "third,second,first" {
		t.Fatalf("order = %s, want third,second,first", got)
	}
}

func TestExecutor_UpdateUnsupported(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.SetCapabilities(engine.Capabilities{UpdateResources: true})

	next := webSpec()
	next.RestartPolicy = spec.RestartOnFailure
	desired := NormalizeDesired(next)
	err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionUpdate, Changed: []Field{FieldRestartPolicy}}, &desired, &obs)
	if KindOf(err) != KindUpdateUnsupported {
		t.Fatalf("kind = %v, want update_unsupported", KindOf(err))
	}
	if n := len(e.Calls("ContainerUpdate")); n != 0 {
		t.Fatalf("ContainerUpdate calls = %d, want 0", n)
	}
}

func TestExecutor_UpdateClearingLimit(t *testing.T) {
	tests := []struct {
		name     string
		caps     engine.Capabilities
		wantKind ErrorKind
		want     engine.Resources
	}{
		{
			name:     "engine keeps zero limits",
			caps:     engine.Capabilities{UpdateRestartPolicy: true, UpdateResources: true},
			wantKind: KindUpdateUnsupported,
			want:     engine.Resources{NanoCPUs: 1_000_000_000, MemoryBytes: 64 << 20},
		},
		{
			name:     "engine clears zero limits",
			caps:     engine.Capabilities{UpdateRestartPolicy: true, UpdateResources: true, UpdateClearsLimits: true},
			wantKind: KindNone,
			want:     engine.Resources{NanoCPUs: 1_000_000_000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			s := webSpec()
			s.Resources = &spec.Resources{CPUs: 1, MemoryBytes: 64 << 20}
			obs := converged(t, e, s)
			e.SetCapabilities(tt.caps)

			s.Resources = &spec.Resources{CPUs: 1}
			desired := NormalizeDesired(s)
			err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionUpdate, Changed: []Field{FieldResources}}, &desired, &obs)
			if KindOf(err) != tt.wantKind {
				t.Fatalf("kind = %v, want %v (err = %v)", KindOf(err), tt.wantKind, err)
			}
			info, _ := e.Container("web")
			if info.Resources != tt.want {
				t.Fatalf("resources = %+v, want %+v", info.Resources, tt.want)
			}
		})
	}
}

func TestExecutor_UpdateRejectedByEngine(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.Faults.FailAlways("ContainerUpdate", engine.ErrUnsupported)

	next := webSpec()
	next.Resources = &spec.Resources{MemoryBytes: 64 << 20}
	desired := NormalizeDesired(next)
	err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionUpdate, Changed: []Field{FieldResources}}, &desired, &obs)
	if KindOf(err) != KindUpdateUnsupported {
		t.Fatalf("kind = %v, want update_unsupported", KindOf(err))
	}
}

func TestExecutor_UpdateAppliesInPlace(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())

	next := webSpec()
	next.RestartPolicy = spec.RestartOnFailure
	desired := NormalizeDesired(next)
	if err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionUpdate, Changed: []Field{FieldRestartPolicy}}, &desired, &obs); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	info, _ := e.Container("web")
	if info.ID != obs.ID || info.RestartPolicy != "on-failure" {
		t.Fatalf("container after update = %+v", info)
	}
}

func TestExecutor_RemoveIsIdempotent(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	x := NewExecutor(e, testOptions())

	for i := range 2 {
		if err := x.Apply(t.Context(), Action{Kind: ActionRemove}, nil, &obs); err != nil {
			t.Fatalf("remove #%d error = %v", i+1, err)
		}
	}
	if _, ok := e.Container("web"); ok {
		t.Fatal("container still present")
	}
}

func TestExecutor_StartStopTolerateTargetState(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	x := NewExecutor(e, testOptions())

	if err := x.Apply(t.Context(), Action{Kind: ActionStart}, nil, &obs); err != nil {
		t.Fatalf("start running container: %v", err)
	}
	for i := range 2 {
		if err := x.Apply(t.Context(), Action{Kind: ActionStop}, nil, &obs); err != nil {
			t.Fatalf("stop #%d error = %v", i+1, err)
		}
	}
	info, _ := e.Container("web")
	if info.Running {
		t.Fatal("container still running")
	}
}

func TestExecutor_UnreachableIsFatalKind(t *testing.T) {
	e := newEngine(t)
	obs := converged(t, e, webSpec())
	e.SetUnreachable(true)

	err := NewExecutor(e, testOptions()).Apply(t.Context(), Action{Kind: ActionStop}, nil, &obs)
	if KindOf(err) != KindEngineUnreachable || !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("err = %v, want engine_unreachable", err)
	}
	if n := len(e.Calls("ContainerStop")); n != 3 {
		t.Fatalf("ContainerStop calls = %d, want 3 (unreachable is retried)", n)
	}
}
