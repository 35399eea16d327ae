package converge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"converge/internal/check"
	"converge/internal/engine"
	"converge/internal/spec"
)

// Executor applies one Action to the engine.
type Executor struct {
	eng         engine.Engine
	call        caller
	stopTimeout time.Duration
	restore     bool
	log         *slog.Logger
}

func NewExecutor(eng engine.Engine, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		eng: eng,
		call: caller{
			timeout:    opts.EngineTimeout,
			retries:    opts.RetryLimit,
			newBackOff: opts.BackOff,
			log:        opts.Logger,
		},
		stopTimeout: opts.StopTimeout,
		restore:     opts.RestoreOnFailure,
		log:         opts.Logger,
	}
}

// Apply performs action. desired is nil only for Remove; observed is nil
// only for Create. Failures are returned as *Error.
func (x *Executor) Apply(ctx context.Context, action Action, desired *NormalizedSpec, observed *ObservedState) error {
	switch action.Kind {
	case ActionNoOp:
		return nil
	case ActionCreate:
		check.Assert(desired != nil, "create needs a desired spec")
		_, err := x.create(ctx, *desired, KindCreateFailed)
		return err
	case ActionRecreate:
		check.Assert(desired != nil && observed != nil, "recreate needs desired and observed state")
		return x.recreate(ctx, *desired, *observed)
	case ActionUpdate:
		check.Assert(desired != nil && observed != nil, "update needs desired and observed state")
		return x.update(ctx, action, *desired, *observed)
	case ActionRemove:
		check.Assert(observed != nil, "remove needs observed state")
		return x.remove(ctx, *observed)
	case ActionStart:
		check.Assert(observed != nil, "start needs observed state")
		return x.start(ctx, observed.Name, observed.ID)
	case ActionStop:
		check.Assert(observed != nil, "stop needs observed state")
		return x.stop(ctx, observed.Name, observed.ID)
	default:
		check.Unreachable("unhandled action kind %d", action.Kind)
		return nil
	}
}

// create pulls the image if it is not present, creates the container and
// starts it when the desired state is running. A container that was created
// but could not be started is removed again. A failKind other than
// KindCreateFailed overrides the kind of any failure.
func (x *Executor) create(ctx context.Context, desired NormalizedSpec, failKind ErrorKind) (string, error) {
	imageID, err := x.ensureImage(ctx, desired.Name, desired.Image)
	if err == nil {
		if desired.ImageDigest == "" {
			desired.ImageDigest = imageID
		}
		var id string
		id, err = x.createAndStart(ctx, createConfig(desired, desired.Image), desired.State == spec.StateRunning)
		if err == nil {
			x.log.Debug("container created", "container", desired.Name, "id", id)
			return id, nil
		}
	}

	if failKind != KindCreateFailed {
		var stepErr *Error
		if errors.As(err, &stepErr) {
			stepErr.Kind = failKind
		}
	}
	return "", err
}

func (x *Executor) ensureImage(ctx context.Context, name, ref string) (string, error) {
	var img engine.ImageInfo
	err := x.call.do(ctx, "image inspect", func(ctx context.Context) error {
		var err error
		img, err = x.eng.ImageInspect(ctx, ref)
		return err
	})
	if err != nil {
		return "", newError(failureKind(KindPullFailed, err), name, "image inspect", err)
	}
	if img.Exists {
		return img.ID, nil
	}

	x.log.Info("pulling image", "container", name, "image", ref)
	var id string
	err = x.call.do(ctx, "pull", func(ctx context.Context) error {
		var err error
		id, err = x.eng.ImagePull(ctx, ref)
		return err
	})
	if err != nil {
		return "", newError(failureKind(KindPullFailed, err), name, "pull", err)
	}
	return id, nil
}

type rollbackAction struct {
	description string
	run         func(context.Context) error
}

// rollback runs actions in reverse order on a context that ignores
// cancellation, so a canceled pass still cleans up. Every failure is logged
// and joined into the result.
func (x *Executor) rollback(ctx context.Context, name string, actions []rollbackAction) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i].run(ctx); err != nil {
			x.log.Warn("rollback failed", "container", name, "rollback", actions[i].description, "err", err)
			errs = append(errs, fmt.Errorf("rollback %s: %w", actions[i].description, err))
			continue
		}
		x.log.Info("rolled back", "container", name, "rollback", actions[i].description)
	}
	return errors.Join(errs...)
}

func (x *Executor) createAndStart(ctx context.Context, cfg engine.CreateConfig, start bool) (string, error) {
	var rollbacks []rollbackAction

	var id string
	err := x.call.do(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = x.eng.ContainerCreate(ctx, cfg)
		return err
	})
	if err != nil {
		return "", newError(failureKind(KindCreateFailed, err), cfg.Name, "create", err)
	}
	if !start {
		return id, nil
	}
	rollbacks = append(rollbacks, rollbackAction{
		description: "remove unstartable container",
		run: func(ctx context.Context) error {
			return x.removeContainer(ctx, id)
		},
	})

	if err := x.startContainer(ctx, id); err != nil {
		if rbErr := x.rollback(ctx, cfg.Name, rollbacks); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return "", newError(failureKind(KindCreateFailed, err), cfg.Name, "start", err)
	}
	return id, nil
}

// recreate stops and removes the observed container, then creates the
// desired one. Once removal has succeeded any failure is reported as
// KindRecreateFailedAfterRemoval.
func (x *Executor) recreate(ctx context.Context, desired NormalizedSpec, observed ObservedState) error {
	var rollbacks []rollbackAction

	if err := x.stopBestEffort(ctx, observed.ID); err != nil {
		return newError(KindEngineUnreachable, observed.Name, "stop", err)
	}
	if err := x.removeContainer(ctx, observed.ID); err != nil {
		return newError(failureKind(KindRemoveFailed, err), observed.Name, "remove", err)
	}
	if x.restore && observed.Config != nil {
		rollbacks = append(rollbacks, rollbackAction{
			description: "restore previous container",
			run: func(ctx context.Context) error {
				return x.restorePrevious(ctx, observed)
			},
		})
	}

	_, err := x.create(ctx, desired, KindRecreateFailedAfterRemoval)
	if err == nil || len(rollbacks) == 0 {
		return err
	}
	if rbErr := x.rollback(ctx, observed.Name, rollbacks); rbErr != nil {
		return fmt.Errorf("%w; %w", err, rbErr)
	}
	return fmt.Errorf("%w; previous container restored", err)
}

// restorePrevious recreates the removed container from its recorded
// configuration, pinned to the image content it was running.
func (x *Executor) restorePrevious(ctx context.Context, observed ObservedState) error {
	prev := observed.Config.Clone()
	prev.Name = observed.Name
	prev.ImageDigest = observed.ImageDigest
	prev.RestartPolicy = observed.RestartPolicy
	prev.Resources = observed.Resources
	prev.State = spec.StateStopped
	if observed.Running {
		prev.State = spec.StateRunning
	}
	prev = canonical(prev)

	image := prev.Image
	if observed.ImageDigest != "" {
		image = observed.ImageDigest
	}
	_, err := x.createAndStart(ctx, createConfig(prev, image), prev.State == spec.StateRunning)
	return err
}

func (x *Executor) update(ctx context.Context, action Action, desired NormalizedSpec, observed ObservedState) error {
	caps := x.eng.Capabilities()
	var cfg engine.UpdateConfig
	if action.Has(FieldRestartPolicy) {
		if !caps.UpdateRestartPolicy {
			return x.unsupported(observed.Name, FieldRestartPolicy, nil)
		}
		policy := string(desired.RestartPolicy)
		cfg.RestartPolicy = &policy
	}
	if action.Has(FieldResources) {
		if !caps.UpdateResources {
			return x.unsupported(observed.Name, FieldResources, nil)
		}
		if clearsLimit(desired.Resources, observed.Resources) && !caps.UpdateClearsLimits {
			return x.unsupported(observed.Name, FieldResources, nil)
		}
		res := desired.Resources
		cfg.Resources = &res
	}

	if cfg.RestartPolicy != nil || cfg.Resources != nil {
		err := x.call.do(ctx, "update", func(ctx context.Context) error {
			return x.eng.ContainerUpdate(ctx, observed.ID, cfg)
		})
		if errors.Is(err, engine.ErrUnsupported) {
			return x.unsupported(observed.Name, action.Changed[0], err)
		}
		if err != nil {
			return newError(failureKind(KindUpdateFailed, err), observed.Name, "update", err)
		}
	}
	if len(action.Deferred) > 0 {
		x.log.Warn("fields need a recreate and were left unchanged",
			"container", observed.Name, "fields", joinFields(action.Deferred))
	}

	if action.Has(FieldRunState) {
		if desired.State == spec.StateRunning {
			return x.start(ctx, observed.Name, observed.ID)
		}
		return x.stop(ctx, observed.Name, observed.ID)
	}
	return nil
}

// clearsLimit reports whether next drops a limit that current sets.
func clearsLimit(next, current engine.Resources) bool {
	return (next.NanoCPUs == 0 && current.NanoCPUs != 0) || (next.MemoryBytes == 0 && current.MemoryBytes != 0)
}

func (x *Executor) unsupported(name string, field Field, cause error) error {
	err := fmt.Errorf("engine cannot change %s in place; set force_recreate to recreate the container", field)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return newError(KindUpdateUnsupported, name, "update", err)
}

// remove stops and removes the container. A container that is already gone
// counts as removed.
func (x *Executor) remove(ctx context.Context, observed ObservedState) error {
	if err := x.stopBestEffort(ctx, observed.ID); err != nil {
		return newError(KindEngineUnreachable, observed.Name, "stop", err)
	}
	if err := x.removeContainer(ctx, observed.ID); err != nil {
		return newError(failureKind(KindRemoveFailed, err), observed.Name, "remove", err)
	}
	return nil
}

func (x *Executor) start(ctx context.Context, name, id string) error {
	if err := x.startContainer(ctx, id); err != nil {
		return newError(failureKind(KindStartFailed, err), name, "start", err)
	}
	return nil
}

func (x *Executor) stop(ctx context.Context, name, id string) error {
	if err := x.stopContainer(ctx, id); err != nil {
		return newError(failureKind(KindStopFailed, err), name, "stop", err)
	}
	return nil
}

func (x *Executor) startContainer(ctx context.Context, id string) error {
	err := x.call.do(ctx, "start", func(ctx context.Context) error {
		return x.eng.ContainerStart(ctx, id)
	})
	if errors.Is(err, engine.ErrNotModified) {
		return nil
	}
	return err
}

func (x *Executor) stopContainer(ctx context.Context, id string) error {
	err := x.call.withTimeout(x.stopTimeout).do(ctx, "stop", func(ctx context.Context) error {
		return x.eng.ContainerStop(ctx, id, x.stopTimeout)
	})
	if errors.Is(err, engine.ErrNotModified) {
		return nil
	}
	return err
}

// stopBestEffort stops the container ahead of a forced removal. Only an
// unreachable engine is reported; any other failure is left to the removal.
func (x *Executor) stopBestEffort(ctx context.Context, id string) error {
	err := x.stopContainer(ctx, id)
	switch {
	case err == nil, errors.Is(err, engine.ErrNotFound):
		return nil
	case errors.Is(err, engine.ErrUnreachable):
		return err
	default:
		x.log.Debug("stop before remove failed", "id", id, "err", err)
		return nil
	}
}

func (x *Executor) removeContainer(ctx context.Context, id string) error {
	err := x.call.do(ctx, "remove", func(ctx context.Context) error {
		return x.eng.ContainerRemove(ctx, id, true)
	})
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return err
}

func createConfig(desired NormalizedSpec, image string) engine.CreateConfig {
	cfg := engine.CreateConfig{
		Name:          desired.Name,
		Image:         image,
		Cmd:           slices.Clone(desired.Command),
		Env:           slices.Clone(desired.Env),
		Networks:      slices.Clone(desired.Networks),
		RestartPolicy: string(desired.RestartPolicy),
		Resources:     desired.Resources,
		Labels:        createLabels(desired),
	}
	for _, p := range desired.Ports {
		cfg.Ports = append(cfg.Ports, engine.PortBinding{
			HostIP:        p.HostIP,
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
			Protocol:      p.Protocol,
		})
	}
	for _, v := range desired.Volumes {
		cfg.Mounts = append(cfg.Mounts, engine.Mount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.Mode == spec.ModeReadOnly,
		})
	}
	return cfg
}
