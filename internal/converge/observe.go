package converge

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"converge/internal/engine"
	"converge/internal/spec"
)

// ObservedState is a read-only snapshot of one container as the engine
// reports it. It is stale as soon as it is returned.
type ObservedState struct {
	Name          string
	Exists        bool
	ID            string
	ImageRef      string
	ImageDigest   string
	Running       bool
	ExitCode      *int
	Fingerprint   string
	Created       time.Time
	RestartPolicy spec.RestartPolicy
	Resources     engine.Resources
	// Managed is set when the container carries converge labels.
	Managed bool
	// Config is the configuration recorded at create time, or a projection
	// of the engine's view for containers converge did not create.
	Config *NormalizedSpec
}

// Observer reads container state from the engine. It never mutates it.
type Observer struct {
	eng  engine.Engine
	call caller
}

func NewObserver(eng engine.Engine, timeout time.Duration, retries int, log *slog.Logger) *Observer {
	if log == nil {
		log = slog.Default().With("component", "observer")
	}
	return &Observer{eng: eng, call: caller{timeout: timeout, retries: retries, log: log}}
}

// Observe returns the state of the named container. A missing container is
// reported as ObservedState{Exists: false} with a nil error.
func (o *Observer) Observe(ctx context.Context, name string) (ObservedState, error) {
	var info engine.ContainerInfo
	err := o.call.do(ctx, "inspect", func(ctx context.Context) error {
		var err error
		info, err = o.eng.ContainerInspect(ctx, name)
		return err
	})
	if err != nil {
		kind := KindObserveFailed
		if engine.IsTransient(err) {
			kind = KindTransientTimeout
		}
		return ObservedState{Name: name}, newError(failureKind(kind, err), name, "inspect", err)
	}
	return observedFromInfo(name, info), nil
}

func observedFromInfo(name string, info engine.ContainerInfo) ObservedState {
	if !info.Exists {
		return ObservedState{Name: name}
	}
	obs := ObservedState{
		Name:          name,
		Exists:        true,
		ID:            info.ID,
		ImageRef:      info.Image,
		ImageDigest:   info.ImageID,
		Running:       info.Running,
		Created:       info.Created,
		RestartPolicy: restartPolicyFromEngine(info.RestartPolicy),
		Resources:     info.Resources,
		Managed:       info.Labels[LabelManaged] == "true",
	}
	if info.ExitCode != nil {
		code := *info.ExitCode
		obs.ExitCode = &code
	}

	if cfg, ok := decodeSpecLabel(info.Labels); ok {
		obs.Config = &cfg
	} else {
		cfg := projectInfo(info)
		obs.Config = &cfg
	}
	if n := NormalizeObserved(obs); n != nil {
		obs.Fingerprint = Fingerprint(*n)
	}
	return obs
}

func decodeSpecLabel(labels map[string]string) (NormalizedSpec, bool) {
	raw, ok := labels[LabelSpec]
	if !ok || raw == "" {
		return NormalizedSpec{}, false
	}
	var cfg NormalizedSpec
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return NormalizedSpec{}, false
	}
	return cfg, true
}

// projectInfo builds a configuration from raw engine fields. Engines merge
// image defaults (env, command) into these, so unmanaged containers rarely
// compare equal to a desired spec.
func projectInfo(info engine.ContainerInfo) NormalizedSpec {
	cfg := NormalizedSpec{
		Name:     info.Name,
		Image:    CanonicalImage(info.Image),
		Command:  slices.Clone(info.Cmd),
		Env:      slices.Clone(info.Env),
		Networks: slices.Clone(info.Networks),
	}
	for _, p := range info.Ports {
		cfg.Ports = append(cfg.Ports, spec.PortBinding{
			HostIP:        p.HostIP,
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
			Protocol:      p.Protocol,
		})
	}
	for _, m := range info.Mounts {
		mode := spec.ModeReadWrite
		if m.ReadOnly {
			mode = spec.ModeReadOnly
		}
		cfg.Volumes = append(cfg.Volumes, spec.VolumeMount{Source: m.Source, Target: m.Target, Mode: mode})
	}
	cfg.Labels = maps.Clone(info.Labels)
	maps.DeleteFunc(cfg.Labels, func(k, _ string) bool {
		return strings.HasPrefix(k, "converge.")
	})
	return canonical(cfg)
}

func restartPolicyFromEngine(policy string) spec.RestartPolicy {
	switch p := strings.TrimSpace(policy); p {
	case "", "no", "none":
		return spec.RestartNever
	default:
		return spec.RestartPolicy(p)
	}
}

// createLabels returns the labels a container is created with: the user's
// labels plus the recorded configuration.
func createLabels(desired NormalizedSpec) map[string]string {
	labels := maps.Clone(desired.Labels)
	if labels == nil {
		labels = make(map[string]string, 3)
	}
	labels[LabelManaged] = "true"
	if data, err := json.Marshal(desired); err == nil {
		labels[LabelSpec] = string(data)
	}
	labels[LabelFingerprint] = Fingerprint(desired)
	return labels
}
