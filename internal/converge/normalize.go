package converge

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"converge/internal/engine"
	"converge/internal/spec"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	// LabelManaged marks containers created by converge.
	LabelManaged = "converge.managed"
	// LabelSpec holds the JSON-encoded NormalizedSpec the container was
	// created from.
	LabelSpec = "converge.spec"
	// LabelFingerprint holds Fingerprint of that spec.
	LabelFingerprint = "converge.fingerprint"
)

// NormalizedSpec is the canonical, comparable form of a container
// configuration. Desired specs and observed containers are both projected
// into it with the same rules, so equal configurations compare equal
// regardless of input ordering or defaulted values.
type NormalizedSpec struct {
	Name  string `json:"name"`
	Image string `json:"image"`
	// ImageDigest is the content ID the image reference resolved to. Empty
	// when resolution failed, in which case Degraded is set and images are
	// compared by reference.
	ImageDigest   string             `json:"-"`
	Degraded      bool               `json:"-"`
	Command       []string           `json:"command,omitempty"`
	Env           []string           `json:"env,omitempty"`
	Ports         []spec.PortBinding `json:"ports,omitempty"`
	Volumes       []spec.VolumeMount `json:"volumes,omitempty"`
	Networks      []string           `json:"networks,omitempty"`
	RestartPolicy spec.RestartPolicy `json:"restart_policy"`
	Resources     engine.Resources   `json:"resources"`
	Labels        map[string]string  `json:"labels,omitempty"`
	State         spec.RunState      `json:"-"`
}

// Clone returns a deep copy.
func (n NormalizedSpec) Clone() NormalizedSpec {
	out := n
	out.Command = slices.Clone(n.Command)
	out.Env = slices.Clone(n.Env)
	out.Ports = slices.Clone(n.Ports)
	out.Volumes = slices.Clone(n.Volumes)
	out.Networks = slices.Clone(n.Networks)
	out.Labels = maps.Clone(n.Labels)
	return out
}

// Normalizer projects desired specs and observed state into NormalizedSpec.
// It only reads from the engine, to resolve image digests.
type Normalizer struct {
	eng     engine.Engine
	timeout time.Duration
	log     *slog.Logger
}

func NewNormalizer(eng engine.Engine, timeout time.Duration, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default().With("component", "normalizer")
	}
	return &Normalizer{eng: eng, timeout: timeout, log: log}
}

// Desired normalizes s and resolves its image to a content digest. A failed
// or empty resolution leaves the digest unset and marks the result Degraded.
func (n *Normalizer) Desired(ctx context.Context, s spec.DesiredSpec) NormalizedSpec {
	out := NormalizeDesired(s)
	if out.State == spec.StateAbsent || out.Image == "" {
		return out
	}

	callCtx := ctx
	if n.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	img, err := n.eng.ImageInspect(callCtx, out.Image)
	switch {
	case err != nil:
		n.log.Debug("image digest resolution failed", "image", out.Image, "err", err)
		out.Degraded = true
	case !img.Exists:
		out.Degraded = true
	default:
		if _, perr := digest.Parse(img.ID); perr != nil {
			n.log.Debug("engine returned a non-digest image id", "image", out.Image, "id", img.ID)
			out.Degraded = true
			break
		}
		out.ImageDigest = img.ID
	}
	return out
}

// Observed projects an observed container. It returns nil when the
// container does not exist. Live-mutable fields and the image digest come
// from the engine; the rest from the configuration recorded at create time.
func (n *Normalizer) Observed(obs ObservedState) *NormalizedSpec {
	return NormalizeObserved(obs)
}

// NormalizeDesired is the engine-independent part of Normalizer.Desired.
func NormalizeDesired(s spec.DesiredSpec) NormalizedSpec {
	out := NormalizedSpec{
		Name:          strings.TrimSpace(s.Name),
		Image:         CanonicalImage(s.Image),
		Command:       slices.Clone(s.Command),
		Env:           envList(s.Env),
		Ports:         slices.Clone(s.Ports),
		Volumes:       slices.Clone(s.Volumes),
		Networks:      slices.Clone(s.Networks),
		RestartPolicy: s.RestartPolicy,
		Labels:        maps.Clone(s.Labels),
		State:         s.EffectiveState(),
	}
	if s.Resources != nil {
		out.Resources = engine.Resources{
			NanoCPUs:    int64(math.Round(s.Resources.CPUs * 1e9)),
			MemoryBytes: s.Resources.MemoryBytes,
		}
	}
	return canonical(out)
}

// NormalizeObserved is the pure form of Normalizer.Observed.
func NormalizeObserved(obs ObservedState) *NormalizedSpec {
	if !obs.Exists {
		return nil
	}
	var out NormalizedSpec
	if obs.Config != nil {
		out = obs.Config.Clone()
	}
	out.Name = obs.Name
	if out.Image == "" {
		out.Image = CanonicalImage(obs.ImageRef)
	}
	out.ImageDigest = obs.ImageDigest
	out.RestartPolicy = obs.RestartPolicy
	out.Resources = obs.Resources
	out.State = spec.StateStopped
	if obs.Running {
		out.State = spec.StateRunning
	}
	out = canonical(out)
	return &out
}

// Fingerprint is a stable digest of the container configuration, image
// digest included and run state excluded.
func Fingerprint(n NormalizedSpec) string {
	n = canonical(n)
	payload := struct {
		NormalizedSpec
		ImageDigest string `json:"image_digest,omitempty"`
	}{NormalizedSpec: n, ImageDigest: n.ImageDigest}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return digest.FromBytes(data).String()
}

// CanonicalImage folds equivalent spellings of an image reference onto one
// form: "nginx", "nginx:latest" and "docker.io/library/nginx:latest" all
// become "nginx:latest". Unparseable references are returned trimmed.
func CanonicalImage(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.FamiliarString(reference.TagNameOnly(named))
}

func canonical(n NormalizedSpec) NormalizedSpec {
	out := n.Clone()
	if len(out.Command) == 0 {
		out.Command = nil
	}
	if len(out.Env) == 0 {
		out.Env = nil
	} else {
		slices.Sort(out.Env)
		out.Env = slices.Compact(out.Env)
	}
	out.Ports = canonicalPorts(out.Ports)
	out.Volumes = canonicalVolumes(out.Volumes)
	out.Networks = canonicalNetworks(out.Networks)
	if out.RestartPolicy == "" {
		out.RestartPolicy = spec.RestartNever
	}
	if out.Resources.NanoCPUs < 0 {
		out.Resources.NanoCPUs = 0
	}
	if out.Resources.MemoryBytes < 0 {
		out.Resources.MemoryBytes = 0
	}
	if len(out.Labels) == 0 {
		out.Labels = nil
	}
	if out.State == "" {
		out.State = spec.StateRunning
	}
	return out
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func canonicalPorts(ports []spec.PortBinding) []spec.PortBinding {
	if len(ports) == 0 {
		return nil
	}
	for i := range ports {
		p := &ports[i]
		p.Protocol = strings.ToLower(strings.TrimSpace(p.Protocol))
		if p.Protocol == "" {
			p.Protocol = spec.ProtocolTCP
		}
		p.HostIP = spec.CanonicalHostIP(p.HostIP)
	}
	slices.SortFunc(ports, func(a, b spec.PortBinding) int {
		return cmp.Or(
			cmp.Compare(a.ContainerPort, b.ContainerPort),
			cmp.Compare(a.Protocol, b.Protocol),
			cmp.Compare(a.HostIP, b.HostIP),
			cmp.Compare(a.HostPort, b.HostPort),
		)
	})
	return slices.Compact(ports)
}

func canonicalVolumes(vols []spec.VolumeMount) []spec.VolumeMount {
	if len(vols) == 0 {
		return nil
	}
	for i := range vols {
		if vols[i].Mode == "" {
			vols[i].Mode = spec.ModeReadWrite
		}
	}
	slices.SortFunc(vols, func(a, b spec.VolumeMount) int {
		return cmp.Or(
			cmp.Compare(a.Target, b.Target),
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.Mode, b.Mode),
		)
	})
	return slices.Compact(vols)
}

func canonicalNetworks(networks []string) []string {
	out := make([]string, 0, len(networks))
	for _, n := range networks {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
