package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk desired-state document:
//
//	defaults:
//	  restart: unless-stopped
//	containers:
//	  - name: web
//	    image: nginx:1.27
//	    ports: ["8080:80"]
//
// Fields set in defaults fill the matching unset fields of every container.
// Maps are merged key by key; lists are taken from defaults only when the
// container leaves them empty.
type Manifest struct {
	Defaults   ContainerEntry   `yaml:"defaults,omitempty"`
	Containers []ContainerEntry `yaml:"containers"`
}

// ContainerEntry is the YAML shape of one container.
type ContainerEntry struct {
	Name          string            `yaml:"name,omitempty"`
	Image         string            `yaml:"image,omitempty"`
	Command       []string          `yaml:"command,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Restart       string            `yaml:"restart,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
	Resources     *ResourceEntry    `yaml:"resources,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	State         string            `yaml:"state,omitempty"`
	ForceRecreate bool              `yaml:"force_recreate,omitempty"`
}

type ResourceEntry struct {
	CPUs   float64 `yaml:"cpus,omitempty"`
	Memory string  `yaml:"memory,omitempty"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) ([]DesiredSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	specs, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return specs, nil
}

// ParseManifest decodes a manifest, applies defaults and validates every
// container. Validation errors of all containers are joined.
func ParseManifest(data []byte) ([]DesiredSpec, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: manifest is empty", ErrInvalidSpec)
		}
		return nil, fmt.Errorf("%w: decode manifest: %v", ErrInvalidSpec, err)
	}
	if len(m.Containers) == 0 {
		return nil, fmt.Errorf("%w: manifest has no containers", ErrInvalidSpec)
	}

	out := make([]DesiredSpec, 0, len(m.Containers))
	var errs []error
	for i, entry := range m.Containers {
		if err := mergo.Merge(&entry, m.Defaults); err != nil {
			return nil, fmt.Errorf("apply defaults to container %d: %w", i, err)
		}
		s, err := entry.toSpec()
		if err != nil {
			errs = append(errs, fmt.Errorf("container %d (%s): %w", i, entry.Name, err))
			continue
		}
		if err := Validate(s); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (e ContainerEntry) toSpec() (DesiredSpec, error) {
	s := DesiredSpec{
		Name:          strings.TrimSpace(e.Name),
		Image:         strings.TrimSpace(e.Image),
		Command:       e.Command,
		Env:           e.Env,
		RestartPolicy: RestartPolicy(strings.TrimSpace(e.Restart)),
		Networks:      e.Networks,
		Labels:        e.Labels,
		State:         RunState(strings.TrimSpace(e.State)),
		ForceRecreate: e.ForceRecreate,
	}
	if s.RestartPolicy == "no" {
		s.RestartPolicy = RestartNever
	}

	for _, raw := range e.Ports {
		ports, err := ParsePort(raw)
		if err != nil {
			return DesiredSpec{}, err
		}
		s.Ports = append(s.Ports, ports...)
	}
	for _, raw := range e.Volumes {
		v, err := ParseVolume(raw)
		if err != nil {
			return DesiredSpec{}, err
		}
		s.Volumes = append(s.Volumes, v)
	}
	if e.Resources != nil {
		r := &Resources{CPUs: e.Resources.CPUs}
		if mem := strings.TrimSpace(e.Resources.Memory); mem != "" {
			n, err := units.RAMInBytes(mem)
			if err != nil {
				return DesiredSpec{}, fmt.Errorf("%w: memory %q: %v", ErrInvalidSpec, mem, err)
			}
			r.MemoryBytes = n
		}
		s.Resources = r
	}
	return s, nil
}

// ParsePort parses a docker-style publish string such as "8080:80",
// "127.0.0.1:53:53/udp" or "9000-9001:9000-9001".
func ParsePort(raw string) ([]PortBinding, error) {
	mappings, err := nat.ParsePortSpec(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: port %q: %v", ErrInvalidSpec, raw, err)
	}
	out := make([]PortBinding, 0, len(mappings))
	for _, m := range mappings {
		containerPort := m.Port.Int()
		if containerPort <= 0 || containerPort > 65535 {
			return nil, fmt.Errorf("%w: port %q: container port out of range", ErrInvalidSpec, raw)
		}
		var hostPort uint64
		if hp := strings.TrimSpace(m.Binding.HostPort); hp != "" {
			hostPort, err = strconv.ParseUint(hp, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: port %q: host port %q: %v", ErrInvalidSpec, raw, hp, err)
			}
		}
		out = append(out, PortBinding{
			HostIP:        m.Binding.HostIP,
			HostPort:      uint16(hostPort),
			ContainerPort: uint16(containerPort),
			Protocol:      m.Port.Proto(),
		})
	}
	return out, nil
}

// ParseVolume parses "source:target[:ro|rw]".
func ParseVolume(raw string) (VolumeMount, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	var v VolumeMount
	switch len(parts) {
	case 2:
		v = VolumeMount{Source: parts[0], Target: parts[1]}
	case 3:
		v = VolumeMount{Source: parts[0], Target: parts[1], Mode: parts[2]}
	default:
		return VolumeMount{}, fmt.Errorf("%w: volume %q: want source:target[:mode]", ErrInvalidSpec, raw)
	}
	if v.Source == "" || v.Target == "" {
		return VolumeMount{}, fmt.Errorf("%w: volume %q: empty source or target", ErrInvalidSpec, raw)
	}
	if v.Mode != "" && v.Mode != ModeReadOnly && v.Mode != ModeReadWrite {
		return VolumeMount{}, fmt.Errorf("%w: volume %q: mode must be ro or rw", ErrInvalidSpec, raw)
	}
	return v, nil
}
