// Package spec holds the caller-facing desired-state model and the loaders
// that produce it from manifests and compose files.
package spec

import (
	"maps"
	"slices"
	"strings"
)

type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// RunState is the lifecycle state a container should converge to.
type RunState string

const (
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
	StateAbsent  RunState = "absent"
)

const (
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolSCTP = "sctp"

	ModeReadWrite = "rw"
	ModeReadOnly  = "ro"
)

// DesiredSpec is the caller-specified target configuration of one container.
// Name is the unique key within a batch.
type DesiredSpec struct {
	Name          string            `json:"name" validate:"required,container_name"`
	Image         string            `json:"image,omitempty" validate:"required_unless=State absent,omitempty,image_ref"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty" validate:"omitempty,dive,keys,env_key,endkeys"`
	Ports         []PortBinding     `json:"ports,omitempty" validate:"omitempty,unique_host_ports,dive"`
	Volumes       []VolumeMount     `json:"volumes,omitempty" validate:"omitempty,unique=Target,dive"`
	RestartPolicy RestartPolicy     `json:"restart_policy,omitempty" validate:"omitempty,oneof=never on-failure always unless-stopped"`
	Networks      []string          `json:"networks,omitempty" validate:"omitempty,dive,required"`
	Resources     *Resources        `json:"resources,omitempty" validate:"omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	State         RunState          `json:"state,omitempty" validate:"omitempty,oneof=running stopped absent"`

	// ForceRecreate applies changes that would otherwise be made in place by
	// recreating the container. Used when the engine rejects a live update.
	ForceRecreate bool `json:"force_recreate,omitempty"`
}

// PortBinding publishes ContainerPort on HostPort. HostPort 0 lets the engine
// pick an ephemeral port.
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty" validate:"omitempty,ip"`
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port" validate:"required"`
	Protocol      string `json:"protocol,omitempty" validate:"omitempty,oneof=tcp udp sctp"`
}

// CanonicalHostIP maps every spelling of the any-address to "" so bindings on
// 0.0.0.0, :: and an empty host IP compare equal.
func CanonicalHostIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "0.0.0.0" || ip == "::" {
		return ""
	}
	return ip
}

type VolumeMount struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required,startswith=/"`
	Mode   string `json:"mode,omitempty" validate:"omitempty,oneof=rw ro"`
}

// Resources are optional limits; zero values mean unlimited.
type Resources struct {
	CPUs        float64 `json:"cpus,omitempty" validate:"gte=0"`
	MemoryBytes int64   `json:"memory_bytes,omitempty" validate:"gte=0"`
}

// EffectiveState returns the desired run state with the default applied.
func (s DesiredSpec) EffectiveState() RunState {
	if s.State == "" {
		return StateRunning
	}
	return s.State
}

// Clone returns a deep copy so a reconciliation pass can hold the spec
// without observing later caller mutations.
func (s DesiredSpec) Clone() DesiredSpec {
	out := s
	out.Command = slices.Clone(s.Command)
	out.Env = maps.Clone(s.Env)
	out.Ports = slices.Clone(s.Ports)
	out.Volumes = slices.Clone(s.Volumes)
	out.Networks = slices.Clone(s.Networks)
	out.Labels = maps.Clone(s.Labels)
	if s.Resources != nil {
		r := *s.Resources
		out.Resources = &r
	}
	return out
}
