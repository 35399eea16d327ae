// Package engine defines the capability set the reconciler needs from a
// container runtime. Adapters translate a concrete runtime's API and errors
// into these types; nothing above this package depends on a wire protocol.
package engine

import (
	"context"
	"time"
)

// Engine abstracts container engine operations.
// Production: adapter/docker.Runtime (wrapping Docker *client.Client)
// Testing: adapter/fake.Engine
type Engine interface {
	// Daemon health
	Ping(ctx context.Context) error

	// Read side
	ContainerInspect(ctx context.Context, name string) (ContainerInfo, error)
	ImageInspect(ctx context.Context, ref string) (ImageInfo, error)

	// Write side
	ImagePull(ctx context.Context, ref string) (digest string, err error)
	ContainerCreate(ctx context.Context, cfg CreateConfig) (id string, err error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string, timeout time.Duration) error
	ContainerRemove(ctx context.Context, id string, force bool) error
	ContainerUpdate(ctx context.Context, id string, cfg UpdateConfig) error

	// Capabilities reports what the engine can change on a live container.
	Capabilities() Capabilities
	Close() error
}

// ContainerInfo is the engine's view of one container. Exists is false when
// the engine has no container by that name; every other field is then zero.
type ContainerInfo struct {
	Exists   bool
	ID       string
	Name     string
	Image    string // reference the container was created from
	ImageID  string // content digest of the image the container runs
	Running  bool
	ExitCode *int
	Created  time.Time

	Cmd           []string
	Env           []string
	Ports         []PortBinding
	Mounts        []Mount
	Networks      []string
	RestartPolicy string
	Resources     Resources
	Labels        map[string]string
}

// ImageInfo describes a locally present image. Exists is false when the
// engine does not hold the image.
type ImageInfo struct {
	Exists      bool
	ID          string
	RepoDigests []string
}

// CreateConfig is everything the engine needs to create one container.
type CreateConfig struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	Ports         []PortBinding
	Mounts        []Mount
	Networks      []string
	RestartPolicy string
	Resources     Resources
	Labels        map[string]string
}

// UpdateConfig carries the fields changeable on a live container. Nil pointer
// fields are left untouched.
type UpdateConfig struct {
	RestartPolicy *string
	Resources     *Resources
}

type PortBinding struct {
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Resources holds limits. Zero means unlimited.
type Resources struct {
	NanoCPUs    int64
	MemoryBytes int64
}

// Capabilities lists the live-update support of an engine.
type Capabilities struct {
	UpdateRestartPolicy bool
	UpdateResources     bool
	// UpdateClearsLimits reports whether a zero limit in a live update
	// removes an existing limit. Without it a zero leaves the limit as is.
	UpdateClearsLimits bool
}
