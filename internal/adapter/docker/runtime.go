package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"converge/internal/engine"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

var _ engine.Engine = (*Runtime)(nil)

// Runtime implements engine.Engine using the Docker Engine API.
type Runtime struct {
	cli client.APIClient
	log *slog.Logger
}

// NewRuntime creates a Runtime with a new Docker client from the environment
// (DOCKER_HOST, DOCKER_API_VERSION, DOCKER_CERT_PATH, DOCKER_TLS_VERIFY).
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewRuntimeFromClient(cli), nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli client.APIClient) *Runtime {
	return &Runtime{cli: cli, log: slog.With("component", "docker")}
}

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return classify("ping docker daemon", err)
	}
	return nil
}

// WaitReady blocks until the daemon answers or ctx ends.
func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

func (r *Runtime) ContainerInspect(ctx context.Context, name string) (engine.ContainerInfo, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		err = classify(fmt.Sprintf("inspect container %q", name), err)
		if isNotFound(err) {
			return engine.ContainerInfo{Exists: false}, nil
		}
		return engine.ContainerInfo{}, err
	}
	return containerInfoFromInspect(info), nil
}

func (r *Runtime) ImageInspect(ctx context.Context, ref string) (engine.ImageInfo, error) {
	img, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		err = classify(fmt.Sprintf("inspect image %q", ref), err)
		if isNotFound(err) {
			return engine.ImageInfo{Exists: false}, nil
		}
		return engine.ImageInfo{}, err
	}
	return engine.ImageInfo{Exists: true, ID: img.ID, RepoDigests: slices.Clone(img.RepoDigests)}, nil
}

// ImagePull pulls ref and returns the local image ID it resolved to.
func (r *Runtime) ImagePull(ctx context.Context, ref string) (string, error) {
	pull, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", classify(fmt.Sprintf("pull image %q", ref), err)
	}
	// The pull only completes once the progress stream is drained.
	_, copyErr := io.Copy(io.Discard, pull)
	_ = pull.Close()
	if copyErr != nil {
		return "", classify(fmt.Sprintf("pull image %q", ref), copyErr)
	}

	img, err := r.ImageInspect(ctx, ref)
	if err != nil {
		return "", err
	}
	if !img.Exists {
		return "", fmt.Errorf("%w: image %q missing after pull", engine.ErrTransient, ref)
	}
	r.log.Debug("image pulled", "image", ref, "id", img.ID)
	return img.ID, nil
}

func (r *Runtime) ContainerCreate(ctx context.Context, cfg engine.CreateConfig) (string, error) {
	cc, hc, nc := createConfig(cfg)
	resp, err := r.cli.ContainerCreate(ctx, cc, hc, nc, nil, cfg.Name)
	if err != nil {
		return "", classify(fmt.Sprintf("create container %q", cfg.Name), err)
	}
	for _, w := range resp.Warnings {
		r.log.Warn("create container warning", "container", cfg.Name, "warning", w)
	}
	return resp.ID, nil
}

func (r *Runtime) ContainerStart(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(fmt.Sprintf("start container %q", id), err)
	}
	return nil
}

func (r *Runtime) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(math.Ceil(timeout.Seconds()))
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return classify(fmt.Sprintf("stop container %q", id), err)
	}
	return nil
}

func (r *Runtime) ContainerRemove(ctx context.Context, id string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return classify(fmt.Sprintf("remove container %q", id), err)
	}
	return nil
}

func (r *Runtime) ContainerUpdate(ctx context.Context, id string, cfg engine.UpdateConfig) error {
	update := container.UpdateConfig{}
	if cfg.RestartPolicy != nil {
		update.RestartPolicy = restartPolicyToDocker(*cfg.RestartPolicy)
	}
	if cfg.Resources != nil {
		if err := r.checkLimitsKept(ctx, id, *cfg.Resources); err != nil {
			return err
		}
		update.Resources.NanoCPUs = cfg.Resources.NanoCPUs
		update.Resources.Memory = cfg.Resources.MemoryBytes
		if cfg.Resources.MemoryBytes > 0 {
			// Docker rejects a memory limit above the current swap limit.
			update.Resources.MemorySwap = -1
		}
	}

	resp, err := r.cli.ContainerUpdate(ctx, id, update)
	if err != nil {
		return classify(fmt.Sprintf("update container %q", id), err)
	}
	for _, w := range resp.Warnings {
		r.log.Warn("update container warning", "container", id, "warning", w)
	}
	return nil
}

// checkLimitsKept rejects an update that would lower a set limit to zero.
// Docker reads a zero limit as "unchanged", so the update would succeed
// while the old limit stays in place.
func (r *Runtime) checkLimitsKept(ctx context.Context, id string, res engine.Resources) error {
	if res.NanoCPUs != 0 && res.MemoryBytes != 0 {
		return nil
	}
	info, err := r.ContainerInspect(ctx, id)
	if err != nil {
		return err
	}
	if (res.NanoCPUs == 0 && info.Resources.NanoCPUs != 0) || (res.MemoryBytes == 0 && info.Resources.MemoryBytes != 0) {
		return fmt.Errorf("update container %q: clear resource limit: %w", id, engine.ErrUnsupported)
	}
	return nil
}

// Capabilities reports Docker's live update support: restart policy and CPU
// and memory limits can change without recreating the container. A limit
// cannot be removed in place.
func (r *Runtime) Capabilities() engine.Capabilities {
	return engine.Capabilities{UpdateRestartPolicy: true, UpdateResources: true}
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func createConfig(cfg engine.CreateConfig) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	cc := &container.Config{
		Image:  cfg.Image,
		Cmd:    slices.Clone(cfg.Cmd),
		Env:    slices.Clone(cfg.Env),
		Labels: cfg.Labels,
	}
	hc := &container.HostConfig{
		RestartPolicy: restartPolicyToDocker(cfg.RestartPolicy),
		Resources: container.Resources{
			NanoCPUs: cfg.Resources.NanoCPUs,
			Memory:   cfg.Resources.MemoryBytes,
		},
	}

	if len(cfg.Ports) > 0 {
		portBindings := make(nat.PortMap, len(cfg.Ports))
		exposedPorts := make(nat.PortSet, len(cfg.Ports))
		for _, p := range cfg.Ports {
			proto := strings.ToLower(strings.TrimSpace(p.Protocol))
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}
			binding := nat.PortBinding{HostIP: p.HostIP}
			if p.HostPort != 0 {
				binding.HostPort = strconv.Itoa(int(p.HostPort))
			}
			portBindings[containerPort] = append(portBindings[containerPort], binding)
		}
		cc.ExposedPorts = exposedPorts
		hc.PortBindings = portBindings
	}

	hc.Mounts = make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mountType(m.Source),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var nc *network.NetworkingConfig
	if len(cfg.Networks) > 0 {
		hc.NetworkMode = container.NetworkMode(cfg.Networks[0])
		nc = &network.NetworkingConfig{EndpointsConfig: make(map[string]*network.EndpointSettings, len(cfg.Networks))}
		for _, name := range cfg.Networks {
			nc.EndpointsConfig[name] = &network.EndpointSettings{}
		}
	}
	return cc, hc, nc
}

func containerInfoFromInspect(info container.InspectResponse) engine.ContainerInfo {
	out := engine.ContainerInfo{Exists: true}
	if info.ContainerJSONBase != nil {
		out.ID = info.ID
		out.Name = strings.TrimPrefix(info.Name, "/")
		out.ImageID = info.Image
		if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
			out.Created = created
		}
		if info.State != nil {
			out.Running = info.State.Running
			if !info.State.Running && info.State.Status != "created" {
				code := info.State.ExitCode
				out.ExitCode = &code
			}
		}
		if hc := info.HostConfig; hc != nil {
			out.RestartPolicy = restartPolicyFromDocker(hc.RestartPolicy)
			out.Resources = engine.Resources{NanoCPUs: hc.NanoCPUs, MemoryBytes: hc.Memory}
			out.Ports = portsFromDocker(hc.PortBindings)
			for _, m := range hc.Mounts {
				out.Mounts = append(out.Mounts, engine.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
			}
		}
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.Cmd = slices.Clone([]string(info.Config.Cmd))
		out.Env = slices.Clone(info.Config.Env)
		out.Labels = info.Config.Labels
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			out.Networks = append(out.Networks, name)
		}
		sort.Strings(out.Networks)
	}
	return out
}

func portsFromDocker(pm nat.PortMap) []engine.PortBinding {
	var out []engine.PortBinding
	for port, bindings := range pm {
		for _, b := range bindings {
			hostPort, _ := strconv.ParseUint(b.HostPort, 10, 16)
			out = append(out, engine.PortBinding{
				HostIP:        b.HostIP,
				HostPort:      uint16(hostPort),
				ContainerPort: uint16(port.Int()),
				Protocol:      port.Proto(),
			})
		}
	}
	return out
}

func restartPolicyToDocker(policy string) container.RestartPolicy {
	switch strings.TrimSpace(policy) {
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

func restartPolicyFromDocker(p container.RestartPolicy) string {
	switch p.Name {
	case container.RestartPolicyAlways:
		return "always"
	case container.RestartPolicyOnFailure:
		return "on-failure"
	case container.RestartPolicyUnlessStopped:
		return "unless-stopped"
	default:
		return "never"
	}
}

// mountType treats absolute sources as host paths and anything else as a
// named volume.
func mountType(source string) mount.Type {
	if strings.HasPrefix(source, "/") {
		return mount.TypeBind
	}
	return mount.TypeVolume
}
