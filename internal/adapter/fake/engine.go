package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"converge/internal/adapter/fake/fault"
	"converge/internal/engine"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

var _ engine.Engine = (*Engine)(nil)

// MutatingMethods are the engine calls that change engine state.
var MutatingMethods = []string{
	"ImagePull",
	"ContainerCreate",
	"ContainerStart",
	"ContainerStop",
	"ContainerRemove",
	"ContainerUpdate",
}

type fakeContainer struct {
	info engine.ContainerInfo
}

// Engine is an in-memory implementation of engine.Engine. Containers are
// addressable by name or ID. Images must be seeded with AddImage (local) or
// PublishImage (pullable) before containers can be created from them.
type Engine struct {
	CallRecorder
	Faults *fault.Injector

	mu          sync.Mutex
	clock       *Clock
	unreachable bool
	caps        engine.Capabilities
	containers  map[string]*fakeContainer // by name
	images      map[string]engine.ImageInfo
	registry    map[string]string // ref -> digest
	nextID      int
}

// NewEngine creates a reachable Engine that supports live updates of restart
// policy and resources.
func NewEngine() *Engine {
	return &Engine{
		Faults:     fault.NewInjector(),
		clock:      NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		caps:       engine.Capabilities{UpdateRestartPolicy: true, UpdateResources: true},
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]engine.ImageInfo),
		registry:   make(map[string]string),
	}
}

// ImageID derives the deterministic content ID the fake assigns to a
// published image name and version.
func ImageID(content string) string {
	return digest.FromString(content).String()
}

// AddImage makes ref present locally with the given image ID.
func (e *Engine) AddImage(ref, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[imageKey(ref)] = engine.ImageInfo{Exists: true, ID: id, RepoDigests: []string{repoName(ref) + "@" + id}}
}

// PublishImage makes ref pullable; a pull stores it locally with id.
func (e *Engine) PublishImage(ref, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[imageKey(ref)] = id
}

// SetUnreachable makes every call fail as if the daemon socket were gone.
func (e *Engine) SetUnreachable(v bool) {
	e.mu.Lock()
	e.unreachable = v
	e.mu.Unlock()
}

// SetCapabilities overrides live-update support.
func (e *Engine) SetCapabilities(caps engine.Capabilities) {
	e.mu.Lock()
	e.caps = caps
	e.mu.Unlock()
}

// Container returns the stored state of a container by name.
func (e *Engine) Container(name string) (engine.ContainerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return engine.ContainerInfo{}, false
	}
	return cloneInfo(c.info), true
}

// MutationCount returns how many state-changing calls were recorded.
func (e *Engine) MutationCount() int {
	n := 0
	for _, m := range MutatingMethods {
		n += len(e.Calls(m))
	}
	return n
}

func (e *Engine) Ping(ctx context.Context) error {
	e.record("Ping")
	return e.precheck(ctx, "Ping")
}

func (e *Engine) ContainerInspect(ctx context.Context, name string) (engine.ContainerInfo, error) {
	e.record("ContainerInspect", name)
	if err := e.precheck(ctx, "ContainerInspect", name); err != nil {
		return engine.ContainerInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.lookup(name)
	if c == nil {
		return engine.ContainerInfo{Exists: false}, nil
	}
	return cloneInfo(c.info), nil
}

func (e *Engine) ImageInspect(ctx context.Context, ref string) (engine.ImageInfo, error) {
	e.record("ImageInspect", ref)
	if err := e.precheck(ctx, "ImageInspect", ref); err != nil {
		return engine.ImageInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	img, ok := e.images[imageKey(ref)]
	if !ok {
		return engine.ImageInfo{Exists: false}, nil
	}
	img.RepoDigests = slices.Clone(img.RepoDigests)
	return img, nil
}

func (e *Engine) ImagePull(ctx context.Context, ref string) (string, error) {
	e.record("ImagePull", ref)
	if err := e.precheck(ctx, "ImagePull", ref); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.registry[imageKey(ref)]
	if !ok {
		return "", fmt.Errorf("%w: pull %q: manifest unknown", engine.ErrNotFound, ref)
	}
	e.images[imageKey(ref)] = engine.ImageInfo{Exists: true, ID: id, RepoDigests: []string{repoName(ref) + "@" + id}}
	return id, nil
}

func (e *Engine) ContainerCreate(ctx context.Context, cfg engine.CreateConfig) (string, error) {
	e.record("ContainerCreate", cfg)
	if err := e.precheck(ctx, "ContainerCreate", cfg.Name); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.containers[cfg.Name]; exists {
		return "", fmt.Errorf("%w: container name %q is already in use", engine.ErrConflict, cfg.Name)
	}
	img, ok := e.images[imageKey(cfg.Image)]
	if !ok {
		img, ok = e.imageByID(cfg.Image)
	}
	if !ok {
		return "", fmt.Errorf("%w: no such image: %s", engine.ErrNotFound, cfg.Image)
	}

	e.nextID++
	id := fmt.Sprintf("%012x", e.nextID)
	e.containers[cfg.Name] = &fakeContainer{info: engine.ContainerInfo{
		Exists:        true,
		ID:            id,
		Name:          cfg.Name,
		Image:         cfg.Image,
		ImageID:       img.ID,
		Created:       e.clock.Now(),
		Cmd:           slices.Clone(cfg.Cmd),
		Env:           slices.Clone(cfg.Env),
		Ports:         slices.Clone(cfg.Ports),
		Mounts:        slices.Clone(cfg.Mounts),
		Networks:      slices.Clone(cfg.Networks),
		RestartPolicy: cfg.RestartPolicy,
		Resources:     cfg.Resources,
		Labels:        maps.Clone(cfg.Labels),
	}}
	return id, nil
}

func (e *Engine) ContainerStart(ctx context.Context, id string) error {
	e.record("ContainerStart", id)
	if err := e.precheck(ctx, "ContainerStart", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: no such container: %s", engine.ErrNotFound, id)
	}
	if c.info.Running {
		return fmt.Errorf("%w: container %s already started", engine.ErrNotModified, id)
	}
	c.info.Running = true
	c.info.ExitCode = nil
	return nil
}

func (e *Engine) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	e.record("ContainerStop", id, timeout)
	if err := e.precheck(ctx, "ContainerStop", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: no such container: %s", engine.ErrNotFound, id)
	}
	if !c.info.Running {
		return fmt.Errorf("%w: container %s already stopped", engine.ErrNotModified, id)
	}
	code := 0
	c.info.Running = false
	c.info.ExitCode = &code
	return nil
}

func (e *Engine) ContainerRemove(ctx context.Context, id string, force bool) error {
	e.record("ContainerRemove", id, force)
	if err := e.precheck(ctx, "ContainerRemove", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: no such container: %s", engine.ErrNotFound, id)
	}
	if c.info.Running && !force {
		return fmt.Errorf("%w: container %s is running, stop it or use force", engine.ErrConflict, id)
	}
	delete(e.containers, c.info.Name)
	return nil
}

func (e *Engine) ContainerUpdate(ctx context.Context, id string, cfg engine.UpdateConfig) error {
	e.record("ContainerUpdate", id, cfg)
	if err := e.precheck(ctx, "ContainerUpdate", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: no such container: %s", engine.ErrNotFound, id)
	}
	if cfg.RestartPolicy != nil && !e.caps.UpdateRestartPolicy {
		return fmt.Errorf("%w: live restart policy update", engine.ErrUnsupported)
	}
	if cfg.Resources != nil && !e.caps.UpdateResources {
		return fmt.Errorf("%w: live resource update", engine.ErrUnsupported)
	}
	if cfg.RestartPolicy != nil {
		c.info.RestartPolicy = *cfg.RestartPolicy
	}
	if cfg.Resources != nil {
		c.info.Resources = updatedResources(c.info.Resources, *cfg.Resources, e.caps.UpdateClearsLimits)
	}
	return nil
}

// updatedResources applies a live limit update. Without clearsLimits a zero
// field keeps the current limit, which is how the Docker daemon behaves.
func updatedResources(current, next engine.Resources, clearsLimits bool) engine.Resources {
	if clearsLimits {
		return next
	}
	if next.NanoCPUs != 0 {
		current.NanoCPUs = next.NanoCPUs
	}
	if next.MemoryBytes != 0 {
		current.MemoryBytes = next.MemoryBytes
	}
	return current
}

func (e *Engine) Capabilities() engine.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

func (e *Engine) Close() error {
	e.record("Close")
	return nil
}

// precheck applies reachability, context and injected faults, in that order.
func (e *Engine) precheck(ctx context.Context, point string, args ...any) error {
	e.mu.Lock()
	unreachable := e.unreachable
	e.mu.Unlock()
	if unreachable {
		return fmt.Errorf("%w: cannot connect to the fake engine", engine.ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Faults.Eval(point, args...)
}

func (e *Engine) lookup(nameOrID string) *fakeContainer {
	if c, ok := e.containers[nameOrID]; ok {
		return c
	}
	for _, c := range e.containers {
		if c.info.ID == nameOrID {
			return c
		}
	}
	return nil
}

func (e *Engine) imageByID(id string) (engine.ImageInfo, bool) {
	for _, img := range e.images {
		if img.ID == id {
			return img, true
		}
	}
	return engine.ImageInfo{}, false
}

func cloneInfo(in engine.ContainerInfo) engine.ContainerInfo {
	out := in
	out.Cmd = slices.Clone(in.Cmd)
	out.Env = slices.Clone(in.Env)
	out.Ports = slices.Clone(in.Ports)
	out.Mounts = slices.Clone(in.Mounts)
	out.Networks = slices.Clone(in.Networks)
	out.Labels = maps.Clone(in.Labels)
	if in.ExitCode != nil {
		code := *in.ExitCode
		out.ExitCode = &code
	}
	return out
}

// imageKey folds equivalent spellings ("nginx", "docker.io/library/nginx:latest")
// onto one key.
func imageKey(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.TagNameOnly(named).String()
}

func repoName(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return named.Name()
}
