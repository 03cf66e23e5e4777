// Package docker adapts the Docker Engine API to the operations the control
// plane needs on bot containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// ErrContainerNotFound is returned when the named container does not exist.
var ErrContainerNotFound = errors.New("container not found")

// Container is a bot container as seen by the runtime.
type Container struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// engine is the subset of the Docker client used here.
type engine interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	Close() error
}

// Runtime manages bot containers. Bot containers carry nameMarker in
// their name; names containing excludeMarker (the broker itself, for
// instance) are never treated as bots.
type Runtime struct {
	engine        engine
	nameMarker    string
	excludeMarker string
}

// New connects to the Docker daemon at host, or the environment's default
// when host is empty.
func New(host, nameMarker, excludeMarker string) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newRuntime(cli, nameMarker, excludeMarker), nil
}

func newRuntime(e engine, nameMarker, excludeMarker string) *Runtime {
	if nameMarker == "" {
		nameMarker = "hummingbot"
	}
	if excludeMarker == "" {
		excludeMarker = "broker"
	}
	return &Runtime{engine: e, nameMarker: nameMarker, excludeMarker: excludeMarker}
}

func (r *Runtime) Close() error {
	return r.engine.Close()
}

// IsBot reports whether a container name follows the bot naming convention.
func (r *Runtime) IsBot(name string) bool {
	return strings.Contains(name, r.nameMarker) && !strings.Contains(name, r.excludeMarker)
}

// ListBots returns bot containers sorted by name. With all set, stopped
// containers are included.
func (r *Runtime) ListBots(ctx context.Context, all bool) ([]Container, error) {
	list, err := r.engine.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("name", r.nameMarker)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var bots []Container
	for _, c := range list {
		name := containerName(c.Names)
		if !r.IsBot(name) {
			continue
		}
		bots = append(bots, Container{ID: c.ID, Name: name, Image: c.Image, State: c.State, Status: c.Status})
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].Name < bots[j].Name })
	return bots, nil
}

// RunningBots returns the names of running bot containers.
func (r *Runtime) RunningBots(ctx context.Context) ([]string, error) {
	bots, err := r.ListBots(ctx, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(bots))
	for _, b := range bots {
		if b.State == "" || b.State == "running" {
			names = append(names, b.Name)
		}
	}
	return names, nil
}

// Start starts a stopped container.
func (r *Runtime) Start(ctx context.Context, name string) error {
	if err := r.engine.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return wrap("starting", name, err)
	}
	return nil
}

// Stop asks the daemon to stop name, leaving the daemon's default grace
// period in place.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	if err := r.engine.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return wrap("stopping", name, err)
	}
	return nil
}

// State returns the container's state, e.g. "running" or "exited".
func (r *Runtime) State(ctx context.Context, name string) (string, error) {
	info, err := r.engine.ContainerInspect(ctx, name)
	if err != nil {
		return "", wrap("inspecting", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("inspecting %s: no state reported", name)
	}
	return info.State.Status, nil
}

// Remove deletes name. With force set a running container is killed first.
func (r *Runtime) Remove(ctx context.Context, name string, force bool) error {
	if err := r.engine.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		return wrap("removing", name, err)
	}
	return nil
}

// RemoveExited deletes every exited bot container and returns the names
// removed. Failures do not stop the sweep; they are joined into the error.
func (r *Runtime) RemoveExited(ctx context.Context) ([]string, error) {
	bots, err := r.ListBots(ctx, true)
	if err != nil {
		return nil, err
	}
	removed := []string{}
	var errs []error
	for _, b := range bots {
		if b.State != "exited" {
			continue
		}
		if err := r.Remove(ctx, b.Name, false); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, b.Name)
	}
	return removed, errors.Join(errs...)
}

func wrap(op, name string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, name, ErrContainerNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
