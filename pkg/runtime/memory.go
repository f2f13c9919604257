package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/types"
)

// MemoryDriver is an in-process Driver. The agent uses it with
// `--runtime=memory` for dry environments, and tests use it as a fake.
type MemoryDriver struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	// Health overrides the reported health per service; services not listed
	// report healthy when they declare a health check and unknown otherwise.
	health map[string]types.HealthState
	// failures makes the named operation fail for a service ("create", "start", ...)
	failures map[string]map[string]error
	calls    []string
}

type memContainer struct {
	observed types.ObservedContainer
	spec     *types.ServiceSpec
}

// NewMemoryDriver creates an empty in-process driver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		containers: make(map[string]*memContainer),
		health:     make(map[string]types.HealthState),
		failures:   make(map[string]map[string]error),
	}
}

// SetHealth forces the health reported for a service
func (d *MemoryDriver) SetHealth(service string, state types.HealthState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health[service] = state
}

// FailOn makes op fail with err for service
func (d *MemoryDriver) FailOn(op, service string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures[service] == nil {
		d.failures[service] = make(map[string]error)
	}
	d.failures[service][op] = err
}

// Seed places an existing container, as if created by an earlier run
func (d *MemoryDriver) Seed(c types.ObservedContainer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[c.ID] = &memContainer{observed: c}
}

// Calls returns the operations performed so far, as "op service"
func (d *MemoryDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Container returns a copy of a container's observed state
func (d *MemoryDriver) Container(id string) (types.ObservedContainer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return types.ObservedContainer{}, false
	}
	return c.observed, true
}

func (d *MemoryDriver) record(op, service string) error {
	d.calls = append(d.calls, op+" "+service)
	if err := d.failures[service][op]; err != nil {
		return err
	}
	return nil
}

func (d *MemoryDriver) Create(ctx context.Context, project string, spec *types.ServiceSpec, fingerprint string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("create", spec.Name); err != nil {
		return "", err
	}
	id := ContainerID(project, spec.Name)
	if _, exists := d.containers[id]; exists {
		return "", fmt.Errorf("container %s already exists", id)
	}
	d.containers[id] = &memContainer{
		spec: spec,
		observed: types.ObservedContainer{
			ID:          id,
			Project:     project,
			Service:     spec.Name,
			ImageDigest: spec.Image,
			Fingerprint: fingerprint,
			State:       types.ContainerStopped,
			Health:      types.HealthUnknown,
			Retain:      spec.Retained(),
		},
	}
	return id, nil
}

func (d *MemoryDriver) Start(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s: %w", containerID, errdefs.ErrNotFound)
	}
	if err := d.record("start", c.observed.Service); err != nil {
		return err
	}
	c.observed.State = types.ContainerRunning
	return nil
}

func (d *MemoryDriver) Stop(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return nil
	}
	if err := d.record("stop", c.observed.Service); err != nil {
		return err
	}
	c.observed.State = types.ContainerStopped
	return nil
}

func (d *MemoryDriver) Remove(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return nil
	}
	if err := d.record("remove", c.observed.Service); err != nil {
		return err
	}
	delete(d.containers, containerID)
	return nil
}

func (d *MemoryDriver) Inspect(ctx context.Context, project string) ([]*types.ObservedContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["*"]["inspect"]; err != nil {
		return nil, err
	}
	var out []*types.ObservedContainer
	for _, c := range d.containers {
		if c.observed.Project != project {
			continue
		}
		oc := c.observed
		if oc.State == types.ContainerRunning {
			oc.Health = d.healthLocked(c)
		}
		out = append(out, &oc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDriver) HealthOf(ctx context.Context, containerID string) (types.HealthState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[containerID]
	if !ok {
		return types.HealthUnknown, fmt.Errorf("container %s: %w", containerID, errdefs.ErrNotFound)
	}
	if c.observed.State != types.ContainerRunning {
		return types.HealthUnhealthy, nil
	}
	return d.healthLocked(c), nil
}

func (d *MemoryDriver) healthLocked(c *memContainer) types.HealthState {
	if state, ok := d.health[c.observed.Service]; ok {
		return state
	}
	if c.spec != nil && c.spec.HealthCheck != nil {
		return types.HealthHealthy
	}
	return types.HealthUnknown
}
