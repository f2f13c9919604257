package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/overnode-org/overnode/pkg/types"
)

// Labels written on every managed container
const (
	LabelProject     = "org.overnode.project"
	LabelService     = "org.overnode.service"
	LabelFingerprint = "org.overnode.fingerprint"
	LabelRetain      = "org.overnode.retain"
	LabelHealthCheck = "org.overnode.healthcheck"
	LabelNetworks    = "org.overnode.networks"
)

// Driver is the container runtime capability of one node
type Driver interface {
	// Create creates (but does not start) the container for a service
	Create(ctx context.Context, project string, spec *types.ServiceSpec, fingerprint string) (string, error)
	Start(ctx context.Context, containerID string) error
	// Stop and Remove succeed when the container is already stopped or gone
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	// Inspect lists the project's containers on this node
	Inspect(ctx context.Context, project string) ([]*types.ObservedContainer, error)
	HealthOf(ctx context.Context, containerID string) (types.HealthState, error)
}

// ContainerID is the name of a service's container on a node
func ContainerID(project, service string) string {
	return project + "_" + service
}

// Labels returns the labels a managed container carries
func Labels(project string, spec *types.ServiceSpec, fingerprint string) (map[string]string, error) {
	labels := make(map[string]string, len(spec.Labels)+6)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelProject] = project
	labels[LabelService] = spec.Name
	labels[LabelFingerprint] = fingerprint
	labels[LabelRetain] = strconv.FormatBool(spec.Retained())
	if spec.HealthCheck != nil {
		data, err := json.Marshal(spec.HealthCheck)
		if err != nil {
			return nil, fmt.Errorf("failed to encode health check: %w", err)
		}
		labels[LabelHealthCheck] = string(data)
	}
	if len(spec.Networks) > 0 {
		data, err := json.Marshal(spec.Networks)
		if err != nil {
			return nil, err
		}
		labels[LabelNetworks] = string(data)
	}
	return labels, nil
}

// HealthCheckFromLabels decodes the health check stored on a container, or nil
func HealthCheckFromLabels(labels map[string]string) (*types.HealthCheck, error) {
	raw, ok := labels[LabelHealthCheck]
	if !ok || raw == "" {
		return nil, nil
	}
	var hc types.HealthCheck
	if err := json.Unmarshal([]byte(raw), &hc); err != nil {
		return nil, fmt.Errorf("invalid %s label: %w", LabelHealthCheck, err)
	}
	return &hc, nil
}

// Env renders a service environment as sorted KEY=VALUE pairs
func Env(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
