package planner

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/overnode-org/overnode/pkg/types"
)

// fingerprintInput is the canonical form hashed into a fingerprint.
// Field order is part of the format.
type fingerprintInput struct {
	Image       string              `json:"image"`
	Environment []string            `json:"environment"`
	Volumes     []types.VolumeMount `json:"volumes"`
	Networks    []string            `json:"networks"`
	NetworkMode string              `json:"network_mode"`
	Command     []string            `json:"command"`
}

// Fingerprint hashes the parts of a service that require a new container
// when they change. Equivalent specs hash identically: the image is
// normalized and environment, volumes and networks are sorted.
func Fingerprint(spec *types.ServiceSpec) (string, error) {
	image, err := types.NormalizeImage(spec.Image)
	if err != nil {
		return "", err
	}

	in := fingerprintInput{
		Image:       image,
		Environment: make([]string, 0, len(spec.Environment)),
		Volumes:     append([]types.VolumeMount{}, spec.Volumes...),
		Networks:    append([]string{}, spec.Networks...),
		NetworkMode: spec.NetworkMode,
		Command:     append([]string{}, spec.Command...),
	}
	for k, v := range spec.Environment {
		in.Environment = append(in.Environment, k+"="+v)
	}
	sort.Strings(in.Environment)
	sort.Slice(in.Volumes, func(i, j int) bool { return in.Volumes[i].Target < in.Volumes[j].Target })
	sort.Strings(in.Networks)

	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint input: %w", err)
	}
	return digest.FromBytes(data).String(), nil
}
